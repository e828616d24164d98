package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowd/native/escrow"
	"escrowd/storage"
)

var (
	balancePrefix = []byte("balance:")
	assetPrefix   = []byte("asset:")
	escrowPrefix  = []byte("escrow:")
	configKey     = ethcrypto.Keccak256([]byte("escrow-config"))
)

// Manager provides the persistence surface and the ledger collaborator over a
// raw key-value database. All values are RLP encoded under keccak-hashed
// prefixed keys.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func balanceKey(addr [20]byte, currency escrow.Currency) []byte {
	symbol := currency.String()
	buf := make([]byte, 0, len(balancePrefix)+len(symbol)+1+len(addr))
	buf = append(buf, balancePrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, ':')
	buf = append(buf, addr[:]...)
	return ethcrypto.Keccak256(buf)
}

func assetKey(symbol string) []byte {
	buf := make([]byte, 0, len(assetPrefix)+len(symbol))
	buf = append(buf, assetPrefix...)
	buf = append(buf, symbol...)
	return ethcrypto.Keccak256(buf)
}

func escrowKey(txID [32]byte) []byte {
	buf := make([]byte, 0, len(escrowPrefix)+len(txID))
	buf = append(buf, escrowPrefix...)
	buf = append(buf, txID[:]...)
	return ethcrypto.Keccak256(buf)
}

// RegisterAsset marks a fungible asset symbol as transferable. Transfers in an
// unregistered asset fail with the currency-mismatch error.
func (m *Manager) RegisterAsset(symbol string) error {
	currency, err := escrow.FungibleCurrency(symbol)
	if err != nil {
		return err
	}
	return m.db.Put(assetKey(currency.Asset), []byte{1})
}

func (m *Manager) currencyKnown(currency escrow.Currency) (bool, error) {
	if currency.IsNative() {
		return true, nil
	}
	_, err := m.db.Get(assetKey(currency.Asset))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) checkCurrency(currency escrow.Currency) error {
	if !currency.Valid() {
		return fmt.Errorf("%w: malformed currency", escrow.ErrCurrencyMismatch)
	}
	known, err := m.currencyKnown(currency)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: unknown asset %s", escrow.ErrCurrencyMismatch, currency.Asset)
	}
	return nil
}

func (m *Manager) balance(addr [20]byte, currency escrow.Currency) (*big.Int, error) {
	data, err := m.db.Get(balanceKey(addr, currency))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return value, nil
}

func (m *Manager) setBalance(addr [20]byte, currency escrow.Currency, value *big.Int) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	return m.db.Put(balanceKey(addr, currency), encoded)
}

// Mint credits an account out of thin air. Used for genesis allocations and
// tests; never reachable through an engine operation.
func (m *Manager) Mint(addr [20]byte, currency escrow.Currency, amount *big.Int) error {
	if err := m.checkCurrency(currency); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: mint amount must be non-negative", escrow.ErrInvalidArgument)
	}
	current, err := m.balance(addr, currency)
	if err != nil {
		return err
	}
	return m.setBalance(addr, currency, new(big.Int).Add(current, amount))
}

// BalanceOf returns the balance an identity holds in the supplied currency.
func (m *Manager) BalanceOf(addr [20]byte, currency escrow.Currency) (*big.Int, error) {
	if err := m.checkCurrency(currency); err != nil {
		return nil, err
	}
	return m.balance(addr, currency)
}

func (m *Manager) move(from, to [20]byte, amount *big.Int, currency escrow.Currency) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: transfer amount must be non-negative", escrow.ErrInvalidArgument)
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := m.balance(from, currency)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s below transfer %s", escrow.ErrInsufficientFunds, fromBal, amount)
	}
	toBal, err := m.balance(to, currency)
	if err != nil {
		return err
	}
	if err := m.setBalance(from, currency, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return m.setBalance(to, currency, new(big.Int).Add(toBal, amount))
}

// TransferIn debits the payer and credits the custody holding exactly amount.
func (m *Manager) TransferIn(payer, custody [20]byte, amount *big.Int, currency escrow.Currency) error {
	if err := m.checkCurrency(currency); err != nil {
		return err
	}
	return m.move(payer, custody, amount, currency)
}

// TransferOut debits a custody holding under its derivation-based
// authorization and credits the payee. An authorization whose address does
// not match its derivation is rejected outright.
func (m *Manager) TransferOut(auth escrow.CustodyAuthorization, payee [20]byte, amount *big.Int, currency escrow.Currency) error {
	if !auth.Verify() {
		return fmt.Errorf("%w: custody authorization does not match derivation", escrow.ErrUnauthorized)
	}
	if err := m.checkCurrency(currency); err != nil {
		return err
	}
	return m.move(auth.Address, payee, amount, currency)
}

// --- escrow record persistence ---

type storedMilestone struct {
	Amount      *big.Int
	Description string
	Completed   bool
}

type storedRental struct {
	RentAmount      *big.Int
	DepositAmount   *big.Int
	Status          uint8
	ReleasedAmount  *big.Int
	DisputeDeadline uint64
}

type storedEscrow struct {
	TxID          [32]byte
	Buyer         [20]byte
	Seller        [20]byte
	Agent         [20]byte
	CurrencyKind  uint8
	CurrencyAsset string
	Amount        *big.Int
	PlanKind      uint8
	ReleaseAt     uint64
	Milestones    []storedMilestone
	Rental        []storedRental
	Disputed      bool
	Completed     bool
	DisputeReason string
	CreatedAt     uint64
}

func toStoredEscrow(e *escrow.Escrow) *storedEscrow {
	stored := &storedEscrow{
		TxID:          e.TxID,
		Buyer:         e.Buyer,
		Seller:        e.Seller,
		Agent:         e.Agent,
		CurrencyKind:  uint8(e.Currency.Kind),
		CurrencyAsset: e.Currency.Asset,
		Amount:        e.Amount,
		PlanKind:      uint8(e.Plan.Kind),
		ReleaseAt:     uint64(e.Plan.ReleaseAt),
		Disputed:      e.Disputed,
		Completed:     e.Completed,
		DisputeReason: e.DisputeReason,
		CreatedAt:     uint64(e.CreatedAt),
	}
	for _, m := range e.Plan.Milestones {
		stored.Milestones = append(stored.Milestones, storedMilestone{
			Amount:      m.Amount,
			Description: m.Description,
			Completed:   m.Completed,
		})
	}
	if r := e.Plan.Rental; r != nil {
		stored.Rental = []storedRental{{
			RentAmount:      r.RentAmount,
			DepositAmount:   r.DepositAmount,
			Status:          uint8(r.Status),
			ReleasedAmount:  r.ReleasedAmount,
			DisputeDeadline: uint64(r.DisputeDeadline),
		}}
	}
	return stored
}

func fromStoredEscrow(stored *storedEscrow) *escrow.Escrow {
	e := &escrow.Escrow{
		TxID:     stored.TxID,
		Buyer:    stored.Buyer,
		Seller:   stored.Seller,
		Agent:    stored.Agent,
		Currency: escrow.Currency{Kind: escrow.CurrencyKind(stored.CurrencyKind), Asset: stored.CurrencyAsset},
		Amount:   stored.Amount,
		Plan: escrow.SettlementPlan{
			Kind:      escrow.PlanKind(stored.PlanKind),
			ReleaseAt: int64(stored.ReleaseAt),
		},
		Disputed:      stored.Disputed,
		Completed:     stored.Completed,
		DisputeReason: stored.DisputeReason,
		CreatedAt:     int64(stored.CreatedAt),
	}
	for _, m := range stored.Milestones {
		e.Plan.Milestones = append(e.Plan.Milestones, &escrow.Milestone{
			Amount:      m.Amount,
			Description: m.Description,
			Completed:   m.Completed,
		})
	}
	if len(stored.Rental) > 0 {
		r := stored.Rental[0]
		e.Plan.Rental = &escrow.RentalTerms{
			RentAmount:      r.RentAmount,
			DepositAmount:   r.DepositAmount,
			Status:          escrow.DepositStatus(r.Status),
			ReleasedAmount:  r.ReleasedAmount,
			DisputeDeadline: int64(r.DisputeDeadline),
		}
	}
	return e
}

// EscrowPut sanitizes and persists the supplied record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredEscrow(sanitized))
	if err != nil {
		return fmt.Errorf("encode escrow: %w", err)
	}
	return m.db.Put(escrowKey(sanitized.TxID), encoded)
}

// EscrowGet loads the record stored under the transaction identifier.
func (m *Manager) EscrowGet(txID [32]byte) (*escrow.Escrow, bool) {
	data, err := m.db.Get(escrowKey(txID))
	if err != nil {
		return nil, false
	}
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return fromStoredEscrow(stored), true
}

// EscrowDelete reclaims the storage of a record.
func (m *Manager) EscrowDelete(txID [32]byte) error {
	return m.db.Delete(escrowKey(txID))
}

// --- config record persistence ---

type storedConfig struct {
	Authority          [20]byte
	FeeRecipient       [20]byte
	StandardFeeBps     uint32
	MilestoneFeeBps    uint32
	RequiredAgentStake *big.Int
	StakeKind          uint8
	StakeAsset         string
}

// ConfigPut persists the deployment config record.
func (m *Manager) ConfigPut(cfg *escrow.Config) error {
	sanitized, err := escrow.SanitizeConfig(cfg)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(&storedConfig{
		Authority:          sanitized.Authority,
		FeeRecipient:       sanitized.FeeRecipient,
		StandardFeeBps:     sanitized.StandardFeeBps,
		MilestoneFeeBps:    sanitized.MilestoneFeeBps,
		RequiredAgentStake: sanitized.RequiredAgentStake,
		StakeKind:          uint8(sanitized.StakeCurrency.Kind),
		StakeAsset:         sanitized.StakeCurrency.Asset,
	})
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return m.db.Put(configKey, encoded)
}

// ConfigGet loads the deployment config record.
func (m *Manager) ConfigGet() (*escrow.Config, bool) {
	data, err := m.db.Get(configKey)
	if err != nil {
		return nil, false
	}
	stored := new(storedConfig)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return &escrow.Config{
		Authority:          stored.Authority,
		FeeRecipient:       stored.FeeRecipient,
		StandardFeeBps:     stored.StandardFeeBps,
		MilestoneFeeBps:    stored.MilestoneFeeBps,
		RequiredAgentStake: stored.RequiredAgentStake,
		StakeCurrency:      escrow.Currency{Kind: escrow.CurrencyKind(stored.StakeKind), Asset: stored.StakeAsset},
	}, true
}
