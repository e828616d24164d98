package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowd/core/events"
	"escrowd/core/types"
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")
)

// engineState is the persistence surface the engine requires. The host
// guarantees record-level mutual exclusion per transaction identifier; the
// engine implements no locking of its own.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowDelete(id [32]byte) error
	ConfigPut(*Config) error
	ConfigGet() (*Config, bool)
}

// Ledger is the external value-transfer collaborator. TransferIn debits a
// payer and credits a custody holding; TransferOut debits a custody holding
// under its derivation-based authorization. Each call is atomic: it either
// moves exactly the requested amount or moves nothing.
type Ledger interface {
	TransferIn(payer, custody [20]byte, amount *big.Int, currency Currency) error
	TransferOut(auth CustodyAuthorization, payee [20]byte, amount *big.Int, currency Currency) error
	BalanceOf(addr [20]byte, currency Currency) (*big.Int, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine orchestrates every state transition over escrow records: creation,
// release (full, milestone, expiry), the dispute lifecycle, the rental
// deposit flow and administrative closure. Record mutations are applied
// strictly after all fund transfers succeed, so a failed transfer leaves the
// record unchanged and the operation retriable.
type Engine struct {
	state   engineState
	ledger  Ledger
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter. Callers can override the
// emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the value-transfer collaborator.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func (e *Engine) loadEscrow(txID [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(txID)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// Get returns a copy of the stored record for the supplied identifier.
func (e *Engine) Get(txID [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

func validateParties(buyer, seller, agent [20]byte) error {
	if buyer == ([20]byte{}) || seller == ([20]byte{}) || agent == ([20]byte{}) {
		return fmt.Errorf("%w: buyer, seller and agent must be non-zero", ErrInvalidArgument)
	}
	if buyer == seller {
		return fmt.Errorf("%w: buyer and seller must be distinct", ErrInvalidArgument)
	}
	return nil
}

func validateAmountBand(total *big.Int) error {
	if total == nil || total.Sign() <= 0 {
		return fmt.Errorf("%w: escrow amount must be positive", ErrInvalidArgument)
	}
	if total.Cmp(big.NewInt(MinEscrowAmount)) < 0 {
		return fmt.Errorf("%w: escrow amount below minimum %d", ErrInvalidArgument, MinEscrowAmount)
	}
	if total.Cmp(big.NewInt(MaxEscrowAmount)) > 0 {
		return fmt.Errorf("%w: escrow amount above maximum %d", ErrInvalidArgument, MaxEscrowAmount)
	}
	return nil
}

// Initialize creates a flat escrow: the full amount is custodied and released
// either by the agent or, once the expiry passes, by anyone. Record creation
// and the inbound custody transfer happen in one operation.
func (e *Engine) Initialize(txID [32]byte, buyer, seller, agent [20]byte, amount *big.Int, releaseSecs int64, currency Currency) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, ok := e.state.EscrowGet(txID); ok {
		return nil, fmt.Errorf("%w: escrow already exists for transaction id", ErrInvalidState)
	}
	if err := validateParties(buyer, seller, agent); err != nil {
		return nil, err
	}
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: malformed currency", ErrInvalidArgument)
	}
	amt := cloneBigInt(amount)
	if err := validateAmountBand(amt); err != nil {
		return nil, err
	}
	if releaseSecs < 0 || releaseSecs > MaxReleaseHorizon {
		return nil, fmt.Errorf("%w: release horizon outside [0, %d] seconds", ErrInvalidArgument, MaxReleaseHorizon)
	}
	now := e.now()
	esc := &Escrow{
		TxID:      txID,
		Buyer:     buyer,
		Seller:    seller,
		Agent:     agent,
		Currency:  currency,
		Amount:    amt,
		Plan:      FlatPlan(now + releaseSecs),
		CreatedAt: now,
	}
	if err := e.ledger.TransferIn(buyer, CustodyAddress(txID), amt, currency); err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewInitializedEvent(esc))
	return esc.Clone(), nil
}

// InitializeMilestones creates a milestone escrow whose total is the exact sum
// of the supplied milestone amounts.
func (e *Engine) InitializeMilestones(txID [32]byte, buyer, seller, agent [20]byte, milestones []*Milestone, currency Currency) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, ok := e.state.EscrowGet(txID); ok {
		return nil, fmt.Errorf("%w: escrow already exists for transaction id", ErrInvalidState)
	}
	if err := validateParties(buyer, seller, agent); err != nil {
		return nil, err
	}
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: malformed currency", ErrInvalidArgument)
	}
	if len(milestones) == 0 {
		return nil, fmt.Errorf("%w: milestone list must not be empty", ErrInvalidArgument)
	}
	total := big.NewInt(0)
	cloned := make([]*Milestone, len(milestones))
	for i, m := range milestones {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if m.Completed {
			return nil, fmt.Errorf("%w: milestone %d already completed at creation", ErrInvalidArgument, i)
		}
		cloned[i] = m.Clone()
		total.Add(total, cloned[i].Amount)
	}
	if err := validateAmountBand(total); err != nil {
		return nil, err
	}
	now := e.now()
	esc := &Escrow{
		TxID:      txID,
		Buyer:     buyer,
		Seller:    seller,
		Agent:     agent,
		Currency:  currency,
		Amount:    total,
		Plan:      MilestonePlan(cloned),
		CreatedAt: now,
	}
	if err := e.ledger.TransferIn(buyer, CustodyAddress(txID), total, currency); err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewMilestoneInitializedEvent(esc))
	return esc.Clone(), nil
}

// releasePayout skims the fee for the configured recipient and pays the net
// remainder to the payee, both from the record's custody holding. Returns the
// net amount paid. The caller mutates the record only after this succeeds.
func (e *Engine) releasePayout(esc *Escrow, cfg *Config, gross *big.Int, bps uint32, payee [20]byte) (*big.Int, error) {
	fee, net, err := ComputeFee(gross, bps, esc.Currency.IsNative())
	if err != nil {
		return nil, err
	}
	auth := authorizeCustody(esc.TxID)
	if fee.Sign() > 0 {
		if err := e.ledger.TransferOut(auth, cfg.FeeRecipient, fee, esc.Currency); err != nil {
			return nil, err
		}
	}
	if net.Sign() > 0 {
		if err := e.ledger.TransferOut(auth, payee, net, esc.Currency); err != nil {
			return nil, err
		}
	}
	return net, nil
}

func checkReleasable(esc *Escrow) error {
	if esc.Disputed {
		return fmt.Errorf("%w: escrow is disputed", ErrInvalidState)
	}
	if esc.Completed {
		return fmt.Errorf("%w: escrow already completed", ErrInvalidState)
	}
	return nil
}

// ReleaseFull settles a flat escrow in favour of the seller. Only the record's
// agent may invoke it.
func (e *Engine) ReleaseFull(txID [32]byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	if caller != esc.Agent {
		return fmt.Errorf("%w: only the agent may release", ErrUnauthorized)
	}
	if err := checkReleasable(esc); err != nil {
		return err
	}
	if esc.Plan.Kind != PlanFlat {
		return fmt.Errorf("%w: full release applies to flat escrows only", ErrInvalidState)
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	net, err := e.releasePayout(esc, cfg, esc.Amount, cfg.StandardFeeBps, esc.Seller)
	if err != nil {
		return err
	}
	esc.Completed = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc, net))
	return nil
}

// ReleaseMilestone settles a single milestone in favour of the seller. Only
// the record's agent may invoke it. Completing the last open milestone marks
// the whole record completed.
func (e *Engine) ReleaseMilestone(txID [32]byte, caller [20]byte, index int) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	if caller != esc.Agent {
		return fmt.Errorf("%w: only the agent may release", ErrUnauthorized)
	}
	if err := checkReleasable(esc); err != nil {
		return err
	}
	if esc.Plan.Kind != PlanMilestones {
		return fmt.Errorf("%w: escrow has no milestones", ErrInvalidState)
	}
	if index < 0 || index >= len(esc.Plan.Milestones) {
		return fmt.Errorf("%w: milestone index %d out of bounds", ErrInvalidArgument, index)
	}
	milestone := esc.Plan.Milestones[index]
	if milestone.Completed {
		return fmt.Errorf("%w: milestone %d already released", ErrInvalidState, index)
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	net, err := e.releasePayout(esc, cfg, milestone.Amount, cfg.MilestoneFeeBps, esc.Seller)
	if err != nil {
		return err
	}
	milestone.Completed = true
	allDone := true
	for _, m := range esc.Plan.Milestones {
		if m != nil && !m.Completed {
			allDone = false
			break
		}
	}
	if allDone {
		esc.Completed = true
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewMilestoneReleasedEvent(esc, index, net))
	return nil
}

// ReleaseOnExpiry settles a flat escrow to the seller once the expiry has
// passed. Anyone may trigger it; being called too early is a normal,
// retriable rejection.
func (e *Engine) ReleaseOnExpiry(txID [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	if esc.Plan.Kind != PlanFlat {
		return fmt.Errorf("%w: expiry release applies to flat escrows only", ErrInvalidState)
	}
	if e.now() < esc.Plan.ReleaseAt {
		return fmt.Errorf("%w: release timestamp not reached", ErrInvalidState)
	}
	if err := checkReleasable(esc); err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	net, err := e.releasePayout(esc, cfg, esc.Amount, cfg.StandardFeeBps, esc.Seller)
	if err != nil {
		return err
	}
	esc.Completed = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewExpiryReleasedEvent(esc, net))
	return nil
}

func (e *Engine) checkAgentStake(cfg *Config, agent [20]byte) error {
	if cfg.RequiredAgentStake == nil || cfg.RequiredAgentStake.Sign() <= 0 {
		return nil
	}
	balance, err := e.ledger.BalanceOf(agent, cfg.StakeCurrency)
	if err != nil {
		return err
	}
	if balance.Cmp(cfg.RequiredAgentStake) < 0 {
		return fmt.Errorf("%w: agent stake %s below required %s", ErrInsufficientPrivilege, balance, cfg.RequiredAgentStake)
	}
	return nil
}

func validateDescription(desc string) error {
	if strings.TrimSpace(desc) == "" {
		return fmt.Errorf("%w: dispute description must not be empty", ErrInvalidArgument)
	}
	if len(desc) > MaxDescriptionLen {
		return fmt.Errorf("%w: dispute description exceeds %d bytes", ErrInvalidArgument, MaxDescriptionLen)
	}
	return nil
}

// StartDispute suspends all release paths of a flat or milestone escrow. Only
// the record's agent may invoke it, subject to the configured stake check. No
// funds move.
func (e *Engine) StartDispute(txID [32]byte, caller [20]byte, description string) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	if caller != esc.Agent {
		return fmt.Errorf("%w: only the agent may start a dispute", ErrUnauthorized)
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if err := e.checkAgentStake(cfg, caller); err != nil {
		return err
	}
	if err := validateDescription(description); err != nil {
		return err
	}
	if esc.Plan.Kind == PlanRentalDeposit {
		return fmt.Errorf("%w: rental deposits are contested via the deposit dispute", ErrInvalidState)
	}
	if esc.Disputed {
		return fmt.Errorf("%w: escrow already disputed", ErrInvalidState)
	}
	if esc.Completed {
		return fmt.Errorf("%w: escrow already completed", ErrInvalidState)
	}
	esc.Disputed = true
	esc.DisputeReason = description
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputeStartedEvent(esc))
	return nil
}

// ResolveDispute settles a disputed escrow winner-take-all: the fee is skimmed
// from the full remaining amount and the net remainder goes entirely to the
// named winner, who must be the record's buyer or seller.
func (e *Engine) ResolveDispute(txID [32]byte, caller [20]byte, winner [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	if caller != esc.Agent {
		return fmt.Errorf("%w: only the agent may resolve a dispute", ErrUnauthorized)
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if err := e.checkAgentStake(cfg, caller); err != nil {
		return err
	}
	if esc.Plan.Kind == PlanRentalDeposit {
		return fmt.Errorf("%w: rental deposits settle through the deposit split", ErrInvalidState)
	}
	if !esc.Disputed {
		return fmt.Errorf("%w: escrow is not disputed", ErrInvalidState)
	}
	if esc.Completed {
		return fmt.Errorf("%w: escrow already completed", ErrInvalidState)
	}
	if winner != esc.Buyer && winner != esc.Seller {
		return fmt.Errorf("%w: winner must be the buyer or the seller", ErrInvalidArgument)
	}
	bps := cfg.StandardFeeBps
	if esc.Plan.Kind == PlanMilestones {
		bps = cfg.MilestoneFeeBps
	}
	net, err := e.releasePayout(esc, cfg, esc.Remaining(), bps, winner)
	if err != nil {
		return err
	}
	for _, m := range esc.Plan.Milestones {
		if m != nil {
			m.Completed = true
		}
	}
	esc.Completed = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(esc, winner, net))
	return nil
}

// Close reclaims the storage of a completed record. Only the config authority
// may invoke it; no escrowed value moves.
func (e *Engine) Close(txID [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if caller != cfg.Authority {
		return fmt.Errorf("%w: only the config authority may close", ErrUnauthorized)
	}
	if !esc.Completed {
		return fmt.Errorf("%w: escrow not completed", ErrInvalidState)
	}
	if err := e.state.EscrowDelete(txID); err != nil {
		return err
	}
	e.emit(NewClosedEvent(esc))
	return nil
}
