package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// MinEscrowAmount rejects negligible deals whose fees would round to
	// nothing meaningful.
	MinEscrowAmount = 10_000_000
	// MaxEscrowAmount caps a single deal at one billion base units.
	MaxEscrowAmount = 1_000_000_000
	// MaxReleaseHorizon bounds the expiry of a flat escrow to one year from
	// creation.
	MaxReleaseHorizon int64 = 31_536_000
	// MaxDescriptionLen bounds dispute and milestone descriptions.
	MaxDescriptionLen = 1024
	// DepositDisputeWindow is the fixed contest window opened by a partial
	// deposit return.
	DepositDisputeWindow int64 = 172_800 // 48 hours
)

// CurrencyKind discriminates the two asset families an escrow can custody.
type CurrencyKind uint8

const (
	// CurrencyNative denotes the ledger's native unit of value.
	CurrencyNative CurrencyKind = iota
	// CurrencyFungible denotes a registered fungible asset.
	CurrencyFungible
)

// Currency is the tagged asset discriminant carried by every escrow record.
// A native currency has no asset symbol; a fungible currency always does.
type Currency struct {
	Kind  CurrencyKind
	Asset string
}

// NativeCurrency returns the native-unit currency value.
func NativeCurrency() Currency {
	return Currency{Kind: CurrencyNative}
}

// FungibleCurrency builds a fungible currency from the supplied asset symbol,
// normalising it to canonical uppercase form.
func FungibleCurrency(asset string) (Currency, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(asset))
	if trimmed == "" {
		return Currency{}, fmt.Errorf("%w: fungible asset symbol required", ErrInvalidArgument)
	}
	return Currency{Kind: CurrencyFungible, Asset: trimmed}, nil
}

// IsNative reports whether the currency is the ledger's native unit.
func (c Currency) IsNative() bool { return c.Kind == CurrencyNative }

// Valid reports whether the currency is a well-formed variant.
func (c Currency) Valid() bool {
	switch c.Kind {
	case CurrencyNative:
		return c.Asset == ""
	case CurrencyFungible:
		return strings.TrimSpace(c.Asset) != ""
	default:
		return false
	}
}

// Equal reports whether two currency values denote the same asset.
func (c Currency) Equal(other Currency) bool {
	return c.Kind == other.Kind && c.Asset == other.Asset
}

// String renders the currency for events and logs.
func (c Currency) String() string {
	if c.IsNative() {
		return "native"
	}
	return c.Asset
}

// PlanKind discriminates the settlement plan variants an escrow can follow.
type PlanKind uint8

const (
	// PlanFlat releases the full amount at once, either by the agent or by
	// anyone once the expiry timestamp passes.
	PlanFlat PlanKind = iota
	// PlanMilestones releases the amount piecewise as milestones complete.
	PlanMilestones
	// PlanRentalDeposit holds a rental deposit subject to partial return and
	// a fixed contest window.
	PlanRentalDeposit
)

// Valid reports whether the plan kind is within the supported range.
func (k PlanKind) Valid() bool {
	switch k {
	case PlanFlat, PlanMilestones, PlanRentalDeposit:
		return true
	default:
		return false
	}
}

// Milestone is a named partial amount of the escrowed total, independently
// releasable by the agent.
type Milestone struct {
	Amount      *big.Int
	Description string
	Completed   bool
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return &clone
}

// Validate ensures the milestone fields are sane prior to persistence.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrInvalidArgument)
	}
	if m.Amount == nil || m.Amount.Sign() < 0 {
		return fmt.Errorf("%w: milestone amount must be non-negative", ErrInvalidArgument)
	}
	if len(m.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: milestone description exceeds %d bytes", ErrInvalidArgument, MaxDescriptionLen)
	}
	return nil
}

// DepositStatus is the tri-state (plus terminal outcomes) lifecycle of a
// rental deposit return.
type DepositStatus uint8

const (
	// DepositHeld marks a deposit fully custodied with no return started.
	DepositHeld DepositStatus = iota
	// DepositPartial marks a deposit partially returned to the buyer, with
	// the contest window running on the remainder.
	DepositPartial
	// DepositReturned marks a deposit returned to the buyer in full.
	DepositReturned
	// DepositSettled marks a contested remainder split by the agent.
	DepositSettled
	// DepositForfeited marks a remainder paid to the seller after the buyer
	// let the contest window lapse.
	DepositForfeited
)

// Valid reports whether the status value is within the supported range.
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositHeld, DepositPartial, DepositReturned, DepositSettled, DepositForfeited:
		return true
	default:
		return false
	}
}

// Terminal reports whether the deposit has been fully disbursed.
func (s DepositStatus) Terminal() bool {
	switch s {
	case DepositReturned, DepositSettled, DepositForfeited:
		return true
	default:
		return false
	}
}

// RentalTerms carries the rent/deposit split of a rental escrow together with
// the deposit-return state machine.
type RentalTerms struct {
	RentAmount     *big.Int
	DepositAmount  *big.Int
	Status         DepositStatus
	ReleasedAmount *big.Int
	// DisputeDeadline is the absolute unix time by which the buyer may
	// contest a partial return. Zero until a partial return happens.
	DisputeDeadline int64
}

// Clone returns a deep copy of the rental terms.
func (r *RentalTerms) Clone() *RentalTerms {
	if r == nil {
		return nil
	}
	clone := *r
	if r.RentAmount != nil {
		clone.RentAmount = new(big.Int).Set(r.RentAmount)
	}
	if r.DepositAmount != nil {
		clone.DepositAmount = new(big.Int).Set(r.DepositAmount)
	}
	if r.ReleasedAmount != nil {
		clone.ReleasedAmount = new(big.Int).Set(r.ReleasedAmount)
	}
	return &clone
}

// Validate ensures the rental terms are sane prior to persistence.
func (r *RentalTerms) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: rental terms must not be nil", ErrInvalidArgument)
	}
	if r.RentAmount == nil || r.RentAmount.Sign() < 0 {
		return fmt.Errorf("%w: rent amount must be non-negative", ErrInvalidArgument)
	}
	if r.DepositAmount == nil || r.DepositAmount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidArgument)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: invalid deposit status %d", ErrInvalidArgument, r.Status)
	}
	released := r.ReleasedAmount
	if released == nil {
		released = big.NewInt(0)
	}
	if released.Sign() < 0 || released.Cmp(r.DepositAmount) > 0 {
		return fmt.Errorf("%w: released amount outside deposit bounds", ErrInvalidArgument)
	}
	return nil
}

// Remaining returns the undisbursed share of the deposit.
func (r *RentalTerms) Remaining() *big.Int {
	if r == nil || r.DepositAmount == nil {
		return big.NewInt(0)
	}
	released := r.ReleasedAmount
	if released == nil {
		released = big.NewInt(0)
	}
	return new(big.Int).Sub(r.DepositAmount, released)
}

// SettlementPlan is the tagged variant unifying the three escrow shapes. The
// engine dispatches on Kind; exactly one payload field is populated.
type SettlementPlan struct {
	Kind PlanKind
	// ReleaseAt is the absolute expiry timestamp of a flat escrow, after
	// which anyone may trigger release to the seller.
	ReleaseAt  int64
	Milestones []*Milestone
	Rental     *RentalTerms
}

// FlatPlan builds the flat-release plan expiring at the supplied timestamp.
func FlatPlan(releaseAt int64) SettlementPlan {
	return SettlementPlan{Kind: PlanFlat, ReleaseAt: releaseAt}
}

// MilestonePlan builds the milestone-release plan.
func MilestonePlan(milestones []*Milestone) SettlementPlan {
	return SettlementPlan{Kind: PlanMilestones, Milestones: milestones}
}

// RentalPlan builds the rental-deposit plan.
func RentalPlan(rent, deposit *big.Int) SettlementPlan {
	return SettlementPlan{Kind: PlanRentalDeposit, Rental: &RentalTerms{
		RentAmount:     cloneBigInt(rent),
		DepositAmount:  cloneBigInt(deposit),
		Status:         DepositHeld,
		ReleasedAmount: big.NewInt(0),
	}}
}

// Clone returns a deep copy of the plan.
func (p SettlementPlan) Clone() SettlementPlan {
	clone := p
	if len(p.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(p.Milestones))
		for i, m := range p.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	clone.Rental = p.Rental.Clone()
	return clone
}

// Validate checks internal consistency of the plan against the escrowed total.
func (p SettlementPlan) Validate(total *big.Int) error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: invalid plan kind %d", ErrInvalidArgument, p.Kind)
	}
	if total == nil || total.Sign() <= 0 {
		return fmt.Errorf("%w: escrow total must be positive", ErrInvalidArgument)
	}
	switch p.Kind {
	case PlanFlat:
		if len(p.Milestones) != 0 || p.Rental != nil {
			return fmt.Errorf("%w: flat plan carries no milestones or rental terms", ErrInvalidArgument)
		}
	case PlanMilestones:
		if len(p.Milestones) == 0 {
			return fmt.Errorf("%w: milestone plan requires at least one milestone", ErrInvalidArgument)
		}
		if p.Rental != nil {
			return fmt.Errorf("%w: milestone plan carries no rental terms", ErrInvalidArgument)
		}
		sum := big.NewInt(0)
		for _, m := range p.Milestones {
			if err := m.Validate(); err != nil {
				return err
			}
			sum.Add(sum, m.Amount)
		}
		if sum.Cmp(total) != 0 {
			return fmt.Errorf("%w: milestone amounts sum to %s, escrow total is %s", ErrInvalidArgument, sum, total)
		}
	case PlanRentalDeposit:
		if len(p.Milestones) != 0 {
			return fmt.Errorf("%w: rental plan carries no milestones", ErrInvalidArgument)
		}
		if err := p.Rental.Validate(); err != nil {
			return err
		}
		sum := new(big.Int).Add(p.Rental.RentAmount, p.Rental.DepositAmount)
		if sum.Cmp(total) != 0 {
			return fmt.Errorf("%w: rent plus deposit is %s, escrow total is %s", ErrInvalidArgument, sum, total)
		}
	}
	return nil
}

// Escrow is the durable record of one in-flight deal. It is created exactly
// once, mutated only by the engine, and deleted only after completion.
type Escrow struct {
	TxID     [32]byte
	Buyer    [20]byte
	Seller   [20]byte
	Agent    [20]byte
	Currency Currency
	// Amount is the total value custodied at initialization.
	Amount *big.Int
	Plan   SettlementPlan
	// Disputed gates every release path until the dispute resolves.
	Disputed bool
	// Completed marks the record causally terminal: no further fund
	// movement is permitted, only closure.
	Completed bool
	// DisputeReason is retained for audit once set; it is never cleared.
	DisputeReason string
	CreatedAt     int64
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.Plan = e.Plan.Clone()
	return &clone
}

// Remaining returns the value still custodied by the record: the full amount
// for a flat escrow, the incomplete milestone sum for a milestone escrow, and
// the undisbursed deposit remainder for a rental escrow.
func (e *Escrow) Remaining() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	switch e.Plan.Kind {
	case PlanMilestones:
		sum := big.NewInt(0)
		for _, m := range e.Plan.Milestones {
			if m != nil && !m.Completed && m.Amount != nil {
				sum.Add(sum, m.Amount)
			}
		}
		return sum
	case PlanRentalDeposit:
		return e.Plan.Rental.Remaining()
	default:
		return cloneBigInt(e.Amount)
	}
}

// SanitizeEscrow validates and normalises the supplied record, returning a
// cloned instance with non-nil amounts. The original value is not mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil escrow", ErrInvalidArgument)
	}
	clone := e.Clone()
	if !clone.Currency.Valid() {
		return nil, fmt.Errorf("%w: malformed currency", ErrInvalidArgument)
	}
	if err := clone.Plan.Validate(clone.Amount); err != nil {
		return nil, err
	}
	if len(clone.DisputeReason) > MaxDescriptionLen {
		return nil, fmt.Errorf("%w: dispute description exceeds %d bytes", ErrInvalidArgument, MaxDescriptionLen)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
