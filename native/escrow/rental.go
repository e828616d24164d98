package escrow

import (
	"fmt"
	"math/big"
)

// InitializeRental creates a rental escrow. Rent and deposit are custodied in
// one inbound transfer; the rent is then paid through to the seller
// immediately and fee-free, so only the deposit remains held. The deposit is
// returned, split or forfeited by the operations below.
func (e *Engine) InitializeRental(txID [32]byte, buyer, seller, agent [20]byte, rent, deposit *big.Int, currency Currency) (*Escrow, error) {
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
	rentAmt := cloneBigInt(rent)
	depositAmt := cloneBigInt(deposit)
	if rentAmt.Sign() < 0 {
		return nil, fmt.Errorf("%w: rent amount must be non-negative", ErrInvalidArgument)
	}
	if depositAmt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidArgument)
	}
	total := new(big.Int).Add(rentAmt, depositAmt)
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
		Plan:      RentalPlan(rentAmt, depositAmt),
		CreatedAt: now,
	}
	if err := e.ledger.TransferIn(buyer, CustodyAddress(txID), total, currency); err != nil {
		return nil, err
	}
	if rentAmt.Sign() > 0 {
		if err := e.ledger.TransferOut(authorizeCustody(txID), seller, rentAmt, currency); err != nil {
			return nil, err
		}
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewRentalInitializedEvent(esc))
	return esc.Clone(), nil
}

func rentalTerms(esc *Escrow) (*RentalTerms, error) {
	if esc.Plan.Kind != PlanRentalDeposit || esc.Plan.Rental == nil {
		return nil, fmt.Errorf("%w: escrow holds no rental deposit", ErrInvalidState)
	}
	return esc.Plan.Rental, nil
}

// ReturnDeposit pays part or all of the held deposit back to the buyer. Only
// the seller may invoke it. Returning the full remainder completes the
// record; a partial return opens the fixed 48-hour contest window on what is
// left.
func (e *Engine) ReturnDeposit(txID [32]byte, caller [20]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("%w: only the seller may return the deposit", ErrUnauthorized)
	}
	if esc.Disputed {
		return fmt.Errorf("%w: escrow is disputed", ErrInvalidState)
	}
	if esc.Completed {
		return fmt.Errorf("%w: escrow already completed", ErrInvalidState)
	}
	terms, err := rentalTerms(esc)
	if err != nil {
		return err
	}
	if terms.Status.Terminal() {
		return fmt.Errorf("%w: deposit already disbursed", ErrInvalidState)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: return amount must be positive", ErrInvalidArgument)
	}
	remaining := terms.Remaining()
	if amt.Cmp(remaining) > 0 {
		return fmt.Errorf("%w: return amount %s exceeds held deposit %s", ErrInvalidArgument, amt, remaining)
	}
	if err := e.ledger.TransferOut(authorizeCustody(txID), esc.Buyer, amt, esc.Currency); err != nil {
		return err
	}
	released := cloneBigInt(terms.ReleasedAmount)
	released.Add(released, amt)
	terms.ReleasedAmount = released
	var deadline int64
	if released.Cmp(terms.DepositAmount) == 0 {
		terms.Status = DepositReturned
		terms.DisputeDeadline = 0
		esc.Completed = true
	} else {
		deadline = e.now() + DepositDisputeWindow
		terms.Status = DepositPartial
		terms.DisputeDeadline = deadline
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDepositReturnedEvent(esc, amt, deadline))
	return nil
}

// DisputeDeposit lets the buyer contest the remainder of a partially returned
// deposit while the contest window is open. No funds move.
func (e *Engine) DisputeDeposit(txID [32]byte, caller [20]byte, description string) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: only the buyer may contest the deposit", ErrUnauthorized)
	}
	terms, err := rentalTerms(esc)
	if err != nil {
		return err
	}
	if esc.Completed {
		return fmt.Errorf("%w: escrow already completed", ErrInvalidState)
	}
	if esc.Disputed {
		return fmt.Errorf("%w: deposit already contested", ErrInvalidState)
	}
	if terms.Status != DepositPartial {
		return fmt.Errorf("%w: no partial release to contest", ErrInvalidState)
	}
	if e.now() >= terms.DisputeDeadline {
		return fmt.Errorf("%w: contest window closed", ErrInvalidState)
	}
	if err := validateDescription(description); err != nil {
		return err
	}
	esc.Disputed = true
	esc.DisputeReason = description
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDepositDisputedEvent(esc))
	return nil
}

// SettleDispute splits the contested deposit remainder between buyer and
// seller exactly. Only the agent may invoke it, and the named shares must sum
// to the undisbursed remainder.
func (e *Engine) SettleDispute(txID [32]byte, caller [20]byte, buyerAmt, sellerAmt *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	if caller != esc.Agent {
		return fmt.Errorf("%w: only the agent may settle the deposit", ErrUnauthorized)
	}
	terms, err := rentalTerms(esc)
	if err != nil {
		return err
	}
	if esc.Completed {
		return fmt.Errorf("%w: escrow already completed", ErrInvalidState)
	}
	if !esc.Disputed || terms.Status != DepositPartial {
		return fmt.Errorf("%w: no contested partial release to settle", ErrInvalidState)
	}
	buyerShare := cloneBigInt(buyerAmt)
	sellerShare := cloneBigInt(sellerAmt)
	if buyerShare.Sign() < 0 || sellerShare.Sign() < 0 {
		return fmt.Errorf("%w: settlement shares must be non-negative", ErrInvalidArgument)
	}
	remaining := terms.Remaining()
	sum := new(big.Int).Add(buyerShare, sellerShare)
	if sum.Cmp(remaining) != 0 {
		return fmt.Errorf("%w: shares sum to %s, remainder is %s", ErrInvalidArgument, sum, remaining)
	}
	auth := authorizeCustody(txID)
	if buyerShare.Sign() > 0 {
		if err := e.ledger.TransferOut(auth, esc.Buyer, buyerShare, esc.Currency); err != nil {
			return err
		}
	}
	if sellerShare.Sign() > 0 {
		if err := e.ledger.TransferOut(auth, esc.Seller, sellerShare, esc.Currency); err != nil {
			return err
		}
	}
	terms.ReleasedAmount = cloneBigInt(terms.DepositAmount)
	terms.Status = DepositSettled
	terms.DisputeDeadline = 0
	esc.Completed = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDepositSettledEvent(esc, buyerShare, sellerShare))
	return nil
}

// AutoRelease forfeits the uncontested remainder to the seller once the
// contest window has lapsed. Anyone may trigger it; being called before the
// deadline is a normal, retriable rejection.
func (e *Engine) AutoRelease(txID [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(txID)
	if err != nil {
		return err
	}
	terms, err := rentalTerms(esc)
	if err != nil {
		return err
	}
	if esc.Completed {
		return fmt.Errorf("%w: escrow already completed", ErrInvalidState)
	}
	if esc.Disputed {
		return fmt.Errorf("%w: contested deposit requires agent settlement", ErrInvalidState)
	}
	if terms.Status != DepositPartial {
		return fmt.Errorf("%w: no partial release pending", ErrInvalidState)
	}
	if e.now() < terms.DisputeDeadline {
		return fmt.Errorf("%w: contest window still open", ErrInvalidState)
	}
	remaining := terms.Remaining()
	if remaining.Sign() > 0 {
		if err := e.ledger.TransferOut(authorizeCustody(txID), esc.Seller, remaining, esc.Currency); err != nil {
			return err
		}
	}
	terms.ReleasedAmount = cloneBigInt(terms.DepositAmount)
	terms.Status = DepositForfeited
	terms.DisputeDeadline = 0
	esc.Completed = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDepositForfeitedEvent(esc, remaining))
	return nil
}
