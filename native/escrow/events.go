package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeEscrowInitialized    = "escrow.initialized"
	EventTypeMilestoneInitialized = "escrow.milestone.initialized"
	EventTypeRentalInitialized    = "escrow.rental.initialized"
	EventTypePaymentReleased      = "escrow.released"
	EventTypeMilestoneReleased    = "escrow.milestone.released"
	EventTypeExpiryReleased       = "escrow.expired.released"
	EventTypeDisputeStarted       = "escrow.dispute.started"
	EventTypeDisputeResolved      = "escrow.dispute.resolved"
	EventTypeDepositReturned      = "escrow.deposit.returned"
	EventTypeDepositDisputed      = "escrow.deposit.disputed"
	EventTypeDepositSettled       = "escrow.deposit.settled"
	EventTypeDepositForfeited     = "escrow.deposit.forfeited"
	EventTypeEscrowClosed         = "escrow.closed"
)

// NewInitializedEvent returns the canonical payload for a newly created flat
// escrow.
func NewInitializedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowInitialized, e, nil)
}

// NewMilestoneInitializedEvent returns the payload for a newly created
// milestone escrow, including the milestone count.
func NewMilestoneInitializedEvent(e *Escrow) *types.Event {
	extra := map[string]string{}
	if e != nil {
		extra["milestones"] = strconv.Itoa(len(e.Plan.Milestones))
	}
	return newEscrowEvent(EventTypeMilestoneInitialized, e, extra)
}

// NewRentalInitializedEvent returns the payload for a newly created rental
// escrow with its rent/deposit split.
func NewRentalInitializedEvent(e *Escrow) *types.Event {
	extra := map[string]string{}
	if e != nil && e.Plan.Rental != nil {
		extra["rentAmount"] = bigString(e.Plan.Rental.RentAmount)
		extra["depositAmount"] = bigString(e.Plan.Rental.DepositAmount)
	}
	return newEscrowEvent(EventTypeRentalInitialized, e, extra)
}

// NewReleasedEvent returns the payload emitted when a flat escrow pays out to
// the seller, carrying the net amount actually paid.
func NewReleasedEvent(e *Escrow, net *big.Int) *types.Event {
	return newEscrowEvent(EventTypePaymentReleased, e, map[string]string{"netAmount": bigString(net)})
}

// NewExpiryReleasedEvent returns the payload for a permissionless
// expiry-triggered release.
func NewExpiryReleasedEvent(e *Escrow, net *big.Int) *types.Event {
	return newEscrowEvent(EventTypeExpiryReleased, e, map[string]string{"netAmount": bigString(net)})
}

// NewMilestoneReleasedEvent returns the payload for a single milestone payout.
func NewMilestoneReleasedEvent(e *Escrow, index int, net *big.Int) *types.Event {
	return newEscrowEvent(EventTypeMilestoneReleased, e, map[string]string{
		"milestoneIndex": strconv.Itoa(index),
		"netAmount":      bigString(net),
	})
}

// NewDisputeStartedEvent returns the payload emitted when a dispute opens.
func NewDisputeStartedEvent(e *Escrow) *types.Event {
	extra := map[string]string{}
	if e != nil {
		extra["description"] = e.DisputeReason
	}
	return newEscrowEvent(EventTypeDisputeStarted, e, extra)
}

// NewDisputeResolvedEvent returns the payload naming the winner of a resolved
// dispute and the net amount awarded.
func NewDisputeResolvedEvent(e *Escrow, winner [20]byte, net *big.Int) *types.Event {
	return newEscrowEvent(EventTypeDisputeResolved, e, map[string]string{
		"winner":    hex.EncodeToString(winner[:]),
		"netAmount": bigString(net),
	})
}

// NewDepositReturnedEvent returns the payload for a full or partial deposit
// return to the buyer.
func NewDepositReturnedEvent(e *Escrow, amount *big.Int, deadline int64) *types.Event {
	extra := map[string]string{"amount": bigString(amount)}
	if deadline > 0 {
		extra["disputeDeadline"] = strconv.FormatInt(deadline, 10)
	}
	return newEscrowEvent(EventTypeDepositReturned, e, extra)
}

// NewDepositDisputedEvent returns the payload emitted when the buyer contests
// a partial deposit return.
func NewDepositDisputedEvent(e *Escrow) *types.Event {
	extra := map[string]string{}
	if e != nil {
		extra["description"] = e.DisputeReason
	}
	return newEscrowEvent(EventTypeDepositDisputed, e, extra)
}

// NewDepositSettledEvent returns the payload for an agent-arbitrated deposit
// split.
func NewDepositSettledEvent(e *Escrow, buyerAmt, sellerAmt *big.Int) *types.Event {
	return newEscrowEvent(EventTypeDepositSettled, e, map[string]string{
		"buyerAmount":  bigString(buyerAmt),
		"sellerAmount": bigString(sellerAmt),
	})
}

// NewDepositForfeitedEvent returns the payload emitted when the contest window
// lapses and the remainder pays out to the seller.
func NewDepositForfeitedEvent(e *Escrow, amount *big.Int) *types.Event {
	return newEscrowEvent(EventTypeDepositForfeited, e, map[string]string{"amount": bigString(amount)})
}

// NewClosedEvent returns the payload for an administrative record closure.
func NewClosedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowClosed, e, nil)
}

func newEscrowEvent(eventType string, e *Escrow, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["txId"] = hex.EncodeToString(e.TxID[:])
	attrs["buyer"] = hex.EncodeToString(e.Buyer[:])
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["agent"] = hex.EncodeToString(e.Agent[:])
	attrs["currency"] = e.Currency.String()
	attrs["amount"] = bigString(e.Amount)
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
