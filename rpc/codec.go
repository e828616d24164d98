package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"escrowd/native/escrow"
)

func parseTxID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("decode txId: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("txId must be %d bytes", len(id))
	}
	copy(id[:], decoded)
	return id, nil
}

func parseAddr(field, raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("decode %s: %w", field, err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("%s must be %d bytes", field, len(addr))
	}
	copy(addr[:], decoded)
	return addr, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a decimal integer", field)
	}
	return value, nil
}

// parseCurrency maps the wire asset field onto a currency: empty or "native"
// selects the native denomination, anything else a fungible asset symbol.
func parseCurrency(asset string) (escrow.Currency, error) {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" || strings.EqualFold(trimmed, "native") {
		return escrow.NativeCurrency(), nil
	}
	return escrow.FungibleCurrency(trimmed)
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func hexTxID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

type milestoneView struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

type rentalView struct {
	RentAmount      string `json:"rentAmount"`
	DepositAmount   string `json:"depositAmount"`
	Status          string `json:"status"`
	ReleasedAmount  string `json:"releasedAmount"`
	DisputeDeadline int64  `json:"disputeDeadline,omitempty"`
}

type escrowView struct {
	TxID          string          `json:"txId"`
	Buyer         string          `json:"buyer"`
	Seller        string          `json:"seller"`
	Agent         string          `json:"agent"`
	Currency      string          `json:"currency"`
	Amount        string          `json:"amount"`
	Plan          string          `json:"plan"`
	ReleaseAt     int64           `json:"releaseAt,omitempty"`
	Milestones    []milestoneView `json:"milestones,omitempty"`
	Rental        *rentalView     `json:"rental,omitempty"`
	Disputed      bool            `json:"disputed"`
	Completed     bool            `json:"completed"`
	DisputeReason string          `json:"disputeReason,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
}

func planName(kind escrow.PlanKind) string {
	switch kind {
	case escrow.PlanFlat:
		return "flat"
	case escrow.PlanMilestones:
		return "milestones"
	case escrow.PlanRentalDeposit:
		return "rental"
	default:
		return "unknown"
	}
}

func depositStatusName(status escrow.DepositStatus) string {
	switch status {
	case escrow.DepositHeld:
		return "held"
	case escrow.DepositPartial:
		return "partial"
	case escrow.DepositReturned:
		return "returned"
	case escrow.DepositSettled:
		return "settled"
	case escrow.DepositForfeited:
		return "forfeited"
	default:
		return "unknown"
	}
}

func newEscrowView(e *escrow.Escrow) *escrowView {
	view := &escrowView{
		TxID:          hexTxID(e.TxID),
		Buyer:         hexAddr(e.Buyer),
		Seller:        hexAddr(e.Seller),
		Agent:         hexAddr(e.Agent),
		Currency:      e.Currency.String(),
		Amount:        e.Amount.String(),
		Plan:          planName(e.Plan.Kind),
		ReleaseAt:     e.Plan.ReleaseAt,
		Disputed:      e.Disputed,
		Completed:     e.Completed,
		DisputeReason: e.DisputeReason,
		CreatedAt:     e.CreatedAt,
	}
	for _, m := range e.Plan.Milestones {
		view.Milestones = append(view.Milestones, milestoneView{
			Amount:      m.Amount.String(),
			Description: m.Description,
			Completed:   m.Completed,
		})
	}
	if r := e.Plan.Rental; r != nil {
		view.Rental = &rentalView{
			RentAmount:      r.RentAmount.String(),
			DepositAmount:   r.DepositAmount.String(),
			Status:          depositStatusName(r.Status),
			ReleasedAmount:  r.ReleasedAmount.String(),
			DisputeDeadline: r.DisputeDeadline,
		}
	}
	return view
}

type configView struct {
	Authority          string `json:"authority"`
	FeeRecipient       string `json:"feeRecipient"`
	StandardFeeBps     uint32 `json:"standardFeeBps"`
	MilestoneFeeBps    uint32 `json:"milestoneFeeBps"`
	RequiredAgentStake string `json:"requiredAgentStake"`
	StakeCurrency      string `json:"stakeCurrency"`
}

func newConfigView(cfg *escrow.Config) *configView {
	stake := "0"
	if cfg.RequiredAgentStake != nil {
		stake = cfg.RequiredAgentStake.String()
	}
	return &configView{
		Authority:          hexAddr(cfg.Authority),
		FeeRecipient:       hexAddr(cfg.FeeRecipient),
		StandardFeeBps:     cfg.StandardFeeBps,
		MilestoneFeeBps:    cfg.MilestoneFeeBps,
		RequiredAgentStake: stake,
		StakeCurrency:      cfg.StakeCurrency.String(),
	}
}
