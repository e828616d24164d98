package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func TestCurrencyNormalization(t *testing.T) {
	currency, err := FungibleCurrency("  usdd ")
	if err != nil {
		t.Fatalf("fungible currency: %v", err)
	}
	if currency.Asset != "USDD" {
		t.Fatalf("asset = %q, want USDD", currency.Asset)
	}
	if currency.IsNative() {
		t.Fatal("fungible currency reported native")
	}
	upper, err := FungibleCurrency("USDD")
	if err != nil {
		t.Fatalf("fungible currency: %v", err)
	}
	if !currency.Equal(upper) {
		t.Fatal("case variants of the same asset are not equal")
	}
	if _, err := FungibleCurrency("   "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank asset: %v, want %v", err, ErrInvalidArgument)
	}
}

func TestCurrencyValid(t *testing.T) {
	if !NativeCurrency().Valid() {
		t.Fatal("native currency invalid")
	}
	if (Currency{Kind: CurrencyNative, Asset: "USDD"}).Valid() {
		t.Fatal("native currency with asset symbol passed validation")
	}
	if (Currency{Kind: CurrencyFungible}).Valid() {
		t.Fatal("fungible currency without asset symbol passed validation")
	}
	if (Currency{Kind: 99}).Valid() {
		t.Fatal("unknown currency kind passed validation")
	}
}

func TestSettlementPlanValidate(t *testing.T) {
	total := big.NewInt(50_000_000)

	flat := FlatPlan(testNow + 60)
	if err := flat.Validate(total); err != nil {
		t.Fatalf("flat plan: %v", err)
	}

	good := MilestonePlan([]*Milestone{
		{Amount: big.NewInt(10_000_000)},
		{Amount: big.NewInt(20_000_000)},
		{Amount: big.NewInt(20_000_000)},
	})
	if err := good.Validate(total); err != nil {
		t.Fatalf("milestone plan: %v", err)
	}

	short := MilestonePlan([]*Milestone{{Amount: big.NewInt(10_000_000)}})
	if err := short.Validate(total); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("milestone sum mismatch: %v, want %v", err, ErrInvalidArgument)
	}

	rental := RentalPlan(big.NewInt(10_000_000), big.NewInt(20_000_000))
	if err := rental.Validate(big.NewInt(30_000_000)); err != nil {
		t.Fatalf("rental plan: %v", err)
	}
	if err := rental.Validate(total); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("rental total mismatch: %v, want %v", err, ErrInvalidArgument)
	}
}

func TestDepositStatusTerminal(t *testing.T) {
	terminal := []DepositStatus{DepositReturned, DepositSettled, DepositForfeited}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Fatalf("status %d not terminal", status)
		}
	}
	open := []DepositStatus{DepositHeld, DepositPartial}
	for _, status := range open {
		if status.Terminal() {
			t.Fatalf("status %d reported terminal", status)
		}
	}
	if DepositStatus(99).Valid() {
		t.Fatal("unknown deposit status passed validation")
	}
}

func TestEscrowCloneIsDeep(t *testing.T) {
	esc := &Escrow{
		TxID:     newTestTxID(0x21),
		Buyer:    testBuyer,
		Seller:   testSeller,
		Agent:    testAgent,
		Currency: NativeCurrency(),
		Amount:   big.NewInt(50_000_000),
		Plan: MilestonePlan([]*Milestone{
			{Amount: big.NewInt(50_000_000), Description: "work"},
		}),
		CreatedAt: testNow,
	}
	clone := esc.Clone()
	clone.Amount.SetInt64(1)
	clone.Plan.Milestones[0].Completed = true
	clone.Plan.Milestones[0].Amount.SetInt64(2)

	if esc.Amount.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatal("clone shares the amount")
	}
	if esc.Plan.Milestones[0].Completed {
		t.Fatal("clone shares the milestone slice")
	}
	if esc.Plan.Milestones[0].Amount.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatal("clone shares the milestone amount")
	}
}

func TestRentalTermsClone(t *testing.T) {
	terms := &RentalTerms{
		RentAmount:     big.NewInt(10_000_000),
		DepositAmount:  big.NewInt(20_000_000),
		Status:         DepositPartial,
		ReleasedAmount: big.NewInt(12_000_000),
	}
	clone := terms.Clone()
	clone.ReleasedAmount.SetInt64(0)
	if terms.ReleasedAmount.Cmp(big.NewInt(12_000_000)) != 0 {
		t.Fatal("clone shares the released amount")
	}
}

func TestEscrowRemaining(t *testing.T) {
	flat := &Escrow{Amount: big.NewInt(50_000_000), Plan: FlatPlan(testNow)}
	if flat.Remaining().Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("flat remaining = %s", flat.Remaining())
	}

	milestone := &Escrow{
		Amount: big.NewInt(50_000_000),
		Plan: MilestonePlan([]*Milestone{
			{Amount: big.NewInt(10_000_000), Completed: true},
			{Amount: big.NewInt(40_000_000)},
		}),
	}
	if milestone.Remaining().Cmp(big.NewInt(40_000_000)) != 0 {
		t.Fatalf("milestone remaining = %s", milestone.Remaining())
	}

	rental := &Escrow{
		Amount: big.NewInt(30_000_000),
		Plan:   RentalPlan(big.NewInt(10_000_000), big.NewInt(20_000_000)),
	}
	rental.Plan.Rental.ReleasedAmount = big.NewInt(12_000_000)
	if rental.Remaining().Cmp(big.NewInt(8_000_000)) != 0 {
		t.Fatalf("rental remaining = %s", rental.Remaining())
	}
}

func TestSanitizeEscrowRejectsMalformed(t *testing.T) {
	bad := &Escrow{
		TxID:     newTestTxID(0x22),
		Currency: Currency{Kind: 99},
		Amount:   big.NewInt(50_000_000),
		Plan:     FlatPlan(testNow),
	}
	if _, err := SanitizeEscrow(bad); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("malformed currency: %v, want %v", err, ErrInvalidArgument)
	}
	if _, err := SanitizeEscrow(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil escrow: %v, want %v", err, ErrInvalidArgument)
	}
}
