package state

import (
	"errors"
	"math/big"
	"testing"

	"escrowd/native/escrow"
	"escrowd/storage"
)

func newTestManager() *Manager {
	return NewManager(storage.NewMemDB())
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func testTxID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func TestBalancesTransferIn(t *testing.T) {
	m := newTestManager()
	payer := testAddr(0x01)
	custody := escrow.CustodyAddress(testTxID(0x02))

	if err := m.Mint(payer, escrow.NativeCurrency(), big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := m.TransferIn(payer, custody, big.NewInt(60), escrow.NativeCurrency()); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	payerBal, err := m.BalanceOf(payer, escrow.NativeCurrency())
	if err != nil {
		t.Fatalf("balance of payer: %v", err)
	}
	if payerBal.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("payer balance = %s, want 40", payerBal)
	}
	custodyBal, err := m.BalanceOf(custody, escrow.NativeCurrency())
	if err != nil {
		t.Fatalf("balance of custody: %v", err)
	}
	if custodyBal.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("custody balance = %s, want 60", custodyBal)
	}

	if err := m.TransferIn(payer, custody, big.NewInt(41), escrow.NativeCurrency()); !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("overdrawn transfer: %v, want %v", err, escrow.ErrInsufficientFunds)
	}
}

func TestTransferOutRequiresValidAuthorization(t *testing.T) {
	m := newTestManager()
	txID := testTxID(0x03)
	custody := escrow.CustodyAddress(txID)
	payee := testAddr(0x04)

	if err := m.Mint(custody, escrow.NativeCurrency(), big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	forged := escrow.CustodyAuthorization{TxID: testTxID(0x05), Address: custody}
	if err := m.TransferOut(forged, payee, big.NewInt(10), escrow.NativeCurrency()); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("forged authorization: %v, want %v", err, escrow.ErrUnauthorized)
	}

	valid := escrow.CustodyAuthorization{TxID: txID, Address: custody}
	if err := m.TransferOut(valid, payee, big.NewInt(10), escrow.NativeCurrency()); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	payeeBal, err := m.BalanceOf(payee, escrow.NativeCurrency())
	if err != nil {
		t.Fatalf("balance of payee: %v", err)
	}
	if payeeBal.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("payee balance = %s, want 10", payeeBal)
	}
}

func TestUnregisteredAssetRejected(t *testing.T) {
	m := newTestManager()
	asset, err := escrow.FungibleCurrency("USDD")
	if err != nil {
		t.Fatalf("fungible currency: %v", err)
	}
	if err := m.Mint(testAddr(0x06), asset, big.NewInt(10)); !errors.Is(err, escrow.ErrCurrencyMismatch) {
		t.Fatalf("mint unregistered asset: %v, want %v", err, escrow.ErrCurrencyMismatch)
	}
	if err := m.RegisterAsset("usdd"); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	if err := m.Mint(testAddr(0x06), asset, big.NewInt(10)); err != nil {
		t.Fatalf("mint registered asset: %v", err)
	}
}

func TestBalancesIsolatedPerCurrency(t *testing.T) {
	m := newTestManager()
	if err := m.RegisterAsset("USDD"); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	asset, _ := escrow.FungibleCurrency("USDD")
	addr := testAddr(0x07)
	if err := m.Mint(addr, escrow.NativeCurrency(), big.NewInt(5)); err != nil {
		t.Fatalf("mint native: %v", err)
	}
	assetBal, err := m.BalanceOf(addr, asset)
	if err != nil {
		t.Fatalf("balance of asset: %v", err)
	}
	if assetBal.Sign() != 0 {
		t.Fatalf("asset balance = %s, want 0", assetBal)
	}
}

func roundTripEscrow(t *testing.T, m *Manager, esc *escrow.Escrow) *escrow.Escrow {
	t.Helper()
	if err := m.EscrowPut(esc); err != nil {
		t.Fatalf("escrow put: %v", err)
	}
	loaded, ok := m.EscrowGet(esc.TxID)
	if !ok {
		t.Fatal("escrow not found after put")
	}
	return loaded
}

func TestEscrowRoundTripFlat(t *testing.T) {
	m := newTestManager()
	esc := &escrow.Escrow{
		TxID:     testTxID(0x11),
		Buyer:    testAddr(0x01),
		Seller:   testAddr(0x02),
		Agent:    testAddr(0x03),
		Currency: escrow.NativeCurrency(),
		Amount:   big.NewInt(50_000_000),
		Plan:     escrow.FlatPlan(1_700_003_600),

		DisputeReason: "contested delivery",
		Disputed:      true,
		CreatedAt:     1_700_000_000,
	}
	loaded := roundTripEscrow(t, m, esc)
	if loaded.TxID != esc.TxID || loaded.Buyer != esc.Buyer || loaded.Seller != esc.Seller || loaded.Agent != esc.Agent {
		t.Fatal("parties did not survive the round trip")
	}
	if !loaded.Currency.Equal(esc.Currency) {
		t.Fatalf("currency = %v, want %v", loaded.Currency, esc.Currency)
	}
	if loaded.Amount.Cmp(esc.Amount) != 0 {
		t.Fatalf("amount = %s, want %s", loaded.Amount, esc.Amount)
	}
	if loaded.Plan.Kind != escrow.PlanFlat || loaded.Plan.ReleaseAt != 1_700_003_600 {
		t.Fatalf("plan = %+v", loaded.Plan)
	}
	if !loaded.Disputed || loaded.DisputeReason != "contested delivery" {
		t.Fatal("dispute fields did not survive the round trip")
	}
	if loaded.CreatedAt != 1_700_000_000 {
		t.Fatalf("createdAt = %d", loaded.CreatedAt)
	}
}

func TestEscrowRoundTripMilestones(t *testing.T) {
	m := newTestManager()
	asset, _ := escrow.FungibleCurrency("USDD")
	esc := &escrow.Escrow{
		TxID:     testTxID(0x12),
		Buyer:    testAddr(0x01),
		Seller:   testAddr(0x02),
		Agent:    testAddr(0x03),
		Currency: asset,
		Amount:   big.NewInt(50_000_000),
		Plan: escrow.MilestonePlan([]*escrow.Milestone{
			{Amount: big.NewInt(10_000_000), Description: "design", Completed: true},
			{Amount: big.NewInt(20_000_000), Description: "build"},
			{Amount: big.NewInt(20_000_000), Description: "deliver"},
		}),
		CreatedAt: 1_700_000_000,
	}
	loaded := roundTripEscrow(t, m, esc)
	if loaded.Plan.Kind != escrow.PlanMilestones || len(loaded.Plan.Milestones) != 3 {
		t.Fatalf("plan = %+v", loaded.Plan)
	}
	first := loaded.Plan.Milestones[0]
	if first.Amount.Cmp(big.NewInt(10_000_000)) != 0 || first.Description != "design" || !first.Completed {
		t.Fatalf("milestone 0 = %+v", first)
	}
	if loaded.Plan.Milestones[1].Completed {
		t.Fatal("milestone 1 completed flag corrupted")
	}
	if loaded.Currency.Asset != "USDD" {
		t.Fatalf("asset = %q", loaded.Currency.Asset)
	}
}

func TestEscrowRoundTripRental(t *testing.T) {
	m := newTestManager()
	esc := &escrow.Escrow{
		TxID:      testTxID(0x13),
		Buyer:     testAddr(0x01),
		Seller:    testAddr(0x02),
		Agent:     testAddr(0x03),
		Currency:  escrow.NativeCurrency(),
		Amount:    big.NewInt(30_000_000),
		Plan:      escrow.RentalPlan(big.NewInt(10_000_000), big.NewInt(20_000_000)),
		CreatedAt: 1_700_000_000,
	}
	esc.Plan.Rental.Status = escrow.DepositPartial
	esc.Plan.Rental.ReleasedAmount = big.NewInt(12_000_000)
	esc.Plan.Rental.DisputeDeadline = 1_700_172_800

	loaded := roundTripEscrow(t, m, esc)
	terms := loaded.Plan.Rental
	if terms == nil {
		t.Fatal("rental terms missing after round trip")
	}
	if terms.RentAmount.Cmp(big.NewInt(10_000_000)) != 0 || terms.DepositAmount.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("rental terms = %+v", terms)
	}
	if terms.Status != escrow.DepositPartial {
		t.Fatalf("deposit status = %d", terms.Status)
	}
	if terms.ReleasedAmount.Cmp(big.NewInt(12_000_000)) != 0 {
		t.Fatalf("released = %s", terms.ReleasedAmount)
	}
	if terms.DisputeDeadline != 1_700_172_800 {
		t.Fatalf("deadline = %d", terms.DisputeDeadline)
	}
}

func TestEscrowDelete(t *testing.T) {
	m := newTestManager()
	esc := &escrow.Escrow{
		TxID:      testTxID(0x14),
		Buyer:     testAddr(0x01),
		Seller:    testAddr(0x02),
		Agent:     testAddr(0x03),
		Currency:  escrow.NativeCurrency(),
		Amount:    big.NewInt(50_000_000),
		Plan:      escrow.FlatPlan(1_700_000_000),
		Completed: true,
		CreatedAt: 1_700_000_000,
	}
	if err := m.EscrowPut(esc); err != nil {
		t.Fatalf("escrow put: %v", err)
	}
	if err := m.EscrowDelete(esc.TxID); err != nil {
		t.Fatalf("escrow delete: %v", err)
	}
	if _, ok := m.EscrowGet(esc.TxID); ok {
		t.Fatal("escrow still present after delete")
	}
}

func TestEscrowPutRejectsMalformed(t *testing.T) {
	m := newTestManager()
	bad := &escrow.Escrow{
		TxID:     testTxID(0x15),
		Currency: escrow.NativeCurrency(),
		Amount:   big.NewInt(50_000_000),
		Plan: escrow.MilestonePlan([]*escrow.Milestone{
			{Amount: big.NewInt(1)},
		}),
	}
	if err := m.EscrowPut(bad); !errors.Is(err, escrow.ErrInvalidArgument) {
		t.Fatalf("malformed escrow: %v, want %v", err, escrow.ErrInvalidArgument)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	m := newTestManager()
	if _, ok := m.ConfigGet(); ok {
		t.Fatal("config present before put")
	}
	cfg := &escrow.Config{
		Authority:          testAddr(0x21),
		FeeRecipient:       testAddr(0x22),
		StandardFeeBps:     500,
		MilestoneFeeBps:    250,
		RequiredAgentStake: big.NewInt(5_000_000),
		StakeCurrency:      escrow.NativeCurrency(),
	}
	if err := m.ConfigPut(cfg); err != nil {
		t.Fatalf("config put: %v", err)
	}
	loaded, ok := m.ConfigGet()
	if !ok {
		t.Fatal("config not found after put")
	}
	if loaded.Authority != cfg.Authority || loaded.FeeRecipient != cfg.FeeRecipient {
		t.Fatal("addresses did not survive the round trip")
	}
	if loaded.StandardFeeBps != 500 || loaded.MilestoneFeeBps != 250 {
		t.Fatalf("fee bps = %d/%d", loaded.StandardFeeBps, loaded.MilestoneFeeBps)
	}
	if loaded.RequiredAgentStake.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("stake = %s", loaded.RequiredAgentStake)
	}
	if !loaded.StakeCurrency.IsNative() {
		t.Fatalf("stake currency = %v", loaded.StakeCurrency)
	}
}
