package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"deedchain/core/types"
)

type mockState struct {
	listings  map[uint64]*Listing
	approvals map[uint64]map[[20]byte]bool
	funds     map[uint64]*big.Int
	accounts  map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		listings:  make(map[uint64]*Listing),
		approvals: make(map[uint64]map[[20]byte]bool),
		funds:     make(map[uint64]*big.Int),
		accounts:  make(map[[20]byte]*types.Account),
	}
}

func (m *mockState) ListingPut(l *Listing) error {
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return err
	}
	m.listings[sanitized.AssetID] = sanitized.Clone()
	return nil
}

func (m *mockState) ListingGet(assetID uint64) (*Listing, bool) {
	listing, ok := m.listings[assetID]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

func (m *mockState) SaleApprovalSet(assetID uint64, addr [20]byte, approved bool) error {
	if _, ok := m.approvals[assetID]; !ok {
		m.approvals[assetID] = make(map[[20]byte]bool)
	}
	m.approvals[assetID][addr] = approved
	return nil
}

func (m *mockState) SaleApprovalGet(assetID uint64, addr [20]byte) (bool, error) {
	return m.approvals[assetID][addr], nil
}

func (m *mockState) SaleApprovalsClear(assetID uint64) error {
	delete(m.approvals, assetID)
	return nil
}

func (m *mockState) SaleCredit(assetID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("negative credit")
	}
	current := big.NewInt(0)
	if existing, ok := m.funds[assetID]; ok {
		current = new(big.Int).Set(existing)
	}
	m.funds[assetID] = current.Add(current, amount)
	return nil
}

func (m *mockState) SaleDebit(assetID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("negative debit")
	}
	current := big.NewInt(0)
	if existing, ok := m.funds[assetID]; ok {
		current = new(big.Int).Set(existing)
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient listing funds")
	}
	m.funds[assetID] = current.Sub(current, amount)
	return nil
}

func (m *mockState) SaleFunds(assetID uint64) (*big.Int, error) {
	if existing, ok := m.funds[assetID]; ok {
		return new(big.Int).Set(existing), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if acc, ok := m.accounts[key]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{Balance: big.NewInt(0)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	acc, _ := m.GetAccount(addr[:])
	return acc.Balance
}

func (m *mockState) setBalance(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

type mockRegistry struct {
	holders  map[uint64][20]byte
	rejectTx bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{holders: make(map[uint64][20]byte)}
}

func (m *mockRegistry) HolderOf(id uint64) ([20]byte, error) {
	holder, ok := m.holders[id]
	if !ok {
		return [20]byte{}, fmt.Errorf("asset %d not found", id)
	}
	return holder, nil
}

func (m *mockRegistry) Transfer(caller [20]byte, id uint64, from, to [20]byte) error {
	if m.rejectTx {
		return fmt.Errorf("registry transfer rejected")
	}
	holder, ok := m.holders[id]
	if !ok {
		return fmt.Errorf("asset %d not found", id)
	}
	if holder != from {
		return fmt.Errorf("asset %d not held by sender", id)
	}
	m.holders[id] = to
	return nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	seller    = newTestAddress(0x01)
	inspector = newTestAddress(0x02)
	lender    = newTestAddress(0x03)
	buyer     = newTestAddress(0x04)
	stranger  = newTestAddress(0x05)
)

func testRoles() Roles {
	return Roles{Seller: seller, Inspector: inspector, Lender: lender}
}

func newTestEngine(state *mockState, reg *mockRegistry) *Engine {
	engine := NewEngine(testRoles())
	engine.SetState(state)
	engine.SetRegistry(reg)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine
}

func listProperty(t *testing.T, engine *Engine, reg *mockRegistry, assetID uint64, price, earnest int64) *Listing {
	t.Helper()
	reg.holders[assetID] = seller
	listing, err := engine.List(seller, assetID, buyer, big.NewInt(price), big.NewInt(earnest))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return listing
}

func TestListMovesCustodyToVault(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)

	listing := listProperty(t, engine, reg, 1, 10, 5)
	if listing.Status != ListingOpen {
		t.Fatalf("expected open listing, got %s", listing.Status)
	}
	if reg.holders[1] != engine.Vault() {
		t.Fatal("custody did not move to the vault")
	}
	stored, ok := state.ListingGet(1)
	if !ok || stored.Buyer != buyer {
		t.Fatal("listing not persisted")
	}
}

func TestListRequiresSellerRole(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	reg.holders[1] = stranger

	_, err := engine.List(stranger, 1, buyer, big.NewInt(10), big.NewInt(5))
	if !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
}

func TestListRequiresSellerCustody(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	reg.holders[1] = stranger

	_, err := engine.List(seller, 1, buyer, big.NewInt(10), big.NewInt(5))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListRejectsDoubleListing(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)

	listProperty(t, engine, reg, 1, 10, 5)
	_, err := engine.List(seller, 1, buyer, big.NewInt(10), big.NewInt(5))
	if !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
}

func TestListRejectsEarnestAbovePrice(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	reg.holders[1] = seller

	if _, err := engine.List(seller, 1, buyer, big.NewInt(10), big.NewInt(11)); err == nil {
		t.Fatal("expected earnest above price to be rejected")
	}
}

func TestDepositEarnestAccumulates(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit #1: %v", err)
	}
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit #2: %v", err)
	}
	funds, _ := state.SaleFunds(1)
	if funds.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected held funds 10, got %s", funds)
	}
	if state.balance(buyer).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected buyer balance 10, got %s", state.balance(buyer))
	}
}

func TestDepositEarnestEnforcesMinimum(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	err := engine.DepositEarnest(buyer, 1, big.NewInt(4))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	funds, _ := state.SaleFunds(1)
	if funds.Sign() != 0 {
		t.Fatalf("rejected deposit must not mutate funds, got %s", funds)
	}
	if state.balance(buyer).Cmp(big.NewInt(20)) != 0 {
		t.Fatal("rejected deposit must not debit the buyer")
	}
}

func TestDepositEarnestRequiresBuyer(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(stranger, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.DepositEarnest(stranger, 1, big.NewInt(5)); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
}

func TestDepositEarnestRequiresListing(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)

	if err := engine.DepositEarnest(buyer, 7, big.NewInt(5)); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
}

func TestDepositEarnestRequiresBuyerBalance(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 3)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestInspectionLastWriteWins(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.UpdateInspection(inspector, 1, true); err != nil {
		t.Fatalf("inspection #1: %v", err)
	}
	if err := engine.UpdateInspection(inspector, 1, false); err != nil {
		t.Fatalf("inspection #2: %v", err)
	}
	listing, _ := state.ListingGet(1)
	if listing.InspectionPassed {
		t.Fatal("expected last write (false) to win")
	}
	if err := engine.UpdateInspection(buyer, 1, true); !errors.Is(err, ErrNotInspector) {
		t.Fatalf("expected ErrNotInspector, got %v", err)
	}
}

func TestApproveIsIdempotentPerCaller(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)

	listProperty(t, engine, reg, 1, 10, 5)
	for i := 0; i < 3; i++ {
		if err := engine.Approve(buyer, 1); err != nil {
			t.Fatalf("approve attempt %d: %v", i, err)
		}
	}
	ok, _ := state.SaleApprovalGet(1, buyer)
	if !ok {
		t.Fatal("buyer approval not recorded")
	}
	if err := engine.Approve(stranger, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Approve(inspector, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("inspector must not be an approver, got %v", err)
	}
}

func fundAndApprove(t *testing.T, engine *Engine, state *mockState) {
	t.Helper()
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.UpdateInspection(inspector, 1, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	for _, addr := range [][20]byte{buyer, seller, lender} {
		if err := engine.Approve(addr, 1); err != nil {
			t.Fatalf("approve %x: %v", addr[0], err)
		}
	}
}

func TestFinalizeRequiresAllApprovals(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.UpdateInspection(inspector, 1, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	if err := engine.Approve(buyer, 1); err != nil {
		t.Fatalf("approve buyer: %v", err)
	}
	if err := engine.Approve(seller, 1); err != nil {
		t.Fatalf("approve seller: %v", err)
	}

	if err := engine.Finalize(seller, 1); !errors.Is(err, ErrInsufficientApprovals) {
		t.Fatalf("expected ErrInsufficientApprovals with 2/3 approvals, got %v", err)
	}
}

func TestFinalizeRequiresInspection(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	for _, addr := range [][20]byte{buyer, seller, lender} {
		if err := engine.Approve(addr, 1); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if err := engine.Finalize(seller, 1); !errors.Is(err, ErrInspectionNotPassed) {
		t.Fatalf("expected ErrInspectionNotPassed, got %v", err)
	}
}

func TestFinalizeRequiresFundsCoveringPrice(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	fundAndApprove(t, engine, state)

	// Only the 5 earnest is held; price is 10.
	if err := engine.Finalize(seller, 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestFinalizeRequiresSeller(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	fundAndApprove(t, engine, state)

	if err := engine.Finalize(buyer, 1); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
}

func TestFinalizePaysSellerAndRefundsSurplus(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)
	state.setBalance(lender, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	fundAndApprove(t, engine, state)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if err := engine.Lend(lender, 1, big.NewInt(5)); err != nil {
		t.Fatalf("lend: %v", err)
	}

	if err := engine.Finalize(seller, 1); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if reg.holders[1] != buyer {
		t.Fatal("custody did not move to the buyer")
	}
	funds, _ := state.SaleFunds(1)
	if funds.Sign() != 0 {
		t.Fatalf("expected held funds drained to 0, got %s", funds)
	}
	if state.balance(seller).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("seller should receive exactly the price, got %s", state.balance(seller))
	}
	// 15 held, 10 paid to seller, 5 surplus back to the buyer.
	if state.balance(buyer).Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("unexpected buyer balance %s", state.balance(buyer))
	}
	listing, _ := state.ListingGet(1)
	if listing.Status != ListingFinalized {
		t.Fatalf("expected finalized status, got %s", listing.Status)
	}
}

func TestFinalizeCannotReplay(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	fundAndApprove(t, engine, state)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if err := engine.Finalize(seller, 1); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := engine.Finalize(seller, 1); !errors.Is(err, ErrListingClosed) {
		t.Fatalf("expected ErrListingClosed on replay, got %v", err)
	}
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); !errors.Is(err, ErrListingClosed) {
		t.Fatalf("expected ErrListingClosed on deposit after settle, got %v", err)
	}
}

func TestCancelRefundsBuyerWhenInspectionFailed(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Cancel(buyer, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if state.balance(buyer).Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("expected buyer fully refunded, got %s", state.balance(buyer))
	}
	if reg.holders[1] != seller {
		t.Fatal("asset should return to the seller on cancel")
	}
	listing, _ := state.ListingGet(1)
	if listing.Status != ListingCancelled {
		t.Fatalf("expected cancelled status, got %s", listing.Status)
	}
}

func TestCancelForfeitsDepositWhenInspectionPassed(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.UpdateInspection(inspector, 1, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	if err := engine.Cancel(seller, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if state.balance(seller).Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected forfeited deposit with the seller, got %s", state.balance(seller))
	}
	if state.balance(buyer).Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("unexpected buyer balance %s", state.balance(buyer))
	}
}

func TestCancelRequiresParticipant(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.Cancel(inspector, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRelistAfterCancel(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Approve(buyer, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := engine.Cancel(seller, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Cancel returned custody to the seller and reset approvals, so the same
	// asset can be listed again from scratch.
	listing, err := engine.List(seller, 1, buyer, big.NewInt(12), big.NewInt(6))
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if listing.Status != ListingOpen {
		t.Fatalf("expected open listing, got %s", listing.Status)
	}
	if ok, _ := state.SaleApprovalGet(1, buyer); ok {
		t.Fatal("stale approval survived relist")
	}
	funds, _ := state.SaleFunds(1)
	if funds.Sign() != 0 {
		t.Fatalf("stale funds survived relist: %s", funds)
	}
}

func TestEndToEndSaleScenario(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 100)
	state.setBalance(lender, 100)

	listProperty(t, engine, reg, 1, 10, 5)

	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("earnest: %v", err)
	}
	if err := engine.UpdateInspection(inspector, 1, true); err != nil {
		t.Fatalf("inspection: %v", err)
	}
	for _, addr := range [][20]byte{buyer, seller, lender} {
		if err := engine.Approve(addr, 1); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if err := engine.DepositEarnest(buyer, 1, big.NewInt(5)); err != nil {
		t.Fatalf("second earnest: %v", err)
	}
	if err := engine.Lend(lender, 1, big.NewInt(5)); err != nil {
		t.Fatalf("lend: %v", err)
	}
	funds, _ := state.SaleFunds(1)
	if funds.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("expected 15 held before finalize, got %s", funds)
	}

	if err := engine.Finalize(seller, 1); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if reg.holders[1] != buyer {
		t.Fatal("buyer should hold the asset after finalize")
	}
	funds, _ = state.SaleFunds(1)
	if funds.Sign() != 0 {
		t.Fatalf("pool should drain to 0, got %s", funds)
	}
	if state.balance(seller).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("seller should be paid the price, got %s", state.balance(seller))
	}
	// Buyer paid 10 and got the 5 lender-surplus refund.
	if state.balance(buyer).Cmp(big.NewInt(95)) != 0 {
		t.Fatalf("unexpected buyer balance %s", state.balance(buyer))
	}
	if state.balance(lender).Cmp(big.NewInt(95)) != 0 {
		t.Fatalf("unexpected lender balance %s", state.balance(lender))
	}
}

func TestLendRequiresLenderRole(t *testing.T) {
	state := newMockState()
	reg := newMockRegistry()
	engine := newTestEngine(state, reg)
	state.setBalance(buyer, 20)

	listProperty(t, engine, reg, 1, 10, 5)
	if err := engine.Lend(buyer, 1, big.NewInt(5)); !errors.Is(err, ErrNotLender) {
		t.Fatalf("expected ErrNotLender, got %v", err)
	}
}

func TestEngineRequiresConfiguration(t *testing.T) {
	engine := NewEngine(testRoles())
	if _, err := engine.List(seller, 1, buyer, big.NewInt(10), big.NewInt(5)); err == nil {
		t.Fatal("expected unconfigured engine to refuse operations")
	}

	engine = NewEngine(Roles{})
	engine.SetState(newMockState())
	engine.SetRegistry(newMockRegistry())
	if _, err := engine.List(seller, 1, buyer, big.NewInt(10), big.NewInt(5)); err == nil {
		t.Fatal("expected invalid roles to be rejected")
	}
}
