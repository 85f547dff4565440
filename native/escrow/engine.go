package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"deedchain/core/events"
	"deedchain/core/types"
)

var (
	errNilState    = errors.New("sale engine: state not configured")
	errNilRegistry = errors.New("sale engine: asset registry not configured")
	errNilRoles    = errors.New("sale engine: roles not configured")
)

type engineState interface {
	ListingPut(*Listing) error
	ListingGet(assetID uint64) (*Listing, bool)
	SaleApprovalSet(assetID uint64, addr [20]byte, approved bool) error
	SaleApprovalGet(assetID uint64, addr [20]byte) (bool, error)
	SaleApprovalsClear(assetID uint64) error
	SaleCredit(assetID uint64, amount *big.Int) error
	SaleDebit(assetID uint64, amount *big.Int) error
	SaleFunds(assetID uint64) (*big.Int, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// AssetRegistry is the slice of the registry the sale engine needs: custody
// lookups and custody moves between seller, vault and buyer.
type AssetRegistry interface {
	HolderOf(id uint64) ([20]byte, error)
	Transfer(caller [20]byte, id uint64, from, to [20]byte) error
}

// VaultAddress derives the fixed address of the escrow custodian. The vault
// holds asset custody and is the accounting anchor for the per-listing funds
// ledger.
func VaultAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte("deedchain/sale/vault"))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// Engine orchestrates the lifecycle of property listings: listing, earnest
// deposit, inspection sign-off, multi-party approval and settlement. Every
// operation validates its guards before the first mutation so a failure
// leaves no state change behind.
type Engine struct {
	state    engineState
	registry AssetRegistry
	roles    Roles
	vault    [20]byte
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine creates a sale engine for the given fixed roles with a no-op
// emitter. Callers can override the emitter via SetEmitter.
func NewEngine(roles Roles) *Engine {
	return &Engine{
		roles:   roles,
		vault:   VaultAddress(),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry configures the asset registry used for custody moves.
func (e *Engine) SetRegistry(registry AssetRegistry) { e.registry = registry }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
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

// Vault returns the escrow custodian address.
func (e *Engine) Vault() [20]byte { return e.vault }

// Roles returns the fixed participant accounts.
func (e *Engine) Roles() Roles { return e.roles }

func (e *Engine) emit(event saleEvent) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	if !e.roles.Valid() {
		return errNilRoles
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) openListing(assetID uint64) (*Listing, error) {
	listing, ok := e.state.ListingGet(assetID)
	if !ok {
		return nil, fmt.Errorf("%w: asset %d", ErrNotListed, assetID)
	}
	if !listing.Open() {
		return nil, fmt.Errorf("%w: asset %d is %s", ErrListingClosed, assetID, listing.Status)
	}
	return listing, nil
}

func (e *Engine) debitAccount(addr [20]byte, amount *big.Int) error {
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	acc = acc.EnsureDefaults()
	if acc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: account balance below %s", ErrInsufficientFunds, amount)
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, amount)
	return e.state.PutAccount(addr[:], acc)
}

func (e *Engine) creditAccount(addr [20]byte, amount *big.Int) error {
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	acc = acc.EnsureDefaults()
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return e.state.PutAccount(addr[:], acc)
}

// List opens a sale of the asset to the named buyer. Only the seller may
// list, the seller must hold the asset, and an open listing must not already
// exist. Custody moves from the seller to the vault.
func (e *Engine) List(caller [20]byte, assetID uint64, buyer [20]byte, purchasePrice, earnestAmount *big.Int) (*Listing, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller != e.roles.Seller {
		return nil, fmt.Errorf("%w: asset %d", ErrNotSeller, assetID)
	}
	if existing, ok := e.state.ListingGet(assetID); ok && existing.Open() {
		return nil, fmt.Errorf("%w: asset %d", ErrAlreadyListed, assetID)
	}
	holder, err := e.registry.HolderOf(assetID)
	if err != nil {
		return nil, err
	}
	if holder != caller {
		return nil, fmt.Errorf("%w: asset %d is not held by the seller", ErrUnauthorized, assetID)
	}
	listing := &Listing{
		AssetID:       assetID,
		Buyer:         buyer,
		PurchasePrice: cloneBigInt(purchasePrice),
		EarnestAmount: cloneBigInt(earnestAmount),
		Status:        ListingOpen,
		CreatedAt:     e.nowFn(),
	}
	if _, err := SanitizeListing(listing); err != nil {
		return nil, fmt.Errorf("sale: %w", err)
	}
	if listing.EarnestAmount.Cmp(listing.PurchasePrice) > 0 {
		return nil, fmt.Errorf("sale: earnest amount exceeds purchase price")
	}
	if err := e.registry.Transfer(caller, assetID, caller, e.vault); err != nil {
		return nil, err
	}
	if err := e.state.SaleApprovalsClear(assetID); err != nil {
		return nil, err
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(newListedEvent(listing))
	return listing.Clone(), nil
}

// DepositEarnest moves the buyer's payment into the listing's fund ledger.
// The payment must cover at least the earnest amount; anything below is
// rejected rather than silently accepted.
func (e *Engine) DepositEarnest(caller [20]byte, assetID uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.openListing(assetID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer {
		return fmt.Errorf("%w: asset %d", ErrNotBuyer, assetID)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("sale: deposit amount must be positive")
	}
	if amt.Cmp(listing.EarnestAmount) < 0 {
		return fmt.Errorf("%w: deposit %s below earnest amount %s", ErrInsufficientFunds, amt, listing.EarnestAmount)
	}
	if err := e.debitAccount(caller, amt); err != nil {
		return err
	}
	if err := e.state.SaleCredit(assetID, amt); err != nil {
		return err
	}
	e.emit(newDepositedEvent(listing, caller, amt))
	return nil
}

// Lend moves lender funds into the listing's fund ledger. This models the
// lender topping up the escrow pool ahead of settlement.
func (e *Engine) Lend(caller [20]byte, assetID uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.openListing(assetID)
	if err != nil {
		return err
	}
	if caller != e.roles.Lender {
		return fmt.Errorf("%w: asset %d", ErrNotLender, assetID)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("sale: lend amount must be positive")
	}
	if err := e.debitAccount(caller, amt); err != nil {
		return err
	}
	if err := e.state.SaleCredit(assetID, amt); err != nil {
		return err
	}
	e.emit(newLenderFundedEvent(listing, caller, amt))
	return nil
}

// UpdateInspection records the inspector's verdict. The call is idempotent
// and last-write-wins.
func (e *Engine) UpdateInspection(caller [20]byte, assetID uint64, passed bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.openListing(assetID)
	if err != nil {
		return err
	}
	if caller != e.roles.Inspector {
		return fmt.Errorf("%w: asset %d", ErrNotInspector, assetID)
	}
	listing.InspectionPassed = passed
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(newInspectionEvent(listing))
	return nil
}

// Approve records the caller's approval of the sale. Buyer, seller and
// lender each approve independently, in any order, any number of times.
func (e *Engine) Approve(caller [20]byte, assetID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.openListing(assetID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer && caller != e.roles.Seller && caller != e.roles.Lender {
		return fmt.Errorf("%w: asset %d", ErrUnauthorized, assetID)
	}
	if err := e.state.SaleApprovalSet(assetID, caller, true); err != nil {
		return err
	}
	e.emit(newApprovedEvent(listing, caller))
	return nil
}

func (e *Engine) allApproved(listing *Listing) (bool, error) {
	for _, addr := range [][20]byte{listing.Buyer, e.roles.Seller, e.roles.Lender} {
		ok, err := e.state.SaleApprovalGet(listing.AssetID, addr)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Finalize settles the sale: custody moves from the vault to the buyer, the
// purchase price is paid to the seller and any surplus held for the listing
// is returned to the buyer. Requires a passed inspection, approvals from
// buyer, seller and lender, and held funds covering the purchase price.
func (e *Engine) Finalize(caller [20]byte, assetID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.openListing(assetID)
	if err != nil {
		return err
	}
	if caller != e.roles.Seller {
		return fmt.Errorf("%w: asset %d", ErrNotSeller, assetID)
	}
	if !listing.InspectionPassed {
		return fmt.Errorf("%w: asset %d", ErrInspectionNotPassed, assetID)
	}
	approved, err := e.allApproved(listing)
	if err != nil {
		return err
	}
	if !approved {
		return fmt.Errorf("%w: asset %d", ErrInsufficientApprovals, assetID)
	}
	funds, err := e.state.SaleFunds(assetID)
	if err != nil {
		return err
	}
	if funds.Cmp(listing.PurchasePrice) < 0 {
		return fmt.Errorf("%w: held %s below price %s", ErrInsufficientFunds, funds, listing.PurchasePrice)
	}
	if err := e.registry.Transfer(e.vault, assetID, e.vault, listing.Buyer); err != nil {
		return err
	}
	price := cloneBigInt(listing.PurchasePrice)
	if err := e.state.SaleDebit(assetID, price); err != nil {
		return err
	}
	if err := e.creditAccount(e.roles.Seller, price); err != nil {
		return err
	}
	surplus := new(big.Int).Sub(funds, price)
	if surplus.Sign() > 0 {
		if err := e.state.SaleDebit(assetID, surplus); err != nil {
			return err
		}
		if err := e.creditAccount(listing.Buyer, surplus); err != nil {
			return err
		}
	}
	listing.Status = ListingFinalized
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(newFinalizedEvent(listing, price, surplus))
	return nil
}

// Cancel closes the listing without a sale. When the inspection has not
// passed the buyer is refunded the held funds; otherwise the deposit is
// forfeited to the seller. Custody returns to the seller either way.
func (e *Engine) Cancel(caller [20]byte, assetID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	listing, err := e.openListing(assetID)
	if err != nil {
		return err
	}
	if caller != e.roles.Seller && caller != listing.Buyer {
		return fmt.Errorf("%w: asset %d", ErrUnauthorized, assetID)
	}
	funds, err := e.state.SaleFunds(assetID)
	if err != nil {
		return err
	}
	recipient := e.roles.Seller
	if !listing.InspectionPassed {
		recipient = listing.Buyer
	}
	if funds.Sign() > 0 {
		if err := e.state.SaleDebit(assetID, funds); err != nil {
			return err
		}
		if err := e.creditAccount(recipient, funds); err != nil {
			return err
		}
	}
	if err := e.registry.Transfer(e.vault, assetID, e.vault, e.roles.Seller); err != nil {
		return err
	}
	if err := e.state.SaleApprovalsClear(assetID); err != nil {
		return err
	}
	listing.Status = ListingCancelled
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	e.emit(newCancelledEvent(listing, recipient, funds))
	return nil
}
