package core

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"deedchain/core/events"
	"deedchain/core/state"
	"deedchain/core/types"
	"deedchain/crypto"
	"deedchain/native/escrow"
	"deedchain/native/registry"
	"deedchain/storage"
)

const eventBacklogLimit = 1024

// Node is the central controller: it owns the state manager, wires the
// registry and sale engines together and serializes every state-machine
// operation behind a single mutex, matching the globally-ordered execution
// model of the sale ledger.
type Node struct {
	db       storage.Database
	state    *state.Manager
	registry *registry.Engine
	sale     *escrow.Engine
	roles    escrow.Roles

	stateMu sync.Mutex

	eventMu     sync.Mutex
	eventLog    []types.Event
	subscribers map[uint64]chan types.Event
	nextSubID   uint64
}

// NewNode wires a node over the database with the fixed participant roles.
func NewNode(db storage.Database, roles escrow.Roles) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: nil database")
	}
	if !roles.Valid() {
		return nil, fmt.Errorf("core: seller, inspector and lender must be distinct configured accounts")
	}
	manager := state.NewManager(db)

	node := &Node{
		db:          db,
		state:       manager,
		roles:       roles,
		subscribers: make(map[uint64]chan types.Event),
	}

	regEngine := registry.NewEngine()
	regEngine.SetState(manager)
	regEngine.SetEmitter(node)

	saleEngine := escrow.NewEngine(roles)
	saleEngine.SetState(manager)
	saleEngine.SetRegistry(regEngine)
	saleEngine.SetEmitter(node)

	node.registry = regEngine
	node.sale = saleEngine
	return node, nil
}

// Roles returns the fixed participant accounts.
func (n *Node) Roles() escrow.Roles { return n.roles }

// Vault returns the escrow custodian address.
func (n *Node) Vault() crypto.Address {
	vault := n.sale.Vault()
	return crypto.NewAddress(crypto.DeedPrefix, vault[:])
}

// WithState runs fn with exclusive access to the state manager. Read-only
// queries and genesis seeding go through here.
func (n *Node) WithState(fn func(*state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn(n.state)
}

// ApplyGenesis credits the configured allocation to accounts that do not
// exist yet. Balances already present are left untouched so restarting the
// daemon never double-credits.
func (n *Node) ApplyGenesis(alloc map[string]*big.Int) error {
	return n.WithState(func(manager *state.Manager) error {
		for rawAddr, balance := range alloc {
			addr, err := crypto.DecodeAddress(rawAddr)
			if err != nil {
				return fmt.Errorf("core: genesis allocation %q: %w", rawAddr, err)
			}
			account, err := manager.GetAccount(addr.Bytes())
			if err != nil {
				return err
			}
			if account.Balance.Sign() != 0 {
				continue
			}
			account.Balance = new(big.Int).Set(balance)
			if err := manager.PutAccount(addr.Bytes(), account); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Registry operations ---

// Mint records a new asset held by the caller.
func (n *Node) Mint(caller [20]byte, uri string) (*registry.Asset, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.registry.Mint(caller, uri)
}

// ApproveForTransfer grants a one-shot transfer approval on the asset.
func (n *Node) ApproveForTransfer(caller [20]byte, assetID uint64, grantee [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.registry.ApproveForTransfer(caller, assetID, grantee)
}

// TransferAsset moves asset custody directly through the registry.
func (n *Node) TransferAsset(caller [20]byte, assetID uint64, from, to [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.registry.Transfer(caller, assetID, from, to)
}

// --- Sale operations ---

// ListSale opens a sale of the asset to the named buyer.
func (n *Node) ListSale(caller [20]byte, assetID uint64, buyer [20]byte, price, earnest *big.Int) (*escrow.Listing, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.sale.List(caller, assetID, buyer, price, earnest)
}

// DepositEarnest moves the buyer's payment into the listing's fund ledger.
func (n *Node) DepositEarnest(caller [20]byte, assetID uint64, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.sale.DepositEarnest(caller, assetID, amount)
}

// LendSale moves lender funds into the listing's fund ledger.
func (n *Node) LendSale(caller [20]byte, assetID uint64, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.sale.Lend(caller, assetID, amount)
}

// UpdateInspection records the inspector's verdict for the listing.
func (n *Node) UpdateInspection(caller [20]byte, assetID uint64, passed bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.sale.UpdateInspection(caller, assetID, passed)
}

// ApproveSale records the caller's approval of the sale.
func (n *Node) ApproveSale(caller [20]byte, assetID uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.sale.Approve(caller, assetID)
}

// FinalizeSale settles the sale in favour of the buyer and pays the seller.
func (n *Node) FinalizeSale(caller [20]byte, assetID uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.sale.Finalize(caller, assetID)
}

// CancelSale closes the listing without a sale.
func (n *Node) CancelSale(caller [20]byte, assetID uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.sale.Cancel(caller, assetID)
}

// --- Queries ---

// GetAccount returns a copy of the account record.
func (n *Node) GetAccount(addr [20]byte) (*types.Account, error) {
	var account *types.Account
	err := n.WithState(func(manager *state.Manager) error {
		loaded, loadErr := manager.GetAccount(addr[:])
		if loadErr != nil {
			return loadErr
		}
		account = loaded
		return nil
	})
	return account, err
}

// GetAsset returns the asset record, reporting whether it exists.
func (n *Node) GetAsset(assetID uint64) (*registry.Asset, bool) {
	var (
		asset *registry.Asset
		found bool
	)
	_ = n.WithState(func(manager *state.Manager) error {
		asset, found = manager.AssetGet(assetID)
		return nil
	})
	return asset, found
}

// GetListing returns the listing record, reporting whether it exists.
func (n *Node) GetListing(assetID uint64) (*escrow.Listing, bool) {
	var (
		listing *escrow.Listing
		found   bool
	)
	_ = n.WithState(func(manager *state.Manager) error {
		listing, found = manager.ListingGet(assetID)
		return nil
	})
	return listing, found
}

// GetApproval reports whether the account has approved the listing.
func (n *Node) GetApproval(assetID uint64, addr [20]byte) (bool, error) {
	var approved bool
	err := n.WithState(func(manager *state.Manager) error {
		ok, getErr := manager.SaleApprovalGet(assetID, addr)
		if getErr != nil {
			return getErr
		}
		approved = ok
		return nil
	})
	return approved, err
}

// SaleFunds returns the funds held for one listing.
func (n *Node) SaleFunds(assetID uint64) (*big.Int, error) {
	var funds *big.Int
	err := n.WithState(func(manager *state.Manager) error {
		held, getErr := manager.SaleFunds(assetID)
		if getErr != nil {
			return getErr
		}
		funds = held
		return nil
	})
	return funds, err
}

// PoolBalance returns the aggregate escrow balance across all listings.
func (n *Node) PoolBalance() (*big.Int, error) {
	var total *big.Int
	err := n.WithState(func(manager *state.Manager) error {
		balance, getErr := manager.SaleTotalFunds()
		if getErr != nil {
			return getErr
		}
		total = balance
		return nil
	})
	return total, err
}

// --- Events ---

type payloadEvent interface {
	Event() *types.Event
}

// Emit implements events.Emitter. Engine events are appended to the bounded
// in-memory log and fanned out to live subscribers.
func (n *Node) Emit(event events.Event) {
	payload, ok := event.(payloadEvent)
	if !ok || payload.Event() == nil {
		return
	}
	evt := *payload.Event()

	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	n.eventLog = append(n.eventLog, evt)
	if len(n.eventLog) > eventBacklogLimit {
		n.eventLog = n.eventLog[len(n.eventLog)-eventBacklogLimit:]
	}
	for _, ch := range n.subscribers {
		select {
		case ch <- evt:
		default:
			// A slow subscriber never blocks state transitions.
		}
	}
}

// Events returns a copy of the buffered event log.
func (n *Node) Events() []types.Event {
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	out := make([]types.Event, len(n.eventLog))
	copy(out, n.eventLog)
	return out
}

// SubscribeEvents registers a live event subscription. The returned backlog
// holds the events buffered so far; the channel delivers everything emitted
// afterwards until ctx is done or cancel is called.
func (n *Node) SubscribeEvents(ctx context.Context) (<-chan types.Event, func(), []types.Event) {
	n.eventMu.Lock()
	id := n.nextSubID
	n.nextSubID++
	ch := make(chan types.Event, 64)
	n.subscribers[id] = ch
	backlog := make([]types.Event, len(n.eventLog))
	copy(backlog, n.eventLog)
	n.eventMu.Unlock()

	cancel := func() {
		n.eventMu.Lock()
		if existing, ok := n.subscribers[id]; ok {
			delete(n.subscribers, id)
			close(existing)
		}
		n.eventMu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, backlog
}
