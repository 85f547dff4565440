package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"deedchain/core/types"
	"deedchain/native/escrow"
	"deedchain/native/registry"
	"deedchain/storage"
)

// Manager provides typed access to the ledger's persisted state: accounts,
// the asset registry, listings, per-listing approvals and the per-listing
// escrow funds ledger. All records are JSON-encoded under prefixed keys.
// The manager performs no locking of its own; the node serializes access.
type Manager struct {
	db storage.Database
}

// NewManager wraps a key-value database with typed state accessors.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func (m *Manager) getJSON(key string, out interface{}) (bool, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return m.db.Put([]byte(key), raw)
}

// --- Accounts ---

// GetAccount loads the account record for the address, returning a zeroed
// account when none exists yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	account := &types.Account{}
	key := fmt.Sprintf(accountKeyFormat, addr)
	if _, err := m.getJSON(key, account); err != nil {
		return nil, err
	}
	return account.EnsureDefaults(), nil
}

// PutAccount persists the account record for the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	return m.putJSON(fmt.Sprintf(accountKeyFormat, addr), account.EnsureDefaults())
}

// --- Asset registry ---

type storedAsset struct {
	ID       uint64 `json:"id"`
	Holder   string `json:"holder"`
	URI      string `json:"uri"`
	Approved string `json:"approved,omitempty"`
	MintedAt int64  `json:"mintedAt"`
}

func decodeAddr20(raw string) ([20]byte, error) {
	var out [20]byte
	if raw == "" {
		return out, nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != 20 {
		return out, fmt.Errorf("expected 20-byte address, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// AssetPut sanitizes and persists an asset record.
func (m *Manager) AssetPut(asset *registry.Asset) error {
	sanitized, err := registry.SanitizeAsset(asset)
	if err != nil {
		return err
	}
	record := storedAsset{
		ID:       sanitized.ID,
		Holder:   hex.EncodeToString(sanitized.Holder[:]),
		URI:      sanitized.URI,
		MintedAt: sanitized.MintedAt,
	}
	if sanitized.HasApproval() {
		record.Approved = hex.EncodeToString(sanitized.Approved[:])
	}
	return m.putJSON(fmt.Sprintf(assetKeyFormat, sanitized.ID), record)
}

// AssetGet loads the asset record for the identifier.
func (m *Manager) AssetGet(id uint64) (*registry.Asset, bool) {
	record := storedAsset{}
	ok, err := m.getJSON(fmt.Sprintf(assetKeyFormat, id), &record)
	if err != nil || !ok {
		return nil, false
	}
	holder, err := decodeAddr20(record.Holder)
	if err != nil {
		return nil, false
	}
	approved, err := decodeAddr20(record.Approved)
	if err != nil {
		return nil, false
	}
	return &registry.Asset{
		ID:       record.ID,
		Holder:   holder,
		URI:      record.URI,
		Approved: approved,
		MintedAt: record.MintedAt,
	}, true
}

// NextAssetID increments and returns the registry's sequential identifier
// counter. The first identifier issued is 1.
func (m *Manager) NextAssetID() (uint64, error) {
	var current uint64
	raw, err := m.db.Get([]byte(assetCounterKey))
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		current = 0
	case err != nil:
		return 0, err
	default:
		parsed, parseErr := strconv.ParseUint(string(raw), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("state: corrupt asset counter: %w", parseErr)
		}
		current = parsed
	}
	next := current + 1
	if err := m.db.Put([]byte(assetCounterKey), []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// --- Listings ---

type storedListing struct {
	AssetID          uint64 `json:"assetId"`
	Buyer            string `json:"buyer"`
	PurchasePrice    string `json:"purchasePrice"`
	EarnestAmount    string `json:"earnestAmount"`
	InspectionPassed bool   `json:"inspectionPassed"`
	Status           uint8  `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
}

// ListingPut sanitizes and persists a listing record.
func (m *Manager) ListingPut(listing *escrow.Listing) error {
	sanitized, err := escrow.SanitizeListing(listing)
	if err != nil {
		return err
	}
	record := storedListing{
		AssetID:          sanitized.AssetID,
		Buyer:            hex.EncodeToString(sanitized.Buyer[:]),
		PurchasePrice:    sanitized.PurchasePrice.String(),
		EarnestAmount:    sanitized.EarnestAmount.String(),
		InspectionPassed: sanitized.InspectionPassed,
		Status:           uint8(sanitized.Status),
		CreatedAt:        sanitized.CreatedAt,
	}
	return m.putJSON(fmt.Sprintf(listingKeyFormat, sanitized.AssetID), record)
}

// ListingGet loads the listing for the asset identifier.
func (m *Manager) ListingGet(assetID uint64) (*escrow.Listing, bool) {
	record := storedListing{}
	ok, err := m.getJSON(fmt.Sprintf(listingKeyFormat, assetID), &record)
	if err != nil || !ok {
		return nil, false
	}
	buyer, err := decodeAddr20(record.Buyer)
	if err != nil {
		return nil, false
	}
	price, ok := new(big.Int).SetString(record.PurchasePrice, 10)
	if !ok {
		return nil, false
	}
	earnest, ok := new(big.Int).SetString(record.EarnestAmount, 10)
	if !ok {
		return nil, false
	}
	return &escrow.Listing{
		AssetID:          record.AssetID,
		Buyer:            buyer,
		PurchasePrice:    price,
		EarnestAmount:    earnest,
		InspectionPassed: record.InspectionPassed,
		Status:           escrow.ListingStatus(record.Status),
		CreatedAt:        record.CreatedAt,
	}, true
}

// --- Approvals ---

func (m *Manager) loadApprovals(assetID uint64) (map[string]bool, error) {
	approvals := make(map[string]bool)
	if _, err := m.getJSON(fmt.Sprintf(approvalsKeyFormat, assetID), &approvals); err != nil {
		return nil, err
	}
	return approvals, nil
}

// SaleApprovalSet records one participant's approval flag for a listing.
func (m *Manager) SaleApprovalSet(assetID uint64, addr [20]byte, approved bool) error {
	approvals, err := m.loadApprovals(assetID)
	if err != nil {
		return err
	}
	approvals[hex.EncodeToString(addr[:])] = approved
	return m.putJSON(fmt.Sprintf(approvalsKeyFormat, assetID), approvals)
}

// SaleApprovalGet reports whether the account has approved the listing.
func (m *Manager) SaleApprovalGet(assetID uint64, addr [20]byte) (bool, error) {
	approvals, err := m.loadApprovals(assetID)
	if err != nil {
		return false, err
	}
	return approvals[hex.EncodeToString(addr[:])], nil
}

// SaleApprovalsClear removes every recorded approval for the listing.
func (m *Manager) SaleApprovalsClear(assetID uint64) error {
	return m.db.Delete([]byte(fmt.Sprintf(approvalsKeyFormat, assetID)))
}

// --- Funds ledger ---

func (m *Manager) loadAmount(key string) (*big.Int, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt amount under %s", key)
	}
	return amount, nil
}

func (m *Manager) storeAmount(key string, amount *big.Int) error {
	return m.db.Put([]byte(key), []byte(amount.String()))
}

// SaleCredit adds funds to a listing's held balance and the aggregate pool.
func (m *Manager) SaleCredit(assetID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	key := fmt.Sprintf(fundsKeyFormat, assetID)
	held, err := m.loadAmount(key)
	if err != nil {
		return err
	}
	if err := m.storeAmount(key, new(big.Int).Add(held, amount)); err != nil {
		return err
	}
	total, err := m.loadAmount(fundsTotalKey)
	if err != nil {
		return err
	}
	return m.storeAmount(fundsTotalKey, new(big.Int).Add(total, amount))
}

// SaleDebit removes funds from a listing's held balance and the aggregate
// pool, failing when the held balance does not cover the amount.
func (m *Manager) SaleDebit(assetID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	key := fmt.Sprintf(fundsKeyFormat, assetID)
	held, err := m.loadAmount(key)
	if err != nil {
		return err
	}
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("state: held funds %s below debit %s", held, amount)
	}
	if err := m.storeAmount(key, new(big.Int).Sub(held, amount)); err != nil {
		return err
	}
	total, err := m.loadAmount(fundsTotalKey)
	if err != nil {
		return err
	}
	if total.Cmp(amount) < 0 {
		return fmt.Errorf("state: aggregate pool %s below debit %s", total, amount)
	}
	return m.storeAmount(fundsTotalKey, new(big.Int).Sub(total, amount))
}

// SaleFunds returns the funds currently held for a listing.
func (m *Manager) SaleFunds(assetID uint64) (*big.Int, error) {
	return m.loadAmount(fmt.Sprintf(fundsKeyFormat, assetID))
}

// SaleTotalFunds returns the aggregate balance across all listings.
func (m *Manager) SaleTotalFunds() (*big.Int, error) {
	return m.loadAmount(fundsTotalKey)
}
