package escrow

import (
	"fmt"
	"math/big"
)

// ListingStatus is the explicit lifecycle state of a listing. Closed listings
// (finalized or cancelled) reject every further operation, which blocks the
// replay of finalize and cancel on a settled sale.
type ListingStatus uint8

const (
	ListingOpen ListingStatus = iota + 1
	ListingFinalized
	ListingCancelled
)

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingOpen, ListingFinalized, ListingCancelled:
		return true
	default:
		return false
	}
}

// String renders the status for events and RPC responses.
func (s ListingStatus) String() string {
	switch s {
	case ListingOpen:
		return "open"
	case ListingFinalized:
		return "finalized"
	case ListingCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Roles holds the three contract-scoped participants, fixed at construction
// time. The buyer is listing-scoped and lives on the Listing itself.
type Roles struct {
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

// Valid reports whether every role account is set and the accounts are
// pairwise distinct.
func (r Roles) Valid() bool {
	if r.Seller == ([20]byte{}) || r.Inspector == ([20]byte{}) || r.Lender == ([20]byte{}) {
		return false
	}
	return r.Seller != r.Inspector && r.Seller != r.Lender && r.Inspector != r.Lender
}

// Listing captures the terms of a single property sale. The buyer and the
// price terms are immutable once listed; the inspection flag and status
// change through engine transitions only.
type Listing struct {
	AssetID          uint64
	Buyer            [20]byte
	PurchasePrice    *big.Int
	EarnestAmount    *big.Int
	InspectionPassed bool
	Status           ListingStatus
	CreatedAt        int64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.PurchasePrice != nil {
		clone.PurchasePrice = new(big.Int).Set(l.PurchasePrice)
	} else {
		clone.PurchasePrice = big.NewInt(0)
	}
	if l.EarnestAmount != nil {
		clone.EarnestAmount = new(big.Int).Set(l.EarnestAmount)
	} else {
		clone.EarnestAmount = big.NewInt(0)
	}
	return &clone
}

// Open reports whether the listing still accepts sale operations.
func (l *Listing) Open() bool {
	return l != nil && l.Status == ListingOpen
}

// SanitizeListing validates and normalises the supplied listing, returning a
// cloned instance with non-nil amount fields. The original value is not
// mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listing")
	}
	clone := l.Clone()
	if clone.AssetID == 0 {
		return nil, fmt.Errorf("listing asset id must be positive")
	}
	if clone.Buyer == ([20]byte{}) {
		return nil, fmt.Errorf("listing buyer must be set")
	}
	if clone.PurchasePrice.Sign() <= 0 {
		return nil, fmt.Errorf("listing purchase price must be positive")
	}
	if clone.EarnestAmount.Sign() < 0 {
		return nil, fmt.Errorf("listing earnest amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid listing status: %d", clone.Status)
	}
	return clone, nil
}
