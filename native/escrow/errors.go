package escrow

import (
	"errors"
	"fmt"
)

// Base error taxonomy for the sale state machine. Every failure is rejected
// atomically before any state mutation; callers may retry the same call once
// the guard condition is satisfied.
var (
	// ErrUnauthorized is returned when the caller does not hold the role an
	// operation requires.
	ErrUnauthorized = errors.New("sale: unauthorized caller")
	// ErrInvalidState is returned when an operation is attempted outside its
	// required listing state.
	ErrInvalidState = errors.New("sale: invalid listing state")
	// ErrInsufficientFunds is returned when a payment is below the required
	// amount or the held funds do not cover the purchase price.
	ErrInsufficientFunds = errors.New("sale: insufficient funds")
	// ErrInsufficientApprovals is returned when finalize is attempted before
	// buyer, seller and lender have all approved.
	ErrInsufficientApprovals = errors.New("sale: insufficient approvals")
)

// Role-specific and state-specific variants, all matching the base sentinels
// through errors.Is.
var (
	ErrNotSeller    = fmt.Errorf("%w: caller is not the seller", ErrUnauthorized)
	ErrNotBuyer     = fmt.Errorf("%w: caller is not the listing buyer", ErrUnauthorized)
	ErrNotInspector = fmt.Errorf("%w: caller is not the inspector", ErrUnauthorized)
	ErrNotLender    = fmt.Errorf("%w: caller is not the lender", ErrUnauthorized)

	ErrAlreadyListed = fmt.Errorf("%w: asset already listed", ErrInvalidState)
	ErrNotListed     = fmt.Errorf("%w: asset not listed", ErrInvalidState)
	ErrListingClosed = fmt.Errorf("%w: listing already settled", ErrInvalidState)

	ErrInspectionNotPassed = fmt.Errorf("%w: inspection has not passed", ErrInvalidState)
)
