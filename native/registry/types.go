package registry

import (
	"fmt"
	"strings"
)

// Asset captures a uniquely identified property record. The metadata URI is
// immutable once minted; the holder changes only through Transfer and the
// approved grantee is cleared on every transfer.
type Asset struct {
	ID       uint64
	Holder   [20]byte
	URI      string
	Approved [20]byte
	MintedAt int64
}

// Clone returns a copy of the asset so callers can mutate it safely.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// HasApproval reports whether a transfer grantee is currently recorded.
func (a *Asset) HasApproval() bool {
	return a != nil && a.Approved != ([20]byte{})
}

// SanitizeAsset validates an asset record and returns a cloned instance with
// a trimmed metadata URI. The original value is not mutated.
func SanitizeAsset(a *Asset) (*Asset, error) {
	if a == nil {
		return nil, fmt.Errorf("nil asset")
	}
	clone := a.Clone()
	clone.URI = strings.TrimSpace(clone.URI)
	if clone.ID == 0 {
		return nil, fmt.Errorf("asset id must be positive")
	}
	if clone.URI == "" {
		return nil, fmt.Errorf("asset uri must not be empty")
	}
	if clone.Holder == ([20]byte{}) {
		return nil, fmt.Errorf("asset holder must be set")
	}
	return clone, nil
}
