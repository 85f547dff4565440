package types

import "math/big"

// Account is the ledger record for a single participant. Balances are kept in
// the smallest currency unit.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// EnsureDefaults replaces nil pointer fields with zero values so callers can
// operate on an account without nil checks.
func (a *Account) EnsureDefaults() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
