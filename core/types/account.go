package types

import "math/big"

// Address identifies a staker, policyholder or guardian.
type Address = [20]byte

// Account holds a settlement-currency balance inside the token vault.
type Account struct {
	Balance *big.Int `json:"balance"`
}

// Clone returns a deep copy so callers can mutate safely.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
