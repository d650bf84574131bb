package core

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInsufficientFunds = errors.New("core: insufficient account funds")

	errVaultAmount = errors.New("core: transfer amount must be positive")
)

// Vault moves the settlement token between external accounts and the
// protocol. Debits happen before any protocol state mutates; credits happen
// only after the mutation has been written, so a failure can never leave
// money moved without the matching record.
type Vault struct {
	state *LedgerState
}

// NewVault builds a ledger-backed vault.
func NewVault(state *LedgerState) *Vault {
	return &Vault{state: state}
}

// Debit withdraws funds from an account into the protocol.
func (v *Vault) Debit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errVaultAmount
	}
	account, err := v.state.GetAccount(addr)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientFunds, FormatAddress(addr), account.Balance, amount)
	}
	account.Balance = new(big.Int).Sub(account.Balance, amount)
	return v.state.PutAccount(addr, account)
}

// Credit pays funds from the protocol out to an account.
func (v *Vault) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errVaultAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	account, err := v.state.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return v.state.PutAccount(addr, account)
}

// Mint creates funds in an account. Used by genesis allocation only.
func (v *Vault) Mint(addr [20]byte, amount *big.Int) error {
	return v.Credit(addr, amount)
}

// Balance reports the account's token balance.
func (v *Vault) Balance(addr [20]byte) (*big.Int, error) {
	account, err := v.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Balance), nil
}
