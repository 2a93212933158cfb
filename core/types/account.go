package types

import "math/big"

// Account is a ledger balance holder. Escrow vault custody is modelled as an
// ordinary account.
type Account struct {
	Address string   `json:"address"`
	Balance *big.Int `json:"balance"`
}

// Copy returns a deep copy of the account.
func (a *Account) Copy() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}
