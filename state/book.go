// Package state provides the in-memory ledger book backing the escrow engine:
// account balances, the escrow vault account and escrow records.
package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"tbc/core/types"
	"tbc/native/escrow"
)

// DefaultVaultAccount is the account that holds escrowed funds.
const DefaultVaultAccount = "vault://escrow"

var (
	errEmptyAddress    = errors.New("state: empty account address")
	errBalanceOverflow = errors.New("state: balance overflow")
	errNegativeBalance = errors.New("state: negative balance")
)

// Book is a concurrency-safe account and escrow store. Balances are held as
// 256-bit unsigned integers; writes that would overflow or go negative are
// rejected.
type Book struct {
	mu       sync.RWMutex
	vault    string
	accounts map[string]*uint256.Int
	escrows  map[escrow.OrderID]*escrow.Escrow
}

// NewBook returns an empty book whose vault account is vault. An empty vault
// name selects DefaultVaultAccount.
func NewBook(vault string) *Book {
	vault = strings.TrimSpace(vault)
	if vault == "" {
		vault = DefaultVaultAccount
	}
	return &Book{
		vault:    vault,
		accounts: make(map[string]*uint256.Int),
		escrows:  make(map[escrow.OrderID]*escrow.Escrow),
	}
}

// EscrowVaultAddress returns the custody account.
func (b *Book) EscrowVaultAddress() string { return b.vault }

// EscrowPut stores a copy of the escrow.
func (b *Book) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("state: nil escrow")
	}
	b.mu.Lock()
	b.escrows[e.OrderID] = e.Clone()
	b.mu.Unlock()
	return nil
}

// EscrowGet returns a copy of the stored escrow.
func (b *Book) EscrowGet(id escrow.OrderID) (*escrow.Escrow, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.escrows[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// EscrowIDs lists stored escrow identifiers in a stable order.
func (b *Book) EscrowIDs() []escrow.OrderID {
	b.mu.RLock()
	ids := make([]escrow.OrderID, 0, len(b.escrows))
	for id := range b.escrows {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return strings.Compare(ids[i].String(), ids[j].String()) < 0 })
	return ids
}

// GetAccount returns the account for addr. Unknown accounts have a zero
// balance.
func (b *Book) GetAccount(addr string) (*types.Account, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errEmptyAddress
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	acc := &types.Account{Address: addr, Balance: big.NewInt(0)}
	if bal, ok := b.accounts[addr]; ok {
		acc.Balance = bal.ToBig()
	}
	return acc, nil
}

// PutAccount overwrites the stored balance for addr.
func (b *Book) PutAccount(addr string, account *types.Account) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errEmptyAddress
	}
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return errNegativeBalance
	}
	value, overflow := uint256.FromBig(balance)
	if overflow {
		return errBalanceOverflow
	}
	b.mu.Lock()
	b.accounts[addr] = value
	b.mu.Unlock()
	return nil
}

// Deposit credits amount to addr. It is used by simulations and the local
// bridge to seed balances.
func (b *Book) Deposit(addr string, amount *big.Int) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errEmptyAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: deposit amount must be non-negative")
	}
	delta, overflow := uint256.FromBig(amount)
	if overflow {
		return errBalanceOverflow
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.accounts[addr]
	if !ok {
		current = new(uint256.Int)
	}
	sum, carry := new(uint256.Int).AddOverflow(current, delta)
	if carry {
		return errBalanceOverflow
	}
	b.accounts[addr] = sum
	return nil
}

// Balance returns the balance of addr, zero for unknown accounts.
func (b *Book) Balance(addr string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.accounts[strings.TrimSpace(addr)]; ok {
		return bal.ToBig()
	}
	return big.NewInt(0)
}
