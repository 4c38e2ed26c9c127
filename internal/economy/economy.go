// Package economy defines the currency collaborator used for fines and bail.
package economy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrUnavailable       = errors.New("economy unavailable")
)

// Economy moves currency. Every failure is soft for the jail engine.
type Economy interface {
	Available() bool
	Balance(account uuid.UUID) (float64, error)
	Withdraw(account uuid.UUID, amount float64) error
	Deposit(account uuid.UUID, amount float64) error
}

// Ledger is an in-memory Economy.
type Ledger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]float64
	disabled bool
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[uuid.UUID]float64)}
}

// SetAvailable toggles the ledger to simulate a missing economy plugin.
func (l *Ledger) SetAvailable(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled = !v
}

func (l *Ledger) Available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.disabled
}

func (l *Ledger) Balance(account uuid.UUID) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return 0, ErrUnavailable
	}
	return l.balances[account], nil
}

func (l *Ledger) Withdraw(account uuid.UUID, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return ErrUnavailable
	}
	if l.balances[account] < amount {
		return fmt.Errorf("withdraw %.2f: %w", amount, ErrInsufficientFunds)
	}
	l.balances[account] -= amount
	return nil
}

func (l *Ledger) Deposit(account uuid.UUID, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return ErrUnavailable
	}
	l.balances[account] += amount
	return nil
}

// Has reports whether account can cover amount.
func Has(e Economy, account uuid.UUID, amount float64) bool {
	if e == nil || !e.Available() {
		return false
	}
	bal, err := e.Balance(account)
	return err == nil && bal >= amount
}

// Seed sets starting balances keyed by account id string.
func (l *Ledger) Seed(accounts map[string]float64) error {
	parsed := make(map[uuid.UUID]float64, len(accounts))
	for k, v := range accounts {
		id, err := uuid.Parse(k)
		if err != nil {
			return fmt.Errorf("account %q: %w", k, err)
		}
		if v < 0 {
			return fmt.Errorf("account %q: %w", k, ErrInvalidAmount)
		}
		parsed[id] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, v := range parsed {
		l.balances[id] = v
	}
	return nil
}
