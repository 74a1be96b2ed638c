// Package balance tracks per-user available and locked fiat balances.
//
// Every change is a pair of signed deltas applied atomically by the store,
// with both columns clamped at zero. Flow for an escrow order:
//  1. Order created  -> Lock:   available -> locked
//  2. Order complete -> Settle: buyer locked -> seller available
//  3. Order cancel   -> Unlock: locked -> available
package balance

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidUser   = errors.New("invalid user id")
)

// Balance is a user's off-chain balance in fiat minor units.
type Balance struct {
	UserID    int64     `json:"userId"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances.
type Store interface {
	// Get returns the balance, or a zero balance for an unknown user.
	Get(ctx context.Context, userID int64) (*Balance, error)
	// Apply adds the deltas in one atomic step, clamping each side at zero,
	// and returns the resulting balance.
	Apply(ctx context.Context, userID int64, availableDelta, lockedDelta int64) (*Balance, error)
}

// Ledger applies the balance movements used by the order lifecycle.
type Ledger struct {
	store Store
}

// New creates a balance ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Get returns a user's balance.
func (l *Ledger) Get(ctx context.Context, userID int64) (*Balance, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	return l.store.Get(ctx, userID)
}

// Credit adds to available.
func (l *Ledger) Credit(ctx context.Context, userID, amount int64) (*Balance, error) {
	if err := check(userID, amount); err != nil {
		return nil, err
	}
	return l.store.Apply(ctx, userID, amount, 0)
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(ctx context.Context, userID, amount int64) (*Balance, error) {
	if err := check(userID, amount); err != nil {
		return nil, err
	}
	return l.store.Apply(ctx, userID, -amount, amount)
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(ctx context.Context, userID, amount int64) (*Balance, error) {
	if err := check(userID, amount); err != nil {
		return nil, err
	}
	return l.store.Apply(ctx, userID, amount, -amount)
}

// Settle removes amount from the buyer's locked balance and credits the
// seller's available balance.
func (l *Ledger) Settle(ctx context.Context, buyerID, sellerID, amount int64) error {
	if err := check(buyerID, amount); err != nil {
		return err
	}
	if err := check(sellerID, amount); err != nil {
		return err
	}
	if _, err := l.store.Apply(ctx, buyerID, 0, -amount); err != nil {
		return err
	}
	_, err := l.store.Apply(ctx, sellerID, amount, 0)
	return err
}

func check(userID, amount int64) error {
	if userID <= 0 {
		return ErrInvalidUser
	}
	if amount < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
