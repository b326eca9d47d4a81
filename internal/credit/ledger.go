// Package credit manages the credit balances that gate generation.
// Every turn places a hold before any provider call and settles it
// with exactly one terminal transition: finalize debits the measured
// cost, release returns the hold untouched.
package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/store"
)

// ErrInsufficientCredits is returned by Reserve when the owner cannot
// cover the hold.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger places and settles credit holds.
type Ledger struct {
	store        store.CreditStore
	initialGrant int64
}

// NewLedger returns a ledger backed by s. Owners seen for the first
// time are granted initialGrant credits.
func NewLedger(s store.CreditStore, initialGrant int64) *Ledger {
	return &Ledger{store: s, initialGrant: initialGrant}
}

// Reserve places a hold of amount credits for owner and returns the
// reservation ID.
func (l *Ledger) Reserve(ctx context.Context, owner string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("invalid reservation amount %d", amount)
	}
	if err := l.store.EnsureAccount(ctx, owner, l.initialGrant); err != nil {
		return "", fmt.Errorf("ensure account: %w", err)
	}
	id := uuid.NewString()
	err := l.store.InsertReservation(ctx, store.Reservation{ID: id, Owner: owner, Amount: amount})
	if errors.Is(err, store.ErrInsufficientCredits) {
		return "", ErrInsufficientCredits
	}
	if err != nil {
		return "", fmt.Errorf("reserve: %w", err)
	}
	return id, nil
}

// Finalize settles the reservation by debiting the actual cost, which
// may differ from the held amount in either direction. Settling an
// already-terminal reservation is a no-op.
func (l *Ledger) Finalize(ctx context.Context, id string, actual int64) error {
	if actual < 0 {
		actual = 0
	}
	_, err := l.store.FinalizeReservation(ctx, id, actual)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}
	return nil
}

// Release returns the hold without any debit. Releasing an
// already-terminal reservation is a no-op.
func (l *Ledger) Release(ctx context.Context, id string) error {
	_, err := l.store.ReleaseReservation(ctx, id)
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// Available returns the owner's spendable credits, creating the
// account with its initial grant on first sight.
func (l *Ledger) Available(ctx context.Context, owner string) (int64, error) {
	if err := l.store.EnsureAccount(ctx, owner, l.initialGrant); err != nil {
		return 0, err
	}
	return l.store.AvailableCredits(ctx, owner)
}
