// Package credits implements the prepaid credit ledger that meters paid
// platform services (cash pickup/delivery).
//
// The ledger is append-only: a user's balance is always the sum of their
// transaction deltas, never a separately mutable counter. Spends are
// atomic at the store (balance check and debit insert in one step) so a
// failed spend leaves no partial effect.
package credits

import (
	"context"
	"errors"
	"time"

	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/metrics"
)

var (
	ErrInsufficientCredits = errors.New("credits: insufficient balance")
	ErrInvalidAmount       = errors.New("credits: invalid amount")
)

// Transaction is a single signed ledger entry.
type Transaction struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Delta           int64     `json:"delta"` // negative for spends
	Reason          string    `json:"reason"`
	RelatedEntityID string    `json:"relatedEntityId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store persists the append-only ledger.
type Store interface {
	// AppendIfSufficient inserts a debit only when the user's derived
	// balance covers it; returns ErrInsufficientCredits otherwise.
	// The balance check and insert are a single atomic step.
	AppendIfSufficient(ctx context.Context, tx *Transaction) error

	// AppendIfAbsent inserts a transaction unless one with the same user,
	// reason and related entity already exists; the duplicate case is a
	// silent no-op. The existence check and insert are a single atomic
	// step, so concurrent replays of a refund or grant apply once.
	AppendIfAbsent(ctx context.Context, tx *Transaction) error

	Balance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// Ledger is the credit service consumed by the trade engines.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns the user's current balance, derived from the ledger.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.store.Balance(ctx, userID)
}

// History returns the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}

// Spend debits amount credits. Fails with ErrInsufficientCredits when
// the balance does not cover it, leaving the ledger untouched. Callers
// must invoke Spend only after the paid-for row exists, and compensate
// with Refund if a later step fails.
func (l *Ledger) Spend(ctx context.Context, userID string, amount int64, reason, relatedID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	err := l.store.AppendIfSufficient(ctx, &Transaction{
		ID:              idgen.WithPrefix("ctx_"),
		UserID:          userID,
		Delta:           -amount,
		Reason:          reason,
		RelatedEntityID: relatedID,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.CreditSpendsTotal.WithLabelValues("insufficient").Inc()
		} else {
			metrics.CreditSpendsTotal.WithLabelValues("error").Inc()
		}
		return err
	}
	metrics.CreditSpendsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Refund reverses a prior spend tied to relatedID. Idempotent: replaying
// a refund for the same relatedID and reason changes the balance once,
// even when the replays race.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, reason, relatedID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return l.store.AppendIfAbsent(ctx, &Transaction{
		ID:              idgen.WithPrefix("ctx_"),
		UserID:          userID,
		Delta:           amount,
		Reason:          reason,
		RelatedEntityID: relatedID,
		CreatedAt:       time.Now(),
	})
}

// Grant credits a user unconditionally, idempotent per relatedID+reason.
// Used by the purchase webhook so a replayed event grants once.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reason, relatedID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return l.store.AppendIfAbsent(ctx, &Transaction{
		ID:              idgen.WithPrefix("ctx_"),
		UserID:          userID,
		Delta:           amount,
		Reason:          reason,
		RelatedEntityID: relatedID,
		CreatedAt:       time.Now(),
	})
}
