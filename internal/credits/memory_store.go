package credits

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ledger for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendIfAbsent(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Entries without a related entity never dedup against each other.
	if tx.RelatedEntityID != "" {
		for _, e := range m.entries {
			if e.UserID == tx.UserID && e.Reason == tx.Reason && e.RelatedEntityID == tx.RelatedEntityID {
				return nil // already applied
			}
		}
	}

	cp := *tx
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) AppendIfSufficient(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var balance int64
	for _, e := range m.entries {
		if e.UserID == tx.UserID {
			balance += e.Delta
		}
	}
	if balance+tx.Delta < 0 {
		return ErrInsufficientCredits
	}

	cp := *tx
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var balance int64
	for _, e := range m.entries {
		if e.UserID == userID {
			balance += e.Delta
		}
	}
	return balance, nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, e := range m.entries {
		if e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
