package trade

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory trade store for development and tests.
// UpdateStatusFrom holds the store lock for the whole check-and-write,
// giving the same atomicity as the conditional SQL update.
type MemoryStore struct {
	mu        sync.RWMutex
	trades    map[string]*Trade
	byRequest map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:    make(map[string]*Trade),
		byRequest: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trades[t.ID] = &cp
	if t.TradeRequestID != "" {
		m.byRequest[t.TradeRequestID] = t.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByRequest(_ context.Context, requestID string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRequest[requestID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *m.trades[id]
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Participant(userID) {
			cp := *t
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

func (m *MemoryStore) ListByEscrowStatus(_ context.Context, status EscrowStatus, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.EscrowStatus == status {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateStatusFrom(_ context.Context, id string, from EscrowStatus, mutate func(*Trade)) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	if t.EscrowStatus != from {
		return nil, ErrInvalidTransition
	}

	cp := *t
	mutate(&cp)
	m.trades[id] = &cp

	out := cp
	return &out, nil
}

var _ Store = (*MemoryStore)(nil)
