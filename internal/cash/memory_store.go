package cash

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory cash job store for development and tests.
// Conditional updates hold the lock across check-and-write.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*CashTrade
	byTrade map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*CashTrade),
		byTrade: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *CashTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.jobs[c.ID] = &cp
	m.byTrade[c.TradeID] = c.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*CashTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.jobs[id]
	if !ok {
		return nil, ErrCashTradeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetByTrade(_ context.Context, tradeID string) (*CashTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTrade[tradeID]
	if !ok {
		return nil, ErrCashTradeNotFound
	}
	cp := *m.jobs[id]
	return &cp, nil
}

func (m *MemoryStore) ListByVendor(_ context.Context, vendorID string, limit int) ([]*CashTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*CashTrade
	for _, c := range m.jobs {
		if c.VendorID != vendorID {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateStatusFrom(_ context.Context, id string, from Status, mutate func(*CashTrade)) (*CashTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.jobs[id]
	if !ok {
		return nil, ErrCashTradeNotFound
	}
	if c.Status != from {
		return nil, ErrInvalidTransition
	}

	cp := *c
	mutate(&cp)
	cp.UpdatedAt = time.Now()
	m.jobs[id] = &cp

	out := cp
	return &out, nil
}

func (m *MemoryStore) SetCodeIfEmpty(_ context.Context, id, code string) (*CashTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.jobs[id]
	if !ok {
		return nil, ErrCashTradeNotFound
	}
	if c.DeliveryCode == "" {
		c.DeliveryCode = code
		c.UpdatedAt = time.Now()
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.jobs[id]
	if !ok {
		return ErrCashTradeNotFound
	}
	delete(m.byTrade, c.TradeID)
	delete(m.jobs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
