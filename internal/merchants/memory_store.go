package merchants

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory merchant directory for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	merchants map[string]*Merchant
	byUser    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		merchants: make(map[string]*Merchant),
		byUser:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, mc *Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.merchants[mc.ID]; ok {
		return ErrMerchantExists
	}
	if _, ok := m.byUser[mc.UserID]; ok {
		return ErrMerchantExists
	}
	cp := cloneMerchant(mc)
	m.merchants[mc.ID] = cp
	m.byUser[mc.UserID] = mc.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.merchants[id]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	return cloneMerchant(mc), nil
}

func (m *MemoryStore) GetByUser(_ context.Context, userID string) (*Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	return cloneMerchant(m.merchants[id]), nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]*Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Merchant
	for _, mc := range m.merchants {
		if q.Kind != "" && mc.Kind != q.Kind {
			continue
		}
		if q.OnlineOnly && !mc.Online {
			continue
		}
		if q.Area != "" && !mc.ServesArea(q.Area) {
			continue
		}
		result = append(result, cloneMerchant(mc))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, mc *Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.merchants[mc.ID]; !ok {
		return ErrMerchantNotFound
	}
	m.merchants[mc.ID] = cloneMerchant(mc)
	return nil
}

func cloneMerchant(mc *Merchant) *Merchant {
	cp := *mc
	if mc.ServiceAreas != nil {
		cp.ServiceAreas = append([]string(nil), mc.ServiceAreas...)
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
