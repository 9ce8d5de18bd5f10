package request

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory request store for development and tests.
// Claim and MarkStatusFrom hold the store lock across check-and-write,
// giving the same first-writer-wins guarantee as the conditional SQL
// update.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*TradeRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*TradeRequest)}
}

func (m *MemoryStore) Create(_ context.Context, r *TradeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*TradeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListOpen(_ context.Context, method PaymentMethod, limit int) ([]*TradeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TradeRequest
	for _, r := range m.requests {
		if r.Status != StatusOpen {
			continue
		}
		if method != "" && r.PaymentMethod != method {
			continue
		}
		cp := *r
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

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*TradeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TradeRequest
	for _, r := range m.requests {
		if r.RequesterID != userID {
			continue
		}
		cp := *r
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

func (m *MemoryStore) Claim(_ context.Context, id, merchantID string) (*TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status != StatusOpen || !r.ExpiresAt.After(time.Now()) {
		return nil, ErrAlreadyTaken
	}

	r.Status = StatusAccepted
	r.MerchantID = merchantID
	r.UpdatedAt = time.Now()

	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Reopen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status != StatusAccepted {
		return ErrAlreadyTaken
	}

	r.Status = StatusOpen
	r.MerchantID = ""
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkStatusFrom(_ context.Context, id string, from, to Status) (*TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status != from {
		return nil, ErrAlreadyTaken
	}

	r.Status = to
	r.UpdatedAt = time.Now()

	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*TradeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TradeRequest
	for _, r := range m.requests {
		if r.Status == StatusOpen && r.ExpiresAt.Before(before) {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
