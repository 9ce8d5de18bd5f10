// Package merchants implements the counterparty directory: merchants who
// accept bank-transfer trades and vendors who deliver or pick up physical
// cash. Profile stats feed the matching policy.
package merchants

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrMerchantNotFound = errors.New("merchants: merchant not found")
	ErrMerchantExists   = errors.New("merchants: merchant already registered")
)

// Kind distinguishes bank-transfer merchants from cash vendors.
type Kind string

const (
	KindMerchant Kind = "merchant"
	KindVendor   Kind = "vendor"
)

// Merchant is a counterparty profile. Stats are updated from completed
// trade outcomes, never written directly by the profile owner.
type Merchant struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Kind        Kind   `json:"kind"`

	// Stats consumed by the matching policy
	Rating              float64 `json:"rating"`              // 0-5 average
	ResponseTimeMinutes int     `json:"responseTimeMinutes"` // rolling average
	CompletionRate      float64 `json:"completionRate"`      // completed / total
	Online              bool    `json:"online"`
	TotalTrades         int64   `json:"totalTrades"`
	CompletedTrades     int64   `json:"completedTrades"`

	// ServiceAreas restrict where a vendor operates (cash flows only)
	ServiceAreas []string `json:"serviceAreas,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ServesArea reports whether a vendor covers the given area.
// Merchants (non-vendors) serve everywhere.
func (m *Merchant) ServesArea(area string) bool {
	if m.Kind != KindVendor || len(m.ServiceAreas) == 0 {
		return true
	}
	for _, a := range m.ServiceAreas {
		if strings.EqualFold(a, area) {
			return true
		}
	}
	return false
}

// Query filters directory listings.
type Query struct {
	Kind       Kind
	OnlineOnly bool
	Area       string
	Limit      int
}

// Store persists merchant profiles.
type Store interface {
	Create(ctx context.Context, m *Merchant) error
	Get(ctx context.Context, id string) (*Merchant, error)
	GetByUser(ctx context.Context, userID string) (*Merchant, error)
	List(ctx context.Context, q Query) ([]*Merchant, error)
	Update(ctx context.Context, m *Merchant) error
}

// Service wraps the store with stat-maintenance rules.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Register(ctx context.Context, m *Merchant) error {
	if _, err := s.store.GetByUser(ctx, m.UserID); err == nil {
		return ErrMerchantExists
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	return s.store.Create(ctx, m)
}

func (s *Service) Get(ctx context.Context, id string) (*Merchant, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, q Query) ([]*Merchant, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 100
	}
	return s.store.List(ctx, q)
}

// SetOnline toggles availability; offline merchants still appear in the
// directory but score lower in matching.
func (s *Service) SetOnline(ctx context.Context, id string, online bool) error {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	m.Online = online
	m.UpdatedAt = time.Now()
	return s.store.Update(ctx, m)
}

// RecordOutcome folds a finished trade into the merchant's stats.
// responseTime is how long the merchant took to accept; rating is the
// counterparty's 1-5 score, or 0 if none was given.
func (s *Service) RecordOutcome(ctx context.Context, id string, completed bool, responseTime time.Duration, rating float64) error {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	m.TotalTrades++
	if completed {
		m.CompletedTrades++
	}
	m.CompletionRate = float64(m.CompletedTrades) / float64(m.TotalTrades)

	minutes := int(responseTime.Minutes())
	if m.TotalTrades == 1 {
		m.ResponseTimeMinutes = minutes
	} else {
		// rolling average over all trades
		m.ResponseTimeMinutes = int((float64(m.ResponseTimeMinutes)*float64(m.TotalTrades-1) + float64(minutes)) / float64(m.TotalTrades))
	}

	if rating > 0 {
		if m.Rating == 0 {
			m.Rating = rating
		} else {
			m.Rating = (m.Rating*float64(m.TotalTrades-1) + rating) / float64(m.TotalTrades)
		}
		if m.Rating > 5 {
			m.Rating = 5
		}
	}

	m.UpdatedAt = time.Now()
	return s.store.Update(ctx, m)
}
