// Package notify records in-app notifications for trade lifecycle events
// and fans them out to connected WebSocket clients and registered
// webhook endpoints.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/logging"
	"github.com/peervault/peervault/internal/metrics"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
)

// Type categorizes a notification for client-side rendering.
type Type string

const (
	TypeRequestReceived Type = "request_received"
	TypeRequestExpired  Type = "request_expired"
	TypeRequestDeclined Type = "request_declined"
	TypeTradeAccepted   Type = "trade_accepted"
	TypeEscrowFunded    Type = "escrow_funded"
	TypePaymentSent     Type = "payment_sent"
	TypeTradeCompleted  Type = "trade_completed"
	TypeTradeDisputed   Type = "trade_disputed"
	TypeTradeCancelled  Type = "trade_cancelled"
	TypeVendorAssigned  Type = "vendor_assigned"
	TypeCashDelivered   Type = "cash_delivered"
	TypeCreditsGranted  Type = "credits_granted"
)

// Notification is a single in-app message for a user.
type Notification struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Type            Type      `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	RelatedEntityID string    `json:"relatedEntityId,omitempty"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) error
}

// Service creates notifications and fans them out. Fan-out failures
// never fail the caller's operation: the stored record is the source
// of truth, the live channels are best-effort.
type Service struct {
	store      Store
	hub        *Hub
	dispatcher *Dispatcher
}

// NewService creates a notification service. hub and dispatcher may be
// nil, in which case the corresponding channel is skipped.
func NewService(store Store, hub *Hub, dispatcher *Dispatcher) *Service {
	return &Service{store: store, hub: hub, dispatcher: dispatcher}
}

// Notify records a notification for a user and pushes it to live channels.
func (s *Service) Notify(ctx context.Context, userID string, typ Type, title, message, relatedID string) error {
	n := &Notification{
		ID:              idgen.WithPrefix("ntf_"),
		UserID:          userID,
		Type:            typ,
		Title:           title,
		Message:         message,
		RelatedEntityID: relatedID,
		CreatedAt:       time.Now(),
	}

	if err := s.store.Create(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues("store", "error").Inc()
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("store", "ok").Inc()

	if s.hub != nil {
		s.hub.Push(userID, n)
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, &Event{
			ID:        n.ID,
			Type:      EventType(typ),
			Timestamp: n.CreatedAt,
			UserID:    userID,
			Data: map[string]any{
				"title":           title,
				"message":         message,
				"relatedEntityId": relatedID,
			},
		}); err != nil {
			logging.L(ctx).Warn("webhook dispatch failed", "notification_id", n.ID, "error", err)
		}
	}
	return nil
}

// List returns a user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, unreadOnly, limit)
}

// MarkRead marks a single notification as read. The userID must match
// the notification's owner.
func (s *Service) MarkRead(ctx context.Context, id, userID string) error {
	return s.store.MarkRead(ctx, id, userID)
}

// MarkAllRead marks every unread notification for the user as read.
func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	return s.store.MarkAllRead(ctx, userID)
}
