package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/peervault/peervault/internal/metrics"
)

// EventType identifies a webhook event. Values mirror notification
// types so a single transition produces one consistent event name.
type EventType string

// Event is the payload delivered to webhook endpoints.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId"`
	Data      map[string]any `json:"data"`
}

// WebhookSubscription registers an external URL for event delivery.
type WebhookSubscription struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // Used for HMAC signing
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *WebhookSubscription) error
	Get(ctx context.Context, id string) (*WebhookSubscription, error)
	ListByUser(ctx context.Context, userID string) ([]*WebhookSubscription, error)
	Update(ctx context.Context, sub *WebhookSubscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events to a user's subscribed endpoints.
type Dispatcher struct {
	store  SubscriptionStore
	client *http.Client
}

func NewDispatcher(store SubscriptionStore) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends an event to the target user's active subscriptions
// that include the event type. Delivery is asynchronous.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByUser(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(context.WithoutCancel(ctx), sub, event)
				break
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *WebhookSubscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peervault-Event", string(event.Type))
	req.Header.Set("X-Peervault-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-Peervault-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("webhook", "error").Inc()
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.NotificationsTotal.WithLabelValues("webhook", "ok").Inc()
		d.updateSuccess(ctx, sub)
	} else {
		metrics.NotificationsTotal.WithLabelValues("webhook", "error").Inc()
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex-encoded HMAC-SHA256 of payload under secret.
// Receivers use the same computation to verify X-Peervault-Signature.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *WebhookSubscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *WebhookSubscription, errMsg string) {
	sub.LastError = errMsg
	_ = d.store.Update(ctx, sub)
}

// MemorySubscriptionStore is an in-memory subscription store.
type MemorySubscriptionStore struct {
	subs map[string]*WebhookSubscription
	mu   sync.RWMutex
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		subs: make(map[string]*WebhookSubscription),
	}
}

func (m *MemorySubscriptionStore) Create(_ context.Context, sub *WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemorySubscriptionStore) Get(_ context.Context, id string) (*WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemorySubscriptionStore) ListByUser(_ context.Context, userID string) ([]*WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*WebhookSubscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemorySubscriptionStore) Update(_ context.Context, sub *WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemorySubscriptionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

var _ SubscriptionStore = (*MemorySubscriptionStore)(nil)
