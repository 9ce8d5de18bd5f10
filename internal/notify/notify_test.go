package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestNotifyStoresAndLists(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	if err := svc.Notify(ctx, "user_1", TypeTradeAccepted, "Trade accepted", "Your request was accepted", "trd_1"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := svc.Notify(ctx, "user_1", TypeEscrowFunded, "Escrow funded", "Seller funded escrow", "trd_1"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := svc.Notify(ctx, "user_2", TypeTradeAccepted, "Trade accepted", "other user", "trd_2"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	list, err := svc.List(ctx, "user_1", false, 50)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	for _, n := range list {
		if n.UserID != "user_1" {
			t.Errorf("notification for wrong user: %+v", n)
		}
		if n.Read {
			t.Errorf("new notification should be unread: %+v", n)
		}
	}
}

func TestMarkReadScopedToOwner(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	if err := svc.Notify(ctx, "user_1", TypePaymentSent, "Payment sent", "", "trd_1"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	list, _ := svc.List(ctx, "user_1", true, 10)
	if len(list) != 1 {
		t.Fatalf("expected 1 unread, got %d", len(list))
	}
	id := list[0].ID

	// Wrong user cannot mark it read
	if err := svc.MarkRead(ctx, id, "user_2"); err != ErrNotificationNotFound {
		t.Fatalf("expected ErrNotificationNotFound for wrong user, got %v", err)
	}

	if err := svc.MarkRead(ctx, id, "user_1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	list, _ = svc.List(ctx, "user_1", true, 10)
	if len(list) != 0 {
		t.Fatalf("expected 0 unread after mark, got %d", len(list))
	}
}

func TestMarkAllRead(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Notify(ctx, "user_1", TypeTradeCompleted, "Done", "", "trd_1"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if err := svc.MarkAllRead(ctx, "user_1"); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	list, _ := svc.List(ctx, "user_1", true, 10)
	if len(list) != 0 {
		t.Fatalf("expected 0 unread, got %d", len(list))
	}
}

func TestWebhookDispatchSignsPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
		sig      string
	)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		received = body
		sig = r.Header.Get("X-Peervault-Signature")
		if r.Header.Get("X-Peervault-Event") != "trade_accepted" {
			t.Errorf("event header = %q", r.Header.Get("X-Peervault-Event"))
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	store := NewMemorySubscriptionStore()
	_ = store.Create(context.Background(), &WebhookSubscription{
		ID:     "whk_1",
		UserID: "user_1",
		URL:    srv.URL,
		Secret: "topsecret",
		Events: []EventType{"trade_accepted"},
		Active: true,
	})

	d := NewDispatcher(store)
	err := d.Dispatch(context.Background(), &Event{
		ID:        "ntf_1",
		Type:      "trade_accepted",
		Timestamp: time.Now(),
		UserID:    "user_1",
		Data:      map[string]any{"title": "Trade accepted"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if want := Sign(received, "topsecret"); sig != want {
		t.Fatalf("signature mismatch: got %q want %q", sig, want)
	}
	var ev Event
	if err := json.Unmarshal(received, &ev); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if ev.ID != "ntf_1" {
		t.Fatalf("event id = %q", ev.ID)
	}
}

func TestWebhookDispatchSkipsInactiveAndUnsubscribed(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	store := NewMemorySubscriptionStore()
	_ = store.Create(context.Background(), &WebhookSubscription{
		ID: "whk_inactive", UserID: "user_1", URL: srv.URL,
		Events: []EventType{"trade_accepted"}, Active: false,
	})
	_ = store.Create(context.Background(), &WebhookSubscription{
		ID: "whk_other_event", UserID: "user_1", URL: srv.URL,
		Events: []EventType{"escrow_funded"}, Active: true,
	})

	d := NewDispatcher(store)
	if err := d.Dispatch(context.Background(), &Event{
		Type: "trade_accepted", UserID: "user_1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("expected no deliveries, got %d", calls)
	}
}
