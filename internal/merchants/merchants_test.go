package merchants

import (
	"context"
	"testing"
	"time"
)

func newTestMerchant(id, userID string, kind Kind) *Merchant {
	return &Merchant{
		ID:          id,
		UserID:      userID,
		DisplayName: "Test " + id,
		Kind:        kind,
		Online:      true,
	}
}

func TestRegisterRejectsDuplicateUser(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.Register(ctx, newTestMerchant("mch_1", "user_1", KindMerchant)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := svc.Register(ctx, newTestMerchant("mch_2", "user_1", KindMerchant))
	if err != ErrMerchantExists {
		t.Fatalf("expected ErrMerchantExists, got %v", err)
	}
}

func TestRecordOutcomeUpdatesStats(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.Register(ctx, newTestMerchant("mch_1", "user_1", KindMerchant)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.RecordOutcome(ctx, "mch_1", true, 10*time.Minute, 5); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := svc.RecordOutcome(ctx, "mch_1", false, 30*time.Minute, 3); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	m, err := svc.Get(ctx, "mch_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.TotalTrades != 2 || m.CompletedTrades != 1 {
		t.Fatalf("trades = %d/%d, want 1/2", m.CompletedTrades, m.TotalTrades)
	}
	if m.CompletionRate != 0.5 {
		t.Fatalf("completion rate = %v, want 0.5", m.CompletionRate)
	}
	if m.ResponseTimeMinutes != 20 {
		t.Fatalf("response time = %d, want 20", m.ResponseTimeMinutes)
	}
	if m.Rating != 4 {
		t.Fatalf("rating = %v, want 4", m.Rating)
	}
}

func TestListFiltersByKindOnlineAndArea(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	vendor := newTestMerchant("mch_v1", "user_v1", KindVendor)
	vendor.ServiceAreas = []string{"Lagos", "Abuja"}
	offline := newTestMerchant("mch_v2", "user_v2", KindVendor)
	offline.ServiceAreas = []string{"Lagos"}
	offline.Online = false
	merchant := newTestMerchant("mch_m1", "user_m1", KindMerchant)

	for _, m := range []*Merchant{vendor, offline, merchant} {
		if err := svc.Register(ctx, m); err != nil {
			t.Fatalf("Register %s: %v", m.ID, err)
		}
	}

	list, err := svc.List(ctx, Query{Kind: KindVendor, OnlineOnly: true, Area: "lagos"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "mch_v1" {
		t.Fatalf("expected [mch_v1], got %v", list)
	}

	// Vendor outside area filtered out
	list, err = svc.List(ctx, Query{Kind: KindVendor, Area: "Kano"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no vendors for Kano, got %d", len(list))
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	m := newTestMerchant("mch_1", "user_1", KindVendor)
	m.ServiceAreas = []string{"Lagos"}
	if err := store.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := store.Get(ctx, "mch_1")
	got.DisplayName = "mutated"
	got.ServiceAreas[0] = "mutated"

	again, _ := store.Get(ctx, "mch_1")
	if again.DisplayName == "mutated" || again.ServiceAreas[0] == "mutated" {
		t.Fatal("store returned a shared reference")
	}
}
