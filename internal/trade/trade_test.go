package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peervault/peervault/internal/custody"
	"github.com/peervault/peervault/internal/notify"
)

type mockNotifier struct {
	mu    sync.Mutex
	calls []notify.Type
}

func (m *mockNotifier) Notify(_ context.Context, _ string, typ notify.Type, _, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, typ)
	return nil
}

type failingGateway struct{}

func (failingGateway) CreateVault(context.Context, string, string) (*custody.Vault, error) {
	return nil, custody.ErrUnavailable
}
func (failingGateway) GetBalance(context.Context, string) (*custody.BalanceReport, error) {
	return nil, custody.ErrUnavailable
}
func (failingGateway) Release(context.Context, string, string) (*custody.Receipt, error) {
	return nil, custody.ErrUnavailable
}

func testParams() CreateParams {
	return CreateParams{
		TradeRequestID: "req_1",
		BuyerID:        "user_buyer",
		SellerID:       "user_seller",
		CryptoAsset:    "BTC",
		CryptoAmount:   decimal.RequireFromString("0.01"),
		FiatAmount:     decimal.RequireFromString("1500000"),
		Rate:           decimal.RequireFromString("150000000"),
	}
}

func newTestService(t *testing.T) (*Service, *custody.Fake, *mockNotifier) {
	t.Helper()
	gateway := custody.NewFake()
	notifier := &mockNotifier{}
	svc := NewService(NewMemoryStore(), gateway, notifier)
	return svc, gateway, notifier
}

func TestCreateProvisionsVault(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, testParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tr.EscrowStatus != EscrowCreated {
		t.Fatalf("escrow status = %s, want created", tr.EscrowStatus)
	}
	if tr.EscrowAddress == "" || tr.VaultRef == "" {
		t.Fatalf("vault not persisted: %+v", tr)
	}
	if tr.Status != StatusActive {
		t.Fatalf("status = %s, want active", tr.Status)
	}
}

func TestCreateGatewayFailureMarksTradeFailed(t *testing.T) {
	notifier := &mockNotifier{}
	store := NewMemoryStore()
	svc := NewService(store, failingGateway{}, notifier)
	svc.retryAttempts = 2
	svc.retryDelay = time.Millisecond
	ctx := context.Background()

	_, err := svc.Create(ctx, testParams())
	if !errors.Is(err, ErrEscrowUnavailable) {
		t.Fatalf("expected ErrEscrowUnavailable, got %v", err)
	}

	trades, _ := store.ListByEscrowStatus(ctx, EscrowPending, 10)
	if len(trades) != 1 {
		t.Fatalf("expected 1 pending trade row, got %d", len(trades))
	}
	if trades[0].Status != StatusFailed {
		t.Fatalf("trade status = %s, want failed", trades[0].Status)
	}
}

func TestHandleFundedIsIdempotent(t *testing.T) {
	svc, gateway, _ := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, testParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = gateway.Fund(tr.ID, decimal.RequireFromString("0.01"))

	for i := 0; i < 3; i++ {
		if err := svc.HandleFunded(ctx, tr.ID); err != nil {
			t.Fatalf("HandleFunded attempt %d: %v", i, err)
		}
	}

	got, _ := svc.Get(ctx, tr.ID)
	if got.EscrowStatus != EscrowFunded {
		t.Fatalf("escrow status = %s, want funded", got.EscrowStatus)
	}
}

func TestConfirmPaymentSentOnlyBuyerFromFunded(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tr, _ := svc.Create(ctx, testParams())

	// Not funded yet
	if _, err := svc.ConfirmPaymentSent(ctx, tr.ID, "user_buyer", "proof-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before funding, got %v", err)
	}

	_ = svc.HandleFunded(ctx, tr.ID)

	// Seller cannot confirm payment sent
	if _, err := svc.ConfirmPaymentSent(ctx, tr.ID, "user_seller", "proof-1"); !errors.Is(err, ErrWrongParty) {
		t.Fatalf("expected ErrWrongParty for seller, got %v", err)
	}
	// Stranger is not a participant
	if _, err := svc.ConfirmPaymentSent(ctx, tr.ID, "user_stranger", "proof-1"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	got, err := svc.ConfirmPaymentSent(ctx, tr.ID, "user_buyer", "proof-1")
	if err != nil {
		t.Fatalf("ConfirmPaymentSent: %v", err)
	}
	if got.EscrowStatus != EscrowPaymentSent || got.PaymentProofRef != "proof-1" {
		t.Fatalf("unexpected trade after confirm: %+v", got)
	}
}

func TestReleaseOnlyFromPaymentSent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tr, _ := svc.Create(ctx, testParams())

	// created: release must fail
	if _, err := svc.ConfirmPaymentReceived(ctx, tr.ID, "user_seller", "bc1qbuyerwallet00000000"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from created, got %v", err)
	}

	_ = svc.HandleFunded(ctx, tr.ID)

	// funded: still no release without payment confirmation
	if _, err := svc.ConfirmPaymentReceived(ctx, tr.ID, "user_seller", "bc1qbuyerwallet00000000"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from funded, got %v", err)
	}
}

func TestEndToEndBankTransferTrade(t *testing.T) {
	svc, gateway, notifier := newTestService(t)
	ctx := context.Background()

	// 0.01 BTC at 150,000,000 per BTC
	tr, err := svc.Create(ctx, testParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !tr.FiatAmount.Equal(decimal.RequireFromString("1500000")) {
		t.Fatalf("fiat amount = %s, want 1500000", tr.FiatAmount)
	}

	_ = gateway.Fund(tr.ID, decimal.RequireFromString("0.01"))
	if err := svc.HandleFunded(ctx, tr.ID); err != nil {
		t.Fatalf("HandleFunded: %v", err)
	}

	if _, err := svc.ConfirmPaymentSent(ctx, tr.ID, "user_buyer", "bank-ref-42"); err != nil {
		t.Fatalf("ConfirmPaymentSent: %v", err)
	}

	got, err := svc.ConfirmPaymentReceived(ctx, tr.ID, "user_seller", "bc1qbuyerwallet00000000")
	if err != nil {
		t.Fatalf("ConfirmPaymentReceived: %v", err)
	}
	if got.EscrowStatus != EscrowReleased {
		t.Fatalf("escrow status = %s, want released", got.EscrowStatus)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ReleaseTxRef == "" {
		t.Fatal("release tx ref not recorded")
	}
	if got.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}

	// Terminal: nothing moves after release
	if _, err := svc.Dispute(ctx, tr.ID, "user_buyer", "changed my mind"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after release, got %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) == 0 {
		t.Fatal("no notifications emitted")
	}
}

func TestCancelFromFundedRefundsDeposit(t *testing.T) {
	svc, gateway, _ := newTestService(t)
	ctx := context.Background()

	tr, _ := svc.Create(ctx, testParams())
	_ = gateway.Fund(tr.ID, decimal.RequireFromString("0.01"))
	_ = svc.HandleFunded(ctx, tr.ID)

	// Funded cancel needs a refund address
	if _, err := svc.Cancel(ctx, tr.ID, "user_seller", ""); err == nil {
		t.Fatal("expected error cancelling funded trade without refund address")
	}

	got, err := svc.Cancel(ctx, tr.ID, "user_seller", "bc1qsellerwallet0000000")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.EscrowStatus != EscrowRefunded || got.Status != StatusCancelled {
		t.Fatalf("unexpected trade after cancel: %+v", got)
	}
	if got.ReleaseTxRef == "" {
		t.Fatal("refund tx ref not recorded")
	}
}

func TestCancelFromCreatedClosesWithoutGatewayCall(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tr, _ := svc.Create(ctx, testParams())

	got, err := svc.Cancel(ctx, tr.ID, "user_buyer", "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.EscrowStatus != EscrowRefunded {
		t.Fatalf("escrow status = %s, want refunded", got.EscrowStatus)
	}
	if got.ReleaseTxRef != "" {
		t.Fatal("unfunded cancel should not move funds")
	}
}

func TestDisputeFreezesTrade(t *testing.T) {
	svc, gateway, _ := newTestService(t)
	ctx := context.Background()

	tr, _ := svc.Create(ctx, testParams())
	_ = gateway.Fund(tr.ID, decimal.RequireFromString("0.01"))
	_ = svc.HandleFunded(ctx, tr.ID)

	got, err := svc.Dispute(ctx, tr.ID, "user_buyer", "seller unresponsive")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if got.EscrowStatus != EscrowDisputed || got.Status != StatusDisputed {
		t.Fatalf("unexpected trade after dispute: %+v", got)
	}

	if _, err := svc.ConfirmPaymentSent(ctx, tr.ID, "user_buyer", "proof"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected frozen trade, got %v", err)
	}
	if _, err := svc.Cancel(ctx, tr.ID, "user_buyer", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected frozen trade, got %v", err)
	}
	if err := svc.HandleFunded(ctx, tr.ID); err != nil {
		t.Fatalf("duplicate funded on disputed trade must be a no-op, got %v", err)
	}
}

func TestCanTransitionEdges(t *testing.T) {
	allowed := map[EscrowStatus][]EscrowStatus{
		EscrowPending:     {EscrowCreated, EscrowDisputed},
		EscrowCreated:     {EscrowFunded, EscrowRefunded, EscrowDisputed},
		EscrowFunded:      {EscrowPaymentSent, EscrowRefunded, EscrowDisputed},
		EscrowPaymentSent: {EscrowReleased, EscrowDisputed},
		EscrowReleased:    nil,
		EscrowRefunded:    nil,
		EscrowDisputed:    nil,
	}
	all := []EscrowStatus{
		EscrowPending, EscrowCreated, EscrowFunded, EscrowPaymentSent,
		EscrowReleased, EscrowDisputed, EscrowRefunded,
	}

	for from, nexts := range allowed {
		permitted := make(map[EscrowStatus]bool)
		for _, n := range nexts {
			permitted[n] = true
		}
		for _, to := range all {
			if got := CanTransition(from, to); got != permitted[to] {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, permitted[to])
			}
		}
	}
}

func TestUpdateStatusFromRejectsStaleStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tr := &Trade{ID: "trd_1", BuyerID: "b", SellerID: "s", EscrowStatus: EscrowFunded}
	_ = store.Create(ctx, tr)

	_, err := store.UpdateStatusFrom(ctx, "trd_1", EscrowCreated, func(t *Trade) {
		t.EscrowStatus = EscrowFunded
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = store.UpdateStatusFrom(ctx, "trd_missing", EscrowCreated, func(*Trade) {})
	if !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}
}
