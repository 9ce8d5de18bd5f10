package cash

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/peervault/peervault/internal/credits"
	"github.com/peervault/peervault/internal/merchants"
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

type fixture struct {
	svc      *Service
	ledger   *credits.Ledger
	vendors  *merchants.Service
	notifier *mockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := credits.New(credits.NewMemoryStore())
	vendors := merchants.NewService(merchants.NewMemoryStore())
	notifier := &mockNotifier{}
	return &fixture{
		svc:      NewService(NewMemoryStore(), vendors, ledger, notifier, 6),
		ledger:   ledger,
		vendors:  vendors,
		notifier: notifier,
	}
}

func (f *fixture) registerVendor(t *testing.T, userID string, areas ...string) *merchants.Merchant {
	t.Helper()
	m := &merchants.Merchant{
		ID:           "mch_" + userID,
		UserID:       userID,
		DisplayName:  userID,
		Kind:         merchants.KindVendor,
		Rating:       4.5,
		Online:       true,
		ServiceAreas: areas,
	}
	if err := f.vendors.Register(context.Background(), m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return m
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	if err := f.ledger.Grant(context.Background(), userID, amount, "test_seed", "seed_"+userID); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func (f *fixture) createJob(t *testing.T) *CashTrade {
	t.Helper()
	f.registerVendor(t, "vendor_1", "lagos")
	f.fund(t, "buyer_1", 10)
	job, err := f.svc.CreateJob(context.Background(), "trd_1", "buyer_1", "lagos")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestCreateJobDebitsFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.createJob(t)
	if job.Status != StatusPendingVendor {
		t.Fatalf("status = %s, want pending_vendor", job.Status)
	}
	if job.VendorID != "vendor_1" {
		t.Fatalf("vendor = %s, want vendor_1", job.VendorID)
	}

	balance, _ := f.ledger.Balance(ctx, "buyer_1")
	if balance != 10-DeliveryFeeCredits {
		t.Fatalf("balance = %d, want %d", balance, 10-DeliveryFeeCredits)
	}
}

func TestCreateJobInsufficientCreditsLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registerVendor(t, "vendor_1", "lagos")
	f.fund(t, "buyer_1", 3) // fee is 5

	_, err := f.svc.CreateJob(ctx, "trd_1", "buyer_1", "lagos")
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	// The compensation removed the job and the balance is untouched.
	if _, err := f.svc.GetByTrade(ctx, "trd_1"); !errors.Is(err, ErrCashTradeNotFound) {
		t.Fatalf("job survived failed debit: %v", err)
	}
	balance, _ := f.ledger.Balance(ctx, "buyer_1")
	if balance != 3 {
		t.Fatalf("balance = %d, want 3", balance)
	}
}

func TestCreateJobNoVendorForArea(t *testing.T) {
	f := newFixture(t)

	f.registerVendor(t, "vendor_1", "lagos")
	f.fund(t, "buyer_1", 10)

	_, err := f.svc.CreateJob(context.Background(), "trd_1", "buyer_1", "abuja")
	if !errors.Is(err, ErrNoVendorAvailable) {
		t.Fatalf("err = %v, want ErrNoVendorAvailable", err)
	}
}

func TestVendorAssignmentPrefersBetterStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register := func(userID string, rating float64, responseTime int, completion float64) {
		m := &merchants.Merchant{
			ID:                  "mch_" + userID,
			UserID:              userID,
			DisplayName:         userID,
			Kind:                merchants.KindVendor,
			Rating:              rating,
			ResponseTimeMinutes: responseTime,
			CompletionRate:      completion,
			Online:              true,
			ServiceAreas:        []string{"lagos"},
		}
		if err := f.vendors.Register(ctx, m); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	register("vendor_weak", 2.0, 90, 0.40)
	register("vendor_strong", 4.8, 10, 0.95)

	f.fund(t, "buyer_1", 10)
	job, err := f.svc.CreateJob(ctx, "trd_1", "buyer_1", "lagos")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.VendorID != "vendor_strong" {
		t.Fatalf("assigned %s, want vendor_strong", job.VendorID)
	}
}

func TestCodeIssuedOnceAtVendorPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t)

	// No code before the vendor is paid.
	if _, err := f.svc.IssueCode(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("premature issue: err = %v, want ErrInvalidTransition", err)
	}

	paid, err := f.svc.ConfirmVendorPaid(ctx, job.ID, "vendor_1")
	if err != nil {
		t.Fatalf("ConfirmVendorPaid: %v", err)
	}
	if len(paid.DeliveryCode) != 6 {
		t.Fatalf("code = %q, want 6 chars", paid.DeliveryCode)
	}

	// Re-issuing returns the same code.
	for i := 0; i < 3; i++ {
		code, err := f.svc.IssueCode(ctx, job.ID)
		if err != nil {
			t.Fatalf("IssueCode: %v", err)
		}
		if code != paid.DeliveryCode {
			t.Fatalf("reissue changed code: %q != %q", code, paid.DeliveryCode)
		}
	}
}

func TestValidateCodePureOnMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t)

	paid, err := f.svc.ConfirmVendorPaid(ctx, job.ID, "vendor_1")
	if err != nil {
		t.Fatalf("ConfirmVendorPaid: %v", err)
	}

	// Repeated mismatches never rotate the code or move state.
	for i := 0; i < 5; i++ {
		ok, err := f.svc.ValidateCode(ctx, job.ID, "WRONG1")
		if err != nil {
			t.Fatalf("ValidateCode: %v", err)
		}
		if ok {
			t.Fatal("mismatched code validated")
		}
	}

	got, _ := f.svc.Get(ctx, job.ID)
	if got.Status != StatusVendorPaid {
		t.Fatalf("status = %s, want vendor_paid after mismatches", got.Status)
	}
	if got.DeliveryCode != paid.DeliveryCode {
		t.Fatal("code rotated on mismatch")
	}

	// Case-insensitive match.
	ok, err := f.svc.ValidateCode(ctx, job.ID, strings.ToLower(paid.DeliveryCode))
	if err != nil || !ok {
		t.Fatalf("lowercase code rejected: ok=%v err=%v", ok, err)
	}

	// A valid code alone never transitions.
	got, _ = f.svc.Get(ctx, job.ID)
	if got.Status != StatusVendorPaid {
		t.Fatalf("status = %s, validation must not transition", got.Status)
	}
}

func TestCompleteDeliveryRequiresCodeAndState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t)

	paid, err := f.svc.ConfirmVendorPaid(ctx, job.ID, "vendor_1")
	if err != nil {
		t.Fatalf("ConfirmVendorPaid: %v", err)
	}
	if _, err := f.svc.StartDelivery(ctx, job.ID, "vendor_1"); err != nil {
		t.Fatalf("StartDelivery: %v", err)
	}

	// Wrong code is rejected without a transition.
	if _, err := f.svc.CompleteDelivery(ctx, job.ID, "vendor_1", "NOPE22"); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("err = %v, want ErrCodeMismatch", err)
	}
	got, _ := f.svc.Get(ctx, job.ID)
	if got.Status != StatusDeliveryInProgress {
		t.Fatalf("status = %s after mismatch, want delivery_in_progress", got.Status)
	}

	// Buyer cannot complete on the vendor's behalf.
	if _, err := f.svc.CompleteDelivery(ctx, job.ID, "buyer_1", paid.DeliveryCode); !errors.Is(err, ErrWrongParty) {
		t.Fatalf("err = %v, want ErrWrongParty", err)
	}

	done, err := f.svc.CompleteDelivery(ctx, job.ID, "vendor_1", paid.DeliveryCode)
	if err != nil {
		t.Fatalf("CompleteDelivery: %v", err)
	}
	if done.Status != StatusCashDelivered {
		t.Fatalf("status = %s, want cash_delivered", done.Status)
	}

	confirmed, err := f.svc.Confirm(ctx, job.ID, "buyer_1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", confirmed.Status)
	}

	// Terminal: nothing moves afterwards.
	if _, err := f.svc.Cancel(ctx, job.ID, "buyer_1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after confirm: err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelRefundsFeeIdempotently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t)

	balanceAfterSpend, _ := f.ledger.Balance(ctx, "buyer_1")

	if _, err := f.svc.Cancel(ctx, job.ID, "buyer_1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	balance, _ := f.ledger.Balance(ctx, "buyer_1")
	if balance != balanceAfterSpend+DeliveryFeeCredits {
		t.Fatalf("balance = %d, want fee refunded", balance)
	}

	// A second cancel fails on status and a replayed refund is a no-op.
	if _, err := f.svc.Cancel(ctx, job.ID, "buyer_1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second cancel: err = %v", err)
	}
	if err := f.ledger.Refund(ctx, "buyer_1", job.FeeCredits, "cash_delivery_fee_refund", job.ID); err != nil {
		t.Fatalf("Refund replay: %v", err)
	}
	balance2, _ := f.ledger.Balance(ctx, "buyer_1")
	if balance2 != balance {
		t.Fatalf("balance = %d after refund replay, want %d", balance2, balance)
	}
}

func TestCancelDeniedForStrangers(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t)

	if _, err := f.svc.Cancel(context.Background(), job.ID, "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPendingVendor, StatusVendorPaid}:         true,
		{StatusPendingVendor, StatusCancelled}:          true,
		{StatusVendorPaid, StatusDeliveryInProgress}:    true,
		{StatusVendorPaid, StatusCancelled}:             true,
		{StatusDeliveryInProgress, StatusCashDelivered}: true,
		{StatusCashDelivered, StatusConfirmed}:          true,
	}
	all := []Status{
		StatusPendingVendor, StatusVendorPaid, StatusDeliveryInProgress,
		StatusCashDelivered, StatusConfirmed, StatusCancelled,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}
