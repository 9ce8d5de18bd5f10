package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestBalanceEqualsSumOfDeltas(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	if err := ledger.Grant(ctx, "user_1", 100, "purchase", "cs_1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := ledger.Spend(ctx, "user_1", 30, "cash_delivery", "csh_1"); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if err := ledger.Refund(ctx, "user_1", 30, "cash_delivery_refund", "csh_1"); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	balance, err := ledger.Balance(ctx, "user_1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	history, err := ledger.History(ctx, "user_1", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}

	var sum int64
	for _, tx := range history {
		sum += tx.Delta
	}
	if balance != sum {
		t.Fatalf("balance %d != sum of deltas %d", balance, sum)
	}
	if balance != 100 {
		t.Fatalf("balance = %d, want 100", balance)
	}
}

func TestSpendInsufficientIsNoOp(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	if err := ledger.Grant(ctx, "user_1", 3, "purchase", "cs_1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	err := ledger.Spend(ctx, "user_1", 5, "cash_delivery", "csh_1")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 3 {
		t.Fatalf("failed spend changed balance: %d, want 3", balance)
	}
	history, _ := ledger.History(ctx, "user_1", 100)
	if len(history) != 1 {
		t.Fatalf("failed spend wrote a ledger entry: %d entries", len(history))
	}
}

func TestRefundReplayIsIdempotent(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	if err := ledger.Grant(ctx, "user_1", 50, "purchase", "cs_1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := ledger.Spend(ctx, "user_1", 20, "cash_delivery", "csh_1"); err != nil {
		t.Fatalf("Spend: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := ledger.Refund(ctx, "user_1", 20, "cash_delivery_refund", "csh_1"); err != nil {
			t.Fatalf("Refund attempt %d: %v", i, err)
		}
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 50 {
		t.Fatalf("replayed refund double-credited: balance = %d, want 50", balance)
	}
}

func TestConcurrentRefundReplaysApplyOnce(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	if err := ledger.Grant(ctx, "user_1", 10, "purchase", "cs_1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := ledger.Spend(ctx, "user_1", 5, "cash_delivery", "csh_1"); err != nil {
		t.Fatalf("Spend: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ledger.Refund(ctx, "user_1", 5, "cash_delivery_refund", "csh_1")
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("Refund replay %d: %v", i, err)
		}
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 10 {
		t.Fatalf("racing refund replays multi-credited: balance = %d, want 10", balance)
	}
	history, _ := ledger.History(ctx, "user_1", 100)
	if len(history) != 3 {
		t.Fatalf("ledger entries = %d, want 3", len(history))
	}
}

func TestConcurrentGrantReplaysApplyOnce(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ledger.Grant(ctx, "user_1", 100, "purchase", "cs_1")
		}()
	}
	wg.Wait()

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 100 {
		t.Fatalf("racing grant replays multi-credited: balance = %d, want 100", balance)
	}
}

func TestGrantReplayIsIdempotent(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ledger.Grant(ctx, "user_1", 100, "purchase", "cs_1"); err != nil {
			t.Fatalf("Grant attempt %d: %v", i, err)
		}
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 100 {
		t.Fatalf("replayed grant: balance = %d, want 100", balance)
	}
}

func TestSpendRejectsNonPositiveAmount(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		if err := ledger.Spend(ctx, "user_1", amount, "cash_delivery", "csh_1"); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Spend(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	if err := ledger.Grant(ctx, "user_1", 10, "purchase", "cs_1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ledger.Spend(ctx, "user_1", 1, "cash_delivery", "csh_concurrent")
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Fatalf("succeeded spends = %d, want 10", succeeded)
	}

	balance, _ := ledger.Balance(ctx, "user_1")
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}
}
