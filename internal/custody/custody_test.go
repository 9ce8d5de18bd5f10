package custody

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFakeCreateVaultIdempotent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	v1, err := f.CreateVault(ctx, "trd_1", "BTC")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	v2, err := f.CreateVault(ctx, "trd_1", "BTC")
	if err != nil {
		t.Fatalf("CreateVault again: %v", err)
	}
	if v1.VaultRef != v2.VaultRef || v1.DepositAddress != v2.DepositAddress {
		t.Fatalf("expected identical vault on repeat create, got %+v vs %+v", v1, v2)
	}
}

func TestFakeBalanceLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if _, err := f.GetBalance(ctx, "trd_missing"); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}

	if _, err := f.CreateVault(ctx, "trd_1", "BTC"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	rep, err := f.GetBalance(ctx, "trd_1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if rep.HasReceivedExpectedAmount {
		t.Fatal("new vault should not be funded")
	}

	if err := f.Fund("trd_1", decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	rep, err = f.GetBalance(ctx, "trd_1")
	if err != nil {
		t.Fatalf("GetBalance after fund: %v", err)
	}
	if !rep.HasReceivedExpectedAmount {
		t.Fatal("funded vault should report received")
	}
	if !rep.Balance.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("balance = %s, want 0.01", rep.Balance)
	}
}

func TestFakeReleaseIdempotent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	if _, err := f.Release(ctx, "trd_missing", "addr"); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}

	if _, err := f.CreateVault(ctx, "trd_1", "BTC"); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	r1, err := f.Release(ctx, "trd_1", "buyerAddr123buyerAddr123")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	r2, err := f.Release(ctx, "trd_1", "buyerAddr123buyerAddr123")
	if err != nil {
		t.Fatalf("Release again: %v", err)
	}
	if r1.TxRef != r2.TxRef {
		t.Fatalf("expected same receipt on repeat release, got %q vs %q", r1.TxRef, r2.TxRef)
	}
}

func TestHTTPGatewayCreateVault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req providerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Action != "create_vault" || req.TradeID != "trd_1" || req.Asset != "BTC" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(providerResponse{
			VaultID:        "vlt-abc",
			DepositAddress: "bc1qdepositaddress000000",
		})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "test-key", 5*time.Second)
	v, err := g.CreateVault(context.Background(), "trd_1", "BTC")
	if err != nil {
		t.Fatalf("CreateVault: %v", err)
	}
	if v.VaultRef != "vlt-abc" || v.DepositAddress != "bc1qdepositaddress000000" {
		t.Fatalf("unexpected vault: %+v", v)
	}
}

func TestHTTPGatewayRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(providerResponse{
			Balance:          decimal.RequireFromString("0.01"),
			HasReceivedFunds: true,
		})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "k", 5*time.Second)
	rep, err := g.GetBalance(context.Background(), "trd_1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !rep.HasReceivedExpectedAmount {
		t.Fatal("expected funded report after retries")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestHTTPGatewayVaultNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "k", 5*time.Second)
	_, err := g.GetBalance(context.Background(), "trd_missing")
	if !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 404)", got)
	}
}

func TestHTTPGatewayRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req providerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Action != "release_funds" || req.DestinationAddress == "" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(providerResponse{TransactionID: "tx-123"})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "k", 5*time.Second)
	rcpt, err := g.Release(context.Background(), "trd_1", "bc1qbuyerwallet00000000")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rcpt.TxRef != "tx-123" {
		t.Fatalf("TxRef = %q", rcpt.TxRef)
	}
}
