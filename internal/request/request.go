// Package request implements the trade request registry: open offers to
// buy or sell crypto awaiting a single counterparty.
//
// Acceptance is the one operation needing strict mutual exclusion across
// concurrent callers: it is a single conditional update at the store, so
// exactly one of N racing merchants claims a request and the rest get
// ErrAlreadyTaken.
package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/logging"
	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/notify"
	"github.com/peervault/peervault/internal/trade"
	"github.com/peervault/peervault/internal/traces"
	"github.com/peervault/peervault/internal/validation"
)

var (
	ErrRequestNotFound = errors.New("request: trade request not found")
	ErrAlreadyTaken    = errors.New("request: trade request already taken")
	ErrNotRequester    = errors.New("request: caller is not the requester")
	ErrSelfAccept      = errors.New("request: requester cannot accept own request")
	ErrInvalidRequest  = errors.New("request: invalid trade request")
)

// Side is the requester's direction: buy means they want crypto for fiat.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PaymentMethod selects the settlement flow for the fiat leg.
type PaymentMethod string

const (
	MethodBank         PaymentMethod = "bank"
	MethodCashPickup   PaymentMethod = "cash_pickup"
	MethodCashDelivery PaymentMethod = "cash_delivery"
)

// Status of a trade request. Only open requests can be claimed; every
// other status is terminal.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true once the request can no longer be claimed.
func (s Status) IsTerminal() bool {
	return s != StatusOpen
}

// TradeRequest is an open offer awaiting one counterparty.
type TradeRequest struct {
	ID            string          `json:"id"`
	RequesterID   string          `json:"requesterId"`
	Side          Side            `json:"side"`
	CryptoAsset   string          `json:"cryptoAsset"`
	CryptoAmount  decimal.Decimal `json:"cryptoAmount"`
	FiatAmount    decimal.Decimal `json:"fiatAmount"`
	Rate          decimal.Decimal `json:"rate"`
	PaymentMethod PaymentMethod   `json:"paymentMethod"`
	Status        Status          `json:"status"`
	MerchantID    string          `json:"merchantId,omitempty"` // set by the acceptance guard
	ExpiresAt     time.Time       `json:"expiresAt"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Store persists trade requests. Claim and Reopen are conditional
// updates: they commit only when the row is still in the expected status
// and report ErrAlreadyTaken otherwise.
type Store interface {
	Create(ctx context.Context, r *TradeRequest) error
	Get(ctx context.Context, id string) (*TradeRequest, error)
	ListOpen(ctx context.Context, method PaymentMethod, limit int) ([]*TradeRequest, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*TradeRequest, error)

	// Claim atomically moves open → accepted and records the merchant.
	// Exactly one concurrent Claim per request succeeds. Requests past
	// their expiry are unclaimable even before the sweep marks them.
	Claim(ctx context.Context, id, merchantID string) (*TradeRequest, error)

	// Reopen rolls an accepted request back to open (escrow creation
	// failed after the claim).
	Reopen(ctx context.Context, id string) error

	// MarkStatusFrom is the conditional move used by decline, cancel
	// and the expiry sweep.
	MarkStatusFrom(ctx context.Context, id string, from, to Status) (*TradeRequest, error)

	// ListExpired returns open requests past their deadline.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*TradeRequest, error)
}

// CreateRequest is the payload for opening a trade request.
type CreateRequest struct {
	Side          Side            `json:"side"`
	CryptoAsset   string          `json:"crypto_asset"`
	CryptoAmount  decimal.Decimal `json:"crypto_amount"`
	Rate          decimal.Decimal `json:"rate"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	// TTL overrides the default expiry; zero means the service default.
	TTL time.Duration `json:"-"`
}

// Notifier delivers request lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ notify.Type, title, message, relatedID string) error
}

// Service is the trade request registry.
type Service struct {
	store    Store
	trades   *trade.Service
	notifier Notifier
	ttl      time.Duration
}

func NewService(store Store, trades *trade.Service, notifier Notifier, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{store: store, trades: trades, notifier: notifier, ttl: ttl}
}

// Create validates and opens a trade request.
func (s *Service) Create(ctx context.Context, callerID string, req CreateRequest) (*TradeRequest, error) {
	ctx, span := traces.StartSpan(ctx, "request.Create", traces.UserID(callerID))
	defer span.End()

	if req.Side != SideBuy && req.Side != SideSell {
		return nil, fmt.Errorf("%w: side must be buy or sell", ErrInvalidRequest)
	}
	switch req.PaymentMethod {
	case MethodBank, MethodCashPickup, MethodCashDelivery:
	default:
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, req.PaymentMethod)
	}
	if !validation.IsSupportedAsset(req.CryptoAsset) {
		return nil, fmt.Errorf("%w: unsupported asset %q", ErrInvalidRequest, req.CryptoAsset)
	}
	if req.CryptoAmount.LessThanOrEqual(decimal.Zero) || req.Rate.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidRequest)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := time.Now()
	r := &TradeRequest{
		ID:            idgen.WithPrefix("req_"),
		RequesterID:   callerID,
		Side:          req.Side,
		CryptoAsset:   strings.ToUpper(req.CryptoAsset),
		CryptoAmount:  req.CryptoAmount,
		FiatAmount:    req.CryptoAmount.Mul(req.Rate),
		Rate:          req.Rate,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusOpen,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		metrics.TradeRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create trade request: %w", err)
	}
	metrics.TradeRequestsTotal.WithLabelValues("created").Inc()
	return r, nil
}

// Accept claims the request for counterpartyID and opens the trade.
// First writer wins; losers receive ErrAlreadyTaken. If escrow creation
// fails after the claim, the request is rolled back to open so another
// merchant can take it.
func (s *Service) Accept(ctx context.Context, requestID, counterpartyID string) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "request.Accept",
		traces.RequestID(requestID),
		traces.UserID(counterpartyID),
	)
	defer span.End()

	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.RequesterID == counterpartyID {
		return nil, ErrSelfAccept
	}

	r, err = s.store.Claim(ctx, requestID, counterpartyID)
	if err != nil {
		if errors.Is(err, ErrAlreadyTaken) {
			metrics.AcceptRacesTotal.Inc()
		}
		return nil, err
	}

	// Requester buying: requester is the buyer, merchant supplies crypto.
	buyerID, sellerID := r.RequesterID, counterpartyID
	if r.Side == SideSell {
		buyerID, sellerID = counterpartyID, r.RequesterID
	}

	t, err := s.trades.Create(ctx, trade.CreateParams{
		TradeRequestID: r.ID,
		BuyerID:        buyerID,
		SellerID:       sellerID,
		CryptoAsset:    r.CryptoAsset,
		CryptoAmount:   r.CryptoAmount,
		FiatAmount:     r.FiatAmount,
		Rate:           r.Rate,
	})
	if err != nil {
		// Roll the claim back rather than leaving an accepted request
		// with no trade behind it.
		if rerr := s.store.Reopen(ctx, requestID); rerr != nil {
			logging.L(ctx).Error("CRITICAL: failed to reopen request after escrow failure",
				"request_id", requestID, "error", rerr)
		}
		metrics.TradeRequestsTotal.WithLabelValues("accept_failed").Inc()
		return nil, err
	}
	metrics.TradeRequestsTotal.WithLabelValues("accepted").Inc()

	s.notify(ctx, r.RequesterID, notify.TypeTradeAccepted, "Request accepted",
		fmt.Sprintf("Your %s request for %s %s was accepted.", r.Side, r.CryptoAmount, r.CryptoAsset), t.ID)
	return t, nil
}

// Decline rejects an open request on behalf of a merchant who looked at
// it and passed. The requester is notified.
func (s *Service) Decline(ctx context.Context, requestID, merchantID string) (*TradeRequest, error) {
	r, err := s.store.MarkStatusFrom(ctx, requestID, StatusOpen, StatusRejected)
	if err != nil {
		return nil, err
	}
	metrics.TradeRequestsTotal.WithLabelValues("declined").Inc()

	logging.L(ctx).Info("request declined", "request_id", r.ID, "merchant_id", merchantID)
	s.notify(ctx, r.RequesterID, notify.TypeRequestDeclined, "Request declined",
		fmt.Sprintf("A merchant declined your %s request for %s %s.", r.Side, r.CryptoAmount, r.CryptoAsset), r.ID)
	return r, nil
}

// Cancel withdraws an open request. Requester only.
func (s *Service) Cancel(ctx context.Context, requestID, callerID string) (*TradeRequest, error) {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.RequesterID != callerID {
		return nil, ErrNotRequester
	}

	r, err = s.store.MarkStatusFrom(ctx, requestID, StatusOpen, StatusCancelled)
	if err != nil {
		return nil, err
	}
	metrics.TradeRequestsTotal.WithLabelValues("cancelled").Inc()
	return r, nil
}

// Get returns a request by ID.
func (s *Service) Get(ctx context.Context, id string) (*TradeRequest, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns claimable requests, optionally filtered by payment method.
func (s *Service) ListOpen(ctx context.Context, method PaymentMethod, limit int) ([]*TradeRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.ListOpen(ctx, method, limit)
}

// ListByUser returns a requester's own requests.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*TradeRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ExpireOverdue sweeps open requests past their deadline. Accepted
// requests are never touched: the conditional move only fires from open.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.store.ListExpired(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	var expired int
	for _, r := range overdue {
		if _, err := s.store.MarkStatusFrom(ctx, r.ID, StatusOpen, StatusExpired); err != nil {
			if errors.Is(err, ErrAlreadyTaken) {
				continue // claimed between listing and the sweep
			}
			logging.L(ctx).Warn("failed to expire request", "request_id", r.ID, "error", err)
			continue
		}
		expired++
		metrics.TradeRequestsTotal.WithLabelValues("expired").Inc()
		s.notify(ctx, r.RequesterID, notify.TypeRequestExpired, "Request expired",
			fmt.Sprintf("Your %s request for %s %s expired without a taker.", r.Side, r.CryptoAmount, r.CryptoAsset), r.ID)
	}
	return expired, nil
}

func (s *Service) notify(ctx context.Context, userID string, typ notify.Type, title, message, relatedID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, typ, title, message, relatedID); err != nil {
		logging.L(ctx).Warn("notification failed", "user_id", userID, "type", typ, "error", err)
	}
}
