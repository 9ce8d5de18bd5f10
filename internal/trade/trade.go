// Package trade drives a trade through its escrow lifecycle: vault
// creation, funding, out-of-band fiat payment, and release.
//
// Every transition is a conditional status update at the store
// (optimistic concurrency), so concurrent callers and multiple service
// replicas can never commit conflicting moves. The gateway call for an
// irreversible step always happens before the status commit.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peervault/peervault/internal/custody"
	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/logging"
	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/notify"
	"github.com/peervault/peervault/internal/retry"
	"github.com/peervault/peervault/internal/traces"
)

var (
	ErrTradeNotFound     = errors.New("trade: trade not found")
	ErrInvalidTransition = errors.New("trade: invalid status transition")
	ErrEscrowUnavailable = errors.New("trade: escrow provider unavailable")
	ErrNotParticipant    = errors.New("trade: caller is not a participant")
	ErrWrongParty        = errors.New("trade: operation not permitted for this party")
)

// EscrowStatus tracks where the escrowed crypto is in its lifecycle.
type EscrowStatus string

const (
	EscrowPending     EscrowStatus = "pending"
	EscrowCreated     EscrowStatus = "created"
	EscrowFunded      EscrowStatus = "funded"
	EscrowPaymentSent EscrowStatus = "payment_sent"
	EscrowReleased    EscrowStatus = "released"
	EscrowDisputed    EscrowStatus = "disputed"
	EscrowRefunded    EscrowStatus = "refunded"
)

// IsTerminal returns true if no further transitions are permitted.
// Disputed trades require manual resolution outside this engine.
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowDisputed
}

// transitions lists the permitted next states for each escrow status.
var transitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending:     {EscrowCreated, EscrowDisputed},
	EscrowCreated:     {EscrowFunded, EscrowRefunded, EscrowDisputed},
	EscrowFunded:      {EscrowPaymentSent, EscrowRefunded, EscrowDisputed},
	EscrowPaymentSent: {EscrowReleased, EscrowDisputed},
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to EscrowStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status is the trade's overall outcome, coarser than EscrowStatus.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
	StatusFailed    Status = "failed"
)

// Trade is one buyer/seller escrow session. The seller deposits crypto
// into the vault; the buyer pays fiat out-of-band; on confirmed receipt
// the crypto is released to the buyer.
type Trade struct {
	ID             string `json:"id"`
	TradeRequestID string `json:"tradeRequestId,omitempty"` // empty for direct flows

	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`
	VendorID string `json:"vendorId,omitempty"` // cash flows only

	CryptoAsset  string          `json:"cryptoAsset"`
	CryptoAmount decimal.Decimal `json:"cryptoAmount"`
	FiatAmount   decimal.Decimal `json:"fiatAmount"`
	Rate         decimal.Decimal `json:"rate"`

	Status       Status       `json:"status"`
	EscrowStatus EscrowStatus `json:"escrowStatus"`

	EscrowAddress   string `json:"escrowAddress,omitempty"`
	VaultRef        string `json:"vaultRef,omitempty"`
	PaymentProofRef string `json:"paymentProofRef,omitempty"`
	ReleaseTxRef    string `json:"releaseTxRef,omitempty"`
	DisputeReason   string `json:"disputeReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Participant reports whether userID is a party to the trade.
func (t *Trade) Participant(userID string) bool {
	return userID == t.BuyerID || userID == t.SellerID || (t.VendorID != "" && userID == t.VendorID)
}

// Store persists trades. UpdateStatusFrom is the atomicity primitive:
// the mutation commits only if the trade's escrow status still equals
// from at write time.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	GetByRequest(ctx context.Context, requestID string) (*Trade, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error)
	ListByEscrowStatus(ctx context.Context, status EscrowStatus, limit int) ([]*Trade, error)

	// UpdateStatusFrom applies mutate and persists the trade only if its
	// current escrow status equals from. Returns ErrInvalidTransition
	// when the status moved, ErrTradeNotFound when the id is unknown.
	UpdateStatusFrom(ctx context.Context, id string, from EscrowStatus, mutate func(*Trade)) (*Trade, error)
}

// Notifier delivers transition events to the involved parties.
// Fire-and-forget: errors are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ notify.Type, title, message, relatedID string) error
}

// CreateParams describes a trade to open.
type CreateParams struct {
	TradeRequestID string
	BuyerID        string
	SellerID       string
	VendorID       string
	CryptoAsset    string
	CryptoAmount   decimal.Decimal
	FiatAmount     decimal.Decimal
	Rate           decimal.Decimal
}

// Service coordinates the escrow state machine.
type Service struct {
	store    Store
	gateway  custody.Gateway
	notifier Notifier
	sessions *Sessions

	retryAttempts int
	retryDelay    time.Duration
}

// NewService creates the escrow session manager. Call AttachSessions
// before Create so funding pollers start for new trades.
func NewService(store Store, gateway custody.Gateway, notifier Notifier) *Service {
	return &Service{
		store:         store,
		gateway:       gateway,
		notifier:      notifier,
		retryAttempts: 3,
		retryDelay:    time.Second,
	}
}

// AttachSessions wires the funding poller manager. Separate from the
// constructor because Sessions needs the Service back-reference.
func (s *Service) AttachSessions(sessions *Sessions) {
	s.sessions = sessions
}

// Create opens a trade, provisions the escrow vault and starts the
// funding poller. If the vault cannot be created the trade is marked
// failed and ErrEscrowUnavailable is returned so the caller can roll
// back whatever the trade was created from.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Create",
		traces.RequestID(p.TradeRequestID),
		traces.UserID(p.BuyerID),
	)
	defer span.End()

	now := time.Now()
	t := &Trade{
		ID:             idgen.WithPrefix("trd_"),
		TradeRequestID: p.TradeRequestID,
		BuyerID:        p.BuyerID,
		SellerID:       p.SellerID,
		VendorID:       p.VendorID,
		CryptoAsset:    p.CryptoAsset,
		CryptoAmount:   p.CryptoAmount,
		FiatAmount:     p.FiatAmount,
		Rate:           p.Rate,
		Status:         StatusActive,
		EscrowStatus:   EscrowPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}

	vault, err := s.createVault(ctx, t.ID, t.CryptoAsset)
	if err != nil {
		// Vault never came up; close the trade so nothing is left ambiguous.
		if _, ferr := s.store.UpdateStatusFrom(ctx, t.ID, EscrowPending, func(tr *Trade) {
			tr.Status = StatusFailed
			tr.UpdatedAt = time.Now()
		}); ferr != nil {
			logging.L(ctx).Error("CRITICAL: failed to mark trade failed after vault error",
				"trade_id", t.ID, "error", ferr)
		}
		return nil, err
	}

	t, err = s.store.UpdateStatusFrom(ctx, t.ID, EscrowPending, func(tr *Trade) {
		tr.EscrowStatus = EscrowCreated
		tr.EscrowAddress = vault.DepositAddress
		tr.VaultRef = vault.VaultRef
		tr.UpdatedAt = time.Now()
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowCreated)).Inc()

	s.notify(ctx, t.SellerID, notify.TypeTradeAccepted, "Escrow ready",
		fmt.Sprintf("Deposit %s %s to %s", t.CryptoAmount, t.CryptoAsset, t.EscrowAddress), t.ID)

	if s.sessions != nil {
		s.sessions.Start(t.ID)
	}
	return t, nil
}

func (s *Service) createVault(ctx context.Context, tradeID, asset string) (*custody.Vault, error) {
	var vault *custody.Vault
	err := retry.Do(ctx, s.retryAttempts, s.retryDelay, func() error {
		v, err := s.gateway.CreateVault(ctx, tradeID, asset)
		if err != nil {
			if errors.Is(err, custody.ErrUnavailable) {
				return err
			}
			return retry.Permanent(err)
		}
		vault = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEscrowUnavailable, err)
	}
	return vault, nil
}

// Get returns a trade by its canonical ID.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns trades where the user is a party.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// HandleFunded moves created → funded when the vault reports the
// expected deposit. Re-observing funding after the move is a no-op.
func (s *Service) HandleFunded(ctx context.Context, tradeID string) error {
	ctx, span := traces.StartSpan(ctx, "trade.HandleFunded", traces.TradeID(tradeID))
	defer span.End()

	t, err := s.store.UpdateStatusFrom(ctx, tradeID, EscrowCreated, func(tr *Trade) {
		tr.EscrowStatus = EscrowFunded
		tr.UpdatedAt = time.Now()
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Duplicate funded signal or trade already terminal.
			return nil
		}
		return err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowFunded)).Inc()

	s.notify(ctx, t.BuyerID, notify.TypeEscrowFunded, "Escrow funded",
		fmt.Sprintf("Seller deposited %s %s. Send %s via your agreed payment method.",
			t.CryptoAmount, t.CryptoAsset, t.FiatAmount), t.ID)
	return nil
}

// ConfirmPaymentSent records the buyer's out-of-band fiat payment.
// Buyer only, from funded.
func (s *Service) ConfirmPaymentSent(ctx context.Context, tradeID, callerID, proofRef string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.ConfirmPaymentSent",
		traces.TradeID(tradeID),
		traces.UserID(callerID),
	)
	defer span.End()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if callerID != t.BuyerID {
		return nil, ErrWrongParty
	}
	if !CanTransition(t.EscrowStatus, EscrowPaymentSent) {
		return nil, ErrInvalidTransition
	}

	t, err = s.store.UpdateStatusFrom(ctx, tradeID, EscrowFunded, func(tr *Trade) {
		tr.EscrowStatus = EscrowPaymentSent
		tr.PaymentProofRef = proofRef
		tr.UpdatedAt = time.Now()
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowPaymentSent)).Inc()
	span.SetAttributes(traces.EscrowState(string(t.EscrowStatus)))

	s.notify(ctx, t.SellerID, notify.TypePaymentSent, "Payment sent",
		"The buyer marked the fiat payment as sent. Confirm receipt to release the crypto.", t.ID)
	return t, nil
}

// ConfirmPaymentReceived is the seller's explicit confirmation that the
// fiat arrived. It is the only path to release: the engine never infers
// receipt from bank or chain data. Release goes to destAddress (the
// buyer's wallet).
func (s *Service) ConfirmPaymentReceived(ctx context.Context, tradeID, callerID, destAddress string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.ConfirmPaymentReceived",
		traces.TradeID(tradeID),
		traces.UserID(callerID),
	)
	defer span.End()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if callerID != t.SellerID {
		return nil, ErrWrongParty
	}
	if t.EscrowStatus != EscrowPaymentSent {
		return nil, ErrInvalidTransition
	}

	receipt, err := s.release(ctx, tradeID, destAddress)
	if err != nil {
		// No state committed; trade remains payment_sent.
		return nil, err
	}

	now := time.Now()
	t, err = s.store.UpdateStatusFrom(ctx, tradeID, EscrowPaymentSent, func(tr *Trade) {
		tr.EscrowStatus = EscrowReleased
		tr.Status = StatusCompleted
		tr.ReleaseTxRef = receipt.TxRef
		tr.UpdatedAt = now
		tr.CompletedAt = &now
	})
	if err != nil {
		// Funds moved but the status write lost a race or failed. Retry
		// once; the release itself is idempotent per trade.
		t, err = s.store.UpdateStatusFrom(ctx, tradeID, EscrowPaymentSent, func(tr *Trade) {
			tr.EscrowStatus = EscrowReleased
			tr.Status = StatusCompleted
			tr.ReleaseTxRef = receipt.TxRef
			tr.UpdatedAt = now
			tr.CompletedAt = &now
		})
		if err != nil {
			logging.L(ctx).Error("CRITICAL: funds released but trade not marked completed",
				"trade_id", tradeID, "tx_ref", receipt.TxRef, "error", err)
			return nil, err
		}
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowReleased)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	span.SetAttributes(traces.EscrowState(string(t.EscrowStatus)))

	if s.sessions != nil {
		s.sessions.Stop(tradeID)
	}

	s.notify(ctx, t.BuyerID, notify.TypeTradeCompleted, "Trade completed",
		fmt.Sprintf("%s %s released to %s", t.CryptoAmount, t.CryptoAsset, destAddress), t.ID)
	s.notify(ctx, t.SellerID, notify.TypeTradeCompleted, "Trade completed",
		"Escrow released to the buyer.", t.ID)
	return t, nil
}

func (s *Service) release(ctx context.Context, tradeID, destAddress string) (*custody.Receipt, error) {
	var receipt *custody.Receipt
	err := retry.Do(ctx, s.retryAttempts, s.retryDelay, func() error {
		r, err := s.gateway.Release(ctx, tradeID, destAddress)
		if err != nil {
			if errors.Is(err, custody.ErrUnavailable) {
				return err
			}
			return retry.Permanent(err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEscrowUnavailable, err)
	}
	return receipt, nil
}

// Dispute freezes the trade. Any participant, any non-terminal state.
func (s *Service) Dispute(ctx context.Context, tradeID, callerID, reason string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Dispute",
		traces.TradeID(tradeID),
		traces.UserID(callerID),
	)
	defer span.End()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if t.EscrowStatus.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	from := t.EscrowStatus
	t, err = s.store.UpdateStatusFrom(ctx, tradeID, from, func(tr *Trade) {
		tr.EscrowStatus = EscrowDisputed
		tr.Status = StatusDisputed
		tr.DisputeReason = reason
		tr.UpdatedAt = time.Now()
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowDisputed)).Inc()

	if s.sessions != nil {
		s.sessions.Stop(tradeID)
	}

	other := t.SellerID
	if callerID == t.SellerID {
		other = t.BuyerID
	}
	s.notify(ctx, other, notify.TypeTradeDisputed, "Trade disputed", reason, t.ID)
	return t, nil
}

// Cancel closes a trade from created or funded. If the vault holds
// funds they are released back to the depositor at refundAddress.
func (s *Service) Cancel(ctx context.Context, tradeID, callerID, refundAddress string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Cancel",
		traces.TradeID(tradeID),
		traces.UserID(callerID),
	)
	defer span.End()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if t.EscrowStatus != EscrowCreated && t.EscrowStatus != EscrowFunded {
		return nil, ErrInvalidTransition
	}

	var refundTx string
	if t.EscrowStatus == EscrowFunded {
		if refundAddress == "" {
			return nil, fmt.Errorf("%w: refund address required for funded trade", ErrInvalidTransition)
		}
		receipt, err := s.release(ctx, tradeID, refundAddress)
		if err != nil {
			return nil, err
		}
		refundTx = receipt.TxRef
	}

	from := t.EscrowStatus
	t, err = s.store.UpdateStatusFrom(ctx, tradeID, from, func(tr *Trade) {
		tr.EscrowStatus = EscrowRefunded
		tr.Status = StatusCancelled
		tr.ReleaseTxRef = refundTx
		tr.UpdatedAt = time.Now()
	})
	if err != nil {
		if refundTx != "" {
			logging.L(ctx).Error("CRITICAL: deposit refunded but trade not marked cancelled",
				"trade_id", tradeID, "tx_ref", refundTx, "error", err)
		}
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowRefunded)).Inc()

	if s.sessions != nil {
		s.sessions.Stop(tradeID)
	}

	other := t.SellerID
	if callerID == t.SellerID {
		other = t.BuyerID
	}
	s.notify(ctx, other, notify.TypeTradeCancelled, "Trade cancelled",
		"The trade was cancelled and any deposit returned.", t.ID)
	return t, nil
}

func (s *Service) notify(ctx context.Context, userID string, typ notify.Type, title, message, relatedID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, typ, title, message, relatedID); err != nil {
		logging.L(ctx).Warn("notification failed", "user_id", userID, "type", typ, "error", err)
	}
}
