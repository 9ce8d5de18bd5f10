// Package cash coordinates vendor-mediated cash delivery and pickup.
//
// A cash job shadows a trade: a vendor is assigned by the matching
// policy, the buyer pays a credit fee for the service, and physical
// handover is proven by a one-time delivery code. Validating the code
// never moves state; the vendor must explicitly complete the delivery.
package cash

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peervault/peervault/internal/credits"
	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/logging"
	"github.com/peervault/peervault/internal/match"
	"github.com/peervault/peervault/internal/merchants"
	"github.com/peervault/peervault/internal/notify"
)

var (
	ErrCashTradeNotFound = errors.New("cash: cash trade not found")
	ErrInvalidTransition = errors.New("cash: invalid status transition")
	ErrNotParticipant    = errors.New("cash: caller is not a participant")
	ErrWrongParty        = errors.New("cash: operation not permitted for this party")
	ErrNoVendorAvailable = errors.New("cash: no vendor available for area")
	ErrCodeNotIssued     = errors.New("cash: delivery code not issued yet")
	ErrCodeMismatch      = errors.New("cash: delivery code does not match")
)

// DeliveryFeeCredits is the credit price of a vendor-mediated delivery.
const DeliveryFeeCredits = 5

const feeReason = "cash_delivery_fee"
const refundReason = "cash_delivery_fee_refund"

// Status of a cash job.
type Status string

const (
	StatusPendingVendor      Status = "pending_vendor"
	StatusVendorPaid         Status = "vendor_paid"
	StatusDeliveryInProgress Status = "delivery_in_progress"
	StatusCashDelivered      Status = "cash_delivered"
	StatusConfirmed          Status = "confirmed"
	StatusCancelled          Status = "cancelled"
)

// IsTerminal returns true once the job can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPendingVendor:      {StatusVendorPaid, StatusCancelled},
	StatusVendorPaid:         {StatusDeliveryInProgress, StatusCancelled},
	StatusDeliveryInProgress: {StatusCashDelivered},
	StatusCashDelivered:      {StatusConfirmed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CashTrade is a vendor-mediated delivery job tied to a trade.
type CashTrade struct {
	ID           string    `json:"id"`
	TradeID      string    `json:"tradeId"`
	BuyerID      string    `json:"buyerId"`
	VendorID     string    `json:"vendorId"`
	Area         string    `json:"area"`
	FeeCredits   int64     `json:"feeCredits"`
	DeliveryCode string    `json:"deliveryCode,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Participant reports whether userID is a party to the job.
func (c *CashTrade) Participant(userID string) bool {
	return userID == c.BuyerID || userID == c.VendorID
}

// Store persists cash jobs. UpdateStatusFrom and SetCodeIfEmpty are
// conditional updates, the same atomicity primitive the escrow store
// uses.
type Store interface {
	Create(ctx context.Context, c *CashTrade) error
	Get(ctx context.Context, id string) (*CashTrade, error)
	GetByTrade(ctx context.Context, tradeID string) (*CashTrade, error)
	ListByVendor(ctx context.Context, vendorID string, limit int) ([]*CashTrade, error)

	// UpdateStatusFrom applies mutate only when the row is still in
	// the from status; returns ErrInvalidTransition otherwise.
	UpdateStatusFrom(ctx context.Context, id string, from Status, mutate func(*CashTrade)) (*CashTrade, error)

	// SetCodeIfEmpty stores the code only when none exists and returns
	// the row's current code either way. Makes code issuance
	// exactly-once under concurrent calls.
	SetCodeIfEmpty(ctx context.Context, id, code string) (*CashTrade, error)

	// Delete removes a job. Used only to compensate a creation whose
	// credit debit failed.
	Delete(ctx context.Context, id string) error
}

// Notifier delivers cash job lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ notify.Type, title, message, relatedID string) error
}

// Service drives the cash delivery handshake.
type Service struct {
	store      Store
	vendors    *merchants.Service
	ledger     *credits.Ledger
	notifier   Notifier
	codeLength int
}

func NewService(store Store, vendors *merchants.Service, ledger *credits.Ledger, notifier Notifier, codeLength int) *Service {
	if codeLength <= 0 {
		codeLength = 6
	}
	return &Service{
		store:      store,
		vendors:    vendors,
		ledger:     ledger,
		notifier:   notifier,
		codeLength: codeLength,
	}
}

// CreateJob assigns the best available vendor for the area, persists
// the job and debits the buyer's delivery fee. The job row is created
// before the spend; if the debit fails the row is removed so no paid
// service exists without a matching ledger entry.
func (s *Service) CreateJob(ctx context.Context, tradeID, buyerID, area string) (*CashTrade, error) {
	vendor, err := s.assignVendor(ctx, area)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job := &CashTrade{
		ID:         idgen.WithPrefix("csh_"),
		TradeID:    tradeID,
		BuyerID:    buyerID,
		VendorID:   vendor.UserID,
		Area:       area,
		FeeCredits: DeliveryFeeCredits,
		Status:     StatusPendingVendor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create cash trade: %w", err)
	}

	if err := s.ledger.Spend(ctx, buyerID, DeliveryFeeCredits, feeReason, job.ID); err != nil {
		if derr := s.store.Delete(ctx, job.ID); derr != nil {
			logging.L(ctx).Error("CRITICAL: failed to remove cash trade after spend failure",
				"cash_trade_id", job.ID, "error", derr)
		}
		return nil, err
	}

	s.notify(ctx, vendor.UserID, notify.TypeVendorAssigned, "Delivery assigned",
		fmt.Sprintf("You have been assigned a cash delivery in %s.", area), job.ID)
	return job, nil
}

// assignVendor picks the highest-ranked online vendor serving the area.
func (s *Service) assignVendor(ctx context.Context, area string) (*merchants.Merchant, error) {
	vendors, err := s.vendors.List(ctx, merchants.Query{
		Kind:       merchants.KindVendor,
		OnlineOnly: true,
		Area:       area,
		Limit:      50,
	})
	if err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}

	candidates := make([]match.Candidate, 0, len(vendors))
	byID := make(map[string]*merchants.Merchant, len(vendors))
	for _, v := range vendors {
		candidates = append(candidates, match.FromMerchant(v))
		byID[v.ID] = v
	}

	best, ok := match.Best(candidates, match.TierStandard)
	if !ok {
		return nil, ErrNoVendorAvailable
	}
	return byID[best.ID], nil
}

// ConfirmVendorPaid records that the vendor received the fiat leg and
// issues the delivery code to the buyer. Vendor only.
func (s *Service) ConfirmVendorPaid(ctx context.Context, id, callerID string) (*CashTrade, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if callerID != job.VendorID {
		return nil, ErrWrongParty
	}

	job, err = s.store.UpdateStatusFrom(ctx, id, StatusPendingVendor, func(c *CashTrade) {
		c.Status = StatusVendorPaid
	})
	if err != nil {
		return nil, err
	}

	code, err := s.IssueCode(ctx, id)
	if err != nil {
		return nil, err
	}
	job.DeliveryCode = code

	s.notify(ctx, job.BuyerID, notify.TypePaymentSent, "Vendor funded",
		fmt.Sprintf("Your delivery code is %s. Share it only at handover.", code), job.ID)
	return job, nil
}

// StartDelivery marks the vendor en route. Vendor only.
func (s *Service) StartDelivery(ctx context.Context, id, callerID string) (*CashTrade, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if callerID != job.VendorID {
		return nil, ErrWrongParty
	}

	return s.store.UpdateStatusFrom(ctx, id, StatusVendorPaid, func(c *CashTrade) {
		c.Status = StatusDeliveryInProgress
	})
}

// IssueCode generates the delivery code exactly once. Re-calling
// returns the existing code. Codes are only available once the vendor
// has been paid.
func (s *Service) IssueCode(ctx context.Context, id string) (string, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status == StatusPendingVendor || job.Status == StatusCancelled {
		return "", ErrInvalidTransition
	}
	if job.DeliveryCode != "" {
		return job.DeliveryCode, nil
	}

	job, err = s.store.SetCodeIfEmpty(ctx, id, idgen.DeliveryCode(s.codeLength))
	if err != nil {
		return "", err
	}
	return job.DeliveryCode, nil
}

// ValidateCode checks a submitted code against the issued one.
// Case-insensitive, and never mutates the job: a mismatch leaves the
// code intact and the caller free to retry.
func (s *Service) ValidateCode(ctx context.Context, id, submitted string) (bool, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.DeliveryCode == "" {
		return false, ErrCodeNotIssued
	}
	return strings.EqualFold(job.DeliveryCode, submitted), nil
}

// CompleteDelivery records the cash handover. The vendor must submit
// the buyer's delivery code; a matching code is necessary but not
// sufficient on its own, this explicit call is the confirm action.
func (s *Service) CompleteDelivery(ctx context.Context, id, callerID, submittedCode string) (*CashTrade, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if callerID != job.VendorID {
		return nil, ErrWrongParty
	}

	ok, err := s.ValidateCode(ctx, id, submittedCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCodeMismatch
	}

	job, err = s.store.UpdateStatusFrom(ctx, id, StatusDeliveryInProgress, func(c *CashTrade) {
		c.Status = StatusCashDelivered
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, job.BuyerID, notify.TypeCashDelivered, "Cash delivered",
		"Your cash delivery was completed. Confirm receipt to finish the trade.", job.ID)
	return job, nil
}

// Confirm is the buyer's acknowledgement of the handover. Escrow
// release still goes through the trade's payment-received confirmation.
func (s *Service) Confirm(ctx context.Context, id, callerID string) (*CashTrade, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if callerID != job.BuyerID {
		return nil, ErrWrongParty
	}

	job, err = s.store.UpdateStatusFrom(ctx, id, StatusCashDelivered, func(c *CashTrade) {
		c.Status = StatusConfirmed
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, job.VendorID, notify.TypeTradeCompleted, "Delivery confirmed",
		"The recipient confirmed the cash handover.", job.ID)
	return job, nil
}

// Cancel abandons a job before delivery starts and refunds the fee.
// The refund is idempotent per job, so a replayed cancel credits once.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*CashTrade, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Participant(callerID) {
		return nil, ErrNotParticipant
	}
	if !CanTransition(job.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, job.Status)
	}

	job, err = s.store.UpdateStatusFrom(ctx, id, job.Status, func(c *CashTrade) {
		c.Status = StatusCancelled
	})
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Refund(ctx, job.BuyerID, job.FeeCredits, refundReason, job.ID); err != nil {
		logging.L(ctx).Error("CRITICAL: cash trade cancelled but fee not refunded",
			"cash_trade_id", job.ID, "buyer_id", job.BuyerID, "error", err)
	}

	other := job.VendorID
	if callerID == job.VendorID {
		other = job.BuyerID
	}
	s.notify(ctx, other, notify.TypeTradeCancelled, "Delivery cancelled",
		"The cash delivery was cancelled and the fee refunded.", job.ID)
	return job, nil
}

// Get returns a cash job by ID.
func (s *Service) Get(ctx context.Context, id string) (*CashTrade, error) {
	return s.store.Get(ctx, id)
}

// GetByTrade returns the cash job shadowing a trade.
func (s *Service) GetByTrade(ctx context.Context, tradeID string) (*CashTrade, error) {
	return s.store.GetByTrade(ctx, tradeID)
}

// ListByVendor returns a vendor's assigned jobs, newest first.
func (s *Service) ListByVendor(ctx context.Context, vendorID string, limit int) ([]*CashTrade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByVendor(ctx, vendorID, limit)
}

func (s *Service) notify(ctx context.Context, userID string, typ notify.Type, title, message, relatedID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, typ, title, message, relatedID); err != nil {
		logging.L(ctx).Warn("notification failed", "user_id", userID, "type", typ, "error", err)
	}
}
