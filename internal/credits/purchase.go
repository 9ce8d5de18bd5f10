package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/peervault/peervault/internal/logging"
)

// Pricing: 1 credit = $0.01 (one cent), minimum purchase 10 credits.
const (
	CentsPerCredit     = 1
	MinPurchaseCredits = 10
)

var ErrPurchaseTooSmall = errors.New("credits: purchase below minimum")

// PurchaseService sells credits via Stripe Checkout. The grant happens
// only when the webhook confirms payment, idempotent per checkout session.
type PurchaseService struct {
	ledger        *Ledger
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewPurchaseService(ledger *Ledger, apiKey, webhookSecret, successURL, cancelURL string) *PurchaseService {
	stripe.Key = apiKey
	return &PurchaseService{
		ledger:        ledger,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

// CreateCheckout starts a Stripe Checkout session for the given credit
// amount and returns the hosted payment URL.
func (s *PurchaseService) CreateCheckout(ctx context.Context, userID string, creditAmount int64) (string, error) {
	if creditAmount < MinPurchaseCredits {
		return "", ErrPurchaseTooSmall
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String("usd"),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Platform credits"),
				},
				UnitAmount: stripe.Int64(CentsPerCredit),
			},
			Quantity: stripe.Int64(creditAmount),
		}},
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	params.AddMetadata("credits", strconv.FormatInt(creditAmount, 10))

	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// HandleWebhook verifies a Stripe webhook payload and grants the credits
// on checkout.session.completed. Replayed events grant exactly once.
func (s *PurchaseService) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.webhookSecret)
	if err != nil {
		return fmt.Errorf("verify webhook signature: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}

	userID := sess.Metadata["user_id"]
	creditAmount, err := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if err != nil || userID == "" || creditAmount <= 0 {
		return fmt.Errorf("checkout session %s missing purchase metadata", sess.ID)
	}

	if err := s.ledger.Grant(ctx, userID, creditAmount, "purchase", sess.ID); err != nil {
		return fmt.Errorf("grant purchased credits: %w", err)
	}

	logging.L(ctx).Info("credits purchased",
		"user_id", userID,
		"credits", creditAmount,
		"checkout_session", sess.ID,
	)
	return nil
}
