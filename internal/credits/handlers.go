package credits

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the credit ledger.
type Handler struct {
	ledger   *Ledger
	purchase *PurchaseService
}

// NewHandler creates a credits handler. purchase may be nil when Stripe
// is not configured; purchase routes then return 503.
func NewHandler(ledger *Ledger, purchase *PurchaseService) *Handler {
	return &Handler{ledger: ledger, purchase: purchase}
}

// RegisterRoutes sets up credit ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/credits", h.GetBalance)
	r.GET("/users/:id/credits/history", h.GetHistory)
	r.POST("/credits/spend", h.Spend)
	r.POST("/credits/purchase", h.Purchase)
	r.POST("/credits/stripe/webhook", h.StripeWebhook)
}

// GetBalance handles GET /v1/users/:id/credits
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /v1/users/:id/credits/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": history,
		"count":        len(history),
	})
}

// SpendRequest is the payload for a direct credit spend.
type SpendRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	Amount          int64  `json:"amount" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
	RelatedEntityID string `json:"related_entity_id"`
}

// Spend handles POST /v1/credits/spend
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "user_id, amount and reason are required",
		})
		return
	}

	err := h.ledger.Spend(c.Request.Context(), req.UserID, req.Amount, req.Reason, req.RelatedEntityID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInsufficientCredits):
			status = http.StatusPaymentRequired
			code = "insufficient_credits"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "validation_error"
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	balance, _ := h.ledger.Balance(c.Request.Context(), req.UserID)
	c.JSON(http.StatusOK, gin.H{
		"spent":   req.Amount,
		"balance": balance,
	})
}

// Purchase handles POST /v1/credits/purchase
func (h *Handler) Purchase(c *gin.Context) {
	if h.purchase == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "Credit purchases are not configured",
		})
		return
	}

	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Amount int64  `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "user_id and amount are required",
		})
		return
	}

	url, err := h.purchase.CreateCheckout(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		if errors.Is(err, ErrPurchaseTooSmall) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "Minimum purchase is 10 credits",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create checkout session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout_url": url})
}

// StripeWebhook handles POST /v1/credits/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.purchase == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if err := h.purchase.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "webhook_failed",
			"message": err.Error(),
		})
		return
	}

	c.Status(http.StatusOK)
}
