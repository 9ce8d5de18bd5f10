package trade

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/validation"
)

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/users/:id/trades", h.ListTrades)
	r.POST("/trades/:id/payment-sent", h.ConfirmPaymentSent)
	r.POST("/trades/:id/payment-received", h.ConfirmPaymentReceived)
	r.POST("/trades/:id/dispute", h.Dispute)
	r.POST("/trades/:id/cancel", h.Cancel)
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTradeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Trade not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListTrades handles GET /v1/users/:id/trades
func (h *Handler) ListTrades(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	trades, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// ConfirmPaymentSent handles POST /v1/trades/:id/payment-sent
func (h *Handler) ConfirmPaymentSent(c *gin.Context) {
	var req struct {
		CallerID string `json:"caller_id" binding:"required"`
		ProofRef string `json:"proof_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id is required",
		})
		return
	}

	t, err := h.service.ConfirmPaymentSent(c.Request.Context(), c.Param("id"), req.CallerID, req.ProofRef)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ConfirmPaymentReceived handles POST /v1/trades/:id/payment-received
func (h *Handler) ConfirmPaymentReceived(c *gin.Context) {
	var req struct {
		CallerID    string `json:"caller_id" binding:"required"`
		DestAddress string `json:"dest_address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id and dest_address are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidWalletAddress("dest_address", req.DestAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.service.ConfirmPaymentReceived(c.Request.Context(), c.Param("id"), req.CallerID, req.DestAddress)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Dispute handles POST /v1/trades/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req struct {
		CallerID string `json:"caller_id" binding:"required"`
		Reason   string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id and reason are required",
		})
		return
	}

	t, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.CallerID, validation.SanitizeString(req.Reason, 500))
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Cancel handles POST /v1/trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		CallerID      string `json:"caller_id" binding:"required"`
		RefundAddress string `json:"refund_address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id is required",
		})
		return
	}

	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.CallerID, req.RefundAddress)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

func respondTradeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrWrongParty):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrEscrowUnavailable):
		status = http.StatusServiceUnavailable
		code = "escrow_unavailable"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
