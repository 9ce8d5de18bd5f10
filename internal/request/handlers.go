package request

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peervault/peervault/internal/trade"
	"github.com/peervault/peervault/internal/validation"
)

// Handler provides HTTP endpoints for trade requests.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade request routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.CreateRequest)
	r.GET("/requests", h.ListOpen)
	r.GET("/requests/:id", h.GetRequest)
	r.GET("/users/:id/requests", h.ListByUser)
	r.POST("/requests/:id/accept", h.AcceptRequest)
	r.POST("/requests/:id/decline", h.DeclineRequest)
	r.POST("/requests/:id/cancel", h.CancelRequest)
}

// createPayload is the wire shape for opening a request.
type createPayload struct {
	CallerID      string `json:"caller_id" binding:"required"`
	Side          string `json:"side" binding:"required"`
	CryptoAsset   string `json:"crypto_asset" binding:"required"`
	CryptoAmount  string `json:"crypto_amount" binding:"required"`
	Rate          string `json:"rate" binding:"required"`
	PaymentMethod string `json:"payment_method" binding:"required"`
}

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var req createPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAsset("crypto_asset", req.CryptoAsset),
		validation.PositiveAmountString("crypto_amount", req.CryptoAmount),
		validation.PositiveAmountString("rate", req.Rate),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, _ := decimal.NewFromString(req.CryptoAmount)
	rate, _ := decimal.NewFromString(req.Rate)

	r, err := h.service.Create(c.Request.Context(), req.CallerID, CreateRequest{
		Side:          Side(req.Side),
		CryptoAsset:   req.CryptoAsset,
		CryptoAmount:  amount,
		Rate:          rate,
		PaymentMethod: PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create trade request",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"request": r})
}

// ListOpen handles GET /v1/requests
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	requests, err := h.service.ListOpen(c.Request.Context(), PaymentMethod(c.Query("payment_method")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"count":    len(requests),
	})
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondRequestError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ListByUser handles GET /v1/users/:id/requests
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	requests, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"count":    len(requests),
	})
}

// AcceptRequest handles POST /v1/requests/:id/accept
func (h *Handler) AcceptRequest(c *gin.Context) {
	var req struct {
		CallerID string `json:"caller_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id is required",
		})
		return
	}

	t, err := h.service.Accept(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		if errors.Is(err, trade.ErrEscrowUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "escrow_unavailable",
				"message": "Escrow provider unavailable, request remains open",
			})
			return
		}
		respondRequestError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// DeclineRequest handles POST /v1/requests/:id/decline
func (h *Handler) DeclineRequest(c *gin.Context) {
	var req struct {
		CallerID string `json:"caller_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id is required",
		})
		return
	}

	r, err := h.service.Decline(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		respondRequestError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": r})
}

// CancelRequest handles POST /v1/requests/:id/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	var req struct {
		CallerID string `json:"caller_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id is required",
		})
		return
	}

	r, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		respondRequestError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": r})
}

func respondRequestError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRequestNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyTaken):
		status = http.StatusConflict
		code = "already_taken"
	case errors.Is(err, ErrNotRequester), errors.Is(err, ErrSelfAccept):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
