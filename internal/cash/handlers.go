package cash

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/credits"
)

// Handler provides HTTP endpoints for cash delivery jobs.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up cash job routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cash", h.CreateJob)
	r.GET("/cash/:id", h.GetJob)
	r.GET("/trades/:id/cash", h.GetByTrade)
	r.GET("/vendors/:id/cash", h.ListByVendor)
	r.POST("/cash/:id/vendor-paid", h.VendorPaid)
	r.POST("/cash/:id/start-delivery", h.StartDelivery)
	r.POST("/cash/:id/validate-code", h.ValidateCode)
	r.POST("/cash/:id/complete", h.CompleteDelivery)
	r.POST("/cash/:id/confirm", h.Confirm)
	r.POST("/cash/:id/cancel", h.Cancel)
}

// CreateJob handles POST /v1/cash
func (h *Handler) CreateJob(c *gin.Context) {
	var req struct {
		TradeID  string `json:"trade_id" binding:"required"`
		CallerID string `json:"caller_id" binding:"required"`
		Area     string `json:"area" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "trade_id, caller_id and area are required",
		})
		return
	}

	job, err := h.service.CreateJob(c.Request.Context(), req.TradeID, req.CallerID, req.Area)
	if err != nil {
		respondCashError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"cash_trade": job})
}

// GetJob handles GET /v1/cash/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cash_trade": job})
}

// GetByTrade handles GET /v1/trades/:id/cash
func (h *Handler) GetByTrade(c *gin.Context) {
	job, err := h.service.GetByTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cash_trade": job})
}

// ListByVendor handles GET /v1/vendors/:id/cash
func (h *Handler) ListByVendor(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := h.service.ListByVendor(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cash_trades": jobs,
		"count":       len(jobs),
	})
}

// VendorPaid handles POST /v1/cash/:id/vendor-paid
func (h *Handler) VendorPaid(c *gin.Context) {
	callerID, ok := bindCaller(c)
	if !ok {
		return
	}

	job, err := h.service.ConfirmVendorPaid(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cash_trade": job})
}

// StartDelivery handles POST /v1/cash/:id/start-delivery
func (h *Handler) StartDelivery(c *gin.Context) {
	callerID, ok := bindCaller(c)
	if !ok {
		return
	}

	job, err := h.service.StartDelivery(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cash_trade": job})
}

// ValidateCode handles POST /v1/cash/:id/validate-code
func (h *Handler) ValidateCode(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "code is required",
		})
		return
	}

	valid, err := h.service.ValidateCode(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// CompleteDelivery handles POST /v1/cash/:id/complete
func (h *Handler) CompleteDelivery(c *gin.Context) {
	var req struct {
		CallerID string `json:"caller_id" binding:"required"`
		Code     string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id and code are required",
		})
		return
	}

	job, err := h.service.CompleteDelivery(c.Request.Context(), c.Param("id"), req.CallerID, req.Code)
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cash_trade": job})
}

// Confirm handles POST /v1/cash/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	callerID, ok := bindCaller(c)
	if !ok {
		return
	}

	job, err := h.service.Confirm(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cash_trade": job})
}

// Cancel handles POST /v1/cash/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	callerID, ok := bindCaller(c)
	if !ok {
		return
	}

	job, err := h.service.Cancel(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondCashError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cash_trade": job})
}

func bindCaller(c *gin.Context) (string, bool) {
	var req struct {
		CallerID string `json:"caller_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "caller_id is required",
		})
		return "", false
	}
	return req.CallerID, true
}

func respondCashError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrCashTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrWrongParty):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrCodeMismatch):
		status = http.StatusBadRequest
		code = "code_mismatch"
	case errors.Is(err, ErrCodeNotIssued):
		status = http.StatusBadRequest
		code = "code_not_issued"
	case errors.Is(err, ErrNoVendorAvailable):
		status = http.StatusUnprocessableEntity
		code = "no_vendor_available"
	case errors.Is(err, credits.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
		code = "insufficient_credits"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
