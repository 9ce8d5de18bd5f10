package merchants

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/idgen"
	"github.com/peervault/peervault/internal/validation"
)

// Handler provides HTTP endpoints for the merchant directory.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up merchant directory routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/merchants", h.Register)
	r.GET("/merchants", h.List)
	r.GET("/merchants/:id", h.Get)
	r.POST("/merchants/:id/online", h.SetOnline)
	r.POST("/merchants/:id/rate", h.Rate)
}

// RegisterRequest is the payload for merchant registration.
type RegisterRequest struct {
	UserID       string   `json:"user_id" binding:"required"`
	DisplayName  string   `json:"display_name" binding:"required"`
	Kind         string   `json:"kind" binding:"required"`
	ServiceAreas []string `json:"service_areas"`
}

// Register handles POST /v1/merchants
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	kind := Kind(req.Kind)
	if kind != KindMerchant && kind != KindVendor {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "kind must be merchant or vendor",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("display_name", req.DisplayName, 100),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	m := &Merchant{
		ID:           idgen.WithPrefix("mch_"),
		UserID:       req.UserID,
		DisplayName:  validation.SanitizeString(req.DisplayName, 100),
		Kind:         kind,
		ServiceAreas: req.ServiceAreas,
		Online:       true,
	}
	if err := h.service.Register(c.Request.Context(), m); err != nil {
		if errors.Is(err, ErrMerchantExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": "User already has a merchant profile",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"merchant": m})
}

// List handles GET /v1/merchants
func (h *Handler) List(c *gin.Context) {
	q := Query{
		Kind:       Kind(c.Query("kind")),
		OnlineOnly: c.Query("online") == "true",
		Area:       c.Query("area"),
		Limit:      100,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}

	list, err := h.service.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchants": list,
		"count":     len(list),
	})
}

// Get handles GET /v1/merchants/:id
func (h *Handler) Get(c *gin.Context) {
	m, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrMerchantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Merchant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"merchant": m})
}

// SetOnline handles POST /v1/merchants/:id/online
func (h *Handler) SetOnline(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "online is required",
		})
		return
	}

	if err := h.service.SetOnline(c.Request.Context(), c.Param("id"), *req.Online); err != nil {
		if errors.Is(err, ErrMerchantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Merchant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"online": *req.Online})
}

// Rate handles POST /v1/merchants/:id/rate
// Folds a completed trade outcome into the merchant's stats.
func (h *Handler) Rate(c *gin.Context) {
	var req struct {
		Completed           bool    `json:"completed"`
		ResponseTimeMinutes int     `json:"response_time_minutes"`
		Rating              float64 `json:"rating"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "rating must be between 0 and 5",
		})
		return
	}

	err := h.service.RecordOutcome(c.Request.Context(), c.Param("id"),
		req.Completed, time.Duration(req.ResponseTimeMinutes)*time.Minute, req.Rating)
	if err != nil {
		if errors.Is(err, ErrMerchantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Merchant not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recorded": true})
}
