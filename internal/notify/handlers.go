package notify

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/idgen"
)

// Handler provides HTTP endpoints for notifications and webhook subscriptions.
type Handler struct {
	service *Service
	hub     *Hub
	subs    SubscriptionStore

	// defaultSecret signs deliveries for subscriptions created without
	// their own secret. Empty means such deliveries go unsigned.
	defaultSecret string
}

func NewHandler(service *Service, hub *Hub, subs SubscriptionStore, defaultSecret string) *Handler {
	return &Handler{service: service, hub: hub, subs: subs, defaultSecret: defaultSecret}
}

// RegisterRoutes sets up notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/notifications", h.ListNotifications)
	r.POST("/users/:id/notifications/read", h.MarkAllRead)
	r.POST("/notifications/:id/read", h.MarkRead)
	r.GET("/users/:id/notifications/ws", h.Stream)
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/users/:id/webhooks", h.ListSubscriptions)
	r.DELETE("/webhooks/:id", h.DeleteSubscription)
}

// ListNotifications handles GET /v1/users/:id/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	userID := c.Param("id")
	unreadOnly := c.Query("unread") == "true"
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	notifications, err := h.service.List(c.Request.Context(), userID, unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// MarkRead handles POST /v1/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "user_id is required",
		})
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), id, req.UserID); err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Notification not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"read": true})
}

// MarkAllRead handles POST /v1/users/:id/notifications/read
func (h *Handler) MarkAllRead(c *gin.Context) {
	userID := c.Param("id")

	if err := h.service.MarkAllRead(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"read": true})
}

// Stream handles GET /v1/users/:id/notifications/ws
func (h *Handler) Stream(c *gin.Context) {
	userID := c.Param("id")
	h.hub.HandleWebSocket(c.Writer, c.Request, userID)
}

// CreateSubscription handles POST /v1/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req struct {
		UserID string   `json:"user_id" binding:"required"`
		URL    string   `json:"url" binding:"required,url"`
		Secret string   `json:"secret"`
		Events []string `json:"events" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "user_id, url and events are required",
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, EventType(e))
	}

	if req.Secret == "" {
		req.Secret = h.defaultSecret
	}

	sub := &WebhookSubscription{
		ID:        idgen.WithPrefix("whk_"),
		UserID:    req.UserID,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.subs.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// ListSubscriptions handles GET /v1/users/:id/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	userID := c.Param("id")

	subs, err := h.subs.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// DeleteSubscription handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("id")

	if err := h.subs.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.Status(http.StatusNoContent)
}
