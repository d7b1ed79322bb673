package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/workwise/escrowd/internal/idgen"
	"github.com/workwise/escrowd/internal/security"
	"github.com/workwise/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, urlValidator: security.ValidateWebhookURL}
}

// RegisterAdminRoutes sets up webhook routes behind the admin guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/webhooks", h.CreateWebhook)
	r.GET("/admin/webhooks", h.ListWebhooks)
	r.DELETE("/admin/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription.
type CreateWebhookRequest struct {
	OwnerID   string   `json:"ownerId" binding:"required,max=128"`
	AccountID string   `json:"accountId" binding:"max=128"`
	URL       string   `json:"url" binding:"required,url,max=2048"`
	Events    []string `json:"events" binding:"required,min=1,dive,required,max=64"`
}

// CreateWebhook handles POST /v1/admin/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	for _, et := range req.Events {
		if et != AllEvents && !strings.Contains(et, ".") {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "events must be entity.action types or *",
			})
			return
		}
	}
	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		OwnerID:   req.OwnerID,
		AccountID: req.AccountID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"signature": "HMAC-SHA256(body, secret) as hex",
			"header":    "X-Escrowd-Signature",
		},
	})
}

// ListWebhooks handles GET /v1/admin/webhooks?ownerId=
func (h *Handler) ListWebhooks(c *gin.Context) {
	owner := c.Query("ownerId")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "ownerId is required"})
		return
	}
	subs, err := h.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/admin/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
