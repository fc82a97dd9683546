package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/config"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/services"
)

// WebhookHandler ingests marketplace push notifications
type WebhookHandler struct {
	webhookService *services.WebhookService
	cfg            *config.Config
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhookService *services.WebhookService, cfg *config.Config) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService, cfg: cfg}
}

// Receive handles an incoming webhook
// POST /api/v1/webhooks/:marketplace
func (h *WebhookHandler) Receive(c *gin.Context) {
	mp, err := models.ParseMarketplaceType(c.Param("marketplace"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")
	secret := h.cfg.WebhookSecretFor(mp)

	err = h.webhookService.Ingest(c.Request.Context(), mp, payload, signature, secret)
	switch {
	case errors.Is(err, services.ErrDuplicateEvent):
		// Acknowledge duplicates so the marketplace stops redelivering
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case errors.Is(err, services.ErrUnknownMarketplace):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrVerificationFailed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case clients.IsSchema(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}
