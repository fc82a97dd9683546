package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace-sync-service/internal/repository"
)

// AnomalyHandler exposes conflict anomaly review
type AnomalyHandler struct {
	anomalies *repository.AnomalyRepository
}

// NewAnomalyHandler creates a new anomaly handler
func NewAnomalyHandler(anomalies *repository.AnomalyRepository) *AnomalyHandler {
	return &AnomalyHandler{anomalies: anomalies}
}

// List returns anomalies, unresolved only unless ?all=true
// GET /api/v1/anomalies
func (h *AnomalyHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	unresolvedOnly := c.Query("all") != "true"

	anomalies, total, err := h.anomalies.List(c.Request.Context(), unresolvedOnly, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies, "total": total})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// Resolve marks an anomaly resolved with an operator note
// POST /api/v1/anomalies/:id/resolve
func (h *AnomalyHandler) Resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid anomaly id"})
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.anomalies.Resolve(c.Request.Context(), id, req.Resolution); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "anomaly not found or already resolved"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}
