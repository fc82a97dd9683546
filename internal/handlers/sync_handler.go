package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
	"marketplace-sync-service/internal/services"
)

// SyncHandler exposes sync orchestration over HTTP
type SyncHandler struct {
	syncService *services.SyncService
	cycles      *repository.CycleRepository
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(syncService *services.SyncService, cycles *repository.CycleRepository) *SyncHandler {
	return &SyncHandler{syncService: syncService, cycles: cycles}
}

// TriggerSync starts a manual sync cycle for a marketplace
// POST /api/v1/sync/:marketplace
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	mp, err := models.ParseMarketplaceType(c.Param("marketplace"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cycle, err := h.syncService.RunCycle(c.Request.Context(), mp, models.TriggerManual)
	switch {
	case errors.Is(err, services.ErrCycleRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAuthBlocked):
		c.JSON(http.StatusLocked, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrUnknownMarketplace):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		// The cycle ran and failed; return it with the error
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "cycle": cycle})
	default:
		c.JSON(http.StatusOK, cycle)
	}
}

// CancelSync cancels the in-flight cycle for a marketplace
// POST /api/v1/sync/:marketplace/cancel
func (h *SyncHandler) CancelSync(c *gin.Context) {
	mp, err := models.ParseMarketplaceType(c.Param("marketplace"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.syncService.CancelCycle(mp) {
		c.JSON(http.StatusConflict, gin.H{"error": "no cycle running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// TestConnection probes the marketplace, clearing an auth block on success
// POST /api/v1/sync/:marketplace/test
func (h *SyncHandler) TestConnection(c *gin.Context) {
	mp, err := models.ParseMarketplaceType(c.Param("marketplace"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.syncService.TestConnection(c.Request.Context(), mp); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"connected": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true})
}

// Status returns per-marketplace orchestration state
// GET /api/v1/sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"marketplaces": h.syncService.Status()})
}

// ListCycles returns cycle history
// GET /api/v1/sync/cycles
func (h *SyncHandler) ListCycles(c *gin.Context) {
	var mp models.MarketplaceType
	if raw := c.Query("marketplace"); raw != "" {
		parsed, err := models.ParseMarketplaceType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mp = parsed
	}

	limit, offset := pagination(c)
	cycles, total, err := h.cycles.ListCycles(c.Request.Context(), mp, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles, "total": total})
}

// GetCycle returns one cycle with its results
// GET /api/v1/sync/cycles/:id
func (h *SyncHandler) GetCycle(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cycle id"})
		return
	}

	cycle, err := h.cycles.GetCycle(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cycle)
}

// Stats returns per-marketplace cycle outcome counts
// GET /api/v1/sync/stats
func (h *SyncHandler) Stats(c *gin.Context) {
	stats, err := h.cycles.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// pagination parses limit/offset query params with sane bounds
func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 200 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
