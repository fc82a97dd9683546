package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace-sync-service/internal/repository"
)

// QueryHandler serves read-only canonical snapshots
type QueryHandler struct {
	store repository.CanonicalStore
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(store repository.CanonicalStore) *QueryHandler {
	return &QueryHandler{store: store}
}

// ListProducts returns canonical products
// GET /api/v1/products
func (h *QueryHandler) ListProducts(c *gin.Context) {
	limit, offset := pagination(c)
	products, total, err := h.store.ListProducts(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products, "total": total})
}

// GetProduct returns one canonical product with its marketplace refs
// GET /api/v1/products/:id
func (h *QueryHandler) GetProduct(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}

	product, err := h.store.GetProduct(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, product)
}

// ListOrders returns canonical orders
// GET /api/v1/orders
func (h *QueryHandler) ListOrders(c *gin.Context) {
	limit, offset := pagination(c)
	orders, total, err := h.store.ListOrders(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "total": total})
}

// GetOrder returns one canonical order
// GET /api/v1/orders/:id
func (h *QueryHandler) GetOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := h.store.GetOrder(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// ListReturns returns canonical returns
// GET /api/v1/returns
func (h *QueryHandler) ListReturns(c *gin.Context) {
	limit, offset := pagination(c)
	returns, total, err := h.store.ListReturns(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"returns": returns, "total": total})
}

// GetReturn returns one canonical return
// GET /api/v1/returns/:id
func (h *QueryHandler) GetReturn(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid return id"})
		return
	}

	ret, err := h.store.GetReturn(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "return not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ret)
}
