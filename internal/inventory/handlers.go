package inventory

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only catalog endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new inventory handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/products/:id", h.GetProduct)
}

// GetProduct handles GET /v1/products/:id
func (h *Handler) GetProduct(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "product id must be a positive integer",
		})
		return
	}

	product, err := h.service.GetProduct(c.Request.Context(), id)
	if errors.Is(err, ErrProductNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "product not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	available, err := h.service.Available(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product, "available": available})
}
