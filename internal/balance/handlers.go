package balance

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the caller's balance.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new balance handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterProtectedRoutes sets up auth-required balance routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/balance", h.GetBalance)
}

// GetBalance handles GET /v1/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.Get(c.Request.Context(), c.GetInt64("authUserID"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}
