package alerts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowmart/internal/pagination"
)

// Handler provides HTTP endpoints for alerts.
type Handler struct {
	emitter *Emitter
}

// NewHandler creates a new alert handler.
func NewHandler(emitter *Emitter) *Handler {
	return &Handler{emitter: emitter}
}

// RegisterProtectedRoutes sets up auth-required alert routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	filter := Filter{
		Severity: Severity(c.Query("severity")),
		CallID:   c.Query("callId"),
		Limit:    pagination.Limit(c.Query("limit"), 100, 500),
	}

	list, err := h.emitter.List(c.Request.Context(), filter)
	if err != nil {
		if errors.Is(err, ErrInvalidSeverity) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "severity must be info, warning or critical",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": list,
		"count":  len(list),
	})
}
