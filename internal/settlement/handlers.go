package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowmart/internal/pagination"
	"github.com/mbd888/escrowmart/internal/validation"
)

// Handler provides HTTP endpoints for the settlement call log.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a new settlement handler.
func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// RegisterProtectedRoutes sets up auth-required settlement routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/settlement/calls", h.ListCalls)
	r.GET("/settlement/calls/:id", h.GetCall)
	r.POST("/settlement/calls/:id/retry", h.RetryCall)
	r.POST("/settlement/calls/:id/verify", h.VerifyCall)
	r.GET("/settlement/network", h.NetworkSnapshot)
	r.DELETE("/settlement/network/cache", h.InvalidateCache)
}

// ListCalls handles GET /v1/settlement/calls
func (h *Handler) ListCalls(c *gin.Context) {
	filter := Filter{
		Status: Status(c.Query("status")),
		Limit:  pagination.Limit(c.Query("limit"), DefaultListLimit, MaxListLimit),
	}
	if v := c.Query("orderId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "orderId must be a positive integer",
			})
			return
		}
		filter.OrderID = id
	}

	calls, err := h.dispatcher.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

// GetCall handles GET /v1/settlement/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	call, err := h.dispatcher.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

// RetryCall handles POST /v1/settlement/calls/:id/retry
func (h *Handler) RetryCall(c *gin.Context) {
	call, err := h.dispatcher.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

type verifyRequest struct {
	TxHash string `json:"txHash"`
}

// VerifyCall handles POST /v1/settlement/calls/:id/verify
func (h *Handler) VerifyCall(c *gin.Context) {
	var req verifyRequest
	// Body is optional; the stored hash is used when absent.
	_ = c.ShouldBindJSON(&req)
	if validation.Respond(c, validation.Validate(validation.ValidTxHash("txHash", req.TxHash))) {
		return
	}

	call, err := h.dispatcher.Verify(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call, "verified": call.Verified})
}

// NetworkSnapshot handles GET /v1/settlement/network
func (h *Handler) NetworkSnapshot(c *gin.Context) {
	snap, err := h.dispatcher.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "network_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"network": snap})
}

// InvalidateCache handles DELETE /v1/settlement/network/cache. The next
// call fetches a fresh auth token and snapshot.
func (h *Handler) InvalidateCache(c *gin.Context) {
	if err := h.dispatcher.InvalidateCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "cache_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error) {
	if ce, ok := AsCallError(err); ok {
		if ce.Kind == KindQueued {
			c.JSON(http.StatusAccepted, gin.H{
				"error":   "settlement_queued",
				"message": "accepted, pending settlement",
				"call":    ce.Call,
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "settlement_rejected",
			"message": ce.Err.Error(),
			"call":    ce.Call,
		})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrCallNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrClaimLost):
		status = http.StatusConflict
		code = "not_claimable"
	case errors.Is(err, ErrNoTxHash):
		status = http.StatusBadRequest
		code = "missing_tx_hash"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
