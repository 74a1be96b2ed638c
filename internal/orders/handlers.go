package orders

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowmart/internal/pagination"
	"github.com/mbd888/escrowmart/internal/settlement"
	"github.com/mbd888/escrowmart/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListMyOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/escrow-ledger", h.GetEscrowLedger)
	r.POST("/orders/:id/confirm/buyer", h.ConfirmAsBuyer)
	r.POST("/orders/:id/confirm/seller", h.ConfirmAsSeller)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.GET("/seller/orders", h.ListSellerOrders)
}

// CreateOrderRequest is the body of POST /v1/orders.
type CreateOrderRequest struct {
	ProductID       int64  `json:"productId" binding:"required"`
	Quantity        int64  `json:"quantity" binding:"required"`
	WalletAddress   string `json:"walletAddress"`
	ShippingAddress string `json:"shippingAddress"`
	ContractAddress string `json:"contractAddress"`
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "productId and quantity are required",
		})
		return
	}
	if validation.Respond(c, validation.Validate(
		validation.Positive("quantity", req.Quantity),
		validation.ValidAddress("walletAddress", req.WalletAddress),
		validation.ValidAddress("contractAddress", req.ContractAddress),
		validation.MaxLength("shippingAddress", req.ShippingAddress, 500),
	)) {
		return
	}

	order, err := h.service.Create(c.Request.Context(), CreateRequest{
		BuyerID:         c.GetInt64("authUserID"),
		ProductID:       req.ProductID,
		Quantity:        req.Quantity,
		WalletAddress:   req.WalletAddress,
		ShippingAddress: validation.SanitizeString(req.ShippingAddress, 500),
		ContractAddress: req.ContractAddress,
	})
	if errors.Is(err, settlement.ErrQueued) && order != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"order":   order,
			"status":  "pending_settlement",
			"message": "accepted, pending settlement",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	order, err := h.service.Get(c.Request.Context(), id, c.GetInt64("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":             order,
		"settlementPending": order.SettlementPending(),
	})
}

// GetEscrowLedger handles GET /v1/orders/:id/escrow-ledger
func (h *Handler) GetEscrowLedger(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	entries, err := h.service.EscrowLedger(c.Request.Context(), id, c.GetInt64("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ListMyOrders handles GET /v1/orders
func (h *Handler) ListMyOrders(c *gin.Context) {
	h.listPage(c, h.service.ListMine)
}

// ListSellerOrders handles GET /v1/seller/orders
func (h *Handler) ListSellerOrders(c *gin.Context) {
	h.listPage(c, h.service.ListSeller)
}

func (h *Handler) listPage(c *gin.Context, list func(ctx context.Context, userID, beforeID int64, limit int) ([]*Order, error)) {
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid cursor",
		})
		return
	}

	n := pagination.Limit(c.Query("limit"), 50, 200)
	orders, err := list(c.Request.Context(), c.GetInt64("authUserID"), cur.BeforeID(), n+1)
	if err != nil {
		writeError(c, err)
		return
	}
	orders, next, more := pagination.ComputePage(orders, n, func(o *Order) (time.Time, int64) {
		return o.CreatedAt, o.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"orders":     orders,
		"count":      len(orders),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// ConfirmRequest is the optional body of the confirm endpoints.
type ConfirmRequest struct {
	IsGreenApproved bool `json:"isGreenApproved"`
}

// ConfirmAsBuyer handles POST /v1/orders/:id/confirm/buyer
func (h *Handler) ConfirmAsBuyer(c *gin.Context) {
	h.confirm(c, RoleBuyer)
}

// ConfirmAsSeller handles POST /v1/orders/:id/confirm/seller
func (h *Handler) ConfirmAsSeller(c *gin.Context) {
	h.confirm(c, RoleSeller)
}

func (h *Handler) confirm(c *gin.Context, role Role) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req ConfirmRequest
	_ = c.ShouldBindJSON(&req)

	order, err := h.service.Confirm(c.Request.Context(), id, c.GetInt64("authUserID"), role, req.IsGreenApproved)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	order, err := h.service.Cancel(c.Request.Context(), id, c.GetInt64("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "order id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientStock):
		status = http.StatusUnprocessableEntity
		code = "insufficient_funds_or_stock"
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrOrderCancelled), errors.Is(err, ErrOrderCompleted),
		errors.Is(err, ErrAlreadyConfirmed), errors.Is(err, ErrStaleOrder):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrSettlementPending):
		status = http.StatusConflict
		code = "settlement_pending"
	case errors.Is(err, ErrSettlementFailed):
		status = http.StatusConflict
		code = "settlement_failed"
	case errors.Is(err, ErrReleaseUnavailable), errors.Is(err, settlement.ErrRejected):
		status = http.StatusServiceUnavailable
		code = "settlement_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
