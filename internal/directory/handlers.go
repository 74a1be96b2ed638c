package directory

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowmart/internal/validation"
)

// Handler provides profile endpoints for the authenticated user.
type Handler struct {
	dir *Directory
}

// NewHandler creates a new directory handler.
func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterProtectedRoutes sets up auth-required profile routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me/profile", h.GetProfile)
	r.PUT("/me/wallet", h.LinkWallet)
}

// GetProfile handles GET /v1/me/profile
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.dir.Profile(c.Request.Context(), c.GetInt64("authUserID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// LinkWalletRequest is the body of PUT /v1/me/wallet.
type LinkWalletRequest struct {
	WalletAddress   string `json:"walletAddress"`
	DefaultContract string `json:"defaultContract"`
}

// LinkWallet handles PUT /v1/me/wallet
func (h *Handler) LinkWallet(c *gin.Context) {
	var req LinkWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if validation.Respond(c, validation.Validate(
		validation.Required("walletAddress", req.WalletAddress),
		validation.ValidAddress("walletAddress", req.WalletAddress),
		validation.ValidAddress("defaultContract", req.DefaultContract),
	)) {
		return
	}

	p, err := h.dir.LinkWallet(c.Request.Context(), c.GetInt64("authUserID"), req.WalletAddress, req.DefaultContract)
	if errors.Is(err, ErrInvalidAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}
