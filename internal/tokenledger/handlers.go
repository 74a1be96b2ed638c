package tokenledger

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowmart/internal/validation"
)

// Handler exposes reconciled wallet balances.
type Handler struct {
	ledger          *Ledger
	reader          BalanceReader
	defaultContract string
}

// NewHandler creates a balance handler. reader may be nil when no chain RPC
// is configured.
func NewHandler(ledger *Ledger, reader BalanceReader, defaultContract string) *Handler {
	return &Handler{ledger: ledger, reader: reader, defaultContract: defaultContract}
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:address/balance", validation.AddressParamMiddleware(), h.GetWalletBalance)
}

// GetWalletBalance handles GET /v1/wallets/:address/balance
func (h *Handler) GetWalletBalance(c *gin.Context) {
	wallet := c.Param("address")
	contract := c.DefaultQuery("contract", h.defaultContract)
	if !common.IsHexAddress(wallet) || (contract != "" && !common.IsHexAddress(contract)) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "wallet and contract must be 0x-prefixed 20-byte hex addresses",
		})
		return
	}

	res, err := h.ledger.ResolveBalance(c.Request.Context(), h.reader, contract, wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":   wallet,
		"contract": contract,
		"balance":  res,
	})
}
