package reputation

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reputation lookups
type Handler struct {
	oracle Oracle
}

// NewHandler creates a new reputation handler
func NewHandler(oracle Oracle) *Handler {
	return &Handler{oracle: oracle}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation/:address", h.GetReputation)
}

// GetReputation returns the score for a single wallet
func (h *Handler) GetReputation(c *gin.Context) {
	addr := c.Param("address")
	if !common.IsHexAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Address must be a 0x-prefixed 20-byte hex string",
		})
		return
	}

	score, err := h.oracle.ScoreOf(c.Request.Context(), common.HexToAddress(addr))
	if err != nil {
		if errors.Is(err, ErrUnknownWallet) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "Wallet has no escrow history",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load reputation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": score})
}
