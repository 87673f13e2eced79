package vault

import (
	"context"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/units"
)

// Handler provides HTTP endpoints for custody balances
type Handler struct {
	vault *Vault
	// allowDeposits enables the operator deposit endpoint (demo mode only).
	allowDeposits bool
}

// NewHandler creates a new vault handler
func NewHandler(v *Vault, allowDeposits bool) *Handler {
	return &Handler{vault: v, allowDeposits: allowDeposits}
}

// RegisterRoutes sets up read-only vault routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/vault/:address", h.GetBalance)
	r.GET("/vault/:address/history", h.GetHistory)
}

// RegisterProtectedRoutes sets up routes that move value
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/vault/withdraw", h.Withdraw)
	if h.allowDeposits {
		r.POST("/vault/deposit", h.Deposit)
	}
}

type amountRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

func (h *Handler) GetBalance(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	bal, err := h.vault.Balance(c.Request.Context(), addr)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance": bal,
		"display": gin.H{
			"available": units.Format(bal.Available),
			"pending":   units.Format(bal.Pending),
		},
	})
}

func (h *Handler) GetHistory(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.vault.History(c.Request.Context(), addr, limit)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) Deposit(c *gin.Context) {
	h.move(c, h.vault.Deposit)
}

func (h *Handler) Withdraw(c *gin.Context) {
	h.move(c, h.vault.Withdraw)
}

func (h *Handler) move(c *gin.Context, fn func(ctx context.Context, addr common.Address, amount *big.Int, ref string) error) {
	actor, ok := auth.Actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Signed request required"})
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, ok := units.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a non-negative decimal"})
		return
	}
	if err := fn(c.Request.Context(), actor, amount, req.Reference); err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	bal, err := h.vault.Balance(c.Request.Context(), actor)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func addressParam(c *gin.Context) (common.Address, bool) {
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Address must be a 0x-prefixed 20-byte hex string",
		})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
