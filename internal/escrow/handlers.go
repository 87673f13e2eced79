package escrow

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the escrow ledger
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up read-only and permissionless routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/config", h.GetConfig)
	r.POST("/escrow/estimate", h.EstimateCosts)
	r.GET("/escrow/:id", h.GetEscrow)
	r.POST("/escrow/:id/timeout", h.ResolveTimeout)
	r.GET("/parties/:address/escrows", validation.AddressParamMiddleware(), h.ListByParty)
}

// RegisterProtectedRoutes sets up routes that require an authenticated actor
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.POST("/escrow/:id/proof", h.SubmitProof)
	r.POST("/escrow/:id/complete", h.Complete)
	r.POST("/escrow/:id/cancel", h.Cancel)
	r.POST("/escrow/:id/mutual-cancel", h.MutualCancel)
	r.POST("/escrow/:id/dispute", h.CreateDispute)
	r.PUT("/escrow/config", h.ReplaceConfig)
	r.POST("/escrow/config/governance", h.TransferGovernance)
}

type proofRequest struct {
	ProofRef string `json:"proofRef" binding:"required"`
}

type mutualCancelRequest struct {
	Authorization agreement.CancelAuthorization `json:"authorization"`
	Countersig    hexutil.Bytes                 `json:"countersig" binding:"required"`
}

type disputeRequest struct {
	Fee      string `json:"fee" binding:"required"`
	Evidence string `json:"evidence"`
}

type replaceConfigRequest struct {
	ExpectVersion uint64 `json:"expectVersion"`
	Config        Config `json:"config"`
}

type governanceRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rec, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

func (h *Handler) ListByParty(c *gin.Context) {
	party := common.HexToAddress(c.Param("address"))
	page := pagination.FromQuery(c)
	recs, err := h.ledger.ListByParty(c.Request.Context(), party, page.Offset, page.Limit)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, pagination.Result[*Record]{Items: recs, Offset: page.Offset, Limit: page.Limit})
}

func (h *Handler) EstimateCosts(c *gin.Context) {
	var a agreement.Agreement
	if err := c.ShouldBindJSON(&a); err != nil {
		invalidRequest(c, "agreement terms are required")
		return
	}
	est, err := h.ledger.EstimateCosts(c.Request.Context(), a)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"estimate": est,
		"display": gin.H{
			"settlementFee":      units.Format(est.SettlementFee),
			"disputeFee":         units.Format(est.DisputeFee),
			"bridgeFee":          units.Format(new(big.Int).Add(est.BridgeNativeFee, est.BridgeAuxFee)),
			"netRecipientAmount": units.Format(est.NetRecipientAmount),
		},
	})
}

func (h *Handler) GetConfig(c *gin.Context) {
	cfg := h.ledger.Config()
	c.JSON(http.StatusOK, gin.H{"config": cfg.Current(), "governance": cfg.Authority(), "feePolicy": h.ledger.FeePolicy()})
}

func (h *Handler) ResolveTimeout(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	h.respond(c, func() (*Record, error) { return h.ledger.ResolveTimeout(c.Request.Context(), id) })
}

func (h *Handler) CreateEscrow(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "agreement, signatures and deposit are required")
		return
	}
	rec, err := h.ledger.Create(c.Request.Context(), actor, req)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

func (h *Handler) SubmitProof(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	var req proofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "proofRef is required")
		return
	}
	if errs := validation.Validate(validation.MaxLength("proofRef", req.ProofRef, 512)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	h.respond(c, func() (*Record, error) { return h.ledger.SubmitProof(c.Request.Context(), id, actor, req.ProofRef) })
}

func (h *Handler) Complete(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	h.respond(c, func() (*Record, error) { return h.ledger.Complete(c.Request.Context(), id, actor) })
}

func (h *Handler) Cancel(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	h.respond(c, func() (*Record, error) { return h.ledger.Cancel(c.Request.Context(), id, actor) })
}

func (h *Handler) MutualCancel(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	var req mutualCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "authorization and countersig are required")
		return
	}
	h.respond(c, func() (*Record, error) {
		return h.ledger.MutualCancel(c.Request.Context(), id, actor, req.Authorization, req.Countersig)
	})
}

func (h *Handler) CreateDispute(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "fee is required")
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("fee", req.Fee),
		validation.MaxLength("evidence", req.Evidence, 4096),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	fee, ok := units.Parse(req.Fee)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Fee must be a positive decimal"})
		return
	}
	h.respond(c, func() (*Record, error) {
		return h.ledger.CreateDispute(c.Request.Context(), id, actor, fee, req.Evidence)
	})
}

func (h *Handler) ReplaceConfig(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var req replaceConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "config is required")
		return
	}
	snap, err := h.ledger.Config().Replace(c.Request.Context(), actor.Hex(), req.ExpectVersion, req.Config)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": snap})
}

func (h *Handler) TransferGovernance(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var req governanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidEthAddress(req.Address) {
		invalidRequest(c, "address must be a valid Ethereum address")
		return
	}
	if err := h.ledger.Config().TransferAuthority(actor.Hex(), req.Address); err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"governance": h.ledger.Config().Authority()})
}

func (h *Handler) respond(c *gin.Context, fn func() (*Record, error)) {
	rec, err := fn()
	if err != nil {
		c.JSON(faults.HTTPStatus(err), faults.Body(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

func invalidRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Escrow id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func actorOf(c *gin.Context) (common.Address, bool) {
	actor, ok := auth.Actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Signed request required"})
	}
	return actor, ok
}

func actorAndID(c *gin.Context) (common.Address, uint64, bool) {
	actor, ok := actorOf(c)
	if !ok {
		return common.Address{}, 0, false
	}
	id, ok := idParam(c)
	return actor, id, ok
}
