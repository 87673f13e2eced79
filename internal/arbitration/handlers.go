package arbitration

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/protocol"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the arbitration authority
type Handler struct {
	authority *Authority
}

// NewHandler creates a new arbitration handler
func NewHandler(a *Authority) *Handler {
	return &Handler{authority: a}
}

// RegisterRoutes sets up read-only routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/arbitration/config", h.GetConfig)
	r.GET("/arbitration/disputes", h.ListActive)
	r.GET("/arbitration/disputes/:id", h.GetDispute)
	r.GET("/arbitration/agents", h.ListAgents)
}

// RegisterProtectedRoutes sets up agent and governance routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/arbitration/disputes/:id/resolve", h.Resolve)
	r.POST("/arbitration/disputes/:id/settle-fee", h.SettleFee)
	r.PUT("/arbitration/agents/:address", validation.AddressParamMiddleware(), h.UpsertAgent)
	r.DELETE("/arbitration/agents/:address", validation.AddressParamMiddleware(), h.DeactivateAgent)
	r.PUT("/arbitration/config", h.ReplaceConfig)
}

type resolveRequest struct {
	Ruling     *protocol.Ruling `json:"ruling" binding:"required"`
	Resolution string           `json:"resolution"`
}

type agentRequest struct {
	Name string `json:"name"`
}

type replaceConfigRequest struct {
	ExpectVersion uint64 `json:"expectVersion"`
	Config        Config `json:"config"`
}

func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": h.authority.Config().Current(), "identity": h.authority.Identity()})
}

func (h *Handler) GetDispute(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	d, err := h.authority.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) ListActive(c *gin.Context) {
	p := pagination.FromQuery(c)
	c.JSON(http.StatusOK, h.authority.ListActive(c.Request.Context(), p.Offset, p.Limit))
}

func (h *Handler) ListAgents(c *gin.Context) {
	p := pagination.FromQuery(c)
	c.JSON(http.StatusOK, h.authority.ListAgents(c.Request.Context(), p.Offset, p.Limit))
}

func (h *Handler) Resolve(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "ruling is required")
		return
	}
	if errs := validation.Validate(validation.MaxLength("resolution", req.Resolution, MaxResolutionLength)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	d, err := h.authority.Resolve(c.Request.Context(), actor, id, *req.Ruling, req.Resolution)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) SettleFee(c *gin.Context) {
	if _, ok := actorOf(c); !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	d, err := h.authority.SettleFee(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) UpsertAgent(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	var req agentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c, "invalid agent body")
			return
		}
	}
	if errs := validation.Validate(validation.MaxLength("name", req.Name, 128)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	ag, err := h.authority.UpsertAgent(c.Request.Context(), actor, common.HexToAddress(c.Param("address")), req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": ag})
}

func (h *Handler) DeactivateAgent(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	ag, err := h.authority.DeactivateAgent(c.Request.Context(), actor, common.HexToAddress(c.Param("address")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": ag})
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
	snap, err := h.authority.Config().Replace(c.Request.Context(), actor.Hex(), req.ExpectVersion, req.Config)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": snap})
}

func fail(c *gin.Context, err error) {
	c.JSON(faults.HTTPStatus(err), faults.Body(err))
}

func invalidRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Dispute id must be a positive integer"})
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
