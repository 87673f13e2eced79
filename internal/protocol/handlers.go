package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/faults"
)

// Handler serves the receiving side of both ports. Every request must be
// signed with the shared secret.
type Handler struct {
	arbiter  Arbiter
	receiver RulingReceiver
	secret   []byte
	now      func() time.Time
}

// NewHandler creates a handler. Either port may be nil, in which case its
// route is not registered.
func NewHandler(secret string, arbiter Arbiter, receiver RulingReceiver) *Handler {
	return &Handler{arbiter: arbiter, receiver: receiver, secret: []byte(secret), now: time.Now}
}

// RegisterRoutes mounts the protocol endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("", h.verify)
	if h.arbiter != nil {
		g.POST(PathOpenDispute, h.OpenDispute)
	}
	if h.receiver != nil {
		g.POST(PathApplyRuling, h.ApplyRuling)
	}
}

func (h *Handler) verify(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		abort(c, ErrInvalidMessage.Withf("unreadable body"))
		return
	}
	if err := Verify(h.secret, c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature), body, h.now()); err != nil {
		abort(c, err)
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Next()
}

// OpenDispute handles POST /protocol/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		abort(c, ErrInvalidMessage.Withf("%v", err))
		return
	}
	resp, err := h.arbiter.Open(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// ApplyRuling handles POST /protocol/rulings
func (h *Handler) ApplyRuling(c *gin.Context) {
	var notice RulingNotice
	if err := json.NewDecoder(c.Request.Body).Decode(&notice); err != nil {
		abort(c, ErrInvalidMessage.Withf("%v", err))
		return
	}
	if err := h.receiver.ApplyRuling(c.Request.Context(), notice); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(faults.HTTPStatus(err), encodeError(err))
}
