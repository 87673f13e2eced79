package webhooks

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterProtectedRoutes sets up webhook routes. Every route acts on the
// authenticated party's own subscriptions.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	g := r.Group("/parties/:address/webhooks", validation.AddressParamMiddleware())
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.DELETE("/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /parties/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	party, ok := h.owner(c)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if len(req.Events) == 0 {
		fail(c, ErrUnknownEvent.Withf("at least one event is required"))
		return
	}
	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		t := EventType(e)
		if !t.Known() {
			fail(c, ErrUnknownEvent.Withf("unknown event type %q", e))
			return
		}
		events = append(events, t)
	}
	if err := ValidateURL(req.URL); err != nil {
		fail(c, err)
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.Subscription),
		Party:     party,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		fail(c, errStoreFailure.Wrap(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /parties/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	party, ok := h.owner(c)
	if !ok {
		return
	}

	subs, err := h.store.ListByParty(c.Request.Context(), party)
	if err != nil {
		fail(c, errStoreFailure.Wrap(err))
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /parties/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	party, ok := h.owner(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err != nil {
		fail(c, err)
		return
	}
	if sub.Party != party {
		fail(c, ErrNotOwner)
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// owner requires the authenticated actor to be the party in the path.
func (h *Handler) owner(c *gin.Context) (common.Address, bool) {
	actor, ok := auth.Actor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Signed request required"})
		return common.Address{}, false
	}
	if actor != common.HexToAddress(c.Param("address")) {
		fail(c, ErrNotOwner.Withf("only %s manages its webhooks", c.Param("address")))
		return common.Address{}, false
	}
	return actor, true
}

func fail(c *gin.Context, err error) {
	c.JSON(faults.HTTPStatus(err), faults.Body(err))
}
