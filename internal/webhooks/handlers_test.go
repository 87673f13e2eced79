package webhooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
)

func newTestRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Middleware(auth.Options{DevMode: true}))
	NewHandler(store).RegisterProtectedRoutes(r.Group("/v1"))
	return r
}

func do(t *testing.T, r http.Handler, method, path string, actor common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != (common.Address{}) {
		req.Header.Set(auth.HeaderAddress, actor.Hex())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_Lifecycle(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)
	base := "/v1/parties/" + partyA.Hex() + "/webhooks"

	w := do(t, r, http.MethodPost, base, partyA, CreateWebhookRequest{
		URL:    "https://hooks.example.com/escrow",
		Events: []string{"escrow.created", "dispute.opened"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook map[string]any `json:"webhook"`
		Secret  string         `json:"secret"`
		Usage   struct {
			Header string `json:"header"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, HeaderSignature, created.Usage.Header)
	assert.NotContains(t, created.Webhook, "secret")
	id, _ := created.Webhook["id"].(string)
	require.NotEmpty(t, id)

	stored, err := store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, partyA, stored.Party)
	assert.Equal(t, created.Secret, stored.Secret)

	w = do(t, r, http.MethodGet, base, partyA, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Webhooks []Subscription `json:"webhooks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Webhooks, 1)
	assert.Empty(t, listed.Webhooks[0].Secret)

	w = do(t, r, http.MethodDelete, base+"/"+id, partyA, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodDelete, base+"/"+id, partyA, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Rejections(t *testing.T) {
	store := NewMemoryStore()
	subscribe(t, store, "wh_owned", partyA, "https://a.example", EventEscrowCreated)
	r := newTestRouter(store)
	pathA := "/v1/parties/" + partyA.Hex() + "/webhooks"
	pathB := "/v1/parties/" + partyB.Hex() + "/webhooks"
	valid := CreateWebhookRequest{URL: "https://hooks.example.com", Events: []string{"escrow.created"}}

	tests := []struct {
		name   string
		method string
		path   string
		actor  common.Address
		body   any
		want   int
	}{
		{"no actor", http.MethodPost, pathA, common.Address{}, valid, http.StatusUnauthorized},
		{"someone else's path", http.MethodPost, pathA, partyB, valid, http.StatusForbidden},
		{"bad address", http.MethodGet, "/v1/parties/0x12/webhooks", partyA, nil, http.StatusBadRequest},
		{"missing body", http.MethodPost, pathA, partyA, nil, http.StatusBadRequest},
		{"unknown event", http.MethodPost, pathA, partyA,
			CreateWebhookRequest{URL: "https://hooks.example.com", Events: []string{"payment.sent"}}, http.StatusBadRequest},
		{"no events", http.MethodPost, pathA, partyA,
			CreateWebhookRequest{URL: "https://hooks.example.com", Events: []string{}}, http.StatusBadRequest},
		{"loopback url", http.MethodPost, pathA, partyA,
			CreateWebhookRequest{URL: "http://127.0.0.1:8080/hook", Events: []string{"escrow.created"}}, http.StatusBadRequest},
		{"delete another party's webhook", http.MethodDelete, pathB + "/wh_owned", partyB, nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	_, err := store.Get(t.Context(), "wh_owned")
	assert.NoError(t, err, "rejected delete must leave the webhook in place")
}
