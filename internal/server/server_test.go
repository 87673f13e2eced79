package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/agreement/agreementtest"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/units"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	governor  = common.HexToAddress("0x00000000000000000000000000000000000060f1")
	arbiterID = common.HexToAddress("0x000000000000000000000000000000000a7b1001")
	agent     = common.HexToAddress("0x00000000000000000000000000000000000a6e01")
)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		LogFormat:       "text",
		NetworkID:       agreementtest.Domain.NetworkID,
		SystemName:      agreementtest.Domain.Name,
		SystemVersion:   agreementtest.Domain.Version,
		SystemVerifier:  agreementtest.Domain.Verifier.Hex(),
		GovernanceAddr:  governor.Hex(),
		AuthorityAddr:   arbiterID.Hex(),
		TreasuryAddr:    "0x00000000000000000000000000000000000072e5",
		FeeRecipient:    "0xfee0000000000000000000000000000000000001",
		BaseFeeBps:      config.DefaultBaseFeeBps,
		DisputeFeeBps:   config.DefaultDisputeFeeBps,
		MinFee:          config.DefaultMinFee,
		MaxFee:          config.DefaultMaxFee,
		DisputeFloorFee: config.DefaultDisputeFloorFee,
		FeePolicy:       "flat",
		MinTimeout:      config.DefaultMinTimeout,
		MaxTimeout:      config.DefaultMaxTimeout,
		TimeoutMode:     "dual",
		SweepInterval:   time.Hour,
		CORSOrigins:     []string{"*"},
		RateLimitRPM:    6000,
		RateLimitBurst:  1000,
		DevAuth:         true,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithVersion("test"))
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func do(t *testing.T, s *Server, method, path string, actor common.Address, body any) *httptest.ResponseRecorder {
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
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) *escrow.Record {
	t.Helper()
	var resp struct {
		Escrow *escrow.Record `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Escrow, w.Body.String())
	return resp.Escrow
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(t, s, http.MethodGet, "/health", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, []string{"ledger", "authority"}, resp.Roles)
	assert.Equal(t, "healthy", resp.Checks["sweeper"])

	w = do(t, s, http.MethodGet, "/health/live", common.Address{}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/health/ready", common.Address{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(t, s, http.MethodGet, "/health/ready", common.Address{}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_SweeperDownIsDegraded(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.ready.Store(true)

	w := do(t, s, http.MethodGet, "/health", common.Address{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "timeout sweeper is not running")
}

func TestMetricsAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t, testConfig())

	do(t, s, http.MethodGet, "/v1/escrow/config", common.Address{}, nil)
	w := do(t, s, http.MethodGet, "/metrics", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 1
	cfg.RateLimitBurst = 2
	s := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", governor, nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/health/live", governor, nil).Code)
}

func TestProtectedRoutesRequireActor(t *testing.T) {
	s := newTestServer(t, testConfig())

	for _, path := range []string{"/v1/escrow", "/v1/vault/withdraw", "/v1/arbitration/disputes/1/resolve"} {
		w := do(t, s, http.MethodPost, path, common.Address{}, map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestProtocolPortsOnlyMountedForRemotePeers(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := do(t, s, http.MethodPost, "/v1/protocol/disputes", common.Address{}, map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	cfg := testConfig()
	cfg.AuthorityURL = "http://authority.invalid/v1"
	cfg.ProtocolSecret = "s3cret"
	remote := newTestServer(t, cfg)
	assert.Nil(t, remote.authority)
	assert.Equal(t, []string{"ledger"}, remote.roles())

	// The ruling port exists and rejects unsigned calls.
	w = do(t, remote, http.MethodPost, "/v1/protocol/rulings", common.Address{}, map[string]any{})
	assert.NotEqual(t, http.StatusNotFound, w.Code)
	assert.NotEqual(t, http.StatusOK, w.Code)
}

func TestAuthorityOnlyMode(t *testing.T) {
	cfg := testConfig()
	cfg.LedgerURL = "http://ledger.invalid/v1"
	cfg.ProtocolSecret = "s3cret"
	s := newTestServer(t, cfg)

	assert.Nil(t, s.ledger)
	assert.Nil(t, s.sweeper)
	assert.Equal(t, []string{"authority"}, s.roles())

	w := do(t, s, http.MethodGet, "/v1/escrow/config", common.Address{}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodGet, "/v1/arbitration/config", common.Address{}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDisputeFlowInProcess(t *testing.T) {
	s := newTestServer(t, testConfig())
	holder := agreementtest.NewParty(t)
	provider := agreementtest.NewParty(t)

	w := do(t, s, http.MethodPost, "/v1/vault/deposit", holder.Addr, map[string]string{"amount": "10", "reference": "seed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	terms := agreementtest.Terms(holder, provider, units.MustParse("2"), 1, time.Now().Unix())
	w = do(t, s, http.MethodPost, "/v1/escrow", holder.Addr, escrow.CreateRequest{
		Agreement:   terms,
		HolderSig:   agreementtest.Sign(t, agreementtest.Domain, terms, holder),
		ProviderSig: agreementtest.Sign(t, agreementtest.Domain, terms, provider),
		Deposit:     terms.Amount,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decodeEscrow(t, w)
	path := fmt.Sprintf("/v1/escrow/%d", rec.ID)

	w = do(t, s, http.MethodPost, path+"/proof", provider.Addr, map[string]string{"proofRef": "ipfs://proof"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, path+"/dispute", holder.Addr, map[string]string{
		"fee":      units.Format(rec.Fees.DisputeFee),
		"evidence": "wrong deliverable",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec = decodeEscrow(t, w)
	assert.Equal(t, escrow.StateHolderDisputed, rec.State)
	require.NotZero(t, rec.DisputeID)

	w = do(t, s, http.MethodPut, "/v1/arbitration/agents/"+agent.Hex(), governor, map[string]string{"name": "panel"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, fmt.Sprintf("/v1/arbitration/disputes/%d/resolve", rec.DisputeID), agent, map[string]any{
		"ruling":     1,
		"resolution": "deliverable did not match",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, path, common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec = decodeEscrow(t, w)
	assert.Equal(t, escrow.StateClosed, rec.State)
	assert.Equal(t, escrow.OutcomeRulingRefund, rec.Outcome)

	w = do(t, s, http.MethodGet, "/v1/reputation/"+holder.Addr.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"disputesWon":1`)
}
