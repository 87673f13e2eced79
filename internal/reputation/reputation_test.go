package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/units"
)

var wallet = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func TestBandFor(t *testing.T) {
	tests := []struct {
		score float64
		band  Band
	}{
		{0, BandNew}, {19.9, BandNew}, {20, BandEmerging}, {45, BandEstablished},
		{60, BandTrusted}, {80, BandElite}, {100, BandElite},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.band, BandFor(tt.score), "score %v", tt.score)
	}
}

func TestCalculate_NewWalletIsNeutral(t *testing.T) {
	now := time.Now()
	s := NewCalculator().Calculate(Score{Wallet: wallet, FirstSeen: now}, now)
	// Only the neutral success component contributes.
	assert.InDelta(t, 15.0, s.Score, 0.01)
	assert.Equal(t, BandNew, s.Band)
}

func TestCalculate_HistoryRaisesScore(t *testing.T) {
	now := time.Now()
	calc := NewCalculator()
	fresh := calc.Calculate(Score{Wallet: wallet, FirstSeen: now}, now)
	seasoned := calc.Calculate(Score{
		Wallet:           wallet,
		CompletedEscrows: 200,
		TotalVolume:      new(big.Int).Mul(big.NewInt(50_000), units.One),
		FirstSeen:        now.Add(-365 * 24 * time.Hour),
	}, now)

	assert.Greater(t, seasoned.Score, fresh.Score)
	assert.Equal(t, BandElite, seasoned.Band)
}

func TestCalculate_LostDisputesPenalised(t *testing.T) {
	now := time.Now()
	calc := NewCalculator()
	clean := calc.Calculate(Score{CompletedEscrows: 10, DisputedEscrows: 0}, now)
	lossy := calc.Calculate(Score{CompletedEscrows: 10, DisputedEscrows: 5, DisputesLost: 5}, now)
	assert.Less(t, lossy.Score, clean.Score)
}

func TestTracker_AccumulatesEvents(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	_, err := tr.ScoreOf(ctx, wallet)
	assert.ErrorIs(t, err, ErrUnknownWallet)

	amount := units.MustParse("2.5").String()
	require.NoError(t, tr.Notify(ctx, EventEscrowCompleted, wallet, map[string]string{"amount": amount}))
	require.NoError(t, tr.Notify(ctx, EventEscrowCompleted, wallet, map[string]string{"amount": amount}))
	require.NoError(t, tr.Notify(ctx, EventDisputeOpened, wallet, nil))
	require.NoError(t, tr.Notify(ctx, EventDisputeWon, wallet, nil))

	s, err := tr.ScoreOf(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 2, s.CompletedEscrows)
	assert.Equal(t, 1, s.DisputedEscrows)
	assert.Equal(t, 1, s.DisputesWon)
	assert.Equal(t, "5", units.Format(s.TotalVolume))
	assert.False(t, s.FirstSeen.IsZero())
}

type failingSink struct{ panics bool }

func (f failingSink) Notify(context.Context, string, common.Address, map[string]string) error {
	if f.panics {
		panic("sink exploded")
	}
	return errors.New("sink unavailable")
}

func TestNotifier_SwallowsFailures(t *testing.T) {
	tr := NewTracker()
	n := NewNotifier(slog.Default(), failingSink{}, failingSink{panics: true}, nil, tr)

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), EventEscrowCreated, wallet, nil)
	})
	// Later sinks still receive the event.
	_, err := tr.ScoreOf(context.Background(), wallet)
	assert.NoError(t, err)

	var nilNotifier *Notifier
	assert.NotPanics(t, func() { nilNotifier.Notify(context.Background(), EventEscrowCreated, wallet, nil) })
}

func TestGetReputation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tr := NewTracker()
	require.NoError(t, tr.Notify(context.Background(), EventEscrowCompleted, wallet, map[string]string{"amount": "1"}))

	r := gin.New()
	NewHandler(tr).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/reputation/"+wallet.Hex(), nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Reputation Score `json:"reputation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, wallet, resp.Reputation.Wallet)
	assert.Equal(t, 1, resp.Reputation.CompletedEscrows)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/reputation/0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/reputation/nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
