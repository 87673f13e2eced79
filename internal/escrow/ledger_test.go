package escrow

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/agreement/agreementtest"
	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/governance"
	"github.com/mbd888/escrowd/internal/protocol"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/vault"
)

const localNet = 31337

var (
	feeSink     = common.HexToAddress("0xfee0000000000000000000000000000000000001")
	authority   = common.HexToAddress("0x000000000000000000000000000000000a7b1001")
	bridgeVault = common.HexToAddress("0xb41d6e0000000000000000000000000000000001")
	governor    = common.HexToAddress("0x00000000000000000000000000000000000060f1")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubArbiter accepts every dispute, or runs hook instead when set.
type stubArbiter struct {
	mu     sync.Mutex
	next   uint64
	opened []protocol.OpenDisputeRequest
	hook   func(ctx context.Context, req protocol.OpenDisputeRequest) (protocol.OpenDisputeResponse, error)
}

func (s *stubArbiter) Open(ctx context.Context, req protocol.OpenDisputeRequest) (protocol.OpenDisputeResponse, error) {
	if s.hook != nil {
		return s.hook(ctx, req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.opened = append(s.opened, req)
	return protocol.OpenDisputeResponse{DisputeID: s.next, OpenedAt: time.Unix(1_700_000_000, 0)}, nil
}

type fixture struct {
	ledger   *Ledger
	store    Store
	vault    *vault.Vault
	bridge   *bridge.MemoryBridge
	arbiter  *stubArbiter
	tracker  *reputation.Tracker
	clock    *clock
	holder   agreementtest.Party
	provider agreementtest.Party
	nonce    int64
}

func defaultConfig() Config {
	return Config{
		Fees: fees.Params{
			BaseFeeBps:      250,
			DisputeFeeBps:   100,
			MinFee:          units.MustParse("0.001"),
			MaxFee:          units.MustParse("1"),
			DisputeFloorFee: units.MustParse("0.05"),
		},
		MinTimeout:   60,
		MaxTimeout:   30 * 24 * 3600,
		TimeoutMode:  TimeoutDual,
		FeeRecipient: feeSink,
		Authority:    authority,
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, defaultConfig())
}

func newFixtureWith(t *testing.T, cfg Config) *fixture {
	return newFixtureOn(t, cfg, NewMemoryStore(), vault.NewMemoryStore())
}

func newFixtureOn(t *testing.T, cfg Config, store Store, vs vault.Store) *fixture {
	t.Helper()
	v := vault.New(vs)
	mb := bridge.NewMemoryBridge(bridge.FeeSchedule{
		BaseFee: units.MustParse("0.01"),
		FeeBps:  10,
		AuxFee:  units.MustParse("0.005"),
	})
	router := bridge.NewRouter(v, mb, localNet, bridgeVault, nil)
	gov, err := governance.NewVersioned(governor.Hex(), cfg)
	require.NoError(t, err)

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	arb := &stubArbiter{}
	tracker := reputation.NewTracker()
	l := NewLedger(store, v, router, fees.NewEngine(nil, router), agreement.NewValidator(agreementtest.Domain, store), gov).
		WithArbiter(arb).
		WithNotifier(reputation.NewNotifier(nil, tracker)).
		WithClock(clk.Now)

	f := &fixture{
		ledger:   l,
		store:    store,
		vault:    v,
		bridge:   mb,
		arbiter:  arb,
		tracker:  tracker,
		clock:    clk,
		holder:   agreementtest.NewParty(t),
		provider: agreementtest.NewParty(t),
	}
	ctx := context.Background()
	require.NoError(t, v.Deposit(ctx, f.holder.Addr, units.MustParse("100"), "seed-"+f.holder.Addr.Hex()))
	require.NoError(t, v.Deposit(ctx, f.provider.Addr, units.MustParse("100"), "seed-"+f.provider.Addr.Hex()))
	return f
}

func (f *fixture) terms(amount string) agreement.Agreement {
	f.nonce++
	return agreementtest.Terms(f.holder, f.provider, units.MustParse(amount), f.nonce, f.clock.Now().Unix())
}

func (f *fixture) request(t *testing.T, a agreement.Agreement) CreateRequest {
	t.Helper()
	return CreateRequest{
		Agreement:   a,
		HolderSig:   agreementtest.Sign(t, agreementtest.Domain, a, f.holder),
		ProviderSig: agreementtest.Sign(t, agreementtest.Domain, a, f.provider),
		Deposit:     new(big.Int).Set(a.Amount),
	}
}

func (f *fixture) create(t *testing.T, amount string) *Record {
	t.Helper()
	rec, err := f.ledger.Create(context.Background(), f.holder.Addr, f.request(t, f.terms(amount)))
	require.NoError(t, err)
	return rec
}

func (f *fixture) proofSent(t *testing.T, amount string) *Record {
	t.Helper()
	rec := f.create(t, amount)
	rec, err := f.ledger.SubmitProof(context.Background(), rec.ID, f.provider.Addr, "ipfs://proof")
	require.NoError(t, err)
	return rec
}

func (f *fixture) balance(t *testing.T, addr common.Address) string {
	t.Helper()
	b, err := f.vault.Balance(context.Background(), addr)
	require.NoError(t, err)
	return units.Format(b.Available)
}

func (f *fixture) pause(t *testing.T, paused bool) {
	t.Helper()
	cfg := f.ledger.Config().Current().Value
	cfg.Paused = paused
	_, err := f.ledger.Config().Replace(context.Background(), governor.Hex(), 0, cfg)
	require.NoError(t, err)
}

func TestLedger_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, "1")
	assert.Equal(t, StateFunded, rec.State)
	assert.Equal(t, "0.025", units.Format(rec.Fees.SettlementFee))
	assert.Equal(t, "0.05", units.Format(rec.Fees.DisputeFee))
	assert.Equal(t, uint64(1), rec.Fees.ConfigVersion)
	assert.Equal(t, "99", f.balance(t, f.holder.Addr))
	assert.Equal(t, "1", f.balance(t, rec.Custody))

	rec, err := f.ledger.SubmitProof(ctx, rec.ID, f.provider.Addr, "ipfs://proof")
	require.NoError(t, err)
	assert.Equal(t, StateProofSent, rec.State)

	rec, err = f.ledger.Complete(ctx, rec.ID, f.holder.Addr)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, OutcomeCompleted, rec.Outcome)
	require.NotNil(t, rec.Settlement)
	assert.Equal(t, "local", rec.Settlement.Route)
	assert.Equal(t, "0.975", units.Format(rec.Settlement.Net))
	assert.NotNil(t, rec.ClosedAt)

	assert.Equal(t, "100.975", f.balance(t, f.provider.Addr))
	assert.Equal(t, "0.025", f.balance(t, feeSink))
	assert.Equal(t, "0", f.balance(t, rec.Custody))

	states := make([]State, 0, len(rec.History))
	for _, tr := range rec.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateFunded, StateProofSent, StateComplete, StateClosed}, states)

	score, err := f.tracker.ScoreOf(ctx, f.provider.Addr)
	require.NoError(t, err)
	assert.Equal(t, 1, score.CompletedEscrows)
}

func TestLedger_CreateRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("caller must be holder", func(t *testing.T) {
		_, err := f.ledger.Create(ctx, f.provider.Addr, f.request(t, f.terms("1")))
		assert.ErrorIs(t, err, ErrOnlyHolder)
	})

	t.Run("deposit must equal amount", func(t *testing.T) {
		req := f.request(t, f.terms("1"))
		req.Deposit = units.MustParse("0.5")
		_, err := f.ledger.Create(ctx, f.holder.Addr, req)
		assert.ErrorIs(t, err, ErrDepositMismatch)
	})

	t.Run("tampered terms", func(t *testing.T) {
		req := f.request(t, f.terms("1"))
		req.Agreement.Amount = units.MustParse("2")
		req.Deposit = units.MustParse("2")
		_, err := f.ledger.Create(ctx, f.holder.Addr, req)
		assert.ErrorIs(t, err, agreement.ErrInvalidSignature)
	})

	t.Run("expired deadline", func(t *testing.T) {
		a := f.terms("1")
		a.Deadline = f.clock.Now().Unix() - 1
		_, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, a))
		assert.ErrorIs(t, err, agreement.ErrExpiredDeadline)
	})

	t.Run("insufficient holder balance", func(t *testing.T) {
		_, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, f.terms("1000")))
		assert.Error(t, err)
	})

	assert.Equal(t, "100", f.balance(t, f.holder.Addr))
}

func TestLedger_NonceReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.terms("1")
	_, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, a))
	require.NoError(t, err)

	// Same nonce, different amount: holder and provider both consumed it.
	b := a.Clone()
	b.Amount = units.MustParse("2")
	_, err = f.ledger.Create(ctx, f.holder.Addr, f.request(t, b))
	assert.ErrorIs(t, err, agreement.ErrInvalidNonce)

	// A new provider does not free the holder's nonce.
	other := agreementtest.NewParty(t)
	c := agreementtest.Terms(f.holder, other, units.One, a.Nonce.Int64(), f.clock.Now().Unix())
	req := CreateRequest{
		Agreement:   c,
		HolderSig:   agreementtest.Sign(t, agreementtest.Domain, c, f.holder),
		ProviderSig: agreementtest.Sign(t, agreementtest.Domain, c, other),
		Deposit:     units.One,
	}
	_, err = f.ledger.Create(ctx, f.holder.Addr, req)
	assert.ErrorIs(t, err, agreement.ErrInvalidNonce)
}

func TestLedger_ConcurrentCreateSameNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Same nonce, different amounts, so every request is a distinct
	// signed agreement competing for the nonce.
	base := f.terms("1")
	const racers = 8
	reqs := make([]CreateRequest, racers)
	for i := range reqs {
		a := base.Clone()
		a.Amount = units.MustParse(strconv.Itoa(i + 1))
		reqs[i] = f.request(t, a)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Record
		losers  []error
	)
	start := make(chan struct{})
	for _, req := range reqs {
		wg.Add(1)
		go func(req CreateRequest) {
			defer wg.Done()
			<-start
			rec, err := f.ledger.Create(ctx, f.holder.Addr, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				losers = append(losers, err)
				return
			}
			winners = append(winners, rec)
		}(req)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, losers, racers-1)
	for _, err := range losers {
		assert.ErrorIs(t, err, agreement.ErrInvalidNonce)
	}

	// Losing deposits were returned in full.
	want, err := units.Sub(units.MustParse("100"), winners[0].Agreement.Amount)
	require.NoError(t, err)
	assert.Equal(t, units.Format(want), f.balance(t, f.holder.Addr))
	assert.Equal(t, units.Format(winners[0].Agreement.Amount), f.balance(t, winners[0].Custody))
}

func TestLedger_RoleGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stranger := agreementtest.NewParty(t).Addr

	rec := f.create(t, "1")
	_, err := f.ledger.SubmitProof(ctx, rec.ID, f.holder.Addr, "proof")
	assert.ErrorIs(t, err, ErrOnlyProvider)
	_, err = f.ledger.Cancel(ctx, rec.ID, stranger)
	assert.ErrorIs(t, err, ErrOnlyParty)

	rec, err = f.ledger.SubmitProof(ctx, rec.ID, f.provider.Addr, "proof")
	require.NoError(t, err)
	_, err = f.ledger.Complete(ctx, rec.ID, f.provider.Addr)
	assert.ErrorIs(t, err, ErrOnlyHolder)
}

func TestLedger_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	funded := f.create(t, "1")
	_, err := f.ledger.Complete(ctx, funded.ID, f.holder.Addr)
	assert.ErrorIs(t, err, ErrInvalidState)

	sent := f.proofSent(t, "1")
	_, err = f.ledger.Cancel(ctx, sent.ID, f.holder.Addr)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.ledger.SubmitProof(ctx, sent.ID, f.provider.Addr, "again")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.ledger.Complete(ctx, sent.ID, f.holder.Addr)
	require.NoError(t, err)
	_, err = f.ledger.Complete(ctx, sent.ID, f.holder.Addr)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.ledger.Cancel(ctx, sent.ID, f.holder.Addr)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.ledger.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestLedger_EmptyProofRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "1")
	_, err := f.ledger.SubmitProof(context.Background(), rec.ID, f.provider.Addr, "")
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestLedger_CancelRefundsInFull(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "1")

	rec, err := f.ledger.Cancel(context.Background(), rec.ID, f.provider.Addr)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, OutcomeCancelled, rec.Outcome)
	assert.Equal(t, "100", f.balance(t, f.holder.Addr))
	assert.Equal(t, "0", f.balance(t, feeSink))
}

func TestLedger_MutualCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.proofSent(t, "1")

	auth := agreement.CancelAuthorization{EscrowID: rec.ID, IssuedAt: f.clock.Now().Unix(), Validity: 600}

	// The initiator's own signature is not a countersignature.
	own := agreementtest.SignCancel(t, agreementtest.Domain, auth, f.holder)
	_, err := f.ledger.MutualCancel(ctx, rec.ID, f.holder.Addr, auth, own)
	assert.ErrorIs(t, err, agreement.ErrInvalidSignature)

	wrongID := auth
	wrongID.EscrowID = rec.ID + 1
	sig := agreementtest.SignCancel(t, agreementtest.Domain, wrongID, f.provider)
	_, err = f.ledger.MutualCancel(ctx, rec.ID, f.holder.Addr, wrongID, sig)
	assert.ErrorIs(t, err, agreement.ErrInvalidSignature)

	counter := agreementtest.SignCancel(t, agreementtest.Domain, auth, f.provider)
	rec, err = f.ledger.MutualCancel(ctx, rec.ID, f.holder.Addr, auth, counter)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMutualCancelled, rec.Outcome)
	assert.Equal(t, "100", f.balance(t, f.holder.Addr))
}

func TestLedger_MutualCancelExpired(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "1")

	auth := agreement.CancelAuthorization{EscrowID: rec.ID, IssuedAt: f.clock.Now().Unix(), Validity: 60}
	sig := agreementtest.SignCancel(t, agreementtest.Domain, auth, f.holder)
	f.clock.Advance(2 * time.Minute)

	_, err := f.ledger.MutualCancel(context.Background(), rec.ID, f.provider.Addr, auth, sig)
	assert.ErrorIs(t, err, agreement.ErrCancelExpired)
}

func TestLedger_PausePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	funded := f.create(t, "1")
	sent := f.proofSent(t, "1")
	expiring := f.create(t, "1")

	f.pause(t, true)

	_, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, f.terms("1")))
	assert.ErrorIs(t, err, ErrPaused)
	_, err = f.ledger.SubmitProof(ctx, funded.ID, f.provider.Addr, "proof")
	assert.ErrorIs(t, err, ErrPaused)
	_, err = f.ledger.Complete(ctx, sent.ID, f.holder.Addr)
	assert.ErrorIs(t, err, ErrPaused)
	_, err = f.ledger.CreateDispute(ctx, sent.ID, f.holder.Addr, units.MustParse("0.05"), "")
	assert.ErrorIs(t, err, ErrPaused)

	// Exits stay open while paused.
	_, err = f.ledger.Cancel(ctx, funded.ID, f.holder.Addr)
	assert.NoError(t, err)
	auth := agreement.CancelAuthorization{EscrowID: sent.ID, IssuedAt: f.clock.Now().Unix(), Validity: 600}
	_, err = f.ledger.MutualCancel(ctx, sent.ID, f.provider.Addr, auth, agreementtest.SignCancel(t, agreementtest.Domain, auth, f.holder))
	assert.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = f.ledger.ResolveTimeout(ctx, expiring.ID)
	assert.NoError(t, err)

	f.pause(t, false)
	_, err = f.ledger.Create(ctx, f.holder.Addr, f.request(t, f.terms("1")))
	assert.NoError(t, err)
}

func TestLedger_FeeSnapshotSurvivesConfigChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.proofSent(t, "1")

	cfg := f.ledger.Config().Current().Value
	cfg.Fees.BaseFeeBps = 1000
	_, err := f.ledger.Config().Replace(ctx, governor.Hex(), 1, cfg)
	require.NoError(t, err)

	rec, err = f.ledger.Complete(ctx, rec.ID, f.holder.Addr)
	require.NoError(t, err)
	assert.Equal(t, "0.025", units.Format(rec.Settlement.SettlementFee))
	assert.Equal(t, "0.025", f.balance(t, feeSink))

	next := f.create(t, "1")
	assert.Equal(t, "0.1", units.Format(next.Fees.SettlementFee))
	assert.Equal(t, uint64(2), next.Fees.ConfigVersion)
}

func TestLedger_CrossNetworkPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dstRecipient := common.HexToAddress("0x00000000000000000000000000000000000d5700")

	a := f.terms("1")
	a.DstNetworkID = 10
	a.DstRecipient = dstRecipient
	rec, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, a))
	require.NoError(t, err)
	_, err = f.ledger.SubmitProof(ctx, rec.ID, f.provider.Addr, "proof")
	require.NoError(t, err)

	rec, err = f.ledger.Complete(ctx, rec.ID, f.holder.Addr)
	require.NoError(t, err)
	assert.Equal(t, "cross_network", rec.Settlement.Route)
	assert.Equal(t, "0.959", units.Format(rec.Settlement.Net))
	assert.Equal(t, "0.016", units.Format(rec.Settlement.BridgeFee))
	assert.NotEmpty(t, rec.Settlement.ReceiptID)

	sent := f.bridge.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, dstRecipient, sent[0].Recipient)
	assert.Equal(t, "0.975", f.balance(t, bridgeVault))
	assert.Equal(t, "0.025", f.balance(t, feeSink))
}

func TestLedger_BridgeFailureRestoresRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.terms("1")
	a.DstNetworkID = 10
	a.DstRecipient = f.provider.Addr
	rec, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, a))
	require.NoError(t, err)
	_, err = f.ledger.SubmitProof(ctx, rec.ID, f.provider.Addr, "proof")
	require.NoError(t, err)

	f.bridge.FailSends(errors.New("relayer unavailable"))
	_, err = f.ledger.Complete(ctx, rec.ID, f.holder.Addr)
	assert.ErrorIs(t, err, bridge.ErrBridgeFailed)

	got, err := f.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProofSent, got.State)
	assert.Nil(t, got.Settlement)
	assert.Equal(t, "1", f.balance(t, got.Custody))
	assert.Equal(t, "0", f.balance(t, feeSink))

	f.bridge.FailSends(nil)
	got, err = f.ledger.Complete(ctx, rec.ID, f.holder.Addr)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)
}

func TestLedger_ReentrantCallRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "1")

	var inner error
	f.arbiter.hook = func(ctx context.Context, req protocol.OpenDisputeRequest) (protocol.OpenDisputeResponse, error) {
		_, inner = f.ledger.Cancel(ctx, req.EscrowID, req.Holder)
		return protocol.OpenDisputeResponse{}, inner
	}

	_, err := f.ledger.CreateDispute(ctx, rec.ID, f.provider.Addr, units.MustParse("0.05"), "")
	assert.ErrorIs(t, inner, ErrReentrantCall)
	assert.ErrorIs(t, err, ErrReentrantCall)

	got, err := f.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFunded, got.State)
	assert.Equal(t, "100", f.balance(t, f.provider.Addr))
}

func TestLedger_ListByParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for range 3 {
		f.create(t, "1")
	}

	recs, err := f.ledger.ListByParty(ctx, f.provider.Addr, 0, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].ID)
	assert.Equal(t, uint64(2), recs[1].ID)

	recs, err = f.ledger.ListByParty(ctx, f.holder.Addr, 2, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].ID)

	recs, err = f.ledger.ListByParty(ctx, feeSink, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLedger_EstimateCosts(t *testing.T) {
	f := newFixture(t)
	a := f.terms("1")
	a.DstNetworkID = 10
	a.DstRecipient = f.provider.Addr

	est, err := f.ledger.EstimateCosts(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, est.CrossNetwork)
	assert.Equal(t, "0.041", units.Format(est.TotalDeductions))
	assert.Equal(t, "0.959", units.Format(est.NetRecipientAmount))
}

func TestLedger_EstimateCostsChecksTerms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.terms("1")
	a.Nonce = nil
	_, err := f.ledger.EstimateCosts(ctx, a)
	require.NoError(t, err, "unsigned terms may omit the nonce")

	same := f.terms("1")
	same.Provider = same.Holder
	_, err = f.ledger.EstimateCosts(ctx, same)
	assert.ErrorIs(t, err, agreement.ErrInvalidAddress)

	noHolder := f.terms("1")
	noHolder.Holder = common.Address{}
	_, err = f.ledger.EstimateCosts(ctx, noHolder)
	assert.ErrorIs(t, err, agreement.ErrInvalidAddress)

	stale := f.terms("1")
	f.clock.Advance(2 * time.Hour)
	_, err = f.ledger.EstimateCosts(ctx, stale)
	assert.ErrorIs(t, err, agreement.ErrInvalidTimeout)
}

func TestLedger_ObserverSeesEveryTransition(t *testing.T) {
	f := newFixture(t)
	var seen []State
	f.ledger.WithObserver(func(_ context.Context, _ *Record, tr Transition) {
		seen = append(seen, tr.To)
	})

	rec := f.proofSent(t, "1")
	_, err := f.ledger.Complete(context.Background(), rec.ID, f.holder.Addr)
	require.NoError(t, err)
	assert.Equal(t, []State{StateFunded, StateProofSent, StateComplete, StateClosed}, seen)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, defaultConfig().Validate())

	bad := defaultConfig()
	bad.MinTimeout = bad.MaxTimeout + 1
	assert.ErrorIs(t, bad.Validate(), governance.ErrInvalidConfig)

	bad = defaultConfig()
	bad.TimeoutMode = "triple"
	assert.ErrorIs(t, bad.Validate(), governance.ErrInvalidConfig)

	bad = defaultConfig()
	bad.FeeRecipient = common.Address{}
	assert.ErrorIs(t, bad.Validate(), governance.ErrInvalidConfig)

	bad = defaultConfig()
	bad.Fees.MinFee = nil
	assert.ErrorIs(t, bad.Validate(), fees.ErrInvalidParams)
}
