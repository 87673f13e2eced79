package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/agreement"
)

func TestTimeoutPolicy(t *testing.T) {
	a := agreement.Agreement{FundedTimeout: 100, ProofTimeout: 200}

	tests := []struct {
		mode  TimeoutMode
		state State
		want  int64
		ok    bool
	}{
		{TimeoutDual, StateFunded, 100, true},
		{TimeoutDual, StateProofSent, 200, true},
		{TimeoutDual, StateHolderDisputed, 0, false},
		{TimeoutSingle, StateFunded, 200, true},
		{TimeoutSingle, StateProofSent, 200, true},
		{TimeoutSingle, StateClosed, 0, false},
	}
	for _, tt := range tests {
		got, ok := PolicyFor(tt.mode).Deadline(a, tt.state)
		assert.Equal(t, tt.ok, ok, "%s/%s", tt.mode, tt.state)
		assert.Equal(t, tt.want, got, "%s/%s", tt.mode, tt.state)
	}
	assert.Equal(t, TimeoutDual, PolicyFor("").Mode())
}

func TestResolveTimeout_FundedRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "1")

	_, err := f.ledger.ResolveTimeout(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrTimeoutNotReached)

	f.clock.Advance(time.Hour)
	_, err = f.ledger.ResolveTimeout(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrTimeoutNotReached, "deadline itself is not past")

	f.clock.Advance(time.Second)
	rec, err = f.ledger.ResolveTimeout(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.Equal(t, OutcomeTimeoutRefund, rec.Outcome)
	assert.Equal(t, "100", f.balance(t, f.holder.Addr))

	_, err = f.ledger.ResolveTimeout(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestResolveTimeout_ProofSentPaysProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.proofSent(t, "1")

	// Past the funded deadline but not the proof deadline.
	f.clock.Advance(90 * time.Minute)
	_, err := f.ledger.ResolveTimeout(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrTimeoutNotReached)

	f.clock.Advance(time.Hour)
	rec, err = f.ledger.ResolveTimeout(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeoutPayout, rec.Outcome)
	assert.Equal(t, "100.975", f.balance(t, f.provider.Addr))
	assert.Equal(t, "0.025", f.balance(t, feeSink))
}

func TestResolveTimeout_SingleMode(t *testing.T) {
	cfg := defaultConfig()
	cfg.TimeoutMode = TimeoutSingle
	f := newFixtureWith(t, cfg)
	ctx := context.Background()

	a := f.terms("1")
	_, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, a))
	assert.ErrorIs(t, err, agreement.ErrInvalidTimeout, "single mode leaves fundedTimeout unset")

	a = f.terms("1")
	a.FundedTimeout = 0
	rec, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, a))
	require.NoError(t, err)
	assert.Equal(t, TimeoutSingle, rec.TimeoutMode)

	// ProofTimeout governs FUNDED as well.
	f.clock.Advance(90 * time.Minute)
	_, err = f.ledger.ResolveTimeout(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrTimeoutNotReached)

	f.clock.Advance(time.Hour)
	rec, err = f.ledger.ResolveTimeout(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeoutRefund, rec.Outcome)
}

func TestResolveTimeout_ModeIsFixedAtCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "1")

	cfg := f.ledger.Config().Current().Value
	cfg.TimeoutMode = TimeoutSingle
	_, err := f.ledger.Config().Replace(ctx, governor.Hex(), 0, cfg)
	require.NoError(t, err)

	f.clock.Advance(61 * time.Minute)
	rec, err = f.ledger.ResolveTimeout(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeoutRefund, rec.Outcome)
}

func TestSweeper_ResolvesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	funded := f.create(t, "1")
	sent := f.proofSent(t, "2")
	f.create(t, "1")

	s := NewSweeper(f.ledger, time.Minute, nil)
	assert.Equal(t, 0, s.Sweep(ctx))

	f.clock.Advance(3 * time.Hour)
	assert.Equal(t, 3, s.Sweep(ctx))
	assert.Equal(t, 0, s.Sweep(ctx))

	got, err := f.ledger.Get(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeoutRefund, got.Outcome)
	got, err = f.ledger.Get(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeoutPayout, got.Outcome)
	assert.Equal(t, "101.95", f.balance(t, f.provider.Addr))
	assert.Equal(t, "98", f.balance(t, f.holder.Addr))
}

func TestSweeper_FailingRecordsDoNotBlockLaterOnes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A full page of cross-network payouts that cannot be dispatched,
	// plus one more so the failures spill past the first page.
	for i := 0; i < sweepBatch+1; i++ {
		a := f.terms("0.5")
		a.DstNetworkID = 10
		a.DstRecipient = f.provider.Addr
		rec, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, a))
		require.NoError(t, err)
		_, err = f.ledger.SubmitProof(ctx, rec.ID, f.provider.Addr, "proof")
		require.NoError(t, err)
	}
	local := f.create(t, "1")

	f.bridge.FailSends(errors.New("relayer down"))
	f.clock.Advance(3 * time.Hour)

	s := NewSweeper(f.ledger, time.Minute, nil)
	assert.Equal(t, 0, s.Sweep(ctx), "first page fails entirely")
	assert.Equal(t, 1, s.Sweep(ctx), "second page reaches the local refund")

	got, err := f.ledger.Get(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, OutcomeTimeoutRefund, got.Outcome)

	// The cursor wrapped; once the bridge recovers every record drains.
	f.bridge.FailSends(nil)
	total := 0
	for i := 0; i < 3; i++ {
		total += s.Sweep(ctx)
	}
	assert.Equal(t, sweepBatch+1, total)
	expired, err := f.ledger.ListExpired(ctx, 0, sweepBatch)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	s := NewSweeper(f.ledger, 10*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, s.Running())
}
