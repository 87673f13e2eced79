//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/protocol"
	"github.com/mbd888/escrowd/internal/testutil"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/vault"
)

func newPostgresFixture(t *testing.T) *fixture {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return newFixtureOn(t, defaultConfig(), NewPostgresStore(db), vault.NewPostgresStore(db))
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()

	rec := f.proofSent(t, "1")
	rec, err := f.ledger.Complete(ctx, rec.ID, f.holder.Addr)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, OutcomeCompleted, got.Outcome)
	assert.True(t, got.Agreement.Equal(rec.Agreement))
	require.NotNil(t, got.Settlement)
	assert.Equal(t, "0.975", units.Format(got.Settlement.Net))
	assert.Equal(t, "0.025", units.Format(got.Fees.SettlementFee))
	assert.Len(t, got.History, 4)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, "100.975", f.balance(t, f.provider.Addr))
}

func TestPostgresStore_NonceConsumedAtomically(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()

	a := f.terms("1")
	_, err := f.ledger.Create(ctx, f.holder.Addr, f.request(t, a))
	require.NoError(t, err)

	used, err := f.store.NonceUsed(ctx, f.provider.Addr, a.Nonce)
	require.NoError(t, err)
	assert.True(t, used)

	// Bypass the validator: the insert itself must reject the reuse.
	dup := &Record{
		ID:          999,
		Agreement:   a,
		State:       StateFunded,
		TimeoutMode: TimeoutDual,
		Custody:     vault.CustodyAddress(999),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	err = f.store.Insert(ctx, dup)
	assert.ErrorIs(t, err, ErrNonceConsumed)
	_, err = f.store.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStore_ListQueries(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()

	first := f.create(t, "1")
	second := f.proofSent(t, "1")
	disputed, err := f.ledger.CreateDispute(ctx, second.ID, f.holder.Addr, units.MustParse("0.05"), "")
	require.NoError(t, err)
	assert.NotZero(t, disputed.DisputeID)

	recs, err := f.ledger.ListByParty(ctx, f.holder.Addr, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second.ID, recs[0].ID)

	f.clock.Advance(3 * time.Hour)
	expired, err := f.ledger.ListExpired(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1, "disputed records have no timeout")
	assert.Equal(t, first.ID, expired[0].ID)

	require.NoError(t, f.ledger.ApplyRuling(ctx, protocol.RulingNotice{
		Authority: authority,
		DisputeID: disputed.DisputeID,
		EscrowID:  disputed.ID,
		Ruling:    protocol.RulingHolderWins,
	}))
	got, err := f.store.Get(ctx, disputed.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRulingRefund, got.Outcome)
}
