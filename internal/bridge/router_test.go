package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/vault"
)

const localNet = 31337

var (
	custody     = vault.CustodyAddress(1)
	feeSink     = common.HexToAddress("0xfee0000000000000000000000000000000000001")
	provider    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	bridgeVault = common.HexToAddress("0xb41d6e0000000000000000000000000000000001")
)

func setup(t *testing.T) (*Router, *vault.Vault, *MemoryBridge) {
	t.Helper()
	v := vault.New(vault.NewMemoryStore())
	require.NoError(t, v.Deposit(context.Background(), custody, units.One, ""))
	mb := NewMemoryBridge(FeeSchedule{BaseFee: units.MustParse("0.01"), FeeBps: 10, AuxFee: units.MustParse("0.005")})
	return NewRouter(v, mb, localNet, bridgeVault, nil), v, mb
}

func balance(t *testing.T, v *vault.Vault, a common.Address) string {
	t.Helper()
	b, err := v.Balance(context.Background(), a)
	require.NoError(t, err)
	return units.Format(b.Available)
}

func payout(dst uint32) Payout {
	return Payout{
		Reference:     "escrow-1",
		Custody:       custody,
		Deposit:       units.One,
		SettlementFee: units.MustParse("0.025"),
		FeeRecipient:  feeSink,
		Recipient:     provider,
		DstNetworkID:  dst,
	}
}

func TestIsCrossNetwork(t *testing.T) {
	assert.False(t, IsCrossNetwork(0, localNet))
	assert.False(t, IsCrossNetwork(localNet, localNet))
	assert.True(t, IsCrossNetwork(10, localNet))
}

func TestRouter_LocalPayout(t *testing.T) {
	r, v, mb := setup(t)
	ctx := context.Background()

	plan, err := r.Plan(ctx, payout(0))
	require.NoError(t, err)
	assert.False(t, plan.Cross)
	assert.Equal(t, "0.975", units.Format(plan.Net))

	receipt, err := r.Execute(ctx, plan)
	require.NoError(t, err)
	assert.Nil(t, receipt)
	assert.Equal(t, "0.975", balance(t, v, provider))
	assert.Equal(t, "0.025", balance(t, v, feeSink))
	assert.Equal(t, "0", balance(t, v, custody))
	assert.Empty(t, mb.Sent())
}

func TestRouter_CrossNetworkPayout(t *testing.T) {
	r, v, mb := setup(t)
	ctx := context.Background()

	plan, err := r.Plan(ctx, payout(10))
	require.NoError(t, err)
	require.True(t, plan.Cross)
	// native = 0.01 + 1 * 10bps = 0.011, aux = 0.005
	assert.Equal(t, "0.011", units.Format(plan.BridgeNativeFee))
	assert.Equal(t, "0.041", units.Format(plan.TotalDeductions))
	assert.Equal(t, "0.959", units.Format(plan.Net))
	assert.True(t, plan.TotalDeductions.Cmp(units.One) <= 0)

	receipt, err := r.Execute(ctx, plan)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	sent := mb.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "0.959", units.Format(sent[0].Amount))
	assert.Equal(t, provider, sent[0].Recipient)
	assert.Equal(t, "0.975", balance(t, v, bridgeVault))
	assert.Equal(t, "0", balance(t, v, provider))
}

func TestRouter_BridgeFailureAbortsEverything(t *testing.T) {
	r, v, mb := setup(t)
	ctx := context.Background()
	mb.FailSends(errors.New("relayer offline"))

	plan, err := r.Plan(ctx, payout(10))
	require.NoError(t, err)
	_, err = r.Execute(ctx, plan)
	assert.ErrorIs(t, err, ErrBridgeFailed)

	assert.Equal(t, "1", balance(t, v, custody))
	assert.Equal(t, "0", balance(t, v, feeSink))
	assert.Equal(t, "0", balance(t, v, bridgeVault))
	b, _ := v.Balance(ctx, custody)
	assert.Equal(t, 0, b.Pending.Sign())
}

func TestRouter_DeductionsExceedDeposit(t *testing.T) {
	r, _, mb := setup(t)
	mb.SetSchedule(10, FeeSchedule{BaseFee: units.MustParse("0.99")})

	_, err := r.Plan(context.Background(), payout(10))
	assert.ErrorIs(t, err, ErrDeductionsExceedDeposit)
}

func TestRouter_EstimateFailure(t *testing.T) {
	r, _, mb := setup(t)
	mb.FailEstimates(errors.New("no quote"))
	_, err := r.Plan(context.Background(), payout(10))
	assert.ErrorIs(t, err, ErrEstimateFailed)

	// Local payouts never consult the bridge.
	_, err = r.Plan(context.Background(), payout(0))
	assert.NoError(t, err)
}

func TestRouter_DeductionsNeverExceedDeposit(t *testing.T) {
	r, _, mb := setup(t)
	ctx := context.Background()
	mb.SetSchedule(10, FeeSchedule{BaseFee: units.MustParse("0.2"), FeeBps: 500, AuxFee: units.MustParse("0.1")})

	for _, fee := range []string{"0", "0.001", "0.5", "0.64"} {
		for _, dst := range []uint32{0, localNet, 10} {
			p := payout(dst)
			p.SettlementFee = units.MustParse(fee)
			plan, err := r.Plan(ctx, p)
			if err != nil {
				assert.ErrorIs(t, err, ErrDeductionsExceedDeposit)
				continue
			}
			sum := new(big.Int).Add(plan.TotalDeductions, plan.Net)
			assert.Equal(t, 0, sum.Cmp(p.Deposit), "fee %s dst %d", fee, dst)
			assert.True(t, plan.Net.Sign() >= 0)
		}
	}
}

func TestRouter_Refund(t *testing.T) {
	r, v, _ := setup(t)
	holder := common.HexToAddress("0x0000000000000000000000000000000000000a11")
	require.NoError(t, r.Refund(context.Background(), "refund-1", custody, holder, units.One))
	assert.Equal(t, "1", balance(t, v, holder))
	assert.Equal(t, "0", balance(t, v, custody))
}
