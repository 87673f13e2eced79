package fees

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/units"
)

// BandMultiplierBps scales the flat fee per reputation band.
var BandMultiplierBps = map[reputation.Band]uint64{
	reputation.BandNew:         12_500,
	reputation.BandEmerging:    11_000,
	reputation.BandEstablished: 10_000,
	reputation.BandTrusted:     8_500,
	reputation.BandElite:       7_000,
}

const (
	staleAfter        = 90 * 24 * time.Hour
	stalePenaltyBps   = 1_000 // +10% when the weaker party has been idle
	activeThreshold   = 100
	activeDiscountBps = 500 // -5% for high-volume participants
)

// ReputationPolicy weights the flat formula by the weaker of the two
// parties' reputation. When the oracle cannot answer it charges the flat
// fee unchanged.
type ReputationPolicy struct {
	oracle reputation.Oracle
	flat   FlatPolicy
	now    func() time.Time
	logger *slog.Logger
}

// NewReputationPolicy creates a policy reading from oracle.
func NewReputationPolicy(oracle reputation.Oracle, logger *slog.Logger) *ReputationPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReputationPolicy{oracle: oracle, now: time.Now, logger: logger}
}

func (p *ReputationPolicy) Name() string { return "reputation" }

func (p *ReputationPolicy) SettlementFee(ctx context.Context, params Params, in Input) (*big.Int, error) {
	flat, err := p.flat.SettlementFee(ctx, params, in)
	if err != nil {
		return nil, err
	}
	scaled, err := p.scale(ctx, flat, in)
	if err != nil {
		return nil, err
	}
	return units.Clamp(scaled, params.MinFee, params.MaxFee), nil
}

func (p *ReputationPolicy) DisputeFee(ctx context.Context, params Params, in Input) (*big.Int, error) {
	flat, err := p.flat.DisputeFee(ctx, params, in)
	if err != nil {
		return nil, err
	}
	scaled, err := p.scale(ctx, flat, in)
	if err != nil {
		return nil, err
	}
	return units.Max(scaled, params.DisputeFloorFee), nil
}

// MultiplierBps returns the combined multiplier for in, or 10000 when the
// oracle is unavailable for either party.
func (p *ReputationPolicy) MultiplierBps(ctx context.Context, in Input) uint64 {
	holder, err := p.oracle.ScoreOf(ctx, in.Holder)
	if err != nil {
		p.logger.Debug("reputation lookup failed, using flat fee", "wallet", in.Holder.Hex(), "error", err)
		return units.BpsDenominator
	}
	provider, err := p.oracle.ScoreOf(ctx, in.Provider)
	if err != nil {
		p.logger.Debug("reputation lookup failed, using flat fee", "wallet", in.Provider.Hex(), "error", err)
		return units.BpsDenominator
	}

	weaker := holder
	if provider.Score < holder.Score {
		weaker = provider
	}

	mult, ok := BandMultiplierBps[weaker.Band]
	if !ok {
		mult = units.BpsDenominator
	}
	if !weaker.LastActivity.IsZero() && p.now().Sub(weaker.LastActivity) > staleAfter {
		mult = mult * (units.BpsDenominator + stalePenaltyBps) / units.BpsDenominator
	}
	if weaker.CompletedEscrows >= activeThreshold {
		mult = mult * (units.BpsDenominator - activeDiscountBps) / units.BpsDenominator
	}
	return mult
}

func (p *ReputationPolicy) scale(ctx context.Context, fee *big.Int, in Input) (*big.Int, error) {
	return units.MulBps(fee, p.MultiplierBps(ctx, in))
}
