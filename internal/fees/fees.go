// Package fees computes settlement and dispute fees and fixes them on a
// record at creation.
//
// The formula is pluggable. FlatPolicy charges a clamped percentage of the
// amount; ReputationPolicy scales the same result by the parties' standing.
// Whichever policy is active, its output is captured once in a Snapshot
// and later configuration or reputation changes never touch it.
package fees

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/units"
)

var (
	ErrFeeExceedsAmount = faults.New(faults.KindEconomic, "fee_exceeds_amount", "deductions exceed the escrowed amount")
	ErrInvalidParams    = faults.New(faults.KindConfig, "invalid_fee_params", "invalid fee parameters")
)

// Params are the fee bounds carried in the escrow configuration.
type Params struct {
	BaseFeeBps      uint64   `json:"baseFeeBps"`
	DisputeFeeBps   uint64   `json:"disputeFeeBps"`
	MinFee          *big.Int `json:"minFee"`
	MaxFee          *big.Int `json:"maxFee"`
	DisputeFloorFee *big.Int `json:"disputeFloorFee"`
}

// Validate checks the bounds.
func (p Params) Validate() error {
	if p.BaseFeeBps > units.BpsDenominator || p.DisputeFeeBps > units.BpsDenominator {
		return ErrInvalidParams.Withf("fee bps must not exceed %d", units.BpsDenominator)
	}
	if p.MinFee == nil || p.MaxFee == nil || p.DisputeFloorFee == nil {
		return ErrInvalidParams.Withf("minFee, maxFee and disputeFloorFee are required")
	}
	if p.MinFee.Sign() < 0 || p.DisputeFloorFee.Sign() < 0 {
		return ErrInvalidParams.Withf("fees must not be negative")
	}
	if p.MinFee.Cmp(p.MaxFee) > 0 {
		return ErrInvalidParams.Withf("minFee %s exceeds maxFee %s", p.MinFee, p.MaxFee)
	}
	return nil
}

// Input describes the escrow a fee is being computed for.
type Input struct {
	Amount   *big.Int
	Holder   common.Address
	Provider common.Address
}

// Policy computes fees for one escrow.
type Policy interface {
	Name() string
	SettlementFee(ctx context.Context, p Params, in Input) (*big.Int, error)
	DisputeFee(ctx context.Context, p Params, in Input) (*big.Int, error)
}

// FlatPolicy implements the percentage formulas:
//
//	settlement = clamp(amount * baseFeeBps / 10000, minFee, maxFee)
//	dispute    = max(amount * disputeFeeBps / 10000, floorFee)
type FlatPolicy struct{}

func (FlatPolicy) Name() string { return "flat" }

func (FlatPolicy) SettlementFee(_ context.Context, p Params, in Input) (*big.Int, error) {
	raw, err := units.MulBps(in.Amount, p.BaseFeeBps)
	if err != nil {
		return nil, err
	}
	return units.Clamp(raw, p.MinFee, p.MaxFee), nil
}

func (FlatPolicy) DisputeFee(_ context.Context, p Params, in Input) (*big.Int, error) {
	raw, err := units.MulBps(in.Amount, p.DisputeFeeBps)
	if err != nil {
		return nil, err
	}
	return units.Max(raw, p.DisputeFloorFee), nil
}
