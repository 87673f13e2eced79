package fees

import (
	"context"
	"fmt"
	"math/big"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/units"
)

// Snapshot is the fee pair fixed on a record at creation.
type Snapshot struct {
	SettlementFee *big.Int `json:"settlementFee"`
	DisputeFee    *big.Int `json:"disputeFee"`
	Policy        string   `json:"policy"`
	ConfigVersion uint64   `json:"configVersion"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	cp := s
	if s.SettlementFee != nil {
		cp.SettlementFee = new(big.Int).Set(s.SettlementFee)
	}
	if s.DisputeFee != nil {
		cp.DisputeFee = new(big.Int).Set(s.DisputeFee)
	}
	return cp
}

// CostEstimate is the pre-creation view of an agreement's economics.
type CostEstimate struct {
	Amount             *big.Int `json:"amount"`
	SettlementFee      *big.Int `json:"settlementFee"`
	DisputeFee         *big.Int `json:"disputeFee"`
	CrossNetwork       bool     `json:"crossNetwork"`
	BridgeNativeFee    *big.Int `json:"bridgeNativeFee"`
	BridgeAuxFee       *big.Int `json:"bridgeAuxFee"`
	TotalDeductions    *big.Int `json:"totalDeductions"`
	NetRecipientAmount *big.Int `json:"netRecipientAmount"`
	Policy             string   `json:"policy"`
}

// Estimator prices cross-network delivery.
type Estimator interface {
	Estimate(ctx context.Context, dst uint32, amount *big.Int, params []byte) (native, aux *big.Int, err error)
	LocalNetwork() uint64
}

// Engine applies the active policy.
type Engine struct {
	policy    Policy
	estimator Estimator
}

// NewEngine creates an engine. A nil policy means FlatPolicy.
func NewEngine(policy Policy, estimator Estimator) *Engine {
	if policy == nil {
		policy = FlatPolicy{}
	}
	return &Engine{policy: policy, estimator: estimator}
}

// PolicyName returns the active policy's name.
func (e *Engine) PolicyName() string { return e.policy.Name() }

func inputFor(a agreement.Agreement) Input {
	return Input{Amount: a.Amount, Holder: a.Holder, Provider: a.Provider}
}

// Snapshot computes both fees for a at configuration version. The
// settlement fee may never exceed the amount.
func (e *Engine) Snapshot(ctx context.Context, a agreement.Agreement, p Params, version uint64) (Snapshot, error) {
	in := inputFor(a)
	settle, err := e.policy.SettlementFee(ctx, p, in)
	if err != nil {
		return Snapshot{}, fmt.Errorf("settlement fee: %w", err)
	}
	if settle.Cmp(a.Amount) > 0 {
		return Snapshot{}, ErrFeeExceedsAmount.Withf("settlement fee %s exceeds amount %s", settle, a.Amount)
	}
	dispute, err := e.policy.DisputeFee(ctx, p, in)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dispute fee: %w", err)
	}
	return Snapshot{SettlementFee: settle, DisputeFee: dispute, Policy: e.policy.Name(), ConfigVersion: version}, nil
}

// EstimateCosts is a pure query over the same formulas plus the bridging
// fee when a is cross-network. It does not require signatures.
func (e *Engine) EstimateCosts(ctx context.Context, a agreement.Agreement, p Params) (CostEstimate, error) {
	if a.Amount == nil || a.Amount.Sign() <= 0 {
		return CostEstimate{}, agreement.ErrInvalidAmount
	}
	in := inputFor(a)
	settle, err := e.policy.SettlementFee(ctx, p, in)
	if err != nil {
		return CostEstimate{}, err
	}
	dispute, err := e.policy.DisputeFee(ctx, p, in)
	if err != nil {
		return CostEstimate{}, err
	}

	est := CostEstimate{
		Amount:          new(big.Int).Set(a.Amount),
		SettlementFee:   settle,
		DisputeFee:      dispute,
		BridgeNativeFee: new(big.Int),
		BridgeAuxFee:    new(big.Int),
		Policy:          e.policy.Name(),
	}
	if e.estimator != nil && bridge.IsCrossNetwork(a.DstNetworkID, e.estimator.LocalNetwork()) {
		est.CrossNetwork = true
		native, aux, err := e.estimator.Estimate(ctx, a.DstNetworkID, a.Amount, a.AdapterParams)
		if err != nil {
			return CostEstimate{}, err
		}
		est.BridgeNativeFee, est.BridgeAuxFee = native, aux
	}

	total, err := units.Sum(settle, est.BridgeNativeFee, est.BridgeAuxFee)
	if err != nil {
		return CostEstimate{}, err
	}
	if total.Cmp(a.Amount) > 0 {
		return CostEstimate{}, ErrFeeExceedsAmount.Withf("deductions %s exceed amount %s", total, a.Amount)
	}
	net, err := units.Sub(a.Amount, total)
	if err != nil {
		return CostEstimate{}, err
	}
	est.TotalDeductions, est.NetRecipientAmount = total, net
	return est, nil
}
