package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/vault"
)

// Route labels.
const (
	RouteLocal = "local"
	RouteCross = "cross_network"
)

// Payout describes the value to release from an escrow's custody.
type Payout struct {
	Reference     string
	Custody       common.Address
	Deposit       *big.Int
	SettlementFee *big.Int
	FeeRecipient  common.Address
	Recipient     common.Address
	DstNetworkID  uint32
	AdapterParams []byte
}

// Plan is a priced payout.
type Plan struct {
	Payout          Payout
	Cross           bool
	BridgeNativeFee *big.Int
	BridgeAuxFee    *big.Int
	TotalDeductions *big.Int
	Net             *big.Int
}

// Route returns the route label.
func (p Plan) Route() string {
	if p.Cross {
		return RouteCross
	}
	return RouteLocal
}

// Router prices and executes payouts.
type Router struct {
	vault       *vault.Vault
	bridge      Bridge
	local       uint64
	bridgeVault common.Address
	logger      *slog.Logger
}

// NewRouter creates a router. bridgeVault is the custody address the
// bridging service draws cross-network amounts from.
func NewRouter(v *vault.Vault, b Bridge, localNetwork uint64, bridgeVault common.Address, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{vault: v, bridge: b, local: localNetwork, bridgeVault: bridgeVault, logger: logger}
}

// LocalNetwork returns the local network id.
func (r *Router) LocalNetwork() uint64 { return r.local }

// Estimate asks the bridging service for its fee; it returns zeros for
// local payouts.
func (r *Router) Estimate(ctx context.Context, dst uint32, amount *big.Int, params []byte) (native, aux *big.Int, err error) {
	if !IsCrossNetwork(dst, r.local) {
		return new(big.Int), new(big.Int), nil
	}
	if r.bridge == nil {
		return nil, nil, ErrEstimateFailed.Withf("no bridging service configured")
	}
	native, aux, err = r.bridge.EstimateFee(ctx, dst, amount, params)
	if err != nil {
		metrics.BridgeFailuresTotal.WithLabelValues("estimate").Inc()
		return nil, nil, ErrEstimateFailed.Wrap(err)
	}
	if native == nil {
		native = new(big.Int)
	}
	if aux == nil {
		aux = new(big.Int)
	}
	return native, aux, nil
}

// Plan prices p and checks that deductions fit inside the deposit.
func (r *Router) Plan(ctx context.Context, p Payout) (Plan, error) {
	plan := Plan{Payout: p, Cross: IsCrossNetwork(p.DstNetworkID, r.local)}

	native, aux, err := r.Estimate(ctx, p.DstNetworkID, p.Deposit, p.AdapterParams)
	if err != nil {
		return Plan{}, err
	}
	plan.BridgeNativeFee, plan.BridgeAuxFee = native, aux

	total, err := units.Sum(p.SettlementFee, native, aux)
	if err != nil {
		return Plan{}, err
	}
	if total.Cmp(p.Deposit) > 0 {
		return Plan{}, ErrDeductionsExceedDeposit.Withf("deductions %s exceed deposit %s", total, p.Deposit)
	}
	net, err := units.Sub(p.Deposit, total)
	if err != nil {
		return Plan{}, err
	}
	plan.TotalDeductions, plan.Net = total, net
	return plan, nil
}

// Execute moves the planned value out of custody. Postings are prepared
// first, the bridging request is dispatched next, and only then are the
// postings committed; any failure aborts them.
func (r *Router) Execute(ctx context.Context, plan Plan) (*Receipt, error) {
	p := plan.Payout
	postings := []vault.Posting{{From: p.Custody, To: p.FeeRecipient, Amount: p.SettlementFee, Memo: "settlement_fee"}}

	var bridgeFee *big.Int
	if plan.Cross {
		var err error
		if bridgeFee, err = units.Add(plan.BridgeNativeFee, plan.BridgeAuxFee); err != nil {
			return nil, err
		}
		outflow, err := units.Add(plan.Net, bridgeFee)
		if err != nil {
			return nil, err
		}
		postings = append(postings, vault.Posting{From: p.Custody, To: r.bridgeVault, Amount: outflow, Memo: "bridge_outflow"})
	} else {
		postings = append(postings, vault.Posting{From: p.Custody, To: p.Recipient, Amount: plan.Net, Memo: "payout"})
	}

	pend, err := r.vault.Prepare(ctx, p.Reference, postings...)
	if err != nil {
		return nil, err
	}

	var receipt *Receipt
	if plan.Cross {
		rc, err := r.bridge.Send(ctx, Request{
			Reference:     p.Reference,
			DstNetworkID:  p.DstNetworkID,
			Recipient:     p.Recipient,
			Amount:        plan.Net,
			Fee:           bridgeFee,
			AdapterParams: p.AdapterParams,
		})
		if err != nil {
			metrics.BridgeFailuresTotal.WithLabelValues("send").Inc()
			r.abort(ctx, pend, p.Reference)
			return nil, ErrBridgeFailed.Wrap(err)
		}
		receipt = &rc
	}

	if err := pend.Commit(ctx); err != nil {
		// The bridge request is already out; custody must still be settled.
		r.logger.Error("CRITICAL: payout commit failed after dispatch",
			"reference", p.Reference, "route", plan.Route(), "error", err)
		return receipt, fmt.Errorf("commit payout: %w", err)
	}
	metrics.PayoutsTotal.WithLabelValues(plan.Route()).Inc()
	return receipt, nil
}

// Refund returns the whole deposit from custody to holder.
func (r *Router) Refund(ctx context.Context, reference string, custody, holder common.Address, amount *big.Int) error {
	return r.vault.Transfer(ctx, reference, vault.Posting{From: custody, To: holder, Amount: amount, Memo: "refund"})
}

func (r *Router) abort(ctx context.Context, pend *vault.Pending, ref string) {
	if err := pend.Abort(ctx); err != nil {
		r.logger.Error("CRITICAL: failed to abort prepared payout", "reference", ref, "error", err)
	}
}
