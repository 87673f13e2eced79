package escrow

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// TimeoutPolicy maps a record state to the deadline that governs it.
type TimeoutPolicy interface {
	Mode() TimeoutMode
	// Deadline returns the unix time after which the state may be timed
	// out, and false when the state has no timeout.
	Deadline(a agreement.Agreement, s State) (int64, bool)
}

// DualTimeout gives FUNDED and OFFCHAIN_PROOF_SENT their own deadlines.
type DualTimeout struct{}

func (DualTimeout) Mode() TimeoutMode { return TimeoutDual }

func (DualTimeout) Deadline(a agreement.Agreement, s State) (int64, bool) {
	switch s {
	case StateFunded:
		return a.FundedTimeout, true
	case StateProofSent:
		return a.ProofTimeout, true
	}
	return 0, false
}

// SingleTimeout lets ProofTimeout govern both open states.
type SingleTimeout struct{}

func (SingleTimeout) Mode() TimeoutMode { return TimeoutSingle }

func (SingleTimeout) Deadline(a agreement.Agreement, s State) (int64, bool) {
	switch s {
	case StateFunded, StateProofSent:
		return a.ProofTimeout, true
	}
	return 0, false
}

// PolicyFor returns the policy for mode. Unknown modes use DualTimeout.
func PolicyFor(mode TimeoutMode) TimeoutPolicy {
	if mode == TimeoutSingle {
		return SingleTimeout{}
	}
	return DualTimeout{}
}

// ResolveTimeout applies an expired timeout. Anyone may call it: a FUNDED
// record past its deadline refunds the holder in full; an
// OFFCHAIN_PROOF_SENT record past its deadline pays the provider.
func (l *Ledger) ResolveTimeout(ctx context.Context, id uint64) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveTimeout", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	ctx, unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	deadline, ok := PolicyFor(rec.TimeoutMode).Deadline(rec.Agreement, rec.State)
	if !ok {
		return nil, ErrInvalidState.Withf("state %s has no timeout", rec.State)
	}
	now := l.now()
	if now.Unix() <= deadline {
		return nil, ErrTimeoutNotReached.Withf("deadline %s", time.Unix(deadline, 0).UTC().Format(time.RFC3339))
	}

	cfg := l.config.Current().Value
	prev := rec.Clone()
	from := rec.State
	var actor common.Address

	switch from {
	case StateFunded:
		rec.Outcome = OutcomeTimeoutRefund
		if err := l.advance(ctx, rec, StateClosed, actor, "funded timeout"); err != nil {
			return nil, err
		}
		if err := l.refund(ctx, rec); err != nil {
			l.restore(ctx, prev, "resolve_timeout", err)
			return nil, err
		}
	case StateProofSent:
		if err := l.settle(ctx, rec, prev, cfg, actor, "proof timeout", OutcomeTimeoutPayout, "resolve_timeout"); err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidState
	}

	metrics.TimeoutResolutionsTotal.WithLabelValues(string(from)).Inc()
	l.publish(ctx, rec, len(prev.History))
	l.logger.Info("escrow timeout resolved", "escrowId", id, "from", string(from), "outcome", string(rec.Outcome))
	return rec.Clone(), nil
}
