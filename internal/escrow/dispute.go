package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/protocol"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/vault"
)

// CreateDispute hands the escrow to the arbitration authority. The
// provider may dispute a FUNDED record and the holder an
// OFFCHAIN_PROOF_SENT one; fee must be exactly the snapshotted dispute
// fee, and it moves from the disputer into the authority's custody only
// if the authority accepts the dispute.
func (l *Ledger) CreateDispute(ctx context.Context, id uint64, caller common.Address, fee *big.Int, evidence string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateDispute", traces.EscrowID(id), traces.Actor(caller), traces.Amount(fee))
	defer func() { traces.End(span, err) }()

	cfg := l.config.Current().Value
	if cfg.Paused {
		return nil, ErrPaused
	}
	if l.arbiter == nil {
		return nil, ErrNoArbiter
	}
	ctx, unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var to State
	switch rec.State {
	case StateFunded:
		if caller != rec.Agreement.Provider {
			return nil, ErrOnlyProvider
		}
		to = StateProviderDisputed
	case StateProofSent:
		if caller != rec.Agreement.Holder {
			return nil, ErrOnlyHolder
		}
		to = StateHolderDisputed
	default:
		return nil, ErrInvalidState.Withf("cannot dispute in %s", rec.State)
	}
	if fee == nil || fee.Cmp(rec.Fees.DisputeFee) != 0 {
		return nil, ErrIncorrectFee.Withf("got %v, want %s", fee, rec.Fees.DisputeFee)
	}

	prev := rec.Clone()
	rec.Disputer = caller
	if err := l.advance(ctx, rec, to, caller, "dispute opened"); err != nil {
		return nil, err
	}

	pend, err := l.vault.Prepare(ctx, reference(id, "dispute-fee"),
		vault.Posting{From: caller, To: cfg.Authority, Amount: fee, Memo: "dispute_fee"})
	if err != nil {
		l.restore(ctx, prev, "create_dispute", err)
		return nil, err
	}

	resp, err := l.arbiter.Open(ctx, protocol.OpenDisputeRequest{
		Ledger:   l.Identity(),
		EscrowID: id,
		Holder:   rec.Agreement.Holder,
		Provider: rec.Agreement.Provider,
		Amount:   rec.Agreement.Amount,
		Disputer: caller,
		Fee:      fee,
		Evidence: evidence,
	})
	if err != nil {
		l.abortPending(ctx, pend, id)
		l.restore(ctx, prev, "create_dispute", err)
		return nil, err
	}

	rec.DisputeID = resp.DisputeID
	if err := l.store.Update(ctx, rec); err != nil {
		l.abortPending(ctx, pend, id)
		l.restore(ctx, prev, "create_dispute", err)
		l.logger.Error("CRITICAL: dispute opened at authority but escrow update failed",
			"escrowId", id, "disputeId", resp.DisputeID, "error", err)
		return nil, err
	}
	if err := pend.Commit(ctx); err != nil {
		l.logger.Error("CRITICAL: dispute opened but fee commit failed",
			"escrowId", id, "disputeId", resp.DisputeID, "fee", fee.String(), "error", err)
		return nil, fmt.Errorf("commit dispute fee for escrow %d (requires manual resolution): %w", id, err)
	}

	l.publish(ctx, rec, len(prev.History))
	l.logger.Info("escrow disputed", "escrowId", id, "disputeId", resp.DisputeID, "disputer", caller.Hex(), "state", string(to))
	return rec.Clone(), nil
}

// ApplyRuling is the authority's callback. It is accepted only from the
// configured authority, only for the escrow's own open dispute, and only
// once. Refusals and holder wins refund the holder; provider wins run the
// ordinary payout path.
func (l *Ledger) ApplyRuling(ctx context.Context, notice protocol.RulingNotice) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApplyRuling",
		traces.EscrowID(notice.EscrowID), traces.DisputeID(notice.DisputeID), traces.Ruling(uint8(notice.Ruling)))
	defer func() { traces.End(span, err) }()

	if err := notice.Validate(); err != nil {
		return err
	}
	cfg := l.config.Current().Value
	if notice.Authority != cfg.Authority {
		return ErrOnlyAuthority
	}
	ctx, unlock, err := l.lock(ctx, notice.EscrowID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := l.store.Get(ctx, notice.EscrowID)
	if err != nil {
		return err
	}
	if rec.DisputeID != notice.DisputeID {
		return ErrDisputeMismatch.Withf("escrow %d has dispute %d, ruling is for %d", rec.ID, rec.DisputeID, notice.DisputeID)
	}
	if !rec.State.Disputed() {
		if rec.State == StateClosed || rec.State == StateComplete {
			return ErrAlreadyResolved.Withf("escrow %d", rec.ID)
		}
		return ErrInvalidState.Withf("cannot apply ruling in %s", rec.State)
	}

	prev := rec.Clone()
	reason := "ruling: " + notice.Ruling.String()
	if notice.Ruling == protocol.RulingProviderWins {
		if err := l.settle(ctx, rec, prev, cfg, notice.Authority, reason, OutcomeRulingPayout, "apply_ruling"); err != nil {
			return err
		}
		l.publish(ctx, rec, len(prev.History))
	} else if err := l.closeWithRefund(ctx, rec, notice.Authority, reason, OutcomeRulingRefund, "apply_ruling"); err != nil {
		return err
	}

	l.logger.Info("ruling applied", "escrowId", rec.ID, "disputeId", notice.DisputeID,
		"ruling", notice.Ruling.String(), "outcome", string(rec.Outcome))
	return nil
}
