package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/governance"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/protocol"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/vault"
)

// Ledger implements the escrow state machine.
type Ledger struct {
	store     Store
	vault     *vault.Vault
	router    *bridge.Router
	fees      *fees.Engine
	validator *agreement.Validator
	config    *governance.Versioned[Config]
	arbiter   protocol.Arbiter
	notifier  *reputation.Notifier
	observers []Observer
	locks     *syncutil.KeyedMutex
	now       func() time.Time
	logger    *slog.Logger
}

// NewLedger creates a ledger. The validator's domain verifier is the
// ledger's identity towards the arbitration authority.
func NewLedger(store Store, v *vault.Vault, router *bridge.Router, engine *fees.Engine, validator *agreement.Validator, cfg *governance.Versioned[Config]) *Ledger {
	return &Ledger{
		store:     store,
		vault:     v,
		router:    router,
		fees:      engine,
		validator: validator,
		config:    cfg,
		locks:     syncutil.NewKeyedMutex(),
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// WithArbiter sets the port disputes are opened through.
func (l *Ledger) WithArbiter(a protocol.Arbiter) *Ledger {
	l.arbiter = a
	return l
}

// WithNotifier adds the best-effort reputation notifier.
func (l *Ledger) WithNotifier(n *reputation.Notifier) *Ledger {
	l.notifier = n
	return l
}

// WithObserver registers o for committed transitions.
func (l *Ledger) WithObserver(o Observer) *Ledger {
	l.observers = append(l.observers, o)
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Identity is the address the ledger presents to the authority.
func (l *Ledger) Identity() common.Address { return l.validator.Domain().Verifier }

// Config returns the governed configuration.
func (l *Ledger) Config() *governance.Versioned[Config] { return l.config }

// FeePolicy names the policy that prices new escrows.
func (l *Ledger) FeePolicy() string { return l.fees.PolicyName() }

// Create validates a dual-signed agreement, snapshots its fees and moves
// the deposit into the new record's custody. The caller must be the
// holder.
func (l *Ledger) Create(ctx context.Context, caller common.Address, req CreateRequest) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Actor(caller), traces.Amount(req.Agreement.Amount))
	defer func() { traces.End(span, err) }()

	snap := l.config.Current()
	cfg := snap.Value
	if cfg.Paused {
		return nil, ErrPaused
	}
	a := req.Agreement.Clone()
	if caller != a.Holder {
		return nil, ErrOnlyHolder
	}
	now := l.now()
	if err := l.validator.Validate(ctx, a, req.HolderSig, req.ProviderSig, cfg.Bounds(), now.Unix()); err != nil {
		return nil, err
	}
	if req.Deposit == nil || req.Deposit.Cmp(a.Amount) != 0 {
		return nil, ErrDepositMismatch.Withf("deposit %v, amount %s", req.Deposit, a.Amount)
	}
	feeSnap, err := l.fees.Snapshot(ctx, a, cfg.Fees, snap.Version)
	if err != nil {
		return nil, err
	}

	id, err := l.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate escrow id: %w", err)
	}
	custody := vault.CustodyAddress(id)
	pend, err := l.vault.Prepare(ctx, reference(id, "fund"),
		vault.Posting{From: a.Holder, To: custody, Amount: a.Amount, Memo: "escrow_deposit"})
	if err != nil {
		return nil, err
	}

	rec = &Record{
		ID:          id,
		Agreement:   a,
		State:       StateFunded,
		TimeoutMode: cfg.TimeoutMode,
		Fees:        feeSnap,
		Custody:     custody,
		History:     []Transition{{To: StateFunded, Actor: caller, Reason: "created", At: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		l.abortPending(ctx, pend, id)
		metrics.OperationAbortsTotal.WithLabelValues("create").Inc()
		return nil, err
	}
	if err := pend.Commit(ctx); err != nil {
		l.logger.Error("CRITICAL: escrow recorded but deposit commit failed",
			"escrowId", id, "holder", a.Holder.Hex(), "amount", a.Amount.String(), "error", err)
		return nil, fmt.Errorf("commit deposit for escrow %d (requires manual resolution): %w", id, err)
	}

	metrics.EscrowsCreatedTotal.Inc()
	l.publish(ctx, rec, 0)
	l.logger.Info("escrow created", "escrowId", id, "holder", a.Holder.Hex(), "provider", a.Provider.Hex(),
		"amount", a.Amount.String(), "settlementFee", feeSnap.SettlementFee.String())
	return rec.Clone(), nil
}

// SubmitProof records the provider's proof-of-delivery reference.
func (l *Ledger) SubmitProof(ctx context.Context, id uint64, caller common.Address, proofRef string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitProof", traces.EscrowID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	if l.config.Current().Value.Paused {
		return nil, ErrPaused
	}
	if proofRef == "" {
		return nil, ErrInvalidProof
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
	if caller != rec.Agreement.Provider {
		return nil, ErrOnlyProvider
	}
	if rec.State != StateFunded {
		return nil, ErrInvalidState.Withf("cannot submit proof in %s", rec.State)
	}
	since := len(rec.History)
	rec.ProofRef = proofRef
	if err := l.advance(ctx, rec, StateProofSent, caller, "proof submitted"); err != nil {
		return nil, err
	}
	l.publish(ctx, rec, since)
	return rec.Clone(), nil
}

// Complete releases the deposit to the provider after proof.
func (l *Ledger) Complete(ctx context.Context, id uint64, caller common.Address) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Complete", traces.EscrowID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	cfg := l.config.Current().Value
	if cfg.Paused {
		return nil, ErrPaused
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
	if caller != rec.Agreement.Holder {
		return nil, ErrOnlyHolder
	}
	if rec.State != StateProofSent {
		return nil, ErrInvalidState.Withf("cannot complete in %s", rec.State)
	}
	prev := rec.Clone()
	if err := l.settle(ctx, rec, prev, cfg, caller, "completed by holder", OutcomeCompleted, "complete"); err != nil {
		return nil, err
	}
	l.publish(ctx, rec, len(prev.History))
	return rec.Clone(), nil
}

// Cancel closes a FUNDED record on either party's request and refunds
// the holder in full.
func (l *Ledger) Cancel(ctx context.Context, id uint64, caller common.Address) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id), traces.Actor(caller))
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
	if !rec.IsParty(caller) {
		return nil, ErrOnlyParty
	}
	if rec.State != StateFunded {
		return nil, ErrInvalidState.Withf("cannot cancel in %s", rec.State)
	}
	if err := l.closeWithRefund(ctx, rec, caller, "cancelled", OutcomeCancelled, "cancel"); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// MutualCancel closes a FUNDED or OFFCHAIN_PROOF_SENT record when the
// caller presents the other party's countersignature over auth.
func (l *Ledger) MutualCancel(ctx context.Context, id uint64, caller common.Address, auth agreement.CancelAuthorization, countersig []byte) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MutualCancel", traces.EscrowID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	if auth.EscrowID != id {
		return nil, agreement.ErrInvalidSignature.Withf("authorization is for escrow %d", auth.EscrowID)
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
	if !rec.IsParty(caller) {
		return nil, ErrOnlyParty
	}
	if rec.State != StateFunded && rec.State != StateProofSent {
		return nil, ErrInvalidState.Withf("cannot cancel in %s", rec.State)
	}
	counterparty := rec.Agreement.Provider
	if caller == rec.Agreement.Provider {
		counterparty = rec.Agreement.Holder
	}
	if err := agreement.VerifyCancel(l.validator.Domain(), auth, countersig, counterparty, l.now().Unix()); err != nil {
		return nil, err
	}
	if err := l.closeWithRefund(ctx, rec, caller, "mutually cancelled", OutcomeMutualCancelled, "mutual_cancel"); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Get returns a record.
func (l *Ledger) Get(ctx context.Context, id uint64) (*Record, error) {
	return l.store.Get(ctx, id)
}

// ListByParty returns records where party is holder or provider, newest
// first, in a bounded window.
func (l *Ledger) ListByParty(ctx context.Context, party common.Address, offset, limit int) ([]*Record, error) {
	p := pagination.Bound(offset, limit, pagination.DefaultLimit, pagination.MaxLimit)
	return l.store.ListByParty(ctx, party, p.Offset, p.Limit)
}

// EstimateCosts prices an agreement under the current configuration
// without requiring signatures. The terms must pass the same field checks
// as Create; a missing nonce is treated as zero.
func (l *Ledger) EstimateCosts(ctx context.Context, a agreement.Agreement) (fees.CostEstimate, error) {
	cfg := l.config.Current().Value
	if a.Nonce == nil {
		a.Nonce = new(big.Int)
	}
	if err := agreement.CheckFields(a, cfg.Bounds(), l.now().Unix()); err != nil {
		return fees.CostEstimate{}, err
	}
	return l.fees.EstimateCosts(ctx, a, cfg.Fees)
}

// ListExpired exposes the store's timeout candidates after afterID to the
// sweeper.
func (l *Ledger) ListExpired(ctx context.Context, afterID uint64, limit int) ([]*Record, error) {
	return l.store.ListExpired(ctx, l.now().Unix(), afterID, limit)
}

func (l *Ledger) lock(ctx context.Context, id uint64) (context.Context, func(), error) {
	held, unlock, err := l.locks.LockContext(ctx, strconv.FormatUint(id, 10))
	if errors.Is(err, syncutil.ErrReentrant) {
		return nil, nil, ErrReentrantCall.Withf("escrow %d", id)
	}
	if err != nil {
		return nil, nil, err
	}
	return held, unlock, nil
}

// advance appends a transition and persists rec.
func (l *Ledger) advance(ctx context.Context, rec *Record, to State, actor common.Address, reason string) error {
	now := l.now()
	rec.History = append(rec.History, Transition{From: rec.State, To: to, Actor: actor, Reason: reason, At: now})
	rec.State = to
	rec.UpdatedAt = now
	if to == StateClosed {
		rec.ClosedAt = &now
	}
	return l.store.Update(ctx, rec)
}

// restore writes prev back after an outbound step failed.
func (l *Ledger) restore(ctx context.Context, prev *Record, op string, cause error) {
	metrics.OperationAbortsTotal.WithLabelValues(op).Inc()
	if err := l.store.Update(context.WithoutCancel(ctx), prev); err != nil {
		l.logger.Error("CRITICAL: failed to restore escrow after aborted operation",
			"escrowId", prev.ID, "operation", op, "state", string(prev.State), "cause", cause, "error", err)
		return
	}
	l.logger.Warn("escrow operation aborted", "escrowId", prev.ID, "operation", op, "error", cause)
}

func (l *Ledger) abortPending(ctx context.Context, p *vault.Pending, id uint64) {
	if err := p.Abort(ctx); err != nil {
		l.logger.Error("CRITICAL: failed to abort prepared postings", "escrowId", id, "hold", p.ID(), "error", err)
	}
}

func (l *Ledger) refund(ctx context.Context, rec *Record) error {
	return l.router.Refund(ctx, reference(rec.ID, "refund"), rec.Custody, rec.Agreement.Holder, rec.Agreement.Amount)
}

// closeWithRefund moves rec to CLOSED and returns the whole deposit to
// the holder, restoring rec if the transfer fails.
func (l *Ledger) closeWithRefund(ctx context.Context, rec *Record, actor common.Address, reason string, outcome Outcome, op string) error {
	prev := rec.Clone()
	rec.Outcome = outcome
	if err := l.advance(ctx, rec, StateClosed, actor, reason); err != nil {
		return err
	}
	if err := l.refund(ctx, rec); err != nil {
		l.restore(ctx, prev, op, err)
		return err
	}
	l.publish(ctx, rec, len(prev.History))
	return nil
}

// settle runs the payout path: COMPLETE is written first, value moves
// (fee, optional bridge dispatch, net), then the record closes. prev is
// the record as it was before the enclosing operation.
func (l *Ledger) settle(ctx context.Context, rec, prev *Record, cfg Config, actor common.Address, reason string, outcome Outcome, op string) error {
	if err := l.advance(ctx, rec, StateComplete, actor, reason); err != nil {
		return err
	}
	a := rec.Agreement
	plan, err := l.router.Plan(ctx, bridge.Payout{
		Reference:     reference(rec.ID, "payout"),
		Custody:       rec.Custody,
		Deposit:       a.Amount,
		SettlementFee: rec.Fees.SettlementFee,
		FeeRecipient:  cfg.FeeRecipient,
		Recipient:     a.Recipient(),
		DstNetworkID:  a.DstNetworkID,
		AdapterParams: a.AdapterParams,
	})
	if err != nil {
		l.restore(ctx, prev, op, err)
		return err
	}
	receipt, err := l.router.Execute(ctx, plan)
	if err != nil {
		if receipt != nil {
			// The bridging request is out; the record must not reopen.
			return fmt.Errorf("escrow %d payout dispatched but not settled (requires manual resolution): %w", rec.ID, err)
		}
		l.restore(ctx, prev, op, err)
		return err
	}

	bridgeFee := new(big.Int).Add(plan.BridgeNativeFee, plan.BridgeAuxFee)
	rec.Settlement = &Settlement{
		Route:           plan.Route(),
		SettlementFee:   cloneInt(rec.Fees.SettlementFee),
		BridgeFee:       bridgeFee,
		TotalDeductions: plan.TotalDeductions,
		Net:             plan.Net,
	}
	if receipt != nil {
		rec.Settlement.ReceiptID = receipt.ID
	}
	rec.Outcome = outcome
	if err := l.advance(ctx, rec, StateClosed, actor, reason); err != nil {
		if retryErr := l.store.Update(context.WithoutCancel(ctx), rec); retryErr != nil {
			l.logger.Error("CRITICAL: escrow paid out but close failed",
				"escrowId", rec.ID, "recipient", a.Recipient().Hex(), "net", plan.Net.String(), "error", retryErr)
			return fmt.Errorf("escrow %d paid out but not closed (requires manual resolution): %w", rec.ID, err)
		}
	}
	return nil
}

// publish reports transitions from index since onward.
func (l *Ledger) publish(ctx context.Context, rec *Record, since int) {
	if since > len(rec.History) {
		since = len(rec.History)
	}
	for _, t := range rec.History[since:] {
		from := string(t.From)
		if from == "" {
			from = "none"
		}
		metrics.TransitionsTotal.WithLabelValues(from, string(t.To)).Inc()
		for _, o := range l.observers {
			o(ctx, rec.Clone(), t)
		}
	}
	if rec.State == StateClosed && since < len(rec.History) {
		metrics.EscrowsClosedTotal.WithLabelValues(string(rec.Outcome)).Inc()
	}
	l.notify(ctx, rec, since)
}

func (l *Ledger) notify(ctx context.Context, rec *Record, since int) {
	if l.notifier == nil {
		return
	}
	a := rec.Agreement
	meta := func(role string) map[string]string {
		return map[string]string{
			"escrowId": strconv.FormatUint(rec.ID, 10),
			"amount":   a.Amount.String(),
			"role":     role,
			"outcome":  string(rec.Outcome),
		}
	}
	both := func(event string) {
		l.notifier.Notify(ctx, event, a.Holder, meta("holder"))
		l.notifier.Notify(ctx, event, a.Provider, meta("provider"))
	}
	for _, t := range rec.History[since:] {
		switch {
		case t.From == "" && t.To == StateFunded:
			both(reputation.EventEscrowCreated)
		case t.To.Disputed():
			role := "holder"
			if rec.Disputer == a.Provider {
				role = "provider"
			}
			l.notifier.Notify(ctx, reputation.EventDisputeOpened, rec.Disputer, meta(role))
		case t.To == StateClosed:
			switch {
			case rec.Outcome.Paid():
				both(reputation.EventEscrowCompleted)
			case rec.Outcome == OutcomeTimeoutRefund:
				both(reputation.EventEscrowTimedOut)
			default:
				both(reputation.EventEscrowCancelled)
			}
		}
	}
}

func reference(id uint64, step string) string {
	return "escrow-" + strconv.FormatUint(id, 10) + "-" + step
}
