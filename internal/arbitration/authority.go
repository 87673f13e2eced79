package arbitration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/governance"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/protocol"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/vault"
)

// MaxResolutionLength bounds the free-text resolution an agent records.
const MaxResolutionLength = 4096

// Authority adjudicates disputes.
type Authority struct {
	identity common.Address
	vault    *vault.Vault
	config   *governance.Versioned[Config]
	journal  Journal
	notifier *reputation.Notifier
	now      func() time.Time
	logger   *slog.Logger
	feeLocks *syncutil.KeyedMutex

	mu       sync.Mutex
	disputes []*Dispute // arena; dispute id n lives at index n-1
	active   []uint64
	index    map[uint64]int // dispute id -> position in active
	agents   map[common.Address]*Agent
	ledgers  map[common.Address]protocol.RulingReceiver
}

// NewAuthority creates an authority. identity is both the address the
// authority signs rulings as and the vault address holding dispute fees.
func NewAuthority(identity common.Address, v *vault.Vault, cfg *governance.Versioned[Config]) *Authority {
	return &Authority{
		identity: identity,
		vault:    v,
		config:   cfg,
		now:      time.Now,
		logger:   slog.Default(),
		feeLocks: syncutil.NewKeyedMutex(),
		index:    make(map[uint64]int),
		agents:   make(map[common.Address]*Agent),
		ledgers:  make(map[common.Address]protocol.RulingReceiver),
	}
}

// WithJournal persists every committed change to j.
func (a *Authority) WithJournal(j Journal) *Authority {
	a.journal = j
	return a
}

// WithNotifier adds the best-effort reputation notifier.
func (a *Authority) WithNotifier(n *reputation.Notifier) *Authority {
	a.notifier = n
	return a
}

// WithLogger sets the logger.
func (a *Authority) WithLogger(logger *slog.Logger) *Authority {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// WithClock overrides the time source.
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

// Identity is the authority's address.
func (a *Authority) Identity() common.Address { return a.identity }

// Config returns the governed configuration.
func (a *Authority) Config() *governance.Versioned[Config] { return a.config }

// Restore rebuilds the arena, active set and roster from the journal.
// Call once before serving.
func (a *Authority) Restore(ctx context.Context) error {
	if a.journal == nil {
		return nil
	}
	disputes, agents, err := a.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("load arbitration journal: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.disputes = a.disputes[:0]
	a.active = a.active[:0]
	clear(a.index)
	for i, d := range disputes {
		if d.ID != uint64(i+1) {
			return fmt.Errorf("arbitration journal has a gap at dispute %d", i+1)
		}
		a.disputes = append(a.disputes, d)
		if !d.Resolved() {
			a.addActive(d.ID)
		}
	}
	clear(a.agents)
	for _, ag := range agents {
		a.agents[ag.Address] = ag
	}
	metrics.ActiveDisputes.Set(float64(len(a.active)))
	return nil
}

// RegisterLedger allows the ledger at addr to open disputes and names
// the receiver its rulings are delivered to.
func (a *Authority) RegisterLedger(addr common.Address, receiver protocol.RulingReceiver) {
	a.mu.Lock()
	a.ledgers[addr] = receiver
	a.mu.Unlock()
}

// Open implements protocol.Arbiter.
func (a *Authority) Open(ctx context.Context, req protocol.OpenDisputeRequest) (resp protocol.OpenDisputeResponse, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.Open", traces.EscrowID(req.EscrowID), traces.Actor(req.Disputer))
	defer func() { traces.End(span, err) }()

	if err := req.Validate(); err != nil {
		return resp, err
	}
	if a.config.Current().Value.Paused {
		return resp, ErrPaused
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ledgers[req.Ledger]; !ok {
		return resp, ErrUnknownLedger.Withf("%s", req.Ledger.Hex())
	}

	d := &Dispute{
		ID:       uint64(len(a.disputes) + 1),
		Ledger:   req.Ledger,
		EscrowID: req.EscrowID,
		Holder:   req.Holder,
		Provider: req.Provider,
		Amount:   req.Amount,
		Disputer: req.Disputer,
		Fee:      req.Fee,
		Evidence: req.Evidence,
		Status:   StatusActive,
		OpenedAt: a.now(),
	}
	d = d.Clone()
	if err := a.save(ctx, d); err != nil {
		return resp, err
	}
	a.disputes = append(a.disputes, d)
	a.addActive(d.ID)

	metrics.DisputesOpenedTotal.Inc()
	metrics.ActiveDisputes.Set(float64(len(a.active)))
	a.logger.Info("dispute opened", "disputeId", d.ID, "ledger", d.Ledger.Hex(), "escrowId", d.EscrowID,
		"disputer", d.Disputer.Hex(), "fee", d.Fee.String())
	return protocol.OpenDisputeResponse{DisputeID: d.ID, OpenedAt: d.OpenedAt}, nil
}

// Resolve records agent's ruling on dispute id, delivers it to the
// originating ledger and then reconciles the recorded fee. It is open to
// active roster agents only and stays available while paused.
func (a *Authority) Resolve(ctx context.Context, agent common.Address, id uint64, ruling protocol.Ruling, text string) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.Resolve",
		traces.DisputeID(id), traces.Actor(agent), traces.Ruling(uint8(ruling)))
	defer func() { traces.End(span, err) }()

	if !ruling.Valid() {
		return nil, protocol.ErrInvalidRuling
	}
	if len(text) > MaxResolutionLength {
		return nil, protocol.ErrInvalidMessage.Withf("resolution exceeds %d bytes", MaxResolutionLength)
	}

	// Phase one: commit locally.
	a.mu.Lock()
	ag, ok := a.agents[agent]
	if !ok || !ag.Active {
		a.mu.Unlock()
		return nil, ErrAgentNotEligible
	}
	d, err = a.lookup(id)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if d.Resolved() {
		a.mu.Unlock()
		return nil, ErrAlreadyResolved.Withf("dispute %d", id)
	}
	receiver, ok := a.ledgers[d.Ledger]
	if !ok {
		a.mu.Unlock()
		return nil, ErrUnknownLedger.Withf("%s", d.Ledger.Hex())
	}

	prevDispute, prevAgent := d.Clone(), *ag
	now := a.now()
	d.Status = StatusResolved
	d.Ruling = ruling
	d.Resolution = text
	d.ResolvedBy = agent
	d.ResolvedAt = &now
	ag.Resolved++
	a.removeActive(id)
	if err := a.commit(ctx, d, ag); err != nil {
		a.rollback(ctx, prevDispute, prevAgent)
		a.mu.Unlock()
		return nil, err
	}
	notice := protocol.RulingNotice{
		Authority:  a.identity,
		DisputeID:  d.ID,
		EscrowID:   d.EscrowID,
		Ruling:     ruling,
		Resolution: text,
	}
	a.mu.Unlock()

	// Phase two: the single callback.
	if err := receiver.ApplyRuling(ctx, notice); err != nil {
		if !errors.Is(err, protocol.ErrAlreadyResolved) {
			a.mu.Lock()
			a.rollback(ctx, prevDispute, prevAgent)
			a.mu.Unlock()
			a.logger.Warn("ruling callback failed, dispute reopened", "disputeId", id, "ledger", prevDispute.Ledger.Hex(), "error", err)
			return nil, err
		}
		// A previous attempt reached the ledger but its reply was lost.
		a.logger.Warn("ledger already applied ruling", "disputeId", id, "escrowId", notice.EscrowID)
	}

	metrics.DisputesResolvedTotal.WithLabelValues(ruling.String()).Inc()
	a.mu.Lock()
	metrics.ActiveDisputes.Set(float64(len(a.active)))
	a.mu.Unlock()
	a.notifyRuling(ctx, prevDispute, ruling)
	a.logger.Info("dispute resolved", "disputeId", id, "escrowId", notice.EscrowID,
		"ruling", ruling.String(), "agent", agent.Hex())

	if err := a.settleFee(ctx, id); err != nil {
		a.logger.Warn("dispute fee settlement deferred", "disputeId", id, "error", err)
	}
	return a.Get(ctx, id)
}

// SettleFee retries fee reconciliation for a resolved dispute. It is a
// no-op once the fee has been settled.
func (a *Authority) SettleFee(ctx context.Context, id uint64) (*Dispute, error) {
	a.mu.Lock()
	d, err := a.lookup(id)
	if err == nil && !d.Resolved() {
		err = ErrNotResolved.Withf("dispute %d", id)
	}
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := a.settleFee(ctx, id); err != nil {
		return nil, err
	}
	return a.Get(ctx, id)
}

// settleFee moves the fee recorded at opening out of the authority's
// custody. Recipient follows the ruling.
func (a *Authority) settleFee(ctx context.Context, id uint64) error {
	treasury := a.config.Current().Value.Treasury
	ctx, unlock, err := a.feeLocks.LockContext(ctx, strconv.FormatUint(id, 10))
	if err != nil {
		return err
	}
	defer unlock()

	a.mu.Lock()
	d, err := a.lookup(id)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if d.FeeSettled {
		a.mu.Unlock()
		return nil
	}
	fee, to := d.Fee, d.FeeRecipient(treasury)
	a.mu.Unlock()

	if fee.Sign() > 0 {
		err := a.vault.Transfer(ctx, feeReference(id), vault.Posting{From: a.identity, To: to, Amount: fee, Memo: "dispute_fee_settlement"})
		if err != nil {
			metrics.FeeSettlementFailuresTotal.Inc()
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	d.FeeSettled = true
	if err := a.save(ctx, d); err != nil {
		a.logger.Error("CRITICAL: dispute fee moved but settlement not recorded",
			"disputeId", id, "recipient", to.Hex(), "fee", fee.String(), "error", err)
		return err
	}
	a.logger.Info("dispute fee settled", "disputeId", id, "recipient", to.Hex(), "fee", fee.String())
	return nil
}

// Get returns a copy of dispute id.
func (a *Authority) Get(_ context.Context, id uint64) (*Dispute, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// ListActive returns one bounded page of unresolved disputes. Order is
// the active set's internal order, which changes as disputes resolve.
func (a *Authority) ListActive(_ context.Context, offset, limit int) pagination.Result[*Dispute] {
	p := pagination.Bound(offset, limit, pagination.DefaultLimit, pagination.MaxLimit)
	a.mu.Lock()
	defer a.mu.Unlock()

	start, end := p.Window(len(a.active))
	items := make([]*Dispute, 0, end-start)
	for _, id := range a.active[start:end] {
		items = append(items, a.disputes[id-1].Clone())
	}
	return pagination.Result[*Dispute]{Items: items, Offset: p.Offset, Limit: p.Limit, Total: len(a.active)}
}

// UpsertAgent adds or reactivates an agent. Only governance may call it.
func (a *Authority) UpsertAgent(ctx context.Context, caller, addr common.Address, name string) (*Agent, error) {
	if err := a.requireGovernance(caller); err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		return nil, ErrInvalidAgent
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ag, ok := a.agents[addr]
	next := Agent{Address: addr, Name: name, Active: true, AddedAt: a.now()}
	if ok {
		next.Resolved, next.AddedAt = ag.Resolved, ag.AddedAt
		if name == "" {
			next.Name = ag.Name
		}
	}
	if err := a.saveAgent(ctx, &next); err != nil {
		return nil, err
	}
	a.agents[addr] = &next
	a.logger.Info("arbitration agent enabled", "agent", addr.Hex(), "by", caller.Hex())
	cp := next
	return &cp, nil
}

// DeactivateAgent removes an agent's right to rule. Its resolved count is
// kept.
func (a *Authority) DeactivateAgent(ctx context.Context, caller, addr common.Address) (*Agent, error) {
	if err := a.requireGovernance(caller); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ag, ok := a.agents[addr]
	if !ok {
		return nil, ErrAgentNotFound
	}
	next := *ag
	next.Active = false
	if err := a.saveAgent(ctx, &next); err != nil {
		return nil, err
	}
	*ag = next
	a.logger.Info("arbitration agent disabled", "agent", addr.Hex(), "by", caller.Hex())
	return &next, nil
}

// ListAgents returns one bounded page of the roster ordered by address.
func (a *Authority) ListAgents(_ context.Context, offset, limit int) pagination.Result[*Agent] {
	p := pagination.Bound(offset, limit, pagination.DefaultLimit, pagination.MaxLimit)
	a.mu.Lock()
	defer a.mu.Unlock()

	all := make([]*Agent, 0, len(a.agents))
	for _, ag := range a.agents {
		cp := *ag
		all = append(all, &cp)
	}
	sortAgents(all)
	start, end := p.Window(len(all))
	return pagination.Result[*Agent]{Items: all[start:end], Offset: p.Offset, Limit: p.Limit, Total: len(all)}
}

func (a *Authority) requireGovernance(caller common.Address) error {
	if !strings.EqualFold(caller.Hex(), a.config.Authority()) {
		return governance.ErrNotGovernance
	}
	return nil
}

// lookup requires a.mu.
func (a *Authority) lookup(id uint64) (*Dispute, error) {
	if id == 0 || id > uint64(len(a.disputes)) {
		return nil, ErrDisputeNotFound.Withf("dispute %d", id)
	}
	return a.disputes[id-1], nil
}

func (a *Authority) addActive(id uint64) {
	a.index[id] = len(a.active)
	a.active = append(a.active, id)
}

// removeActive swaps the last active id into id's slot.
func (a *Authority) removeActive(id uint64) {
	i, ok := a.index[id]
	if !ok {
		return
	}
	last := len(a.active) - 1
	moved := a.active[last]
	a.active[i] = moved
	a.index[moved] = i
	a.active = a.active[:last]
	delete(a.index, id)
}

func (a *Authority) commit(ctx context.Context, d *Dispute, ag *Agent) error {
	if err := a.save(ctx, d); err != nil {
		return err
	}
	return a.saveAgent(ctx, ag)
}

// rollback restores a dispute and agent to their pre-resolution values.
// Requires a.mu.
func (a *Authority) rollback(ctx context.Context, d *Dispute, ag Agent) {
	*a.disputes[d.ID-1] = *d
	if cur, ok := a.agents[ag.Address]; ok {
		*cur = ag
	}
	if _, ok := a.index[d.ID]; !ok && !d.Resolved() {
		a.addActive(d.ID)
	}
	if err := a.commit(context.WithoutCancel(ctx), d, &ag); err != nil {
		a.logger.Error("CRITICAL: failed to persist dispute rollback", "disputeId", d.ID, "error", err)
	}
}

func (a *Authority) save(ctx context.Context, d *Dispute) error {
	if a.journal == nil {
		return nil
	}
	if err := a.journal.SaveDispute(ctx, d); err != nil {
		return fmt.Errorf("persist dispute %d: %w", d.ID, err)
	}
	return nil
}

func (a *Authority) saveAgent(ctx context.Context, ag *Agent) error {
	if a.journal == nil {
		return nil
	}
	if err := a.journal.SaveAgent(ctx, ag); err != nil {
		return fmt.Errorf("persist agent %s: %w", ag.Address.Hex(), err)
	}
	return nil
}

func (a *Authority) notifyRuling(ctx context.Context, d *Dispute, ruling protocol.Ruling) {
	if a.notifier == nil {
		return
	}
	meta := map[string]string{
		"disputeId": strconv.FormatUint(d.ID, 10),
		"escrowId":  strconv.FormatUint(d.EscrowID, 10),
		"ruling":    ruling.String(),
	}
	event := reputation.EventDisputeLost
	if ruling.DisputerWins(d.Disputer, d.Holder, d.Provider) {
		event = reputation.EventDisputeWon
	}
	a.notifier.Notify(ctx, event, d.Disputer, meta)
}

func sortAgents(agents []*Agent) {
	slices.SortFunc(agents, func(x, y *Agent) int { return bytes.Compare(x.Address[:], y.Address[:]) })
}

func feeReference(id uint64) string {
	return "dispute-" + strconv.FormatUint(id, 10) + "-fee"
}
