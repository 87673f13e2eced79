// Package arbitration is the arbitration authority: it accepts disputes
// from registered ledgers, lets roster agents rule on them, and calls the
// originating ledger back exactly once per ruling.
//
// Resolution is two-phase. The authority commits its own state first
// (ruling recorded, dispute removed from the active set, agent credited)
// and only then makes the one outbound ApplyRuling call. If that call
// fails the commit is rolled back and the dispute is active again.
//
// The dispute fee sits at the authority's vault address from the moment
// the ledger commits it. After a ruling is applied the recorded fee is
// refunded to a winning disputer or forfeited to the treasury; that
// transfer is independent of the ruling and retried through SettleFee.
package arbitration

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/governance"
	"github.com/mbd888/escrowd/internal/protocol"
)

var (
	ErrDisputeNotFound  = protocol.ErrDisputeNotFound
	ErrAlreadyResolved  = protocol.ErrAlreadyResolved
	ErrUnknownLedger    = protocol.ErrUnknownLedger
	ErrPaused           = protocol.ErrAuthorityPaused
	ErrAgentNotEligible = protocol.ErrAgentNotEligible

	ErrAgentNotFound = faults.New(faults.KindNotFound, "agent_not_found", "agent not found")
	ErrNotResolved   = faults.New(faults.KindState, "dispute_not_resolved", "dispute has not been resolved")
	ErrInvalidAgent  = faults.New(faults.KindValidation, "invalid_agent", "agent address is required")
)

// Status is a dispute's lifecycle position.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusResolved Status = "RESOLVED"
)

// Dispute is one case handed over by a ledger.
type Dispute struct {
	ID         uint64          `json:"id"`
	Ledger     common.Address  `json:"ledger"`
	EscrowID   uint64          `json:"escrowId"`
	Holder     common.Address  `json:"holder"`
	Provider   common.Address  `json:"provider"`
	Amount     *big.Int        `json:"amount"`
	Disputer   common.Address  `json:"disputer"`
	Fee        *big.Int        `json:"fee"`
	Evidence   string          `json:"evidence,omitempty"`
	Status     Status          `json:"status"`
	Ruling     protocol.Ruling `json:"ruling"`
	Resolution string          `json:"resolution,omitempty"`
	ResolvedBy common.Address  `json:"resolvedBy,omitempty"`
	FeeSettled bool            `json:"feeSettled"`
	OpenedAt   time.Time       `json:"openedAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

// Resolved reports whether a ruling has been committed.
func (d *Dispute) Resolved() bool { return d.Status == StatusResolved }

// FeeRecipient is where the recorded fee goes once the ruling is known.
func (d *Dispute) FeeRecipient(treasury common.Address) common.Address {
	if d.Ruling.DisputerWins(d.Disputer, d.Holder, d.Provider) {
		return d.Disputer
	}
	return treasury
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	if d.Amount != nil {
		cp.Amount = new(big.Int).Set(d.Amount)
	}
	if d.Fee != nil {
		cp.Fee = new(big.Int).Set(d.Fee)
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Agent is a roster member allowed to rule while active.
type Agent struct {
	Address  common.Address `json:"address"`
	Name     string         `json:"name"`
	Active   bool           `json:"active"`
	Resolved uint64         `json:"resolved"`
	AddedAt  time.Time      `json:"addedAt"`
}

// Config is the authority configuration replaced wholesale by governance.
type Config struct {
	Paused   bool           `json:"paused"`
	Treasury common.Address `json:"treasury"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Treasury == (common.Address{}) {
		return governance.ErrInvalidConfig.Withf("treasury is required")
	}
	return nil
}

// Journal persists authority state so it survives restarts.
type Journal interface {
	SaveDispute(ctx context.Context, d *Dispute) error
	SaveAgent(ctx context.Context, a *Agent) error
	Load(ctx context.Context) ([]*Dispute, []*Agent, error)
}
