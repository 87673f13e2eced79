// Package escrow owns escrow records and the settlement state machine.
//
// Flow:
//  1. Holder submits a dual-signed agreement with the deposit → FUNDED
//  2. Provider submits a proof reference → OFFCHAIN_PROOF_SENT
//  3. Holder completes → COMPLETE → payout (fee, bridge, net) → CLOSED
//  4. Either party may dispute in the state the table allows; the
//     arbitration authority's ruling closes the record
//  5. Expired timeouts are applied by anyone (refund or payout)
//
// Every operation is all-or-nothing. The record is advanced and written
// before any value moves or any peer is called; if an outbound step fails
// the prior record is written back and prepared vault postings are
// aborted.
package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/governance"
	"github.com/mbd888/escrowd/internal/protocol"
)

var (
	ErrEscrowNotFound    = faults.New(faults.KindNotFound, "escrow_not_found", "escrow not found")
	ErrInvalidState      = faults.New(faults.KindState, "invalid_state", "operation not valid in the escrow's current state")
	ErrOnlyHolder        = faults.New(faults.KindAuthorization, "only_holder", "caller is not the holder")
	ErrOnlyProvider      = faults.New(faults.KindAuthorization, "only_provider", "caller is not the provider")
	ErrOnlyParty         = faults.New(faults.KindAuthorization, "only_party", "caller is not a party to the escrow")
	ErrPaused            = faults.New(faults.KindState, "paused", "escrow ledger is paused")
	ErrDepositMismatch   = faults.New(faults.KindEconomic, "deposit_mismatch", "deposit must equal the agreement amount")
	ErrIncorrectFee      = faults.New(faults.KindEconomic, "incorrect_fee", "dispute fee must equal the snapshotted fee")
	ErrTimeoutNotReached = faults.New(faults.KindState, "timeout_not_reached", "timeout has not been reached")
	ErrReentrantCall     = faults.New(faults.KindState, "reentrant_call", "operation already in progress on this escrow")
	ErrInvalidProof      = faults.New(faults.KindValidation, "invalid_proof", "proof reference is required")
	ErrNoArbiter         = faults.New(faults.KindConfig, "no_arbiter", "no arbitration authority configured")

	// ErrNonceConsumed is returned by stores when a concurrent creation
	// consumed either party's nonce first.
	ErrNonceConsumed = agreement.ErrInvalidNonce.Withf("consumed by another agreement")

	ErrOnlyAuthority   = protocol.ErrNotAuthority
	ErrAlreadyResolved = protocol.ErrAlreadyResolved
	ErrDisputeMismatch = protocol.ErrDisputeMismatch
)

// State is a record's position in the state machine.
type State string

const (
	StateFunded           State = "FUNDED"
	StateProofSent        State = "OFFCHAIN_PROOF_SENT"
	StateComplete         State = "COMPLETE"
	StateClosed           State = "CLOSED"
	StateHolderDisputed   State = "HOLDER_DISPUTED"
	StateProviderDisputed State = "PROVIDER_DISPUTED"
)

// Disputed reports whether s is one of the two dispute states.
func (s State) Disputed() bool {
	return s == StateHolderDisputed || s == StateProviderDisputed
}

// Outcome names how a record closed.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeMutualCancelled Outcome = "mutual_cancelled"
	OutcomeTimeoutRefund   Outcome = "timeout_refund"
	OutcomeTimeoutPayout   Outcome = "timeout_payout"
	OutcomeRulingRefund    Outcome = "ruling_refund"
	OutcomeRulingPayout    Outcome = "ruling_payout"
)

// Paid reports whether the provider was paid.
func (o Outcome) Paid() bool {
	return o == OutcomeCompleted || o == OutcomeTimeoutPayout || o == OutcomeRulingPayout
}

// Transition is one entry of a record's audit trail.
type Transition struct {
	From   State          `json:"from,omitempty"`
	To     State          `json:"to"`
	Actor  common.Address `json:"actor"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// Settlement summarises a completed payout.
type Settlement struct {
	Route           string   `json:"route"`
	SettlementFee   *big.Int `json:"settlementFee"`
	BridgeFee       *big.Int `json:"bridgeFee"`
	TotalDeductions *big.Int `json:"totalDeductions"`
	Net             *big.Int `json:"net"`
	ReceiptID       string   `json:"receiptId,omitempty"`
}

// Record is a persisted escrow. Records are never deleted; CLOSED is
// the logical end of life.
type Record struct {
	ID          uint64              `json:"id"`
	Agreement   agreement.Agreement `json:"agreement"`
	State       State               `json:"state"`
	TimeoutMode TimeoutMode         `json:"timeoutMode"`
	Fees        fees.Snapshot       `json:"fees"`
	Custody     common.Address      `json:"custody"`
	ProofRef    string              `json:"proofRef,omitempty"`
	DisputeID   uint64              `json:"disputeId,omitempty"`
	Disputer    common.Address      `json:"disputer,omitempty"`
	Outcome     Outcome             `json:"outcome,omitempty"`
	Settlement  *Settlement         `json:"settlement,omitempty"`
	History     []Transition        `json:"history"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	ClosedAt    *time.Time          `json:"closedAt,omitempty"`
}

// IsParty reports whether addr is the holder or the provider.
func (r *Record) IsParty(addr common.Address) bool {
	return addr == r.Agreement.Holder || addr == r.Agreement.Provider
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Agreement = r.Agreement.Clone()
	cp.Fees = r.Fees.Clone()
	cp.History = append([]Transition(nil), r.History...)
	if r.Settlement != nil {
		s := *r.Settlement
		s.SettlementFee = cloneInt(s.SettlementFee)
		s.BridgeFee = cloneInt(s.BridgeFee)
		s.TotalDeductions = cloneInt(s.TotalDeductions)
		s.Net = cloneInt(s.Net)
		cp.Settlement = &s
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// TimeoutMode selects the agreement shape and its TimeoutPolicy.
type TimeoutMode string

const (
	TimeoutDual   TimeoutMode = "dual"
	TimeoutSingle TimeoutMode = "single"
)

// Config is the ledger configuration replaced wholesale by governance.
type Config struct {
	Fees         fees.Params    `json:"fees"`
	MinTimeout   int64          `json:"minTimeout"` // seconds
	MaxTimeout   int64          `json:"maxTimeout"`
	TimeoutMode  TimeoutMode    `json:"timeoutMode"`
	FeeRecipient common.Address `json:"feeRecipient"`
	Authority    common.Address `json:"authority"` // arbitration authority identity and fee custody
	Paused       bool           `json:"paused"`
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	if c.MinTimeout <= 0 || c.MinTimeout > c.MaxTimeout {
		return governance.ErrInvalidConfig.Withf("timeout bounds [%d, %d] are invalid", c.MinTimeout, c.MaxTimeout)
	}
	if c.TimeoutMode != TimeoutDual && c.TimeoutMode != TimeoutSingle {
		return governance.ErrInvalidConfig.Withf("unknown timeout mode %q", c.TimeoutMode)
	}
	if c.FeeRecipient == (common.Address{}) {
		return governance.ErrInvalidConfig.Withf("fee recipient is required")
	}
	if c.Authority == (common.Address{}) {
		return governance.ErrInvalidConfig.Withf("arbitration authority is required")
	}
	return nil
}

// Bounds returns the agreement field bounds this configuration imposes.
func (c Config) Bounds() agreement.Bounds {
	return agreement.Bounds{MinTimeout: c.MinTimeout, MaxTimeout: c.MaxTimeout, SingleTimeout: c.TimeoutMode == TimeoutSingle}
}

// CreateRequest carries a dual-signed agreement and the attached deposit.
type CreateRequest struct {
	Agreement   agreement.Agreement `json:"agreement"`
	HolderSig   hexutil.Bytes       `json:"holderSig"`
	ProviderSig hexutil.Bytes       `json:"providerSig"`
	Deposit     *big.Int            `json:"deposit"`
}

// Store persists records and the nonce table.
type Store interface {
	// NextID allocates a record id. Ids are monotonic; gaps are allowed.
	NextID(ctx context.Context) (uint64, error)
	// Insert stores rec and consumes (holder, nonce) and (provider, nonce)
	// in one atomic step, failing with ErrNonceConsumed if either is taken.
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uint64) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	ListByParty(ctx context.Context, party common.Address, offset, limit int) ([]*Record, error)
	// ListExpired returns open records with id > afterID whose governing
	// timeout is before now, in id order.
	ListExpired(ctx context.Context, now int64, afterID uint64, limit int) ([]*Record, error)
	agreement.NonceBook
}

// Observer is notified of every committed transition.
type Observer func(ctx context.Context, rec *Record, t Transition)
