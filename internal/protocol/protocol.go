// Package protocol defines the messages exchanged between an escrow
// ledger and an arbitration authority, and the two ports they call each
// other through.
//
// The ledger opens disputes through an Arbiter; the authority delivers a
// resolved ruling through the ledger's RulingReceiver exactly once. Both
// ports have in-process implementations (the services themselves) and
// HTTP implementations in this package.
package protocol

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/faults"
)

var (
	ErrInvalidRuling    = faults.New(faults.KindValidation, "invalid_ruling", "ruling must be 0, 1 or 2")
	ErrInvalidMessage   = faults.New(faults.KindValidation, "invalid_message", "malformed protocol message")
	ErrBadSignature     = faults.New(faults.KindAuthorization, "bad_protocol_signature", "protocol message signature mismatch")
	ErrTransport        = faults.New(faults.KindInternal, "protocol_transport", "protocol peer unreachable")
	ErrAlreadyResolved  = faults.New(faults.KindState, "already_resolved", "dispute already resolved")
	ErrUnknownLedger    = faults.New(faults.KindAuthorization, "unknown_ledger", "ledger is not registered with the authority")
	ErrNotAuthority     = faults.New(faults.KindAuthorization, "only_arbitration_authority", "caller is not the arbitration authority")
	ErrDisputeNotFound  = faults.New(faults.KindNotFound, "dispute_not_found", "dispute not found")
	ErrDisputeMismatch  = faults.New(faults.KindState, "dispute_mismatch", "ruling does not match the escrow's open dispute")
	ErrAuthorityPaused  = faults.New(faults.KindState, "paused", "arbitration authority is paused")
	ErrAgentNotEligible = faults.New(faults.KindAuthorization, "only_active_agent", "caller is not an active arbitration agent")
)

// Ruling is an authority decision.
type Ruling uint8

const (
	RulingRefuse       Ruling = 0 // no decision on the merits; deposit returns to the holder
	RulingHolderWins   Ruling = 1
	RulingProviderWins Ruling = 2
)

// Valid reports whether r is one of the three defined rulings.
func (r Ruling) Valid() bool { return r <= RulingProviderWins }

func (r Ruling) String() string {
	switch r {
	case RulingRefuse:
		return "refuse"
	case RulingHolderWins:
		return "holder_wins"
	case RulingProviderWins:
		return "provider_wins"
	default:
		return "invalid"
	}
}

// DisputerWins reports whether a dispute raised by disputer is decided in
// its favour. A refused dispute is never a win.
func (r Ruling) DisputerWins(disputer, holder, provider common.Address) bool {
	switch r {
	case RulingHolderWins:
		return disputer == holder
	case RulingProviderWins:
		return disputer == provider
	default:
		return false
	}
}

// OpenDisputeRequest asks the authority to adjudicate an escrow. Fee is
// the exact amount the ledger moved into the authority's custody.
type OpenDisputeRequest struct {
	Ledger   common.Address `json:"ledger"`
	EscrowID uint64         `json:"escrowId"`
	Holder   common.Address `json:"holder"`
	Provider common.Address `json:"provider"`
	Amount   *big.Int       `json:"amount"`
	Disputer common.Address `json:"disputer"`
	Fee      *big.Int       `json:"fee"`
	Evidence string         `json:"evidence,omitempty"`
}

// Validate checks the request shape.
func (r OpenDisputeRequest) Validate() error {
	var zero common.Address
	switch {
	case r.Ledger == zero || r.Holder == zero || r.Provider == zero || r.Disputer == zero:
		return ErrInvalidMessage.Withf("ledger, holder, provider and disputer are required")
	case r.Disputer != r.Holder && r.Disputer != r.Provider:
		return ErrInvalidMessage.Withf("disputer must be a party")
	case r.Amount == nil || r.Amount.Sign() <= 0:
		return ErrInvalidMessage.Withf("amount must be positive")
	case r.Fee == nil || r.Fee.Sign() < 0:
		return ErrInvalidMessage.Withf("fee must not be negative")
	}
	return nil
}

// OpenDisputeResponse carries the authority's dispute handle.
type OpenDisputeResponse struct {
	DisputeID uint64    `json:"disputeId"`
	OpenedAt  time.Time `json:"openedAt"`
}

// RulingNotice is the single callback an authority issues per resolved
// dispute.
type RulingNotice struct {
	Authority  common.Address `json:"authority"`
	DisputeID  uint64         `json:"disputeId"`
	EscrowID   uint64         `json:"escrowId"`
	Ruling     Ruling         `json:"ruling"`
	Resolution string         `json:"resolution,omitempty"`
}

// Validate checks the notice shape.
func (n RulingNotice) Validate() error {
	if !n.Ruling.Valid() {
		return ErrInvalidRuling
	}
	if n.DisputeID == 0 {
		return ErrInvalidMessage.Withf("dispute id is required")
	}
	return nil
}

// Arbiter opens disputes on behalf of a ledger.
type Arbiter interface {
	Open(ctx context.Context, req OpenDisputeRequest) (OpenDisputeResponse, error)
}

// RulingReceiver applies a resolved ruling to the originating escrow.
type RulingReceiver interface {
	ApplyRuling(ctx context.Context, notice RulingNotice) error
}
