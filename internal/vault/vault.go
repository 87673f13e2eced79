// Package vault holds custody balances for every participant and escrow.
//
// Value moves through two-phase postings. Prepare reserves every source
// amount of a batch at once (all or nothing); the caller then performs
// its external work and either commits the batch, crediting the
// destinations, or aborts it, returning the reservations. Nothing a
// prepared batch does is visible as a completed transfer until Commit.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/idgen"
)

var (
	ErrInsufficientBalance = faults.New(faults.KindEconomic, "insufficient_balance", "insufficient balance")
	ErrInvalidAmount       = faults.New(faults.KindValidation, "invalid_amount", "amount must be positive")
	ErrHoldNotFound        = faults.New(faults.KindNotFound, "hold_not_found", "hold not found")
	ErrHoldSettled         = faults.New(faults.KindState, "hold_settled", "hold already committed or aborted")
	ErrDuplicateDeposit    = faults.New(faults.KindState, "duplicate_deposit", "deposit reference already processed")
)

// Entry types.
const (
	EntryDeposit     = "deposit"
	EntryWithdrawal  = "withdrawal"
	EntryHold        = "hold"
	EntryRelease     = "release"
	EntryTransferIn  = "transfer_in"
	EntryTransferOut = "transfer_out"
)

// Posting moves Amount from From to To.
type Posting struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
	Memo   string         `json:"memo,omitempty"`
}

// Balance is one address's position.
type Balance struct {
	Address   common.Address `json:"address"`
	Available *big.Int       `json:"available"`
	Pending   *big.Int       `json:"pending"` // reserved by prepared postings
	TotalIn   *big.Int       `json:"totalIn"`
	TotalOut  *big.Int       `json:"totalOut"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Entry is one line of an address's history.
type Entry struct {
	ID           string         `json:"id"`
	Address      common.Address `json:"address"`
	Type         string         `json:"type"`
	Amount       *big.Int       `json:"amount"`
	Counterparty common.Address `json:"counterparty,omitempty"`
	Reference    string         `json:"reference,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Store persists balances, holds and history.
type Store interface {
	GetBalance(ctx context.Context, addr common.Address) (*Balance, error)
	Credit(ctx context.Context, addr common.Address, amount *big.Int, reference string) error
	Debit(ctx context.Context, addr common.Address, amount *big.Int, reference string) error
	// Hold reserves every posting's source amount atomically.
	Hold(ctx context.Context, holdID string, postings []Posting) error
	ConfirmHold(ctx context.Context, holdID string) error
	ReleaseHold(ctx context.Context, holdID string) error
	GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error)
}

// Vault is the custody service.
type Vault struct {
	store Store
}

// New creates a vault over store.
func New(store Store) *Vault {
	return &Vault{store: store}
}

// CustodyAddress derives the address holding funds for escrow id.
func CustodyAddress(id uint64) common.Address {
	h := crypto.Keccak256([]byte("escrow"), []byte(strconv.FormatUint(id, 10)))
	return common.BytesToAddress(h[12:])
}

// Balance returns addr's balance. Unknown addresses have a zero balance.
func (v *Vault) Balance(ctx context.Context, addr common.Address) (*Balance, error) {
	return v.store.GetBalance(ctx, addr)
}

// History returns addr's most recent entries, newest first.
func (v *Vault) History(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return v.store.GetHistory(ctx, addr, limit)
}

// Deposit credits addr with externally received value. A non-empty
// reference is processed at most once.
func (v *Vault) Deposit(ctx context.Context, addr common.Address, amount *big.Int, reference string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return v.store.Credit(ctx, addr, amount, reference)
}

// Withdraw debits addr for value leaving the system.
func (v *Vault) Withdraw(ctx context.Context, addr common.Address, amount *big.Int, reference string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return v.store.Debit(ctx, addr, amount, reference)
}

// Prepare reserves the sources of every posting. Zero-amount postings are
// dropped. The returned Pending must be committed or aborted.
func (v *Vault) Prepare(ctx context.Context, reference string, postings ...Posting) (*Pending, error) {
	batch := make([]Posting, 0, len(postings))
	for _, p := range postings {
		if p.Amount == nil || p.Amount.Sign() < 0 {
			return nil, ErrInvalidAmount.Withf("posting %s -> %s", p.From.Hex(), p.To.Hex())
		}
		if p.Amount.Sign() == 0 {
			continue
		}
		batch = append(batch, Posting{From: p.From, To: p.To, Amount: new(big.Int).Set(p.Amount), Memo: p.Memo})
	}
	pend := &Pending{vault: v, id: idgen.WithPrefix(idgen.Hold), reference: reference, postings: batch}
	if len(batch) == 0 {
		return pend, nil
	}
	if err := v.store.Hold(ctx, pend.id, batch); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", reference, err)
	}
	return pend, nil
}

// Transfer prepares and immediately commits postings.
func (v *Vault) Transfer(ctx context.Context, reference string, postings ...Posting) error {
	pend, err := v.Prepare(ctx, reference, postings...)
	if err != nil {
		return err
	}
	return pend.Commit(ctx)
}

// Pending is a prepared, unsettled batch of postings.
type Pending struct {
	vault     *Vault
	id        string
	reference string
	postings  []Posting
	mu        sync.Mutex
	done      bool
}

// ID returns the hold identifier.
func (p *Pending) ID() string { return p.id }

// Commit credits every destination.
func (p *Pending) Commit(ctx context.Context) error {
	return p.settle(ctx, true)
}

// Abort returns every reservation to its source. Aborting a settled batch
// is a no-op, so callers may defer it unconditionally.
func (p *Pending) Abort(ctx context.Context) error {
	err := p.settle(ctx, false)
	if errors.Is(err, ErrHoldSettled) {
		return nil
	}
	return err
}

func (p *Pending) settle(ctx context.Context, commit bool) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return ErrHoldSettled
	}
	if len(p.postings) == 0 {
		p.done = true
		return nil
	}
	// Settlement must not be lost to a cancelled request context.
	ctx = context.WithoutCancel(ctx)
	var err error
	if commit {
		err = p.vault.store.ConfirmHold(ctx, p.id)
	} else {
		err = p.vault.store.ReleaseHold(ctx, p.id)
	}
	if err != nil {
		return fmt.Errorf("settle %s: %w", p.reference, err)
	}
	p.done = true
	return nil
}
