package vault

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/idgen"
)

type hold struct {
	postings []Posting
}

// MemoryStore is an in-memory vault store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[common.Address]*Balance
	holds    map[string]*hold
	entries  []*Entry
	refs     map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]*Balance),
		holds:    make(map[string]*hold),
		refs:     make(map[string]bool),
	}
}

func (m *MemoryStore) balance(addr common.Address) *Balance {
	b, ok := m.balances[addr]
	if !ok {
		b = &Balance{
			Address:   addr,
			Available: new(big.Int),
			Pending:   new(big.Int),
			TotalIn:   new(big.Int),
			TotalOut:  new(big.Int),
		}
		m.balances[addr] = b
	}
	return b
}

func (m *MemoryStore) record(addr common.Address, typ string, amount *big.Int, counterparty common.Address, ref string) {
	m.entries = append(m.entries, &Entry{
		ID:           idgen.WithPrefix(idgen.VaultEntry),
		Address:      addr,
		Type:         typ,
		Amount:       new(big.Int).Set(amount),
		Counterparty: counterparty,
		Reference:    ref,
		CreatedAt:    time.Now(),
	})
}

func (m *MemoryStore) GetBalance(_ context.Context, addr common.Address) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[addr]
	if !ok {
		return &Balance{Address: addr, Available: new(big.Int), Pending: new(big.Int), TotalIn: new(big.Int), TotalOut: new(big.Int)}, nil
	}
	return &Balance{
		Address:   b.Address,
		Available: new(big.Int).Set(b.Available),
		Pending:   new(big.Int).Set(b.Pending),
		TotalIn:   new(big.Int).Set(b.TotalIn),
		TotalOut:  new(big.Int).Set(b.TotalOut),
		UpdatedAt: b.UpdatedAt,
	}, nil
}

func (m *MemoryStore) Credit(_ context.Context, addr common.Address, amount *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reference != "" {
		if m.refs[reference] {
			return ErrDuplicateDeposit
		}
		m.refs[reference] = true
	}
	b := m.balance(addr)
	b.Available.Add(b.Available, amount)
	b.TotalIn.Add(b.TotalIn, amount)
	b.UpdatedAt = time.Now()
	m.record(addr, EntryDeposit, amount, common.Address{}, reference)
	return nil
}

func (m *MemoryStore) Debit(_ context.Context, addr common.Address, amount *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balance(addr)
	if b.Available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	b.Available.Sub(b.Available, amount)
	b.TotalOut.Add(b.TotalOut, amount)
	b.UpdatedAt = time.Now()
	m.record(addr, EntryWithdrawal, amount, common.Address{}, reference)
	return nil
}

func (m *MemoryStore) Hold(_ context.Context, holdID string, postings []Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every source before touching any of them.
	need := make(map[common.Address]*big.Int)
	for _, p := range postings {
		if need[p.From] == nil {
			need[p.From] = new(big.Int)
		}
		need[p.From].Add(need[p.From], p.Amount)
	}
	for addr, amt := range need {
		if m.balance(addr).Available.Cmp(amt) < 0 {
			return ErrInsufficientBalance.Withf("%s needs %s", addr.Hex(), amt)
		}
	}

	now := time.Now()
	for _, p := range postings {
		b := m.balance(p.From)
		b.Available.Sub(b.Available, p.Amount)
		b.Pending.Add(b.Pending, p.Amount)
		b.UpdatedAt = now
		m.record(p.From, EntryHold, p.Amount, p.To, holdID)
	}
	m.holds[holdID] = &hold{postings: postings}
	return nil
}

func (m *MemoryStore) ConfirmHold(_ context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	now := time.Now()
	for _, p := range h.postings {
		src := m.balance(p.From)
		src.Pending.Sub(src.Pending, p.Amount)
		src.TotalOut.Add(src.TotalOut, p.Amount)
		src.UpdatedAt = now
		m.record(p.From, EntryTransferOut, p.Amount, p.To, holdID)

		dst := m.balance(p.To)
		dst.Available.Add(dst.Available, p.Amount)
		dst.TotalIn.Add(dst.TotalIn, p.Amount)
		dst.UpdatedAt = now
		m.record(p.To, EntryTransferIn, p.Amount, p.From, holdID)
	}
	delete(m.holds, holdID)
	return nil
}

func (m *MemoryStore) ReleaseHold(_ context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	now := time.Now()
	for _, p := range h.postings {
		b := m.balance(p.From)
		b.Pending.Sub(b.Pending, p.Amount)
		b.Available.Add(b.Available, p.Amount)
		b.UpdatedAt = now
		m.record(p.From, EntryRelease, p.Amount, p.To, holdID)
	}
	delete(m.holds, holdID)
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, addr common.Address, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Address == addr {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
