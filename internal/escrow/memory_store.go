package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/pagination"
)

type nonceKey struct {
	party common.Address
	nonce string
}

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	next    uint64
	records map[uint64]*Record
	nonces  map[nonceKey]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint64]*Record),
		nonces:  make(map[nonceKey]uint64),
	}
}

func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return m.next, nil
}

func (m *MemoryStore) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := rec.Agreement.Nonce.String()
	hk := nonceKey{rec.Agreement.Holder, n}
	pk := nonceKey{rec.Agreement.Provider, n}
	if _, used := m.nonces[hk]; used {
		return ErrNonceConsumed
	}
	if _, used := m.nonces[pk]; used {
		return ErrNonceConsumed
	}
	m.nonces[hk] = rec.ID
	m.nonces[pk] = rec.ID
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, party common.Address, offset, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []uint64
	for id, rec := range m.records {
		if rec.IsParty(party) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	start, end := pagination.Page{Offset: offset, Limit: limit}.Window(len(ids))
	ids = ids[start:end]
	result := make([]*Record, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.records[id].Clone())
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now int64, afterID uint64, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.ID <= afterID {
			continue
		}
		deadline, ok := PolicyFor(rec.TimeoutMode).Deadline(rec.Agreement, rec.State)
		if ok && deadline < now {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) NonceUsed(_ context.Context, party common.Address, nonce *big.Int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, used := m.nonces[nonceKey{party, nonce.String()}]
	return used, nil
}
