package bridge

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/units"
)

// FeeSchedule prices one destination network.
type FeeSchedule struct {
	BaseFee *big.Int // flat native fee
	FeeBps  uint64   // proportional native fee
	AuxFee  *big.Int // flat auxiliary fee
}

// MemoryBridge is a deterministic in-process bridging service for
// development and tests.
type MemoryBridge struct {
	mu        sync.Mutex
	schedules map[uint32]FeeSchedule
	fallback  FeeSchedule
	sent      []Request
	failSend  error
	failQuote error
	now       func() time.Time
}

// NewMemoryBridge creates a bridge charging fallback on every network
// without its own schedule.
func NewMemoryBridge(fallback FeeSchedule) *MemoryBridge {
	return &MemoryBridge{schedules: make(map[uint32]FeeSchedule), fallback: fallback, now: time.Now}
}

// SetSchedule prices network dst.
func (m *MemoryBridge) SetSchedule(dst uint32, s FeeSchedule) {
	m.mu.Lock()
	m.schedules[dst] = s
	m.mu.Unlock()
}

// FailSends makes every Send return err until called with nil.
func (m *MemoryBridge) FailSends(err error) {
	m.mu.Lock()
	m.failSend = err
	m.mu.Unlock()
}

// FailEstimates makes every EstimateFee return err until called with nil.
func (m *MemoryBridge) FailEstimates(err error) {
	m.mu.Lock()
	m.failQuote = err
	m.mu.Unlock()
}

// Sent returns the dispatched requests.
func (m *MemoryBridge) Sent() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.sent...)
}

func (m *MemoryBridge) EstimateFee(_ context.Context, dst uint32, amount *big.Int, _ []byte) (*big.Int, *big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failQuote != nil {
		return nil, nil, m.failQuote
	}
	s, ok := m.schedules[dst]
	if !ok {
		s = m.fallback
	}
	prop, err := units.MulBps(amount, s.FeeBps)
	if err != nil {
		return nil, nil, err
	}
	native, err := units.Add(s.BaseFee, prop)
	if err != nil {
		return nil, nil, err
	}
	aux := new(big.Int)
	if s.AuxFee != nil {
		aux.Set(s.AuxFee)
	}
	return native, aux, nil
}

func (m *MemoryBridge) Send(_ context.Context, req Request) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend != nil {
		return Receipt{}, m.failSend
	}
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return Receipt{}, errors.New("invalid bridge amount")
	}
	m.sent = append(m.sent, req)
	return Receipt{
		ID:           idgen.WithPrefix(idgen.Transfer),
		Reference:    req.Reference,
		DstNetworkID: req.DstNetworkID,
		Amount:       new(big.Int).Set(req.Amount),
		SentAt:       m.now(),
	}, nil
}
