package reputation

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/units"
)

var ErrUnknownWallet = faults.New(faults.KindNotFound, "wallet_not_found", "wallet has no escrow history")

// Tracker is an in-process oracle fed by the event sink. It keeps one
// counter set per wallet.
type Tracker struct {
	mu    sync.RWMutex
	stats map[common.Address]*Score
	calc  *Calculator
	now   func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		stats: make(map[common.Address]*Score),
		calc:  NewCalculator(),
		now:   time.Now,
	}
}

// Notify implements Sink.
func (t *Tracker) Notify(_ context.Context, event string, wallet common.Address, metadata map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s, ok := t.stats[wallet]
	if !ok {
		s = &Score{Wallet: wallet, TotalVolume: new(big.Int), FirstSeen: now}
		t.stats[wallet] = s
	}
	s.LastActivity = now

	switch event {
	case EventEscrowCompleted:
		s.CompletedEscrows++
		if amt, ok := units.ParseBase(metadata["amount"]); ok {
			s.TotalVolume.Add(s.TotalVolume, amt)
		}
	case EventDisputeOpened:
		s.DisputedEscrows++
	case EventDisputeWon:
		s.DisputesWon++
	case EventDisputeLost:
		s.DisputesLost++
	}
	return nil
}

// ScoreOf implements Oracle.
func (t *Tracker) ScoreOf(_ context.Context, wallet common.Address) (Score, error) {
	t.mu.RLock()
	s, ok := t.stats[wallet]
	var cp Score
	if ok {
		cp = *s
		cp.TotalVolume = new(big.Int).Set(s.TotalVolume)
	}
	t.mu.RUnlock()

	if !ok {
		return Score{}, ErrUnknownWallet
	}
	return t.calc.Calculate(cp, t.now()), nil
}
