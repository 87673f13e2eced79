package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the sweeper looks for expired records.
const DefaultSweepInterval = 30 * time.Second

const sweepBatch = 100

// Sweeper periodically applies expired timeouts. Each sweep takes the next
// page of candidates after the last id it tried and wraps to the start
// when a page comes back short, so records that keep failing cannot hold
// back the ones behind them.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu     sync.Mutex // serializes sweeps
	cursor uint64
}

// NewSweeper creates a sweeper. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(ledger *Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger:   ledger,
		interval: interval,
		batch:    sweepBatch,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep resolves one page of expired records and returns how many were
// resolved.
func (s *Sweeper) Sweep(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired, err := s.ledger.ListExpired(ctx, s.cursor, s.batch)
	if err != nil {
		s.logger.Warn("failed to list expired escrows", "after", s.cursor, "error", err)
		return 0
	}
	if len(expired) < s.batch {
		s.cursor = 0
	} else {
		s.cursor = expired[len(expired)-1].ID
	}

	resolved := 0
	for _, rec := range expired {
		out, err := s.ledger.ResolveTimeout(ctx, rec.ID)
		if err != nil {
			s.logger.Warn("failed to resolve escrow timeout",
				"escrowId", rec.ID,
				"state", string(rec.State),
				"error", err,
			)
			continue
		}
		resolved++
		s.logger.Info("resolved escrow timeout",
			"escrowId", out.ID,
			"holder", out.Agreement.Holder.Hex(),
			"provider", out.Agreement.Provider.Hex(),
			"outcome", string(out.Outcome),
		)
	}
	return resolved
}
