package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event names emitted by the ledger and the authority.
const (
	EventEscrowCreated   = "escrow.created"
	EventEscrowCompleted = "escrow.completed"
	EventEscrowCancelled = "escrow.cancelled"
	EventEscrowTimedOut  = "escrow.timed_out"
	EventDisputeOpened   = "dispute.opened"
	EventDisputeWon      = "dispute.won"
	EventDisputeLost     = "dispute.lost"
)

// Sink receives reputation events.
type Sink interface {
	Notify(ctx context.Context, event string, wallet common.Address, metadata map[string]string) error
}

// Notifier fans events out to sinks without ever failing the caller.
// Sink errors and panics are logged and dropped.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a notifier over sinks. Nil sinks are skipped.
func NewNotifier(logger *slog.Logger, sinks ...Sink) *Notifier {
	n := &Notifier{timeout: 2 * time.Second, logger: logger}
	for _, s := range sinks {
		if s != nil {
			n.sinks = append(n.sinks, s)
		}
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	return n
}

// Notify delivers the event to every sink in order.
func (n *Notifier) Notify(ctx context.Context, event string, wallet common.Address, metadata map[string]string) {
	if n == nil {
		return
	}
	for _, s := range n.sinks {
		if err := n.deliver(ctx, s, event, wallet, metadata); err != nil {
			n.logger.Warn("reputation notify failed", "event", event, "wallet", wallet.Hex(), "error", err)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, s Sink, event string, wallet common.Address, metadata map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	return s.Notify(ctx, event, wallet, metadata)
}
