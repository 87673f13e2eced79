package webhooks

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Notify implements reputation.Sink. It never blocks on the network.
func (d *Dispatcher) Notify(ctx context.Context, event string, party common.Address, metadata map[string]string) error {
	t := EventType(event)
	if !t.Known() {
		return nil
	}
	webhookEmitTotal.WithLabelValues(event).Inc()
	ev := Event{
		ID:        idgen.WithPrefix(idgen.Event),
		Type:      t,
		Party:     party,
		Timestamp: d.now().UTC(),
		Data:      metadata,
	}
	// The operator endpoint still gets the event when the party's
	// subscriptions cannot be loaded.
	targets, err := d.targets(ctx, ev)
	if err != nil {
		webhookEmitErrors.WithLabelValues(event).Inc()
		err = fmt.Errorf("resolve webhook targets: %w", err)
	}
	for _, tg := range targets {
		select {
		case d.queue <- delivery{target: tg, event: ev}:
		default:
			metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
			d.logger.Warn("webhook queue full, event dropped", "event", event, "url", tg.url)
		}
	}
	return err
}

func (d *Dispatcher) targets(ctx context.Context, ev Event) ([]target, error) {
	var out []target
	if d.fallbackURL != "" {
		out = append(out, target{url: d.fallbackURL, secret: d.fallbackSecret})
	}
	if ev.Party == (common.Address{}) {
		return out, nil
	}
	subs, err := d.store.ListByParty(ctx, ev.Party)
	if err != nil {
		return out, err
	}
	for _, sub := range subs {
		if sub.Wants(ev.Type) {
			out = append(out, target{sub: sub, url: sub.URL, secret: sub.Secret})
		}
	}
	return out, nil
}
