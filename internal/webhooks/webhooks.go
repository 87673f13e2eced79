// Package webhooks delivers escrow and dispute events to HTTP endpoints.
//
// Parties register subscriptions for the events that name them; an
// optional operator endpoint receives every event. The Dispatcher is a
// reputation.Sink, so it hangs off the same best-effort notifier the
// ledger and the authority already call. Deliveries are queued and sent
// by background workers; a full queue drops the event.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/faults"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Escrowd-Event"
	HeaderTimestamp = "X-Escrowd-Timestamp"
	HeaderSignature = "X-Escrowd-Signature"
)

// MaxConsecutiveFailures deactivates a subscription that keeps failing.
const MaxConsecutiveFailures = 10

var (
	ErrNotFound        = faults.New(faults.KindNotFound, "webhook_not_found", "webhook not found")
	ErrInvalidURL      = faults.New(faults.KindValidation, "invalid_webhook_url", "webhook URL is not allowed")
	ErrUnknownEvent    = faults.New(faults.KindValidation, "unknown_event", "unknown event type")
	ErrNotOwner        = faults.New(faults.KindAuthorization, "not_webhook_owner", "webhook belongs to another party")
	errStoreFailure    = faults.New(faults.KindInternal, "webhook_store_failed", "webhook store failed")
	errDeliveryFailure = errors.New("webhook delivery failed")
)

// EventType names a deliverable event.
type EventType string

const (
	EventEscrowCreated   EventType = reputation.EventEscrowCreated
	EventEscrowCompleted EventType = reputation.EventEscrowCompleted
	EventEscrowCancelled EventType = reputation.EventEscrowCancelled
	EventEscrowTimedOut  EventType = reputation.EventEscrowTimedOut
	EventDisputeOpened   EventType = reputation.EventDisputeOpened
	EventDisputeWon      EventType = reputation.EventDisputeWon
	EventDisputeLost     EventType = reputation.EventDisputeLost
)

// KnownEvents lists every event a subscription may name.
var KnownEvents = []EventType{
	EventEscrowCreated, EventEscrowCompleted, EventEscrowCancelled, EventEscrowTimedOut,
	EventDisputeOpened, EventDisputeWon, EventDisputeLost,
}

// Known reports whether t is a deliverable event.
func (t EventType) Known() bool {
	for _, k := range KnownEvents {
		if k == t {
			return true
		}
	}
	return false
}

// Event is the delivered payload.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Party     common.Address    `json:"party"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// Subscription routes a party's events to a URL.
type Subscription struct {
	ID                  string         `json:"id"`
	Party               common.Address `json:"party"`
	URL                 string         `json:"url"`
	Secret              string         `json:"-"` // Used for HMAC signing
	Events              []EventType    `json:"events"`
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"createdAt"`
	LastSuccess         *time.Time     `json:"lastSuccess,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// Wants reports whether the subscription takes events of type t.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByParty(ctx context.Context, party common.Address) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// target is one resolved destination. sub is nil for the operator endpoint.
type target struct {
	sub    *Subscription
	url    string
	secret string
}

type delivery struct {
	target target
	event  Event
}

// Dispatcher queues and sends webhook events.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	policy       retry.Policy
	urlValidator func(string) error
	now          func() time.Time

	fallbackURL    string
	fallbackSecret string

	queue    chan delivery
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		policy:       retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		urlValidator: ValidateURL,
		now:          time.Now,
		queue:        make(chan delivery, 256),
		stop:         make(chan struct{}),
	}
}

// WithFallback sends every event to url as well, signed with secret.
func (d *Dispatcher) WithFallback(url, secret string) *Dispatcher {
	d.fallbackURL, d.fallbackSecret = url, secret
	return d
}

// WithRetry overrides the per-delivery retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Start launches n delivery workers.
func (d *Dispatcher) Start(n int) {
	if n <= 0 {
		n = 1
	}
	for range n {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop halts the workers once their current delivery finishes. Queued
// events are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case job := <-d.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			d.deliver(ctx, job.target, job.event)
			cancel()
		}
	}
}

// deliver sends one event with retries and records the outcome on the
// subscription.
func (d *Dispatcher) deliver(ctx context.Context, tg target, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("webhook payload marshal failed", "event", ev.Type, "error", err)
		return
	}
	err = retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.send(ctx, tg, ev, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.logger.Warn("webhook delivery failed", "event", ev.Type, "url", tg.url, "error", err)
		d.recordFailure(ctx, tg.sub, err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.recordSuccess(ctx, tg.sub)
}

func (d *Dispatcher) send(ctx context.Context, tg target, ev Event, payload []byte) error {
	if tg.sub != nil {
		if err := d.urlValidator(tg.url); err != nil {
			return retry.Permanent(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tg.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if tg.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, tg.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("%w: status %d", errDeliveryFailure, resp.StatusCode))
	default:
		return fmt.Errorf("%w: status %d", errDeliveryFailure, resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	if sub == nil {
		return
	}
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhookId", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, cause error) {
	if sub == nil {
		return
	}
	sub.LastError = cause.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures", "webhookId", sub.ID, "party", sub.Party.Hex())
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhookId", sub.ID, "error", err)
	}
}

// ValidateURL accepts http(s) URLs whose host is not a loopback, private
// or link-local address literal.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInvalidURL.Withf("malformed URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrInvalidURL.Withf("scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return ErrInvalidURL.Withf("localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrInvalidURL.Withf("address %s", ip)
		}
	}
	return nil
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByParty(_ context.Context, party common.Address) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Party == party {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
