// Package realtime streams escrow transitions and dispute rulings to
// WebSocket clients.
//
// The Hub is registered on the ledger as an escrow.Observer and on the
// authority's notifier as a reputation.Sink. Clients connect to /ws and
// may narrow the feed by sending a Subscription as a JSON text frame.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/units"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventTransition EventType = "transition"
	EventRuling     EventType = "ruling"
)

// Event represents a real-time event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	EscrowID  uint64    `json:"escrowId"`
	Data      any       `json:"data"`

	parties []common.Address
	to      escrow.State
	amount  *big.Int
}

// TransitionData is the payload of a transition event.
type TransitionData struct {
	From     escrow.State   `json:"from,omitempty"`
	To       escrow.State   `json:"to"`
	Actor    common.Address `json:"actor"`
	Reason   string         `json:"reason,omitempty"`
	Holder   common.Address `json:"holder"`
	Provider common.Address `json:"provider"`
	Amount   string         `json:"amount"`
	Outcome  escrow.Outcome `json:"outcome,omitempty"`
}

// RulingData is the payload of a ruling event.
type RulingData struct {
	DisputeID string         `json:"disputeId"`
	Ruling    string         `json:"ruling"`
	Disputer  common.Address `json:"disputer"`
	Won       bool           `json:"won"`
}

// Subscription filters for a client. Empty fields match everything.
type Subscription struct {
	EventTypes []EventType      `json:"eventTypes"`
	Parties    []common.Address `json:"parties"`
	EscrowIDs  []uint64         `json:"escrowIds"`
	States     []escrow.State   `json:"states"`    // target state of a transition
	MinAmount  string           `json:"minAmount"` // decimal units; transitions only
	minAmount  *big.Int
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	now        func() time.Time

	// Stats
	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			msg, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("realtime event marshal failed", "type", event.Type, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(event) {
					select {
					case client.send <- msg:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
			}
		}
	}
}

func (c *Client) wants(event *Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	return sub.matches(event)
}

func (s Subscription) matches(event *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	if len(s.EscrowIDs) > 0 && !slices.Contains(s.EscrowIDs, event.EscrowID) {
		return false
	}
	if len(s.Parties) > 0 && !slices.ContainsFunc(event.parties, func(p common.Address) bool {
		return slices.Contains(s.Parties, p)
	}) {
		return false
	}
	if event.Type == EventTransition {
		if len(s.States) > 0 && !slices.Contains(s.States, event.to) {
			return false
		}
		if s.minAmount != nil && event.amount != nil && event.amount.Cmp(s.minAmount) < 0 {
			return false
		}
	}
	return true
}

// Broadcast sends an event to all matching clients. It never blocks; a
// full queue drops the event.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type, "escrowId", event.EscrowID)
	}
}

// ObserveTransition is an escrow.Observer.
func (h *Hub) ObserveTransition(_ context.Context, rec *escrow.Record, t escrow.Transition) {
	a := rec.Agreement
	data := TransitionData{
		From:     t.From,
		To:       t.To,
		Actor:    t.Actor,
		Reason:   t.Reason,
		Holder:   a.Holder,
		Provider: a.Provider,
		Amount:   units.Format(a.Amount),
	}
	if t.To == escrow.StateClosed {
		data.Outcome = rec.Outcome
	}
	h.Broadcast(&Event{
		Type:      EventTransition,
		Timestamp: t.At,
		EscrowID:  rec.ID,
		Data:      data,
		parties:   []common.Address{a.Holder, a.Provider},
		to:        t.To,
		amount:    a.Amount,
	})
}

// Notify implements reputation.Sink for dispute rulings. Every other
// event is already visible as a transition.
func (h *Hub) Notify(_ context.Context, event string, party common.Address, metadata map[string]string) error {
	if event != reputation.EventDisputeWon && event != reputation.EventDisputeLost {
		return nil
	}
	escrowID, _ := strconv.ParseUint(metadata["escrowId"], 10, 64)
	h.Broadcast(&Event{
		Type:      EventRuling,
		Timestamp: h.now().UTC(),
		EscrowID:  escrowID,
		Data: RulingData{
			DisputeID: metadata["disputeId"],
			Ruling:    metadata["ruling"],
			Disputer:  party,
			Won:       event == reputation.EventDisputeWon,
		},
		parties: []common.Address{party},
	})
	return nil
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// parseSubscription decodes a client frame. A MinAmount that is not a
// decimal amount rejects the whole frame.
func parseSubscription(message []byte) (Subscription, bool) {
	var sub Subscription
	if err := json.Unmarshal(message, &sub); err != nil {
		return Subscription{}, false
	}
	if sub.MinAmount != "" {
		floor, ok := units.Parse(sub.MinAmount)
		if !ok {
			return Subscription{}, false
		}
		sub.minAmount = floor
	}
	return sub, true
}

// readPump reads subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		if sub, ok := parseSubscription(message); ok {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
