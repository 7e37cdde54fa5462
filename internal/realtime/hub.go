// Package realtime streams registry events to WebSocket subscribers.
//
// Off-chain consumers such as dashboards and tier-enforcing proxies
// subscribe here instead of polling badges. Three events are emitted:
// code_updated when an agent publishes a new build, score_changed on every
// reputation change and tier_changed when a change crosses a tier boundary.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/registry"
)

// EventType names a realtime event.
type EventType string

const (
	EventCodeUpdated  EventType = "code_updated"
	EventScoreChanged EventType = "score_changed"
	EventTierChanged  EventType = "tier_changed"

	// Control frames sent only to the client that updated its subscription.
	EventSubscribed EventType = "subscribed"
	EventError      EventType = "error"
)

func (t EventType) known() bool {
	switch t {
	case EventCodeUpdated, EventScoreChanged, EventTierChanged:
		return true
	}
	return false
}

// Event is one frame on the socket. Tier is set on score and tier events.
type Event struct {
	Type      EventType     `json:"type"`
	Agent     string        `json:"agent,omitempty"`
	Tier      registry.Tier `json:"tier,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Data      any           `json:"data"`
}

// ScoreChange is the payload of score_changed and tier_changed events.
type ScoreChange struct {
	Score        uint16        `json:"score"`
	Tier         registry.Tier `json:"tier"`
	PreviousTier registry.Tier `json:"previous_tier"`
}

// Stats summarizes hub activity.
type Stats struct {
	ConnectedClients int   `json:"connected_clients"`
	PeakClients      int64 `json:"peak_clients"`
	TotalClients     int64 `json:"total_clients"`
	TotalEvents      int64 `json:"total_events"`
	DroppedEvents    int64 `json:"dropped_events"`
}

// DefaultMaxClients bounds concurrent WebSocket connections.
const DefaultMaxClients = 10000

// Hub fans registry events out to clients. It implements registry.Notifier.
type Hub struct {
	logger     *slog.Logger
	now        func() time.Time
	maxClients int
	origins    []string

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	mu      sync.RWMutex
	clients map[*Client]struct{}

	totalEvents   atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
	droppedEvents atomic.Int64
}

var _ registry.Notifier = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

// WithOrigins sets the browser origins allowed to connect. "*" allows any.
// Same-host and non-browser clients are always allowed.
func WithOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) { h.maxClients = n }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// NewHub returns a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		now:        time.Now,
		maxClients: DefaultMaxClients,
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run delivers events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// deliver sends event to every matching client. Clients whose buffers are
// full are disconnected rather than allowed to stall the hub.
func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.filter().match(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()
	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			h.logger.Warn("disconnecting slow websocket client")
			h.drop(client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// drop removes client. Caller must hold h.mu.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send) // writePump sends a close frame
}

// Broadcast queues event without blocking. Events are dropped when the
// queue is full.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", event.Type, "agent", event.Agent)
	}
}

// CodeUpdated publishes a code_updated event.
func (h *Hub) CodeUpdated(_ context.Context, ev messages.CodeUpdated) {
	h.Broadcast(&Event{
		Type:      EventCodeUpdated,
		Agent:     ev.Agent,
		Timestamp: ev.Timestamp,
		Data:      ev,
	})
}

// ScoreChanged publishes score_changed, plus tier_changed when the tier moved.
func (h *Hub) ScoreChanged(_ context.Context, b *registry.Badge, previous registry.Tier) {
	change := ScoreChange{Score: b.ReputationScore, Tier: b.Tier(), PreviousTier: previous}
	now := h.now()
	h.Broadcast(&Event{Type: EventScoreChanged, Agent: b.Owner, Tier: change.Tier, Timestamp: now, Data: change})
	if change.Tier != previous {
		h.Broadcast(&Event{Type: EventTierChanged, Agent: b.Owner, Tier: change.Tier, Timestamp: now, Data: change})
	}
}

// Running reports whether Run is still active.
func (h *Hub) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peakClients.Load(),
		TotalClients:     h.totalClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
	}
}
