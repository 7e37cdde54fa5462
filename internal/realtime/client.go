package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Subscription is the JSON a client sends to choose its events. An empty
// subscription receives everything. MinTier restricts score and tier
// events to agents at or above that tier.
type Subscription struct {
	AllEvents  bool          `json:"all_events"`
	EventTypes []EventType   `json:"event_types,omitempty"`
	Agents     []string      `json:"agents,omitempty"`
	MinTier    registry.Tier `json:"min_tier,omitempty"`
}

type filter struct {
	all     bool
	types   map[EventType]struct{}
	agents  map[string]struct{}
	minTier registry.Tier
}

var matchAll = filter{all: true}

func (s Subscription) compile() (filter, error) {
	if s.AllEvents {
		return matchAll, nil
	}
	f := filter{}
	if len(s.EventTypes) > 0 {
		f.types = make(map[EventType]struct{}, len(s.EventTypes))
		for _, t := range s.EventTypes {
			if !t.known() {
				return filter{}, fmt.Errorf("unknown event type %q", t)
			}
			f.types[t] = struct{}{}
		}
	}
	if len(s.Agents) > 0 {
		f.agents = make(map[string]struct{}, len(s.Agents))
		for _, a := range s.Agents {
			addr, ok := chain.NormalizeAddress(a)
			if !ok {
				return filter{}, fmt.Errorf("invalid agent address %q", a)
			}
			f.agents[addr] = struct{}{}
		}
	}
	if s.MinTier != "" {
		tier, ok := registry.ParseTier(string(s.MinTier))
		if !ok {
			return filter{}, fmt.Errorf("unknown tier %q", s.MinTier)
		}
		f.minTier = tier
	}
	return f, nil
}

func (f filter) match(ev *Event) bool {
	if f.all {
		return true
	}
	if f.types != nil {
		if _, ok := f.types[ev.Type]; !ok {
			return false
		}
	}
	if f.agents != nil {
		if _, ok := f.agents[strings.ToLower(ev.Agent)]; !ok {
			return false
		}
	}
	if f.minTier != "" && ev.Tier != "" && !ev.Tier.AtLeast(f.minTier) {
		return false
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	// send carries hub events and is closed by the hub. control carries
	// replies to subscription updates and is never closed.
	send    chan []byte
	control chan []byte

	mu  sync.RWMutex
	sub filter
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		control: make(chan []byte, 4),
		sub:     matchAll,
	}
}

func (c *Client) filter() filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// subscribe applies a subscription frame and queues the reply.
func (c *Client) subscribe(raw []byte) {
	var sub Subscription
	err := json.Unmarshal(raw, &sub)
	var f filter
	if err == nil {
		f, err = sub.compile()
	}
	reply := &Event{Type: EventSubscribed, Timestamp: c.hub.now(), Data: sub}
	if err != nil {
		reply = &Event{Type: EventError, Timestamp: c.hub.now(), Data: map[string]string{"message": err.Error()}}
	} else {
		c.mu.Lock()
		c.sub = f
		c.mu.Unlock()
	}

	payload, _ := json.Marshal(reply)
	select {
	case c.control <- payload:
	default:
	}
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and serves events until the client
// disconnects or the hub stops.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.Running() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.subscribe(frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, []byte{})
				return
			}
			if err := write(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case frame := <-c.control:
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
