package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/kya/internal/messages"
	"github.com/mbd888/kya/internal/registry"
)

const (
	agentA = "0x1111111111111111111111111111111111111111"
	agentB = "0x2222222222222222222222222222222222222222"
)

func runHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(slog.Default(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func mustCompile(t *testing.T, s Subscription) filter {
	t.Helper()
	f, err := s.compile()
	require.NoError(t, err)
	return f
}

func attach(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	client := &Client{hub: h, send: make(chan []byte, 16), control: make(chan []byte, 4), sub: mustCompile(t, sub)}
	h.register <- client
	require.Eventually(t, func() bool {
		return h.Stats().ConnectedClients >= 1
	}, time.Second, 5*time.Millisecond)
	return client
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscription_AllEventsIgnoresFilters(t *testing.T) {
	f := mustCompile(t, Subscription{AllEvents: true, Agents: []string{agentB}})
	assert.True(t, f.match(&Event{Type: EventCodeUpdated, Agent: agentA}))
}

func TestSubscription_EventTypes(t *testing.T) {
	f := mustCompile(t, Subscription{EventTypes: []EventType{EventTierChanged}})
	assert.True(t, f.match(&Event{Type: EventTierChanged}))
	assert.False(t, f.match(&Event{Type: EventScoreChanged}))
}

func TestSubscription_AgentsAreNormalized(t *testing.T) {
	f := mustCompile(t, Subscription{Agents: []string{"0x" + strings.ToUpper(agentA[2:])}})
	assert.True(t, f.match(&Event{Type: EventScoreChanged, Agent: agentA}))
	assert.False(t, f.match(&Event{Type: EventScoreChanged, Agent: agentB}))
}

func TestSubscription_MinTier(t *testing.T) {
	f := mustCompile(t, Subscription{MinTier: registry.TierGold})
	assert.True(t, f.match(&Event{Type: EventScoreChanged, Tier: registry.TierPlatinum}))
	assert.True(t, f.match(&Event{Type: EventScoreChanged, Tier: registry.TierGold}))
	assert.False(t, f.match(&Event{Type: EventTierChanged, Tier: registry.TierVerified}))
	assert.True(t, f.match(&Event{Type: EventCodeUpdated}), "events without a tier pass")
}

func TestSubscription_Invalid(t *testing.T) {
	for name, sub := range map[string]Subscription{
		"event type": {EventTypes: []EventType{"balance_changed"}},
		"agent":      {Agents: []string{"not-an-address"}},
		"tier":       {MinTier: "diamond"},
	} {
		_, err := sub.compile()
		assert.Error(t, err, name)
	}
}

func TestSubscription_EmptyMatchesEverything(t *testing.T) {
	f := mustCompile(t, Subscription{})
	assert.True(t, f.match(&Event{Type: EventCodeUpdated}))
}

func TestHub_StatsInitial(t *testing.T) {
	assert.Equal(t, Stats{}, NewHub(slog.Default()).Stats())
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	client := attach(t, h, Subscription{AllEvents: true})
	assert.Equal(t, int64(1), h.Stats().PeakClients)

	h.unregister <- client
	require.Eventually(t, func() bool {
		return h.Stats().ConnectedClients == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients)
	assert.Equal(t, int64(1), h.Stats().TotalClients)
}

func TestHub_CodeUpdated(t *testing.T) {
	h := runHub(t)
	client := attach(t, h, Subscription{AllEvents: true})

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.CodeUpdated(context.Background(), messages.CodeUpdated{Agent: agentA, NewVersion: "1.1.0", Timestamp: ts})

	ev := receive(t, client)
	assert.Equal(t, EventCodeUpdated, ev.Type)
	assert.Equal(t, agentA, ev.Agent)
	assert.True(t, ts.Equal(ev.Timestamp))
	assert.Empty(t, ev.Tier)
}

func TestHub_ScoreChanged_EmitsTierChangeOnBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := runHub(t, WithClock(func() time.Time { return now }))
	client := attach(t, h, Subscription{AllEvents: true})

	b := &registry.Badge{Owner: agentA, ReputationScore: 260}
	h.ScoreChanged(context.Background(), b, registry.TierUnverified)

	first := receive(t, client)
	second := receive(t, client)
	assert.Equal(t, EventScoreChanged, first.Type)
	assert.Equal(t, EventTierChanged, second.Type)
	assert.Equal(t, registry.TierVerified, second.Tier)
	assert.True(t, now.Equal(second.Timestamp))

	data, err := json.Marshal(second.Data)
	require.NoError(t, err)
	var change ScoreChange
	require.NoError(t, json.Unmarshal(data, &change))
	assert.Equal(t, registry.TierVerified, change.Tier)
	assert.Equal(t, registry.TierUnverified, change.PreviousTier)
	assert.Equal(t, uint16(260), change.Score)
}

func TestHub_ScoreChanged_SameTier(t *testing.T) {
	h := runHub(t)
	client := attach(t, h, Subscription{EventTypes: []EventType{EventTierChanged}})

	h.ScoreChanged(context.Background(), &registry.Badge{Owner: agentA, ReputationScore: 120}, registry.TierUnverified)
	h.ScoreChanged(context.Background(), &registry.Badge{Owner: agentA, ReputationScore: 510}, registry.TierVerified)

	ev := receive(t, client)
	assert.Equal(t, EventTierChanged, ev.Type)
	assert.Equal(t, registry.TierGold, ev.Tier)
	select {
	case <-client.send:
		t.Fatal("unexpected extra event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	h := runHub(t)
	client := &Client{hub: h, send: make(chan []byte), control: make(chan []byte, 4), sub: matchAll}
	h.register <- client

	h.CodeUpdated(context.Background(), messages.CodeUpdated{Agent: agentA})
	require.Eventually(t, func() bool {
		return h.Stats().ConnectedClients == 0
	}, time.Second, 5*time.Millisecond)
	_, open := <-client.send
	assert.False(t, open)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	assert.True(t, h.Running())
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	assert.False(t, h.Running())
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(slog.Default(), WithOrigins([]string{"https://dash.example.com"}))
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://kya.local/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, h.checkOrigin(req("")))
	assert.True(t, h.checkOrigin(req("http://kya.local")))
	assert.True(t, h.checkOrigin(req("https://dash.example.com")))
	assert.False(t, h.checkOrigin(req("https://evil.example.com")))

	open := NewHub(slog.Default(), WithOrigins([]string{"*"}))
	assert.True(t, open.checkOrigin(req("https://evil.example.com")))
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := runHub(t)
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(Subscription{Agents: []string{agentB}}))
	var ack Event
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, EventSubscribed, ack.Type)

	h.ScoreChanged(context.Background(), &registry.Badge{Owner: agentA, ReputationScore: 100}, registry.TierUnverified)
	h.ScoreChanged(context.Background(), &registry.Badge{Owner: agentB, ReputationScore: 100}, registry.TierUnverified)

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, agentB, ev.Agent)
	assert.Equal(t, EventScoreChanged, ev.Type)
}

func TestHub_WebSocketRejectsBadSubscription(t *testing.T) {
	h := runHub(t)
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(Subscription{MinTier: "diamond"}))
	var reply Event
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, EventError, reply.Type)

	// The previous subscription (everything) still applies.
	h.CodeUpdated(context.Background(), messages.CodeUpdated{Agent: agentA})
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventCodeUpdated, ev.Type)
}
