package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/config"
	"github.com/mbd888/kya/internal/registry"
	"github.com/mbd888/kya/internal/server"
)

// --- Test helpers ---

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

type node struct {
	srv *server.Server
	url string
}

func newNode(t *testing.T) *node {
	t.Helper()
	chains, err := server.GenerateChains()
	require.NoError(t, err)
	srv, err := server.New(&config.Config{
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		AuthMaxSkew:         time.Minute,
		RateLimitRPM:        6000,
		RateLimitBurst:      1000,
		ScoreRequestTimeout: time.Minute,
		SweepInterval:       time.Hour,
	}, server.WithChains(chains))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &node{srv: srv, url: ts.URL}
}

func (n *node) pump(t *testing.T) {
	t.Helper()
	_, err := n.srv.Bus().Pump(context.Background())
	require.NoError(t, err)
}

// register signs up id with a fixed code hash.
func (n *node) register(t *testing.T, id *chain.Identity, codeHash common.Hash) {
	t.Helper()
	c := NewClient(Config{APIURL: n.url, Agent: id})
	err := c.do(context.Background(), http.MethodPost, "/v1/registry/agents", nil, registry.RegisterRequest{
		CodeHash: codeHash,
		Manifest: registry.Manifest{Name: "translator", Version: "0.3.0"},
	}, nil)
	require.NoError(t, err)
	err = c.do(context.Background(), http.MethodPost, "/v1/relay/initialize", nil,
		map[string]string{"registry_chain": n.srv.Chains().Registry.ID()}, nil)
	require.NoError(t, err)
}

func newIdentity(t *testing.T) *chain.Identity {
	t.Helper()
	id, err := chain.GenerateIdentity()
	require.NoError(t, err)
	return id
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SignsWhenAgentConfigured(t *testing.T) {
	id := newIdentity(t)
	var gotAddr, gotSig string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAddr = r.Header.Get(auth.HeaderAddress)
		gotSig = r.Header.Get(auth.HeaderSignature)
		_, _ = w.Write([]byte(`{"task_hash":"0x00","sequence":0,"forwarded":true}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, Agent: id}).LogTask(context.Background(), "t", true)
	require.NoError(t, err)
	assert.Equal(t, id.ID(), gotAddr)
	assert.NotEmpty(t, gotSig)

	gotAddr = ""
	_, err = NewClient(Config{APIURL: ts.URL}).LogTask(context.Background(), "t", true)
	require.NoError(t, err)
	assert.Empty(t, gotAddr)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":    "Error",
			"error":   "agent_not_found",
			"message": "registry: agent not found",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Badge(context.Background(), "0x1111111111111111111111111111111111111111")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "agent not found")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).RegistryStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).RegistryStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handler tests against a live node
// ============================================================

func TestHandleGetBadge(t *testing.T) {
	n := newNode(t)
	agent := newIdentity(t)
	n.register(t, agent, common.HexToHash("0xc0de"))

	h := NewHandlers(NewClient(Config{APIURL: n.url}))
	result, err := h.HandleGetBadge(context.Background(), makeRequest(map[string]any{"agent_address": agent.ID()}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	text := resultText(t, result)
	assert.Contains(t, text, agent.ID())
	assert.Contains(t, text, "translator 0.3.0")
	assert.Contains(t, text, "Score: 100 / 1000")
	assert.Contains(t, text, "Tier: unverified")
	assert.Contains(t, text, "Last Audit: never")
}

func TestHandleGetBadge_InvalidAddress(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://unused"}))

	result, err := h.HandleGetBadge(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = h.HandleGetBadge(context.Background(), makeRequest(map[string]any{"agent_address": "bob"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not a valid address")
}

func TestHandleCheckTrust(t *testing.T) {
	n := newNode(t)
	agent := newIdentity(t)
	code := common.HexToHash("0xc0de")
	n.register(t, agent, code)
	h := NewHandlers(NewClient(Config{APIURL: n.url}))

	result, err := h.HandleCheckTrust(context.Background(), makeRequest(map[string]any{
		"agent_address": agent.ID(),
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "NOT TRUSTED")
	assert.Contains(t, text, "tier unverified is below verified")

	result, err = h.HandleCheckTrust(context.Background(), makeRequest(map[string]any{
		"agent_address":      agent.ID(),
		"min_tier":           "unverified",
		"expected_code_hash": code.Hex(),
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "TRUSTED: "+agent.ID())

	result, err = h.HandleCheckTrust(context.Background(), makeRequest(map[string]any{
		"agent_address":      agent.ID(),
		"min_tier":           "unverified",
		"expected_code_hash": common.HexToHash("0xbad").Hex(),
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "code hash does not match")

	result, err = h.HandleCheckTrust(context.Background(), makeRequest(map[string]any{
		"agent_address": agent.ID(),
		"min_tier":      "diamond",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleLogTask_RaisesScore(t *testing.T) {
	n := newNode(t)
	agent := newIdentity(t)
	n.register(t, agent, common.Hash{})
	h := NewHandlers(NewClient(Config{APIURL: n.url, Agent: agent}))

	for i := 0; i < 2; i++ {
		result, err := h.HandleLogTask(context.Background(), makeRequest(map[string]any{
			"description": "translate invoice",
			"success":     true,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))
		assert.Contains(t, resultText(t, result), "(success)")
	}
	n.pump(t)

	result, err := h.HandleRelayStats(context.Background(), makeRequest(map[string]any{"agent_address": agent.ID()}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Tasks: 2")
	assert.Contains(t, resultText(t, result), "Success Rate: 100.0%")

	result, err = h.HandleGetBadge(context.Background(), makeRequest(map[string]any{"agent_address": agent.ID()}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Score: 102 / 1000")
}

func TestHandleLogTask_RequiresSuccess(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://unused", Agent: newIdentity(t)}))
	result, err := h.HandleLogTask(context.Background(), makeRequest(map[string]any{"description": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "success is required")
}

func TestHandleCommitmentFlow(t *testing.T) {
	n := newNode(t)
	agent := newIdentity(t)
	n.register(t, agent, common.Hash{})
	h := NewHandlers(NewClient(Config{APIURL: n.url, Agent: newIdentity(t)}))
	args := map[string]any{"agent_address": agent.ID()}

	result, err := h.HandleGetCommitment(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = h.HandleRequestCommitment(context.Background(), makeRequest(args))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "scr_")
	n.pump(t)

	result, err = h.HandleGetCommitment(context.Background(), makeRequest(args))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Score: 100 (unverified)")
	assert.Contains(t, text, n.srv.Chains().Registry.ID())
	assert.NotContains(t, text, "WARNING")
}

func TestHandleListAgentsAndStats(t *testing.T) {
	n := newNode(t)
	h := NewHandlers(NewClient(Config{APIURL: n.url}))

	result, err := h.HandleListAgents(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No agents found.", resultText(t, result))

	n.register(t, newIdentity(t), common.Hash{})
	n.register(t, newIdentity(t), common.Hash{})

	result, err = h.HandleListAgents(context.Background(), makeRequest(map[string]any{"limit": float64(10)}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Found 2 agent(s)")

	result, err = h.HandleRegistryStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Agents: 2")
}

func TestHandleVerifyCodeHash(t *testing.T) {
	n := newNode(t)
	agent := newIdentity(t)
	code := common.HexToHash("0xc0de")
	n.register(t, agent, code)
	h := NewHandlers(NewClient(Config{APIURL: n.url}))

	result, err := h.HandleVerifyCodeHash(context.Background(), makeRequest(map[string]any{
		"agent_address": agent.ID(), "expected_hash": code.Hex(),
	}))
	require.NoError(t, err)
	assert.Equal(t, "Code hash matches.", resultText(t, result))

	result, err = h.HandleVerifyCodeHash(context.Background(), makeRequest(map[string]any{
		"agent_address": agent.ID(), "expected_hash": "0x1234",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080"}))
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080", Agent: newIdentity(t)}))
}
