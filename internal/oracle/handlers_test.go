package oracle

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/messages"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T, caller *chain.Caller) (*gin.Engine, *Builder) {
	t.Helper()
	b, _, _ := newTestBuilder(t)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if caller.Authenticated() {
			c.Set(auth.ContextKeyCaller, *caller)
		}
		c.Next()
	})
	NewHandler(b).RegisterRoutes(r.Group("/v1/bridge"))
	return r, b
}

func doJSON(r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_BridgeFlow(t *testing.T) {
	caller := &chain.Caller{Address: requester}
	r, b := setupTestRouter(t, caller)

	w, resp := doJSON(r, http.MethodPost, "/v1/bridge/commitments/request", gin.H{"agent": agentA})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_initialized", resp["error"])

	w, _ = doJSON(r, http.MethodPost, "/v1/bridge/initialize", gin.H{"registry_chain": registryChain})
	assert.Equal(t, http.StatusForbidden, w.Code)

	caller.Authorized = true
	w, resp = doJSON(r, http.MethodPost, "/v1/bridge/initialize", gin.H{"registry_chain": registryChain})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Initialized", resp["type"])

	w, resp = doJSON(r, http.MethodPost, "/v1/bridge/commitments/request", gin.H{"agent": agentA})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "CommitmentRequested", resp["type"])
	id, _ := resp["correlation_id"].(string)
	require.NotEmpty(t, id)

	respond(t, b, registryChain, messages.ScoreResponse{Agent: agentA, Score: 777, Tier: "platinum", Timestamp: testNow, CorrelationID: id})

	w, resp = doJSON(r, http.MethodGet, "/v1/bridge/commitments/"+agentA, nil)
	require.Equal(t, http.StatusOK, w.Code)
	commitment := resp["commitment"].(map[string]any)
	assert.Equal(t, float64(777), commitment["score"])
	assert.Equal(t, CommitmentHash(agentA, 777, testNow).Hex(), commitment["commitment_hash"])

	w, resp = doJSON(r, http.MethodPost, "/v1/bridge/commitments/verify", commitment)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["valid"])

	w, resp = doJSON(r, http.MethodGet, "/v1/bridge/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["total_commitments"])
	assert.Equal(t, registryChain, resp["registry_chain"])
}

func TestHandler_RegisterCommitment(t *testing.T) {
	r, _ := setupTestRouter(t, &chain.Caller{Address: requester})

	w, resp := doJSON(r, http.MethodPost, "/v1/bridge/commitments", gin.H{
		"agent": agentA, "score": 42, "tier": "unverified", "timestamp": testNow,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "CommitmentRegistered", resp["type"])
	assert.Equal(t, CommitmentHash(agentA, 42, testNow).Hex(), resp["commitment_hash"])

	w, resp = doJSON(r, http.MethodGet, "/v1/bridge/commitments/"+requester, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "commitment_not_found", resp["error"])
}
