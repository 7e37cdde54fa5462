package registry

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
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestRouter mounts the registry routes with a fixed caller in place
// of signature verification.
func setupTestRouter(t *testing.T, caller *chain.Caller) (*gin.Engine, *Service) {
	t.Helper()
	s, _, _ := newTestService(t)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if caller.Address != "" {
			c.Set(auth.ContextKeyCaller, *caller)
		}
		c.Next()
	})
	NewHandler(s).RegisterRoutes(r.Group("/v1/registry"))
	return r, s
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandler_RegisterAndGet(t *testing.T) {
	caller := &chain.Caller{Address: agentA}
	r, _ := setupTestRouter(t, caller)

	w := doJSON(r, http.MethodPost, "/v1/registry/agents", gin.H{
		"code_hash":        "0x00000000000000000000000000000000000000000000000000000000000000ab",
		"storage_provider": "ipfs",
		"storage_cid":      "bafyxyz",
		"manifest":         gin.H{"name": "translator", "version": "2.0.0"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "AgentRegistered", resp["type"])
	assert.Equal(t, agentA, resp["agent"])
	assert.Equal(t, "bafyxyz", resp["storage_cid"])

	w = doJSON(r, http.MethodPost, "/v1/registry/agents", gin.H{})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_registered", decode(t, w)["error"])
	assert.Equal(t, "AlreadyRegistered", decode(t, w)["kind"])

	w = doJSON(r, http.MethodGet, "/v1/registry/agents/0x1111111111111111111111111111111111111111", nil)
	require.Equal(t, http.StatusOK, w.Code)
	badge := decode(t, w)["badge"].(map[string]any)
	assert.Equal(t, float64(100), badge["reputation_score"])
	assert.Equal(t, "unverified", badge["tier"])
	assert.Equal(t, float64(0), badge["rate_limit"])
	assert.Equal(t, "2.0.0", badge["manifest"].(map[string]any)["version"])
}

func TestHandler_AnonymousRejected(t *testing.T) {
	r, _ := setupTestRouter(t, &chain.Caller{})

	w := doJSON(r, http.MethodPost, "/v1/registry/agents", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "not_authenticated", decode(t, w)["error"])
}

func TestHandler_InvalidAddress(t *testing.T) {
	r, _ := setupTestRouter(t, &chain.Caller{Address: agentA})

	w := doJSON(r, http.MethodGet, "/v1/registry/agents/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_address", decode(t, w)["error"])
}

func TestHandler_UnknownAgent(t *testing.T) {
	r, _ := setupTestRouter(t, &chain.Caller{Address: agentA})

	w := doJSON(r, http.MethodGet, "/v1/registry/agents/"+agentB, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "agent_not_found", decode(t, w)["error"])
}

func TestHandler_StakeUnstake(t *testing.T) {
	caller := &chain.Caller{Address: agentA}
	r, s := setupTestRouter(t, caller)
	register(t, s, agentA)

	w := doJSON(r, http.MethodPost, "/v1/registry/stake", gin.H{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "Staked", resp["type"])
	assert.Equal(t, "100", resp["new_balance"])

	w = doJSON(r, http.MethodPost, "/v1/registry/unstake", gin.H{"amount": "150"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "insufficient_stake", decode(t, w)["error"])

	w = doJSON(r, http.MethodPost, "/v1/registry/unstake", gin.H{"amount": "30.5"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "69.5", decode(t, w)["remaining_balance"])
}

func TestHandler_AdminOperations(t *testing.T) {
	caller := &chain.Caller{Address: auditorX}
	r, s := setupTestRouter(t, caller)
	register(t, s, agentA)

	w := doJSON(r, http.MethodPost, "/v1/registry/agents/"+agentA+"/score", gin.H{"delta": 500})
	assert.Equal(t, http.StatusForbidden, w.Code)

	caller.Authorized = true
	w = doJSON(r, http.MethodPost, "/v1/registry/agents/"+agentA+"/score", gin.H{"delta": 500, "reason": "review"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "ScoreAdjusted", resp["type"])
	assert.Equal(t, float64(600), resp["new_score"])
	assert.Equal(t, "gold", resp["new_tier"])

	w = doJSON(r, http.MethodPost, "/v1/registry/agents/"+agentA+"/score", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/registry/agents/"+agentA+"/slash", gin.H{"amount": "10"})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Equal(t, "Slashed", resp["type"])
	assert.Equal(t, "0", resp["amount"])
}

func TestHandler_AuditSpamVerify(t *testing.T) {
	r, s := setupTestRouter(t, &chain.Caller{Address: auditorX})
	register(t, s, agentA)
	base := "/v1/registry/agents/" + agentA

	w := doJSON(r, http.MethodPost, base+"/audits", gin.H{"passed": true, "auditor_notes": "ok"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AuditSubmitted", decode(t, w)["type"])
	assert.Equal(t, true, decode(t, w)["passed"])

	w = doJSON(r, http.MethodPost, base+"/spam", gin.H{"evidence": "spam"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total_flags"])

	w = doJSON(r, http.MethodPost, base+"/verify", gin.H{
		"expected_hash": "0x0000000000000000000000000000000000000000000000000000000000000001",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["matches"])

	w = doJSON(r, http.MethodGet, "/v1/registry/agents/"+agentA, nil)
	badge := decode(t, w)["badge"].(map[string]any)
	assert.Equal(t, float64(150), badge["reputation_score"])
}

func TestHandler_Subscription(t *testing.T) {
	caller := &chain.Caller{Address: agentA}
	r, s := setupTestRouter(t, caller)
	register(t, s, agentA)

	w := doJSON(r, http.MethodPut, "/v1/registry/subscription", gin.H{"cost": "1.25"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CostUpdated", decode(t, w)["type"])

	w = doJSON(r, http.MethodGet, "/v1/registry/agents/"+agentA+"/subscription", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.25", decode(t, w)["cost"])

	caller.Address = agentB
	w = doJSON(r, http.MethodPost, "/v1/registry/agents/"+agentA+"/subscribe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "Subscribed", resp["type"])
	assert.Equal(t, agentB, resp["subscriber"])
	assert.Equal(t, "1.25", resp["cost"])
}

func TestHandler_ListAndStats(t *testing.T) {
	r, s := setupTestRouter(t, &chain.Caller{})
	register(t, s, agentA)
	register(t, s, agentB)

	w := doJSON(r, http.MethodGet, "/v1/registry/agents?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(r, http.MethodGet, "/v1/registry/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["total_registered"])
}
