package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/oracle"
	"github.com/mbd888/kya/internal/registry"
	"github.com/mbd888/kya/internal/relay"
)

// Config holds the configuration for connecting to a KYA node.
type Config struct {
	APIURL string          // Base URL, e.g. "http://localhost:8080"
	Agent  *chain.Identity // Signs requests; nil for read-only use
}

// Client is an HTTP client for the KYA API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new client for a KYA node.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// apiError represents an error response from the node.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do makes an HTTP request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var data []byte
	if body != nil {
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Agent != nil {
		if err := auth.SignRequest(req, c.cfg.Agent, data, c.now()); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Badge returns an agent's badge.
func (c *Client) Badge(ctx context.Context, agent string) (*registry.Badge, error) {
	var resp struct {
		Badge *registry.Badge `json:"badge"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/registry/agents/"+agent, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Badge, nil
}

// ListAgents lists registered agents.
func (c *Client) ListAgents(ctx context.Context, limit, offset int) ([]*registry.Badge, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var resp struct {
		Badges []*registry.Badge `json:"badges"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/registry/agents", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Badges, nil
}

// VerifyCodeHash checks an agent's code hash.
func (c *Client) VerifyCodeHash(ctx context.Context, agent string, expected common.Hash) (bool, error) {
	var resp struct {
		Matches bool `json:"matches"`
	}
	body := map[string]any{"expected_hash": expected}
	if err := c.do(ctx, http.MethodPost, "/v1/registry/agents/"+agent+"/verify", nil, body, &resp); err != nil {
		return false, err
	}
	return resp.Matches, nil
}

// RegistryStats returns the registry counters.
func (c *Client) RegistryStats(ctx context.Context) (*registry.Stats, error) {
	var stats registry.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/registry/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Commitment returns an agent's latest score commitment.
func (c *Client) Commitment(ctx context.Context, agent string) (*oracle.ScoreCommitment, error) {
	var resp struct {
		Commitment *oracle.ScoreCommitment `json:"commitment"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/bridge/commitments/"+agent, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commitment, nil
}

// RequestCommitment asks the bridge for a fresh commitment. Signed.
func (c *Client) RequestCommitment(ctx context.Context, agent string) (string, error) {
	var resp struct {
		CorrelationID string `json:"correlation_id"`
	}
	body := map[string]string{"agent": agent}
	if err := c.do(ctx, http.MethodPost, "/v1/bridge/commitments/request", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.CorrelationID, nil
}

// RelayStats returns an agent's task statistics.
func (c *Client) RelayStats(ctx context.Context, agent string) (*relay.Stats, error) {
	var stats relay.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/relay/"+agent+"/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// TaskLogged is the relay's answer to LogTask.
type TaskLogged struct {
	TaskHash  common.Hash `json:"task_hash"`
	Sequence  uint64      `json:"sequence"`
	Forwarded bool        `json:"forwarded"`
}

// LogTask records a task outcome for the signing agent.
func (c *Client) LogTask(ctx context.Context, description string, success bool) (*TaskLogged, error) {
	var resp TaskLogged
	body := map[string]any{"description": description, "success": success}
	if err := c.do(ctx, http.MethodPost, "/v1/relay/tasks", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
