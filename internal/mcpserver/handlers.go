package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/registry"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// agentArg reads and normalizes the agent_address argument.
func agentArg(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	raw := req.GetString("agent_address", "")
	if raw == "" {
		return "", mcp.NewToolResultError("agent_address is required")
	}
	agent, ok := chain.NormalizeAddress(raw)
	if !ok {
		return "", mcp.NewToolResultError(fmt.Sprintf("%q is not a valid address", raw))
	}
	return agent, nil
}

func hashArg(req mcp.CallToolRequest, key string) (common.Hash, bool) {
	raw := strings.TrimPrefix(req.GetString(key, ""), "0x")
	if len(raw) != 64 {
		return common.Hash{}, false
	}
	for _, r := range raw {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return common.Hash{}, false
		}
	}
	return common.HexToHash(raw), true
}

// HandleGetBadge returns an agent's badge.
func (h *Handlers) HandleGetBadge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, errResult := agentArg(req)
	if errResult != nil {
		return errResult, nil
	}
	b, err := h.client.Badge(ctx, agent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get badge: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBadge(b)), nil
}

// HandleCheckTrust gives a yes/no trust decision for an agent.
func (h *Handlers) HandleCheckTrust(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, errResult := agentArg(req)
	if errResult != nil {
		return errResult, nil
	}
	minTier, ok := registry.ParseTier(req.GetString("min_tier", string(registry.TierVerified)))
	if !ok {
		return mcp.NewToolResultError("min_tier must be one of unverified, verified, gold, platinum"), nil
	}

	b, err := h.client.Badge(ctx, agent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get badge: %v", err)), nil
	}

	var reasons []string
	tier := b.Tier()
	if !tier.AtLeast(minTier) {
		reasons = append(reasons, fmt.Sprintf("tier %s is below %s", tier, minTier))
	}
	if req.GetString("expected_code_hash", "") != "" {
		expected, ok := hashArg(req, "expected_code_hash")
		if !ok {
			return mcp.NewToolResultError("expected_code_hash must be 32 bytes of hex"), nil
		}
		if b.CodeHash != expected {
			reasons = append(reasons, "code hash does not match (agent is running different code)")
		}
	}

	var sb strings.Builder
	if len(reasons) == 0 {
		fmt.Fprintf(&sb, "TRUSTED: %s is %s with score %d.\n", agent, tier, b.ReputationScore)
	} else {
		fmt.Fprintf(&sb, "NOT TRUSTED: %s\n", agent)
		for _, r := range reasons {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListAgents lists registered agents.
func (h *Handlers) HandleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	badges, err := h.client.ListAgents(ctx, req.GetInt("limit", 20), req.GetInt("offset", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}
	if len(badges) == 0 {
		return mcp.NewToolResultText("No agents found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d agent(s):\n\n", len(badges))
	for i, b := range badges {
		name := b.Manifest.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, name, b.Owner)
		fmt.Fprintf(&sb, "   Score: %d | Tier: %s | Version: %s\n", b.ReputationScore, b.Tier(), b.Manifest.Version)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleVerifyCodeHash compares an agent's code hash.
func (h *Handlers) HandleVerifyCodeHash(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, errResult := agentArg(req)
	if errResult != nil {
		return errResult, nil
	}
	expected, ok := hashArg(req, "expected_hash")
	if !ok {
		return mcp.NewToolResultError("expected_hash must be 32 bytes of hex"), nil
	}
	matches, err := h.client.VerifyCodeHash(ctx, agent, expected)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify code hash: %v", err)), nil
	}
	if matches {
		return mcp.NewToolResultText("Code hash matches."), nil
	}
	return mcp.NewToolResultText("Code hash does NOT match. The agent is running different code."), nil
}

// HandleGetCommitment returns the latest score commitment for an agent.
func (h *Handlers) HandleGetCommitment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, errResult := agentArg(req)
	if errResult != nil {
		return errResult, nil
	}
	c, err := h.client.Commitment(ctx, agent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get commitment: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Score Commitment:\n")
	fmt.Fprintf(&sb, "  Agent: %s\n", c.Agent)
	fmt.Fprintf(&sb, "  Score: %d (%s)\n", c.Score, c.Tier)
	fmt.Fprintf(&sb, "  Taken: %s\n", c.Timestamp.UTC().Format("2006-01-02 15:04:05.000000 MST"))
	fmt.Fprintf(&sb, "  Registry: %s\n", c.RegistryChain)
	fmt.Fprintf(&sb, "  Hash: %s\n", c.CommitmentHash.Hex())
	if !c.Verify() {
		sb.WriteString("  WARNING: hash does not match the committed fields\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRelayStats returns task statistics for an agent.
func (h *Handlers) HandleRelayStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, errResult := agentArg(req)
	if errResult != nil {
		return errResult, nil
	}
	s, err := h.client.RelayStats(ctx, agent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get relay stats: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Task Log for %s:\n  Tasks: %d\n  Succeeded: %d\n  Failed: %d\n  Success Rate: %.1f%%\n",
		s.Agent, s.TaskCount, s.SuccessCount, s.FailureCount, s.SuccessRate)), nil
}

// HandleRegistryStats returns registry-wide counters.
func (h *Handlers) HandleRegistryStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := h.client.RegistryStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get registry stats: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Registry:\n  Agents: %d\n  Activity Logs: %d\n  Code Updates: %d\n",
		s.TotalRegistered, s.TotalLogsProcessed, s.TotalCodeUpdates)), nil
}

// HandleLogTask reports a task outcome for the configured agent.
func (h *Handlers) HandleLogTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description := req.GetString("description", "")
	if description == "" {
		return mcp.NewToolResultError("description is required"), nil
	}
	args := req.GetArguments()
	if _, ok := args["success"]; !ok {
		return mcp.NewToolResultError("success is required"), nil
	}
	success := req.GetBool("success", false)

	res, err := h.client.LogTask(ctx, description, success)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to log task: %v", err)), nil
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Logged task #%d (%s)\n", res.Sequence, outcome)
	fmt.Fprintf(&sb, "Task hash: %s\n", res.TaskHash.Hex())
	if !res.Forwarded {
		sb.WriteString("The registry has not been notified yet; your score will update later.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRequestCommitment asks the bridge for a fresh score commitment.
func (h *Handlers) HandleRequestCommitment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent, errResult := agentArg(req)
	if errResult != nil {
		return errResult, nil
	}
	id, err := h.client.RequestCommitment(ctx, agent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request commitment: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Commitment requested for %s (request %s).\nUse get_commitment shortly to fetch it.", agent, id)), nil
}

func formatBadge(b *registry.Badge) string {
	var sb strings.Builder
	sb.WriteString("Agent Badge:\n")
	fmt.Fprintf(&sb, "  Address: %s\n", b.Owner)
	if b.Manifest.Name != "" {
		fmt.Fprintf(&sb, "  Name: %s %s\n", b.Manifest.Name, b.Manifest.Version)
	}
	fmt.Fprintf(&sb, "  Score: %d / %d\n", b.ReputationScore, registry.MaxScore)
	fmt.Fprintf(&sb, "  Tier: %s\n", b.Tier())
	fmt.Fprintf(&sb, "  Tasks: %d completed, %d failed\n", b.TasksCompleted, b.TasksFailed)
	if b.SpamFlags > 0 {
		fmt.Fprintf(&sb, "  Spam Flags: %d\n", b.SpamFlags)
	}
	fmt.Fprintf(&sb, "  Stake: %s\n", b.StakeBalance)
	fmt.Fprintf(&sb, "  Code Hash: %s (updated %d times)\n", b.CodeHash.Hex(), b.UpdateCount)
	if b.LastAuditTimestamp != nil {
		fmt.Fprintf(&sb, "  Last Audit: %s\n", b.LastAuditTimestamp.UTC().Format("2006-01-02"))
	} else {
		sb.WriteString("  Last Audit: never\n")
	}
	return sb.String()
}
