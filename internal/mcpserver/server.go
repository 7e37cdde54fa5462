// Package mcpserver exposes the KYA reputation ledger as MCP tools, so an
// LLM agent can check a counterparty's badge before trusting it and report
// its own task outcomes.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all KYA tools registered.
// The signed tools are only registered when cfg carries an agent key.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("kya", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetBadge, h.HandleGetBadge)
	s.AddTool(ToolCheckTrust, h.HandleCheckTrust)
	s.AddTool(ToolListAgents, h.HandleListAgents)
	s.AddTool(ToolVerifyCodeHash, h.HandleVerifyCodeHash)
	s.AddTool(ToolGetCommitment, h.HandleGetCommitment)
	s.AddTool(ToolRelayStats, h.HandleRelayStats)
	s.AddTool(ToolRegistryStats, h.HandleRegistryStats)

	if cfg.Agent != nil {
		s.AddTool(ToolLogTask, h.HandleLogTask)
		s.AddTool(ToolRequestCommitment, h.HandleRequestCommitment)
	}
	return s
}
