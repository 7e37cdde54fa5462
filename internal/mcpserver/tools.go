package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the KYA MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetBadge = mcp.NewTool("get_badge",
	mcp.WithDescription(
		"Look up an agent's KYA badge: reputation score (0-1000), trust tier, "+
			"task history, stake and the hash of the code it is running."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address (e.g. '0x1234...')")),
)

var ToolCheckTrust = mcp.NewTool("check_trust",
	mcp.WithDescription(
		"Decide whether an agent meets a minimum trust tier before delegating work to it. "+
			"Tiers from lowest to highest: unverified, verified, gold, platinum. "+
			"Optionally also checks that the agent runs the code you expect."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address")),
	mcp.WithString("min_tier",
		mcp.Description("Minimum acceptable tier (default 'verified')"),
		mcp.Enum("unverified", "verified", "gold", "platinum")),
	mcp.WithString("expected_code_hash",
		mcp.Description("Optional 32-byte hex code hash the agent must be running")),
)

var ToolListAgents = mcp.NewTool("list_agents",
	mcp.WithDescription("Browse agents registered with KYA, oldest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of agents to return (default 20)")),
	mcp.WithNumber("offset",
		mcp.Description("Number of agents to skip")),
)

var ToolVerifyCodeHash = mcp.NewTool("verify_code_hash",
	mcp.WithDescription("Check whether an agent's registered code hash matches an expected value."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address")),
	mcp.WithString("expected_hash",
		mcp.Required(),
		mcp.Description("32-byte hex code hash")),
)

var ToolGetCommitment = mcp.NewTool("get_commitment",
	mcp.WithDescription(
		"Get the latest bridged score commitment for an agent. The commitment hash "+
			"can be checked on other chains without trusting this API."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address")),
)

var ToolRelayStats = mcp.NewTool("relay_stats",
	mcp.WithDescription("Get an agent's task log statistics: tasks logged, successes, failures and success rate."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address")),
)

var ToolRegistryStats = mcp.NewTool("registry_stats",
	mcp.WithDescription("Get registry-wide counters: agents registered, activity logs processed and code updates."),
)

var ToolLogTask = mcp.NewTool("log_task",
	mcp.WithDescription(
		"Report the outcome of a task you just performed. Successful tasks raise your "+
			"reputation by 1, failures lower it by 2. Report honestly: audits can slash your score."),
	mcp.WithString("description",
		mcp.Required(),
		mcp.Description("Short description of the task")),
	mcp.WithBoolean("success",
		mcp.Required(),
		mcp.Description("Whether the task succeeded")),
)

var ToolRequestCommitment = mcp.NewTool("request_commitment",
	mcp.WithDescription(
		"Ask the bridge to snapshot an agent's current score into a verifiable commitment. "+
			"The commitment appears shortly after; fetch it with get_commitment."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address")),
)
