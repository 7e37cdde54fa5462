// KYA MCP server - exposes agent reputation lookups as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("KYA_API_URL", "http://localhost:8080"),
	}

	// Without a key the server is read-only.
	if key := os.Getenv("KYA_AGENT_KEY"); key != "" {
		id, err := chain.NewIdentity(key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "KYA_AGENT_KEY: %v\n", err)
			os.Exit(1)
		}
		cfg.Agent = id
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
