// TradeGuard MCP Server - exposes circuit breaker and alert operations as MCP
// tools for LLM assistants.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tradeguard/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("TRADEGUARD_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("TRADEGUARD_ADMIN_SECRET"),
		OperatorID:  envOrDefault("TRADEGUARD_OPERATOR_ID", "mcp"),
	}

	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "TRADEGUARD_ADMIN_SECRET not set; trigger_circuit_breaker and resolve_alert will be rejected")
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
