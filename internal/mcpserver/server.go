package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all tradeguard tools
// registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("tradeguard", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolBreakerStatus, h.HandleBreakerStatus)
	s.AddTool(ToolBreakerEvents, h.HandleBreakerEvents)
	s.AddTool(ToolTriggerCircuitBreaker, h.HandleTriggerCircuitBreaker)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)
	s.AddTool(ToolAlertStats, h.HandleAlertStats)
	s.AddTool(ToolResolveAlert, h.HandleResolveAlert)
	s.AddTool(ToolTraderHistory, h.HandleTraderHistory)

	return s
}
