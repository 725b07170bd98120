package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the tradeguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolBreakerStatus = mcp.NewTool("breaker_status",
	mcp.WithDescription(
		"Get the energy trading circuit breaker state (normal, paused or emergency), "+
			"when it last changed, how many alerts are still active, and the on-chain contract view "+
			"(contract state, total supply, daily volume)."),
)

var ToolBreakerEvents = mcp.NewTool("breaker_events",
	mcp.WithDescription(
		"List the circuit breaker audit trail, newest first. "+
			"Each event shows the previous and new state, the reason, who triggered it and the ledger transaction."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 20, max 500)")),
)

var ToolTriggerCircuitBreaker = mcp.NewTool("trigger_circuit_breaker",
	mcp.WithDescription(
		"Change the circuit breaker state. 'pause' halts trading, 'emergency' halts trading and flags an incident, "+
			"'resume' returns to normal trading. The change is written to the ledger first and only applied if that succeeds. "+
			"Only use this when an operator explicitly asks for it."),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Transition to request"),
		mcp.Enum("pause", "resume", "emergency")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the transition is requested; recorded in the audit trail")),
)

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"List anomaly alerts raised by the detectors (suspicious volume, unusual price, rapid trading, "+
			"front running, large minting, contract anomalies), newest first."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("active", "mitigated", "resolved")),
	mcp.WithString("kind",
		mcp.Description("Filter by kind or alert id (e.g. 'front_running' or 'ENERGY-FRONT-RUNNING')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_alerts call to fetch the next page")),
)

var ToolAlertStats = mcp.NewTool("alert_stats",
	mcp.WithDescription(
		"Get alert counts grouped by severity, kind and status."),
)

var ToolResolveAlert = mcp.NewTool("resolve_alert",
	mcp.WithDescription(
		"Mark every active or mitigated alert with the given alert id as resolved. "+
			"Use after an operator has investigated the alert."),
	mcp.WithString("alert_id",
		mcp.Required(),
		mcp.Description("Canonical alert id, e.g. 'ENERGY-RAPID-TRADING'")),
)

var ToolTraderHistory = mcp.NewTool("trader_history",
	mcp.WithDescription(
		"Show the recent trades retained for a trader address, as seen by the detectors."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Trader address (e.g. '0x1234...')")),
	mcp.WithString("window",
		mcp.Description("How far back to look, e.g. '2m'. Capped at the retention window.")),
)
