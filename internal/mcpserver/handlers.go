package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleBreakerStatus reports the breaker and contract state.
func (h *Handlers) HandleBreakerStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.BreakerStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get breaker status: %v", err)), nil
	}

	text, err := FormatBreakerStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse breaker status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleBreakerEvents lists the audit trail.
func (h *Handlers) HandleBreakerEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.BreakerEvents(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list breaker events: %v", err)), nil
	}

	text, err := FormatEventList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse breaker events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleTriggerCircuitBreaker requests a breaker transition.
func (h *Handlers) HandleTriggerCircuitBreaker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := strings.ToLower(req.GetString("action", ""))
	reason := strings.TrimSpace(req.GetString("reason", ""))
	switch action {
	case "pause", "resume", "emergency":
	case "":
		return mcp.NewToolResultError("action is required"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q (use pause, resume or emergency)", action)), nil
	}
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.TriggerBreaker(ctx, action, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Transition failed: %v", err)), nil
	}

	var resp struct {
		Event map[string]any `json:"event"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Event == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Transition accepted.\n\n%s", FormatJSON(raw))), nil
	}

	ev := resp.Event
	var sb strings.Builder
	fmt.Fprintf(&sb, "Circuit breaker: %s -> %s\n", getString(ev, "previousState"), getString(ev, "newState"))
	fmt.Fprintf(&sb, "Reason: %s\n", getString(ev, "reason"))
	fmt.Fprintf(&sb, "Triggered by: %s\n", getString(ev, "triggeredBy"))
	if tx := getString(ev, "txRef"); tx != "" {
		fmt.Fprintf(&sb, "Ledger tx: %s\n", tx)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListAlerts lists alerts with optional filters.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := AlertQuery{
		Status: req.GetString("status", ""),
		Kind:   req.GetString("kind", ""),
		Limit:  req.GetInt("limit", 20),
		Cursor: req.GetString("cursor", ""),
	}

	raw, err := h.client.ListAlerts(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}

	text, err := FormatAlertList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAlertStats summarizes alert counts.
func (h *Handlers) HandleAlertStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.AlertStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get alert stats: %v", err)), nil
	}

	text, err := FormatAlertStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alert stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleResolveAlert resolves every open alert with the given id.
func (h *Handlers) HandleResolveAlert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alertID := strings.TrimSpace(req.GetString("alert_id", ""))
	if alertID == "" {
		return mcp.NewToolResultError("alert_id is required"), nil
	}

	raw, err := h.client.ResolveAlert(ctx, alertID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve alert: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	n, _ := getFloat(resp, "resolved")
	return mcp.NewToolResultText(fmt.Sprintf("Resolved %d alert(s) with id %s.", int(n), getString(resp, "alertId"))), nil
}

// HandleTraderHistory shows a trader's retained trades.
func (h *Handlers) HandleTraderHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	window := req.GetString("window", "")

	raw, err := h.client.TraderTrades(ctx, address, window)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trader history: %v", err)), nil
	}

	text, err := FormatTradeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trades: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatters ---

// FormatBreakerStatus renders a /v1/circuit-breaker/status response.
func FormatBreakerStatus(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	cb, _ := resp["circuitBreaker"].(map[string]any)
	if cb == nil {
		return FormatJSON(raw), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Circuit breaker: %s\n", strings.ToUpper(getString(cb, "state")))
	if since := getString(cb, "since"); since != "" {
		fmt.Fprintf(&sb, "Since: %s\n", since)
	}
	if n, ok := getFloat(cb, "stateChanges"); ok {
		fmt.Fprintf(&sb, "State changes: %d\n", int(n))
	}
	if n, ok := getFloat(resp, "activeAlerts"); ok {
		fmt.Fprintf(&sb, "Active alerts: %d\n", int(n))
	}
	if last, ok := cb["lastEvent"].(map[string]any); ok {
		fmt.Fprintf(&sb, "Last change: %s (%s)\n", getString(last, "reason"), getString(last, "triggeredBy"))
	}
	if contract, ok := resp["contract"].(map[string]any); ok {
		fmt.Fprintf(&sb, "\nContract state: %s\n", getString(contract, "contractState"))
		fmt.Fprintf(&sb, "Total supply: %s\n", getString(contract, "totalSupply"))
		fmt.Fprintf(&sb, "Daily volume: %s\n", getString(contract, "dailyVolume"))
	} else if msg := getString(resp, "contractError"); msg != "" {
		fmt.Fprintf(&sb, "\nContract: %s\n", msg)
	}
	return sb.String(), nil
}

// FormatEventList renders the breaker audit trail.
func FormatEventList(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No circuit breaker events recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d event(s), newest first:\n\n", len(resp.Events))
	for i, ev := range resp.Events {
		fmt.Fprintf(&sb, "%d. %s  %s -> %s by %s\n", i+1,
			getString(ev, "timestamp"), getString(ev, "previousState"), getString(ev, "newState"), getString(ev, "triggeredBy"))
		if reason := getString(ev, "reason"); reason != "" {
			fmt.Fprintf(&sb, "   %s\n", reason)
		}
	}
	return sb.String(), nil
}

// FormatAlertList renders one page of alerts.
func FormatAlertList(raw json.RawMessage) (string, error) {
	var resp struct {
		Alerts     []map[string]any `json:"alerts"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Alerts) == 0 {
		return "No alerts match the given filters.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d alert(s):\n\n", len(resp.Alerts))
	for i, a := range resp.Alerts {
		fmt.Fprintf(&sb, "%d. [%s] %s (%s)\n", i+1,
			strings.ToUpper(getString(a, "severity")), getString(a, "alertId"), getString(a, "status"))
		if desc := getString(a, "description"); desc != "" {
			fmt.Fprintf(&sb, "   %s\n", desc)
		}
		if subj := getString(a, "subject"); subj != "" {
			fmt.Fprintf(&sb, "   Subject: %s\n", subj)
		}
		fmt.Fprintf(&sb, "   Raised: %s\n", getString(a, "createdAt"))
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore alerts available. Use cursor %q for the next page.\n", resp.NextCursor)
	}
	return sb.String(), nil
}

// FormatAlertStats renders alert counts.
func FormatAlertStats(raw json.RawMessage) (string, error) {
	var resp struct {
		Stats struct {
			Total      int            `json:"total"`
			BySeverity map[string]int `json:"bySeverity"`
			ByKind     map[string]int `json:"byKind"`
			ByStatus   map[string]int `json:"byStatus"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total alerts: %d\n", resp.Stats.Total)
	writeCounts(&sb, "By status", resp.Stats.ByStatus)
	writeCounts(&sb, "By severity", resp.Stats.BySeverity)
	writeCounts(&sb, "By kind", resp.Stats.ByKind)
	return sb.String(), nil
}

func writeCounts(sb *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(sb, "  %s: %d\n", k, counts[k])
	}
}

// FormatTradeList renders a trader's retained trades.
func FormatTradeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Trader string           `json:"trader"`
		Window string           `json:"window"`
		Trades []map[string]any `json:"trades"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Trades) == 0 {
		return fmt.Sprintf("No trades retained for %s in the last %s.", resp.Trader, resp.Window), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d trade(s) for %s in the last %s:\n\n", len(resp.Trades), resp.Trader, resp.Window)
	for i, t := range resp.Trades {
		fmt.Fprintf(&sb, "%d. %s  amount %s at %s with %s\n", i+1,
			getString(t, "observedAt"), getString(t, "amount"), getString(t, "price"), getString(t, "counterparty"))
	}
	return sb.String(), nil
}

// FormatJSON indents raw, returning it unchanged if it is not valid JSON.
func FormatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
