package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{
		APIURL:      ts.URL,
		AdminSecret: "test-secret",
		OperatorID:  "alice",
	})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsCredentials(t *testing.T) {
	var gotAuth, gotOperator string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotOperator = r.Header.Get("X-Operator-ID")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL + "/", AdminSecret: "s3cret", OperatorID: "bob"})
	_, err := client.BreakerStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "bob", gotOperator)
}

func TestClient_OmitsEmptyCredentials(t *testing.T) {
	var hadAuth bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadAuth = r.Header["Authorization"]
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).AlertStats(context.Background())
	require.NoError(t, err)
	assert.False(t, hadAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "forbidden",
			"message": "Invalid admin secret",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).TriggerBreaker(context.Background(), "pause", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Invalid admin secret")
}

func TestClient_HTTPError_RawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Timeout: 50 * time.Millisecond})
	_, err := client.BreakerStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ListAlerts_Query(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"alerts":[]}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListAlerts(context.Background(), AlertQuery{
		Status: "active",
		Kind:   "front_running",
		Limit:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/alerts", gotPath)
	assert.Equal(t, "kind=front_running&limit=5&status=active", gotQuery)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleBreakerStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/circuit-breaker/status", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"circuitBreaker": map[string]any{
				"state":        "paused",
				"since":        "2026-01-02T03:04:05Z",
				"stateChanges": 3,
				"lastEvent": map[string]any{
					"reason":      "mitigation for ENERGY-FRONT-RUNNING",
					"triggeredBy": "system",
				},
			},
			"activeAlerts": 7,
			"contract": map[string]any{
				"contractState": "paused",
				"totalSupply":   "1000000",
				"dailyVolume":   "2500.5",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleBreakerStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Circuit breaker: PAUSED")
	assert.Contains(t, text, "State changes: 3")
	assert.Contains(t, text, "Active alerts: 7")
	assert.Contains(t, text, "ENERGY-FRONT-RUNNING")
	assert.Contains(t, text, "Daily volume: 2500.5")
}

func TestHandleBreakerStatus_ContractUnavailable(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"circuitBreaker": map[string]any{"state": "normal"},
			"contractError":  "contract state unavailable",
		})
	}))
	defer cleanup()

	result, err := h.HandleBreakerStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "NORMAL")
	assert.Contains(t, text, "contract state unavailable")
}

func TestHandleBreakerEvents(t *testing.T) {
	var gotLimit string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, http.StatusOK, map[string]any{
			"events": []map[string]any{
				{"previousState": "paused", "newState": "normal", "triggeredBy": "operator:alice", "reason": "all clear", "timestamp": "t2"},
				{"previousState": "normal", "newState": "paused", "triggeredBy": "system", "reason": "rapid trading", "timestamp": "t1"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleBreakerEvents(context.Background(), makeRequest(map[string]any{"limit": float64(5)}))
	require.NoError(t, err)
	assert.Equal(t, "5", gotLimit)

	text := resultText(t, result)
	assert.Contains(t, text, "2 event(s)")
	assert.Contains(t, text, "paused -> normal by operator:alice")
	assert.Contains(t, text, "rapid trading")
}

func TestHandleBreakerEvents_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleBreakerEvents(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No circuit breaker events recorded.", resultText(t, result))
}

func TestHandleTriggerCircuitBreaker(t *testing.T) {
	var body map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/circuit-breaker", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"state":   "emergency",
			"event": map[string]any{
				"previousState": "normal",
				"newState":      "emergency",
				"reason":        "oracle compromised",
				"triggeredBy":   "operator:alice",
				"txRef":         "0xabc",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleTriggerCircuitBreaker(context.Background(), makeRequest(map[string]any{
		"action": "Emergency",
		"reason": "  oracle compromised ",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "emergency", body["action"])
	assert.Equal(t, "oracle compromised", body["reason"])

	text := resultText(t, result)
	assert.Contains(t, text, "normal -> emergency")
	assert.Contains(t, text, "operator:alice")
	assert.Contains(t, text, "Ledger tx: 0xabc")
}

func TestHandleTriggerCircuitBreaker_Validation(t *testing.T) {
	var called bool
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing action", map[string]any{"reason": "x"}, "action is required"},
		{"unknown action", map[string]any{"action": "halt", "reason": "x"}, "unknown action"},
		{"missing reason", map[string]any{"action": "pause"}, "reason is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleTriggerCircuitBreaker(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
	assert.False(t, called, "invalid input must not reach the API")
}

func TestHandleTriggerCircuitBreaker_LedgerFailure(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "ledger_write_failed",
			"message": "Ledger rejected the state change",
		})
	}))
	defer cleanup()

	result, err := h.HandleTriggerCircuitBreaker(context.Background(), makeRequest(map[string]any{
		"action": "pause",
		"reason": "drill",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Ledger rejected the state change")
}

func TestHandleListAlerts(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		writeJSON(w, http.StatusOK, map[string]any{
			"alerts": []map[string]any{
				{
					"alertId":     "ENERGY-SUSPICIOUS-VOLUME",
					"severity":    "high",
					"status":      "active",
					"description": "Trade volume 900 exceeds 500",
					"subject":     "0xabc",
					"createdAt":   "2026-01-02T03:04:05Z",
				},
			},
			"count":      1,
			"hasMore":    true,
			"nextCursor": "cursor-1",
		})
	}))
	defer cleanup()

	result, err := h.HandleListAlerts(context.Background(), makeRequest(map[string]any{"status": "active"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 alert(s)")
	assert.Contains(t, text, "[HIGH] ENERGY-SUSPICIOUS-VOLUME (active)")
	assert.Contains(t, text, "Subject: 0xabc")
	assert.Contains(t, text, `"cursor-1"`)
}

func TestHandleListAlerts_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleListAlerts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No alerts match the given filters.", resultText(t, result))
}

func TestHandleAlertStats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"stats": map[string]any{
				"total":      4,
				"byStatus":   map[string]int{"active": 3, "resolved": 1},
				"bySeverity": map[string]int{"critical": 1, "high": 3},
				"byKind":     map[string]int{"front_running": 1},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleAlertStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Total alerts: 4")
	assert.Contains(t, text, "  active: 3\n  resolved: 1")
	assert.Contains(t, text, "front_running: 1")
}

func TestHandleResolveAlert(t *testing.T) {
	var gotPath string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{"alertId": "ENERGY-RAPID-TRADING", "resolved": 2})
	}))
	defer cleanup()

	result, err := h.HandleResolveAlert(context.Background(), makeRequest(map[string]any{"alert_id": "ENERGY-RAPID-TRADING"}))
	require.NoError(t, err)
	assert.Equal(t, "/v1/alerts/ENERGY-RAPID-TRADING/resolve", gotPath)
	assert.Equal(t, "Resolved 2 alert(s) with id ENERGY-RAPID-TRADING.", resultText(t, result))
}

func TestHandleResolveAlert_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleResolveAlert(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleTraderHistory(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/traders/0xabc/trades", r.URL.Path)
		assert.Equal(t, "2m0s", r.URL.Query().Get("window"))
		writeJSON(w, http.StatusOK, map[string]any{
			"trader": "0xabc",
			"window": "2m0s",
			"trades": []map[string]any{
				{"amount": "120.5", "price": "42", "counterparty": "0xdef", "observedAt": "2026-01-02T03:04:05Z"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleTraderHistory(context.Background(), makeRequest(map[string]any{
		"address": "0xabc",
		"window":  "2m0s",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "1 trade(s) for 0xabc in the last 2m0s")
	assert.Contains(t, text, "amount 120.5 at 42 with 0xdef")
}

func TestHandleTraderHistory_MissingAddress(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleTraderHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "address is required")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test")
	require.NotNil(t, s)

	names := []string{}
	for _, tool := range []mcp.Tool{
		ToolBreakerStatus, ToolBreakerEvents, ToolTriggerCircuitBreaker,
		ToolListAlerts, ToolAlertStats, ToolResolveAlert, ToolTraderHistory,
	} {
		assert.NotEmpty(t, tool.Description, tool.Name)
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"breaker_status", "breaker_events", "trigger_circuit_breaker",
		"list_alerts", "alert_stats", "resolve_alert", "trader_history",
	}, names)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	h := NewHandlers(NewClient(Config{
		APIURL:  "http://127.0.0.1:1",
		Timeout: time.Second,
	}))
	ctx := context.Background()

	calls := map[string]func() (*mcp.CallToolResult, error){
		"status":  func() (*mcp.CallToolResult, error) { return h.HandleBreakerStatus(ctx, makeRequest(nil)) },
		"events":  func() (*mcp.CallToolResult, error) { return h.HandleBreakerEvents(ctx, makeRequest(nil)) },
		"trigger": func() (*mcp.CallToolResult, error) { return h.HandleTriggerCircuitBreaker(ctx, makeRequest(map[string]any{"action": "pause", "reason": "x"})) },
		"list":    func() (*mcp.CallToolResult, error) { return h.HandleListAlerts(ctx, makeRequest(nil)) },
		"stats":   func() (*mcp.CallToolResult, error) { return h.HandleAlertStats(ctx, makeRequest(nil)) },
		"resolve": func() (*mcp.CallToolResult, error) { return h.HandleResolveAlert(ctx, makeRequest(map[string]any{"alert_id": "ENERGY-RAPID-TRADING"})) },
		"trades":  func() (*mcp.CallToolResult, error) { return h.HandleTraderHistory(ctx, makeRequest(map[string]any{"address": "0xabc"})) },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			result, err := call()
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestFormatJSON_InvalidPassthrough(t *testing.T) {
	assert.Equal(t, "not json", FormatJSON(json.RawMessage("not json")))
}
