package circuitbreaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCounter int

func (c staticCounter) ActiveCount(context.Context) (int, error) { return int(c), nil }

type brokenReader struct{}

func (brokenReader) LedgerStatus(context.Context) (*LedgerStatus, error) {
	return nil, errors.New("rpc down")
}

func setupTestRouter(t *testing.T, l Ledger, reader LedgerReader) (*gin.Engine, *Breaker, *MemoryAuditStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	audit := NewMemoryAuditStore()
	b := newBreaker(l, audit)
	h := NewHandler(b, audit, staticCounter(3), reader)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Operator-ID"); id != "" {
			c.Set("operatorID", id)
		}
		c.Next()
	})
	h.RegisterProtectedRoutes(protected)
	return r, b, audit
}

func post(r http.Handler, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/circuit-breaker", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Operator-ID", "ops-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RequestTransition(t *testing.T) {
	r, b, audit := setupTestRouter(t, &fakeLedger{}, nil)

	w := post(r, TransitionRequest{Action: "pause", Reason: "maintenance"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatePaused, b.State())

	var resp struct {
		Event Event `json:"event"`
		State State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatePaused, resp.State)
	assert.Equal(t, "operator:ops-1", resp.Event.TriggeredBy)
	assert.Equal(t, 1, audit.Len())
}

func TestHandler_InvalidActionRejectedBeforeMutation(t *testing.T) {
	ledger := &fakeLedger{}
	r, b, audit := setupTestRouter(t, ledger, nil)

	w := post(r, TransitionRequest{Action: "shutdown", Reason: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_action")
	assert.Equal(t, StateNormal, b.State())
	assert.Zero(t, audit.Len())
	assert.Empty(t, ledger.writes)
}

func TestHandler_DefaultReason(t *testing.T) {
	r, _, audit := setupTestRouter(t, &fakeLedger{}, nil)
	require.Equal(t, http.StatusOK, post(r, TransitionRequest{Action: "emergency"}).Code)

	events, _ := audit.List(context.Background(), 1)
	require.Len(t, events, 1)
	assert.Equal(t, "manual emergency", events[0].Reason)
}

func TestHandler_LedgerFailure(t *testing.T) {
	r, b, _ := setupTestRouter(t, &fakeLedger{err: errors.New("insufficient funds for gas")}, nil)
	w := post(r, TransitionRequest{Action: "pause"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, StateNormal, b.State())
}

func TestHandler_StatusAndEvents(t *testing.T) {
	ledger := NewLocalLedger(false)
	r, _, _ := setupTestRouter(t, ledger, ledger)
	require.Equal(t, http.StatusOK, post(r, TransitionRequest{Action: "pause"}).Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/circuit-breaker/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		CircuitBreaker Status        `json:"circuitBreaker"`
		ActiveAlerts   int           `json:"activeAlerts"`
		Contract       *LedgerStatus `json:"contract"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, StatePaused, status.CircuitBreaker.State)
	assert.Equal(t, uint8(1), status.CircuitBreaker.StateValue)
	assert.Equal(t, 3, status.ActiveAlerts)
	require.NotNil(t, status.Contract)
	assert.Equal(t, StatePaused, status.Contract.State)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/circuit-breaker/events?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_StatusWithUnavailableContract(t *testing.T) {
	r, _, _ := setupTestRouter(t, &fakeLedger{}, brokenReader{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/circuit-breaker/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "contractError")
}
