package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/logging"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *MemoryStore, *recordingMitigator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := clockwork.NewFakeClockAt(t0)
	store := NewMemoryStore(clock)
	mit := &recordingMitigator{}
	router := NewRouter(store, mit, logging.Discard(), WithClock(clock))
	h := NewHandler(store, router)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, store, mit
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_SubmitFindings(t *testing.T) {
	r, store, mit := setupTestRouter(t)
	tx := "0x" + strings.Repeat("ab", 32)

	w := doJSON(r, http.MethodPost, "/v1/findings", SubmitRequest{
		TransactionHash: tx,
		BlockNumber:     9,
		Timestamp:       t0.Unix(),
		Findings: []FindingRequest{
			{AlertID: "ENERGY-RAPID-TRADING", Severity: "high", Name: "Rapid", Subject: "0xAAAA000000000000000000000000000000000001"},
			{Kind: "contract_anomaly", AlertID: "ENERGY-ANOMALY-PRICE_SPIKE", Severity: "critical"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Result RouteResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Result.Persisted)
	assert.Equal(t, []string{"ENERGY-RAPID-TRADING", "ENERGY-ANOMALY-PRICE_SPIKE"}, resp.Result.AlertIDs)
	assert.Len(t, mit.seen, 2)

	list, _ := store.List(context.Background(), ListFilter{Kind: findings.KindRapidTrading})
	require.Len(t, list, 1)
	assert.Equal(t, "0xaaaa000000000000000000000000000000000001", list[0].Subject)
	assert.Equal(t, tx, list[0].TxRef)
}

func TestHandler_SubmitFindings_Rejects(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	tests := []struct {
		name string
		body SubmitRequest
	}{
		{"empty", SubmitRequest{}},
		{"unknown kind", SubmitRequest{Findings: []FindingRequest{{Kind: "weather", Severity: "low"}}}},
		{"bad severity", SubmitRequest{Findings: []FindingRequest{{Kind: "rapid_trading", Severity: "apocalyptic"}}}},
		{"bad tx hash", SubmitRequest{TransactionHash: "0x12", Findings: []FindingRequest{{Kind: "rapid_trading", Severity: "low"}}}},
		{"bad subject", SubmitRequest{Findings: []FindingRequest{{Kind: "rapid_trading", Severity: "low", Subject: "trader-7"}}}},
		{"bad metadata key", SubmitRequest{Findings: []FindingRequest{{Kind: "rapid_trading", Severity: "low", Metadata: map[string]string{"a b": "c"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/findings", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandler_ListAndPaginate(t *testing.T) {
	r, store, _ := setupTestRouter(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Append(ctx, newAlert(id, "ENERGY-UNUSUAL-PRICE", findings.KindUnusualPrice, t0.Add(time.Duration(i)*time.Second))))
	}

	w := doJSON(r, http.MethodGet, "/v1/alerts?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Alerts     []*Alert `json:"alerts"`
		NextCursor string   `json:"nextCursor"`
		HasMore    bool     `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Alerts, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "c", page.Alerts[0].ID)

	w = doJSON(r, http.MethodGet, "/v1/alerts?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Alerts, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "a", page.Alerts[0].ID)

	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodGet, "/v1/alerts?status=open", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodGet, "/v1/alerts?limit=0", nil).Code)
}

func TestHandler_CursorBoundToFilter(t *testing.T) {
	r, store, _ := setupTestRouter(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Append(ctx, newAlert(id, "ENERGY-UNUSUAL-PRICE", findings.KindUnusualPrice, t0.Add(time.Duration(i)*time.Second))))
	}

	w := doJSON(r, http.MethodGet, "/v1/alerts?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		NextCursor string `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.NotEmpty(t, page.NextCursor)

	w = doJSON(r, http.MethodGet, "/v1/alerts?status=active&cursor="+page.NextCursor, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodGet, "/v1/alerts?cursor=!!", nil).Code)
}

func TestHandler_GetStatsAndResolve(t *testing.T) {
	r, store, _ := setupTestRouter(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, newAlert("a", "ENERGY-RAPID-TRADING", findings.KindRapidTrading, t0)))

	w := doJSON(r, http.MethodGet, "/v1/alerts/a", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/v1/alerts/zzz", nil).Code)

	w = doJSON(r, http.MethodPost, "/v1/alerts/energy-rapid-trading/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"resolved":1`)

	w = doJSON(r, http.MethodGet, "/v1/alerts/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"resolved":1`)

	assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodPost, "/v1/alerts/NOT-A-KIND/resolve", nil).Code)
}
