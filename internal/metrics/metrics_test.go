package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/v1/alerts/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts/abc", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "tradeguard_active_websocket_clients")
	assert.Contains(t, body, `tradeguard_http_requests_total{method="GET",path="/v1/alerts/:id",status="4xx"}`)
}

type fakeStats struct{ s sql.DBStats }

func (f fakeStats) Stats() sql.DBStats { return f.s }

func TestSampleDBStats(t *testing.T) {
	SampleDBStats(fakeStats{sql.DBStats{OpenConnections: 7, Idle: 3, InUse: 4, WaitCount: 2, WaitDuration: 1500 * time.Millisecond}})

	assert.Equal(t, 7.0, testutil.ToFloat64(DBOpenConnections))
	assert.Equal(t, 3.0, testutil.ToFloat64(DBIdleConnections))
	assert.Equal(t, 4.0, testutil.ToFloat64(DBInUseConnections))
	assert.Equal(t, 1.5, testutil.ToFloat64(DBWaitDuration))
	assert.Positive(t, testutil.ToFloat64(GoroutineCount))

	SampleDBStats(nil)
}
