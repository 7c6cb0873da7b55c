package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/makerbot/internal/metrics"
	"github.com/sawpanic/makerbot/internal/status"
)

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthHealthy(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil, map[string]Check{
		"price_stream": func() (bool, string) { return true, "last frame 1s ago" },
	})

	rec := serve(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.Checks["price_stream"].OK)
	assert.Equal(t, "dev", resp.Version)
}

func TestHealthDegraded(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil, map[string]Check{
		"price_stream": func() (bool, string) { return true, "" },
		"exchange":     func() (bool, string) { return false, "circuit open" },
	})

	rec := serve(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "circuit open", resp.Checks["exchange"].Detail)
}

func TestStatusEndpoint(t *testing.T) {
	store := status.NewMemory()
	s := NewServer(DefaultServerConfig(), nil, store, nil)

	rec := serve(t, s, "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, store.Put(context.Background(), status.Snapshot{
		At:        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Symbol:    "BTC-USD",
		Outcome:   "quoted",
		Reference: 100000,
	}))
	rec = serve(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "quoted", snap.Outcome)
	assert.Equal(t, 100000.0, snap.Reference)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.OrderPlaced("sell", nil)
	s := NewServer(DefaultServerConfig(), reg, nil, nil)

	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "makerbot_orders_placed_total"))
}

func TestNotFound(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil, nil)

	rec := serve(t, s, "/candidates")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}
