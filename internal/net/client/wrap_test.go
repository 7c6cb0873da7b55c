package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/makerbot/internal/net/circuit"
	"github.com/sawpanic/makerbot/internal/net/ratelimit"
)

func newFailingServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newWrappedClient(breaker *circuit.Breaker, seen *[]*RequestError) *http.Client {
	wrapper := NewWrapper(WrapperConfig{
		Venue:          "standx",
		RateLimiter:    ratelimit.NewLimiter(1000, 100),
		CircuitBreaker: breaker,
		OnError:        func(e *RequestError) { *seen = append(*seen, e) },
	}, nil)
	return &http.Client{Transport: wrapper, Timeout: time.Second}
}

func TestWrapper_HTTPErrorIsTyped(t *testing.T) {
	var hits int64
	srv := newFailingServer(t, &hits)
	var seen []*RequestError
	client := newWrappedClient(nil, &seen)

	_, err := client.Get(srv.URL + "/api/query_positions")
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, KindHTTP, reqErr.Kind)
	assert.Equal(t, http.StatusBadGateway, reqErr.StatusCode)
	assert.Equal(t, "/api/query_positions", reqErr.Endpoint)
	assert.Contains(t, reqErr.Error(), "upstream down")
	assert.Len(t, seen, 1)
}

func TestWrapper_BreakerGuardsQueriesOnly(t *testing.T) {
	var hits int64
	srv := newFailingServer(t, &hits)
	breaker := circuit.NewBreaker(circuit.Config{
		Name:             "standx-query",
		FailureThreshold: 2,
		HalfOpenRequests: 1,
		Timeout:          time.Minute,
	})
	var seen []*RequestError
	client := newWrappedClient(breaker, &seen)

	for i := 0; i < 4; i++ {
		_, err := client.Get(srv.URL + "/api/query_open_orders")
		require.Error(t, err)
	}
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits), "breaker should stop queries after it opens")
	assert.Equal(t, "open", breaker.State())

	last := seen[len(seen)-1]
	assert.Equal(t, KindCircuit, last.Kind)

	_, err := client.Post(srv.URL+"/api/cancel_order", "application/json", strings.NewReader(`{"order_id":"1"}`))
	require.Error(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits), "order entry must bypass an open breaker")
}

func TestWrapper_SetsUserAgent(t *testing.T) {
	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewWrapper(WrapperConfig{Venue: "standx"}, nil)}
	resp, err := client.Get(srv.URL + "/api/query_symbol_price")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "makerbot/1.0", agent.Load())
}

func TestWrapper_ErrorBodyIsRedacted(t *testing.T) {
	jwt := "eyJhbGciOiJFZERTQSJ9.eyJzdWIiOiJib3QifQ.c2ln"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token for Bearer "+jwt, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	var seen []*RequestError
	client := newWrappedClient(nil, &seen)

	_, err := client.Get(srv.URL + "/api/query_open_orders")
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), jwt))
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestWrapper_WithoutBreakerReachesRecoveredVenue(t *testing.T) {
	var hits int64
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if !healthy.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	breaker := circuit.NewBreaker(circuit.Config{
		Name:             "standx",
		FailureThreshold: 2,
		HalfOpenRequests: 1,
		Timeout:          time.Minute,
	})
	var seen []*RequestError
	client := newWrappedClient(breaker, &seen)

	for i := 0; i < 2; i++ {
		_, err := client.Get(srv.URL + "/api/query_positions")
		require.Error(t, err)
	}
	require.Equal(t, "open", breaker.State())
	healthy.Store(true)

	_, err := client.Get(srv.URL + "/api/query_positions")
	require.Error(t, err, "routine queries stay short-circuited")
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))

	ctx := WithoutBreaker(context.Background())
	assert.True(t, BreakerBypassed(ctx))
	assert.False(t, BreakerBypassed(context.Background()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/query_positions", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
	assert.Equal(t, "open", breaker.State(), "bypassed calls do not touch breaker state")
}
