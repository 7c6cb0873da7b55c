package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sawpanic/makerbot/internal/net/circuit"
	"github.com/sawpanic/makerbot/internal/net/ratelimit"
	"github.com/sawpanic/makerbot/internal/secrets"
)

// WrapperConfig configures the HTTP client wrapper
type WrapperConfig struct {
	Venue          string
	UserAgent      string
	RateLimiter    *ratelimit.Limiter
	CircuitBreaker *circuit.Breaker // applied to GET requests only

	// OnError is optional and observes every RequestError produced
	OnError func(*RequestError)
}

// Wrapper wraps an HTTP RoundTripper with per-endpoint rate limiting and a
// circuit breaker on read-only calls. Order entry bypasses the breaker so
// cancels and reduce-only closes are always attempted, and so does any
// request whose context was marked with WithoutBreaker.
type Wrapper struct {
	config    WrapperConfig
	transport http.RoundTripper
}

type bypassKey struct{}

// WithoutBreaker marks ctx so queries made with it skip the circuit breaker.
// The flatten and shutdown sequences depend on listing orders and reading the
// position even while routine queries are being short-circuited.
func WithoutBreaker(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

// BreakerBypassed reports whether ctx was marked with WithoutBreaker
func BreakerBypassed(ctx context.Context) bool {
	bypass, _ := ctx.Value(bypassKey{}).(bool)
	return bypass
}

// NewWrapper creates a new HTTP client wrapper
func NewWrapper(config WrapperConfig, transport http.RoundTripper) *Wrapper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.UserAgent == "" {
		config.UserAgent = "makerbot/1.0"
	}
	return &Wrapper{config: config, transport: transport}
}

// RoundTrip implements http.RoundTripper
func (w *Wrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", w.config.UserAgent)
	}
	endpoint := req.URL.Path

	if w.config.RateLimiter != nil {
		if err := w.config.RateLimiter.Wait(req.Context(), endpoint); err != nil {
			return nil, w.fail(&RequestError{
				Venue:    w.config.Venue,
				Endpoint: endpoint,
				Kind:     KindRateLimit,
				Err:      fmt.Errorf("rate limit wait failed: %w", err),
			})
		}
	}

	var response *http.Response
	execute := func(ctx context.Context) error {
		resp, err := w.transport.RoundTrip(req.WithContext(ctx))
		if err != nil {
			return &RequestError{Venue: w.config.Venue, Endpoint: endpoint, Kind: KindTransport, Err: err}
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return &RequestError{
				Venue:      w.config.Venue,
				Endpoint:   endpoint,
				Kind:       KindHTTP,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("HTTP %d: %s", resp.StatusCode, secrets.Redact(string(body))),
			}
		}
		response = resp
		return nil
	}

	var err error
	if w.config.CircuitBreaker != nil && req.Method == http.MethodGet && !BreakerBypassed(req.Context()) {
		err = w.config.CircuitBreaker.Call(req.Context(), execute)
		if errors.Is(err, circuit.ErrCircuitOpen) {
			err = &RequestError{Venue: w.config.Venue, Endpoint: endpoint, Kind: KindCircuit, Err: err}
		}
	} else {
		err = execute(req.Context())
	}
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			return nil, w.fail(reqErr)
		}
		return nil, err
	}
	return response, nil
}

func (w *Wrapper) fail(err *RequestError) *RequestError {
	if w.config.OnError != nil {
		w.config.OnError(err)
	}
	return err
}

// Error kinds
const (
	KindRateLimit = "rate_limit"
	KindCircuit   = "circuit"
	KindTransport = "transport"
	KindHTTP      = "http_error"
)

// RequestError represents a failed venue request with context
type RequestError struct {
	Venue      string `json:"venue"`
	Endpoint   string `json:"endpoint"`
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Err        error  `json:"-"`
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s %s error (HTTP %d): %v", e.Venue, e.Endpoint, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s %s error: %v", e.Venue, e.Endpoint, e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
