package circuit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config represents circuit breaker configuration
type Config struct {
	Name             string
	FailureThreshold uint32        // Consecutive failures to open circuit
	HalfOpenRequests uint32        // Probes allowed while half-open
	Timeout          time.Duration // Time to wait before transitioning to half-open
}

// Breaker guards a remote dependency with a gobreaker state machine
type Breaker struct {
	cb *gobreaker.CircuitBreaker

	// OnStateChange is optional and called after gobreaker switches state
	OnStateChange func(name string, from, to gobreaker.State)
}

// NewBreaker creates a breaker that trips after FailureThreshold consecutive failures
func NewBreaker(config Config) *Breaker {
	b := &Breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			if b.OnStateChange != nil {
				b.OnStateChange(name, from, to)
			}
		},
	})
	return b
}

// Call executes fn if the breaker allows it. Context cancellation by the
// caller is not counted as a dependency failure.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	var callErr error
	_, err := b.cb.Execute(func() (interface{}, error) {
		callErr = fn(ctx)
		if callErr != nil && errors.Is(callErr, context.Canceled) && ctx.Err() != nil {
			return nil, nil
		}
		return nil, callErr
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	if err != nil {
		return err
	}
	return callErr
}

// State returns the current breaker state as a string (closed, half-open, open)
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts returns the gobreaker counters for the current generation
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
