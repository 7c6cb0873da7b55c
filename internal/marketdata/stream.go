package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReconnectPolicy decides the wait before redialing after the attempt-th
// consecutive failure (1-based). ok=false means stop reconnecting.
type ReconnectPolicy interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// BoundedBackoff waits attempt*Step capped at Max, and gives up after
// MaxRetries consecutive failures
type BoundedBackoff struct {
	Step       time.Duration
	Max        time.Duration
	MaxRetries int
}

// Next returns the wait before reconnect attempt, or false once MaxRetries is exceeded
func (p BoundedBackoff) Next(attempt int) (time.Duration, bool) {
	if attempt > p.MaxRetries {
		return 0, false
	}
	d := time.Duration(attempt) * p.Step
	if d > p.Max {
		d = p.Max
	}
	return d, true
}

// FixedDelay always waits Delay and never gives up
type FixedDelay struct {
	Delay time.Duration
}

// Next returns Delay for every attempt
func (p FixedDelay) Next(int) (time.Duration, bool) {
	return p.Delay, true
}

// subscription keeps one channel subscribed over its own connection
type subscription struct {
	channel string
	symbol  string
	url     string
	dialer  *websocket.Dialer
	policy  ReconnectPolicy

	handle       func(raw []byte, at time.Time)
	onConnect    func(conn *websocket.Conn)
	onDisconnect func()
	onReconnect  func(attempt int, delay time.Duration)

	now    func() time.Time
	logger zerolog.Logger
}

// run dials, subscribes and reads until ctx is done or the policy gives up
func (s *subscription) run(ctx context.Context) error {
	attempt := 0
	for {
		subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			attempt = 0
		}

		attempt++
		delay, ok := s.policy.Next(attempt)
		if !ok {
			s.logger.Error().Err(err).Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
			return fmt.Errorf("%s channel gave up after %d reconnects: %w", s.channel, attempt-1, ErrFeedDead)
		}

		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("stream closed, reconnecting")
		if s.onReconnect != nil {
			s.onReconnect(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. subscribed reports whether the subscribe
// request was written, which resets the failure count.
func (s *subscription) session(ctx context.Context) (subscribed bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	req, _ := json.Marshal(subscribeRequest{Subscribe: subscribeBody{Channel: s.channel, Symbol: s.symbol}})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info().Str("symbol", s.symbol).Msg("stream subscribed")

	if s.onConnect != nil {
		s.onConnect(conn)
	}
	if s.onDisconnect != nil {
		defer s.onDisconnect()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		s.handle(raw, s.now())
	}
}

func newSubscription(channel string, f *Feed, policy ReconnectPolicy) *subscription {
	return &subscription{
		channel: channel,
		symbol:  f.opts.Symbol,
		url:     f.opts.URL,
		dialer:  f.dialer,
		policy:  policy,
		now:     f.now,
		logger:  log.With().Str("component", "marketdata").Str("channel", channel).Logger(),
	}
}
