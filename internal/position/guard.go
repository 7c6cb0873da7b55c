package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/makerbot/internal/config"
	"github.com/sawpanic/makerbot/internal/exchange"
	"github.com/sawpanic/makerbot/internal/net/client"
	"github.com/sawpanic/makerbot/internal/orders"
	"github.com/sawpanic/makerbot/internal/risk"
)

// ErrFlattenFailed means the position was still open after every close attempt
var ErrFlattenFailed = errors.New("position not flat after close attempts")

// Canceller pulls every live order before a close
type Canceller interface {
	CancelAll(ctx context.Context, reason string) orders.Report
}

// Observer is notified of guard activity
type Observer interface {
	PositionObserved(qty float64)
	FlattenAttempt(side string, err error)
	FlattenFinished(verified bool)
}

// Report describes one flatten sequence
type Report struct {
	Initial   exchange.Position
	Final     exchange.Position
	Attempts  int
	Verified  bool
	Cancelled orders.Report
}

// CheckResult is the outcome of one guard check
type CheckResult struct {
	Position  exchange.Position
	Cooling   bool
	Remaining time.Duration
	Handled   bool    // a non-flat position was flattened this call
	Flatten   *Report // set when Handled
	Err       error   // position unavailable or flatten failed
}

// Quote reports whether the tick may go on to quote
func (r CheckResult) Quote() bool {
	return !r.Cooling && !r.Handled && r.Err == nil
}

// Guard detects fills and closes them with reduce-only market orders
type Guard struct {
	gw        exchange.Gateway
	canceller Canceller
	cooldown  *risk.Cooldown
	cfg       config.PositionConfig
	observer  Observer
	logger    zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGuard creates a position guard owning the position cooldown
func NewGuard(gw exchange.Gateway, canceller Canceller, cooldown *risk.Cooldown, cfg config.PositionConfig, observer Observer) *Guard {
	return &Guard{
		gw:        gw,
		canceller: canceller,
		cooldown:  cooldown,
		cfg:       cfg,
		observer:  observer,
		logger:    log.With().Str("component", "position").Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Cooldown returns the position cooldown
func (g *Guard) Cooldown() *risk.Cooldown {
	return g.cooldown
}

// Check skips while the position cooldown runs, otherwise queries the position
// and flattens it when it is not flat. The cooldown is armed after any flatten,
// verified or not.
func (g *Guard) Check(ctx context.Context) CheckResult {
	now := g.now()
	if g.cooldown.Active(now) {
		return CheckResult{Cooling: true, Remaining: g.cooldown.Remaining(now)}
	}

	pos, err := g.gw.Position(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("position unavailable, skipping tick")
		return CheckResult{Err: fmt.Errorf("query position: %w", err)}
	}
	if g.observer != nil {
		g.observer.PositionObserved(pos.Qty)
	}
	if pos.Flat() {
		return CheckResult{Position: pos}
	}

	g.logger.Warn().Float64("qty", pos.Qty).Msg("unexpected position, flattening")
	report, err := g.Flatten(ctx, pos)
	resumeAt := g.cooldown.Arm(g.now(), g.cfg.Pause, "position")
	g.logger.Info().Time("resume_at", resumeAt).Dur("pause", g.cfg.Pause).Msg("position cooldown armed")

	return CheckResult{
		Position:  report.Final,
		Cooling:   true,
		Remaining: g.cooldown.Remaining(g.now()),
		Handled:   true,
		Flatten:   &report,
		Err:       err,
	}
}

// Flatten cancels every live order, waits for the cancels to settle, then
// closes pos with reduce-only IOC market orders, re-querying after each one.
// Each retry closes the latest observed quantity. Queries made here skip the
// REST circuit breaker.
func (g *Guard) Flatten(ctx context.Context, pos exchange.Position) (Report, error) {
	ctx = client.WithoutBreaker(ctx)
	report := Report{Initial: pos, Final: pos}
	report.Cancelled = g.canceller.CancelAll(ctx, "position")

	if err := g.sleep(ctx, g.cfg.CancelSettle); err != nil {
		return report, fmt.Errorf("flatten interrupted: %w", err)
	}

	current := pos
	for attempt := 1; attempt <= g.cfg.CloseAttempts && !current.Flat(); attempt++ {
		report.Attempts = attempt
		side := current.CloseSide()
		qty := decimal.NewFromFloat(math.Abs(current.Qty))

		err := g.gw.NewOrder(ctx, exchange.OrderRequest{
			Side:        side,
			Type:        exchange.Market,
			Qty:         qty,
			TimeInForce: exchange.IOC,
			ReduceOnly:  true,
		})
		if g.observer != nil {
			g.observer.FlattenAttempt(string(side), err)
		}
		logEvent := g.logger.Info()
		if err != nil {
			logEvent = g.logger.Warn().Err(err)
		}
		logEvent.Int("attempt", attempt).Str("side", string(side)).Str("qty", qty.String()).Msg("close order submitted")

		if err := g.sleep(ctx, g.cfg.VerifyDelay); err != nil {
			return report, fmt.Errorf("flatten interrupted: %w", err)
		}

		latest, err := g.gw.Position(ctx)
		if err != nil {
			g.logger.Warn().Err(err).Int("attempt", attempt).Msg("close verification failed")
			continue
		}
		current = latest
		report.Final = latest
		if g.observer != nil {
			g.observer.PositionObserved(latest.Qty)
		}
	}

	report.Verified = current.Flat()
	if g.observer != nil {
		g.observer.FlattenFinished(report.Verified)
	}
	if !report.Verified {
		g.logger.Error().
			Float64("initial_qty", pos.Qty).
			Float64("last_qty", report.Final.Qty).
			Int("attempts", report.Attempts).
			Msg("position still open, manual intervention required")
		return report, fmt.Errorf("%w: last qty %v", ErrFlattenFailed, report.Final.Qty)
	}
	g.logger.Info().Float64("initial_qty", pos.Qty).Int("attempts", report.Attempts).Msg("position flattened")
	return report, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
