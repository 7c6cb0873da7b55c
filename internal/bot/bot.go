package bot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/makerbot/internal/config"
	"github.com/sawpanic/makerbot/internal/exchange"
	"github.com/sawpanic/makerbot/internal/metrics"
	"github.com/sawpanic/makerbot/internal/net/client"
	"github.com/sawpanic/makerbot/internal/position"
	"github.com/sawpanic/makerbot/internal/quote"
	"github.com/sawpanic/makerbot/internal/risk"
	"github.com/sawpanic/makerbot/internal/status"
)

// Tick outcomes
const (
	OutcomePositionCooldown = "position_cooldown"
	OutcomePositionUnknown  = "position_unknown"
	OutcomeFlattened        = "flattened"
	OutcomeNoPrice          = "no_price"
	OutcomeRiskCooling      = "risk_cooling"
	OutcomeRiskTriggered    = "risk_triggered"
	OutcomeReconcileSkipped = "reconcile_skipped"
	OutcomeQuoted           = "quoted"
)

// Price sources
const (
	SourceStream = "stream"
	SourceREST   = "rest"
)

// MarketData is the part of the feed the loop reads
type MarketData interface {
	ReferencePrice() (float64, bool)
	TopOfBook() (bid, ask float64, ok bool)
	Fatal() <-chan error
}

// Deps are the collaborators of a Bot
type Deps struct {
	Feed      MarketData
	Gateway   exchange.Gateway
	Guard     *position.Guard
	Governor  *risk.Governor
	Quotes    *quote.Manager
	Canceller risk.Canceller
	Metrics   *metrics.Registry
	Status    status.Store
}

// Bot runs one tick at a time; nothing in it is shared with other goroutines
type Bot struct {
	Deps

	symbol          string
	interval        time.Duration
	shutdownTimeout time.Duration

	now    func() time.Time
	logger zerolog.Logger
}

// New creates a bot from configuration and wired collaborators
func New(cfg *config.Config, deps Deps) *Bot {
	if deps.Status == nil {
		deps.Status = status.NewMemory()
	}
	return &Bot{
		Deps:            deps,
		symbol:          cfg.Exchange.Symbol,
		interval:        cfg.Loop.Interval,
		shutdownTimeout: cfg.Position.ShutdownTimeout,
		now:             time.Now,
		logger:          log.With().Str("component", "bot").Str("symbol", cfg.Exchange.Symbol).Logger(),
	}
}

// TickResult summarizes one pass of the control loop
type TickResult struct {
	Outcome   string
	Reference float64
	Source    string
	Check     position.CheckResult
	Decision  *risk.Decision
	Quotes    *quote.Result
	Elapsed   time.Duration
}

// Tick runs the position guard, picks a reference price, consults the risk
// governor and reconciles quotes. Any stage may end the tick early.
func (b *Bot) Tick(ctx context.Context) TickResult {
	start := b.now()
	res := b.tick(ctx)
	res.Elapsed = b.now().Sub(start)

	b.Metrics.ObserveTick(res.Outcome, res.Elapsed)
	b.Metrics.ObserveCooldown("market", b.Governor.Cooldown().Remaining(b.now()))
	b.Metrics.ObserveCooldown("position", b.Guard.Cooldown().Remaining(b.now()))
	if res.Reference > 0 {
		b.Metrics.ObserveReference(res.Reference, res.Source)
	}
	if res.Quotes != nil && res.Quotes.Err == nil {
		b.Metrics.ObserveOpenOrders(len(res.Quotes.Kept) + len(res.Quotes.Placed))
	}

	snap := b.snapshot(res)
	if err := b.Status.Put(ctx, snap); err != nil {
		b.logger.Warn().Err(err).Msg("status snapshot not stored")
	}
	b.logger.Debug().
		Str("outcome", res.Outcome).
		Float64("ref", res.Reference).
		Str("source", res.Source).
		Float64("spread_bps", snap.SpreadBps).
		Float64("short_vol", snap.ShortVol).
		Float64("mid_vol", snap.MidVol).
		Int("open_orders", len(snap.OpenOrders)).
		Dur("elapsed", res.Elapsed).
		Msg("tick")
	return res
}

func (b *Bot) tick(ctx context.Context) TickResult {
	var res TickResult

	res.Check = b.Guard.Check(ctx)
	switch {
	case res.Check.Handled:
		res.Outcome = OutcomeFlattened
		return res
	case res.Check.Cooling:
		res.Outcome = OutcomePositionCooldown
		return res
	case res.Check.Err != nil:
		res.Outcome = OutcomePositionUnknown
		return res
	}

	ref, source, ok := b.referencePrice(ctx)
	if !ok {
		res.Outcome = OutcomeNoPrice
		return res
	}
	res.Reference, res.Source = ref, source

	decision := b.Governor.Evaluate(ctx, ref)
	res.Decision = &decision
	b.Metrics.ObserveDecision(decision)
	switch {
	case decision.Trigger != nil:
		res.Outcome = OutcomeRiskTriggered
		return res
	case !decision.Quote:
		res.Outcome = OutcomeRiskCooling
		return res
	}

	quotes := b.Quotes.Reconcile(ctx, ref)
	res.Quotes = &quotes
	if quotes.Err != nil {
		res.Outcome = OutcomeReconcileSkipped
		return res
	}
	res.Outcome = OutcomeQuoted
	return res
}

// referencePrice prefers the stream and falls back to the REST symbol price
func (b *Bot) referencePrice(ctx context.Context) (float64, string, bool) {
	if ref, ok := b.Feed.ReferencePrice(); ok {
		return ref, SourceStream, true
	}
	ref, err := b.Gateway.SymbolPrice(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("no reference price from stream or REST")
		return 0, "", false
	}
	return ref, SourceREST, true
}

func (b *Bot) snapshot(res TickResult) status.Snapshot {
	now := b.now()
	snap := status.Snapshot{
		At:               now,
		Symbol:           b.symbol,
		Outcome:          res.Outcome,
		Reference:        res.Reference,
		Source:           res.Source,
		Position:         res.Check.Position.Qty,
		OpenOrders:       []status.OrderView{},
		MarketCooldown:   cooldownView(b.Governor.Cooldown(), now),
		PositionCooldown: cooldownView(b.Guard.Cooldown(), now),
	}
	if bid, ask, ok := b.Feed.TopOfBook(); ok {
		snap.BestBid, snap.BestAsk = bid, ask
	}
	if d := res.Decision; d != nil {
		snap.SpreadBps = d.Signals.SpreadBps
		snap.ShortVol = d.Signals.ShortVol
		snap.MidVol = d.Signals.MidVol
		if d.Signals.HasOBI {
			obi := d.Signals.OBI
			snap.OBI = &obi
		}
		if d.Trigger != nil {
			snap.Trigger = d.Trigger.String()
			snap.Actions = append(snap.Actions, fmt.Sprintf("cancelled %d orders on %s", len(d.Cancelled.Cancelled), d.Trigger.Reason))
		}
	}
	if q := res.Quotes; q != nil {
		for _, o := range q.Kept {
			snap.OpenOrders = append(snap.OpenOrders, status.OrderView{
				ID:           o.ID,
				Side:         string(o.Side),
				Price:        o.Price,
				Qty:          o.Qty,
				DeviationBps: quote.DeviationBps(res.Reference, o.Price),
			})
		}
		for _, o := range q.Cancelled {
			snap.Actions = append(snap.Actions, fmt.Sprintf("cancelled %s %s @ %v", o.Side, o.ID, o.Price))
		}
		for _, side := range q.Placed {
			price := q.BuyTarget
			if side == exchange.Sell {
				price = q.SellTarget
			}
			snap.Actions = append(snap.Actions, fmt.Sprintf("placed %s @ %s", side, price))
		}
	}
	if f := res.Check.Flatten; f != nil {
		snap.Actions = append(snap.Actions, fmt.Sprintf("flatten %v -> %v in %d attempts", f.Initial.Qty, f.Final.Qty, f.Attempts))
	}
	return snap
}

func cooldownView(c *risk.Cooldown, now time.Time) status.CooldownView {
	resumeAt, reason := c.State()
	v := status.CooldownView{Active: c.Active(now), Remaining: c.Remaining(now).Seconds()}
	if v.Active {
		v.ResumeAt, v.Reason = resumeAt, reason
	}
	return v
}

// Shutdown cancels every live order and flattens any position on a fresh
// context bounded by the shutdown timeout, so a cancelled run context does not
// abort it. Its queries skip the REST circuit breaker.
func (b *Bot) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
	defer cancel()
	ctx = client.WithoutBreaker(ctx)

	b.logger.Info().Msg("shutting down, pulling quotes and flattening")
	report := b.Canceller.CancelAll(ctx, "shutdown")

	pos, err := b.Gateway.Position(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("position unknown at shutdown, check the account manually")
		return fmt.Errorf("shutdown position query: %w", err)
	}
	if pos.Flat() {
		b.logger.Info().Int("cancelled", len(report.Cancelled)).Msg("shutdown complete, flat")
		return nil
	}
	if _, err := b.Guard.Flatten(ctx, pos); err != nil {
		return fmt.Errorf("shutdown flatten: %w", err)
	}
	b.logger.Info().Int("cancelled", len(report.Cancelled)).Float64("closed_qty", pos.Qty).Msg("shutdown complete")
	return nil
}

// Handle owns the running bot and its shutdown flag
type Handle struct {
	bot      *Bot
	shutdown atomic.Bool
}

// NewHandle wraps a bot
func NewHandle(b *Bot) *Handle {
	return &Handle{bot: b}
}

// Bot returns the wrapped bot
func (h *Handle) Bot() *Bot {
	return h.bot
}

// RequestShutdown makes Run stop at the top of its next iteration
func (h *Handle) RequestShutdown() {
	h.shutdown.Store(true)
}

// ShuttingDown reports whether shutdown was requested
func (h *Handle) ShuttingDown() bool {
	return h.shutdown.Load()
}

// Run ticks until ctx is cancelled, shutdown is requested or the feed dies,
// then runs the shutdown sequence. A dead feed is returned as an error
// wrapping marketdata.ErrFeedDead.
func (h *Handle) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.bot.interval)
	defer ticker.Stop()

	var fatal error
	for !h.ShuttingDown() {
		select {
		case <-ctx.Done():
			h.RequestShutdown()
		case err := <-h.bot.Feed.Fatal():
			h.bot.logger.Error().Err(err).Msg("market data feed is dead, stopping")
			fatal = err
			h.RequestShutdown()
		case <-ticker.C:
			h.bot.Tick(ctx)
		}
	}

	err := h.bot.Shutdown()
	if fatal != nil {
		return errors.Join(fatal, err)
	}
	return err
}
