package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/makerbot/internal/config"
	"github.com/sawpanic/makerbot/internal/orders"
)

// Reason names the signal that tripped the governor
type Reason string

const (
	ReasonOBI             Reason = "obi"
	ReasonSpread          Reason = "spread"
	ReasonShortVolatility Reason = "short_volatility"
	ReasonMidVolatility   Reason = "mid_volatility"
)

// Market is the read side of the market data feed
type Market interface {
	TopOfBook() (bid, ask float64, ok bool)
	Imbalance(ref float64) (float64, bool)
}

// Canceller pulls every live order
type Canceller interface {
	CancelAll(ctx context.Context, reason string) orders.Report
}

// Signals are the per-tick risk inputs
type Signals struct {
	Reference float64
	ShortVol  float64
	MidVol    float64
	SpreadBps float64
	HasSpread bool
	OBI       float64
	HasOBI    bool
	Samples   int
}

// Trigger describes why quoting was pulled
type Trigger struct {
	Reason Reason
	Value  float64
	Limit  float64
	Pause  time.Duration
}

func (t Trigger) String() string {
	return fmt.Sprintf("%s %.6g > %.6g, pause %s", t.Reason, t.Value, t.Limit, t.Pause)
}

// Decision is the outcome of one evaluation
type Decision struct {
	Quote     bool
	Cooling   bool
	Remaining time.Duration
	Signals   Signals
	Trigger   *Trigger
	Cancelled orders.Report
}

// Governor gates quoting on volatility, spread and order book imbalance. It
// owns the market cooldown and the price history; both are only touched from
// the control goroutine.
type Governor struct {
	limits    config.RiskThresholds
	market    Market
	canceller Canceller
	cooldown  *Cooldown
	history   *PriceHistory
	now       func() time.Time
	logger    zerolog.Logger
}

// NewGovernor creates a governor arming cooldown on danger
func NewGovernor(limits config.RiskThresholds, market Market, canceller Canceller, cooldown *Cooldown) *Governor {
	return &Governor{
		limits:    limits,
		market:    market,
		canceller: canceller,
		cooldown:  cooldown,
		history:   NewPriceHistory(limits.MidWindow),
		now:       time.Now,
		logger:    log.With().Str("component", "risk").Logger(),
	}
}

// Cooldown returns the market cooldown
func (g *Governor) Cooldown() *Cooldown {
	return g.cooldown
}

// History returns the price history
func (g *Governor) History() *PriceHistory {
	return g.history
}

// Evaluate records ref and decides whether quoting may proceed this tick
func (g *Governor) Evaluate(ctx context.Context, ref float64) Decision {
	now := g.now()

	if g.cooldown.Active(now) {
		g.history.Clear()
		return Decision{Cooling: true, Remaining: g.cooldown.Remaining(now), Signals: Signals{Reference: ref}}
	}

	g.history.Add(now, ref)
	signals := g.signals(now, ref)

	trigger := g.danger(signals)
	if trigger == nil {
		return Decision{Quote: true, Signals: signals}
	}

	g.logger.Warn().
		Str("reason", string(trigger.Reason)).
		Float64("value", trigger.Value).
		Float64("limit", trigger.Limit).
		Dur("pause", trigger.Pause).
		Float64("ref", ref).
		Msg("dangerous market, pulling quotes")

	report := g.canceller.CancelAll(ctx, string(trigger.Reason))
	resumeAt := g.cooldown.Arm(g.now(), trigger.Pause, trigger.String())
	g.history.Clear()

	return Decision{
		Cooling:   true,
		Remaining: resumeAt.Sub(now),
		Signals:   signals,
		Trigger:   trigger,
		Cancelled: report,
	}
}

func (g *Governor) signals(now time.Time, ref float64) Signals {
	s := Signals{
		Reference: ref,
		ShortVol:  g.history.ShortVolatility(now, ref, g.limits.ShortWindow),
		MidVol:    g.history.MidVolatility(ref),
		Samples:   g.history.Len(),
	}
	if bid, ask, ok := g.market.TopOfBook(); ok && ask > bid && ref > 0 {
		s.SpreadBps = (ask - bid) / ref * 10000
		s.HasSpread = true
	}
	s.OBI, s.HasOBI = g.market.Imbalance(ref)
	return s
}

// danger applies the thresholds in priority order; the first match wins
func (g *Governor) danger(s Signals) *Trigger {
	switch {
	case s.HasOBI && math.Abs(s.OBI) > g.limits.OBILimit:
		return &Trigger{Reason: ReasonOBI, Value: s.OBI, Limit: g.limits.OBILimit, Pause: g.limits.OBIPause}
	case s.HasSpread && s.SpreadBps > g.limits.DangerSpreadBps:
		return &Trigger{Reason: ReasonSpread, Value: s.SpreadBps, Limit: g.limits.DangerSpreadBps, Pause: g.limits.MarketPause}
	case s.ShortVol > g.limits.ShortVolatility:
		return &Trigger{Reason: ReasonShortVolatility, Value: s.ShortVol, Limit: g.limits.ShortVolatility, Pause: g.limits.MarketPause}
	case s.MidVol > g.limits.MidVolatility:
		return &Trigger{Reason: ReasonMidVolatility, Value: s.MidVol, Limit: g.limits.MidVolatility, Pause: g.limits.MarketPause}
	default:
		return nil
	}
}
