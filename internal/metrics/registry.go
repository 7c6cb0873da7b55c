package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sawpanic/makerbot/internal/risk"
)

// Registry holds all Prometheus metrics for the market maker. Every method is
// safe on a nil *Registry so components can run without metrics.
type Registry struct {
	reg *prometheus.Registry

	// Market data
	ReferencePrice *prometheus.GaugeVec
	SpreadBps      prometheus.Gauge
	Imbalance      prometheus.Gauge
	Volatility     *prometheus.GaugeVec
	StreamFrames   *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
	ChannelsDead   *prometheus.CounterVec
	StaleResets    prometheus.Counter

	// Risk
	CooldownRemaining *prometheus.GaugeVec
	RiskTriggers      *prometheus.CounterVec

	// Orders
	OrdersPlaced    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	DuplicateSides  *prometheus.CounterVec
	OpenOrders      prometheus.Gauge

	// Position
	Position        prometheus.Gauge
	FlattenAttempts *prometheus.CounterVec
	FlattenOutcomes *prometheus.CounterVec

	// Loop and transport
	Ticks         *prometheus.CounterVec
	TickDuration  prometheus.Histogram
	RequestErrors *prometheus.CounterVec
	CircuitState  *prometheus.GaugeVec
}

// NewRegistry creates and registers every metric on a private registry
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ReferencePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "makerbot_reference_price",
			Help: "Reference price used for the last quoting decision",
		}, []string{"source"}),
		SpreadBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_spread_bps",
			Help: "Top of book spread in basis points of the reference price",
		}),
		Imbalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_order_book_imbalance",
			Help: "Order book imbalance within the configured band (-1 to 1)",
		}),
		Volatility: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "makerbot_volatility_ratio",
			Help: "Relative price move over the short and mid windows",
		}, []string{"window"}),
		StreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_stream_frames_total",
			Help: "Frames applied per market data channel",
		}, []string{"channel"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_stream_reconnects_total",
			Help: "Reconnect attempts per market data channel",
		}, []string{"channel"}),
		ChannelsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_stream_exhausted_total",
			Help: "Channels that gave up reconnecting",
		}, []string{"channel"}),
		StaleResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "makerbot_stream_stale_resets_total",
			Help: "Price connections closed by the staleness watchdog",
		}),

		CooldownRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "makerbot_cooldown_remaining_seconds",
			Help: "Seconds until quoting may resume, per cooldown domain",
		}, []string{"domain"}),
		RiskTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_risk_triggers_total",
			Help: "Risk governor triggers by reason",
		}, []string{"reason"}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_orders_placed_total",
			Help: "Quote submissions by side and result",
		}, []string{"side", "result"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_orders_cancelled_total",
			Help: "Cancel requests by reason and result",
		}, []string{"reason", "result"}),
		DuplicateSides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_duplicate_quotes_total",
			Help: "Reconciliations that found more than one in-band quote on a side",
		}, []string{"side"}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_open_orders",
			Help: "Open orders seen by the last reconciliation",
		}),

		Position: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_position_qty",
			Help: "Last observed signed position quantity",
		}),
		FlattenAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_flatten_attempts_total",
			Help: "Reduce-only close submissions by side and result",
		}, []string{"side", "result"}),
		FlattenOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_flatten_total",
			Help: "Completed flatten sequences by outcome",
		}, []string{"outcome"}),

		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_ticks_total",
			Help: "Control loop ticks by outcome",
		}, []string{"outcome"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "makerbot_tick_duration_seconds",
			Help:    "Wall time of one control loop tick",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_request_errors_total",
			Help: "Failed exchange REST requests by endpoint and kind",
		}, []string{"endpoint", "kind"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "makerbot_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"breaker"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ReferencePrice, r.SpreadBps, r.Imbalance, r.Volatility,
		r.StreamFrames, r.Reconnects, r.ChannelsDead, r.StaleResets,
		r.CooldownRemaining, r.RiskTriggers,
		r.OrdersPlaced, r.OrdersCancelled, r.DuplicateSides, r.OpenOrders,
		r.Position, r.FlattenAttempts, r.FlattenOutcomes,
		r.Ticks, r.TickDuration, r.RequestErrors, r.CircuitState,
	)
	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the /metrics handler
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// FrameReceived counts an applied stream frame
func (r *Registry) FrameReceived(channel string) {
	if r == nil {
		return
	}
	r.StreamFrames.WithLabelValues(channel).Inc()
}

// Reconnecting counts a reconnect attempt
func (r *Registry) Reconnecting(channel string, attempt int) {
	if r == nil {
		return
	}
	r.Reconnects.WithLabelValues(channel).Inc()
}

// ChannelDead counts a channel that exhausted its retries
func (r *Registry) ChannelDead(channel string) {
	if r == nil {
		return
	}
	r.ChannelsDead.WithLabelValues(channel).Inc()
}

// StaleReset counts a watchdog reset
func (r *Registry) StaleReset() {
	if r == nil {
		return
	}
	r.StaleResets.Inc()
}

// OrderPlaced counts a quote submission
func (r *Registry) OrderPlaced(side string, err error) {
	if r == nil {
		return
	}
	r.OrdersPlaced.WithLabelValues(side, result(err)).Inc()
}

// OrderCancelled counts a cancel request
func (r *Registry) OrderCancelled(reason string, err error) {
	if r == nil {
		return
	}
	r.OrdersCancelled.WithLabelValues(reason, result(err)).Inc()
}

// DuplicateQuotes counts a side carrying more than one in-band quote
func (r *Registry) DuplicateQuotes(side string, count int) {
	if r == nil {
		return
	}
	r.DuplicateSides.WithLabelValues(side).Inc()
}

// PositionObserved records the last position read
func (r *Registry) PositionObserved(qty float64) {
	if r == nil {
		return
	}
	r.Position.Set(qty)
}

// FlattenAttempt counts a reduce-only close submission
func (r *Registry) FlattenAttempt(side string, err error) {
	if r == nil {
		return
	}
	r.FlattenAttempts.WithLabelValues(side, result(err)).Inc()
}

// FlattenFinished counts the outcome of a flatten sequence
func (r *Registry) FlattenFinished(verified bool) {
	if r == nil {
		return
	}
	outcome := "flat"
	if !verified {
		outcome = "failed"
	}
	r.FlattenOutcomes.WithLabelValues(outcome).Inc()
}

// RequestFailed counts a failed REST request
func (r *Registry) RequestFailed(endpoint, kind string) {
	if r == nil {
		return
	}
	r.RequestErrors.WithLabelValues(endpoint, kind).Inc()
}

// CircuitChanged records a breaker state name ("closed", "half-open", "open")
func (r *Registry) CircuitChanged(breaker, state string) {
	if r == nil {
		return
	}
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	r.CircuitState.WithLabelValues(breaker).Set(v)
}

// ObserveReference records the reference price and where it came from
func (r *Registry) ObserveReference(price float64, source string) {
	if r == nil {
		return
	}
	r.ReferencePrice.Reset()
	r.ReferencePrice.WithLabelValues(source).Set(price)
}

// ObserveDecision records the risk signals and any trigger
func (r *Registry) ObserveDecision(d risk.Decision) {
	if r == nil {
		return
	}
	s := d.Signals
	if s.HasSpread {
		r.SpreadBps.Set(s.SpreadBps)
	}
	if s.HasOBI {
		r.Imbalance.Set(s.OBI)
	}
	if !d.Cooling {
		r.Volatility.WithLabelValues("short").Set(s.ShortVol)
		r.Volatility.WithLabelValues("mid").Set(s.MidVol)
	}
	if d.Trigger != nil {
		r.RiskTriggers.WithLabelValues(string(d.Trigger.Reason)).Inc()
	}
}

// ObserveCooldown records the time left in a cooldown domain
func (r *Registry) ObserveCooldown(domain string, remaining time.Duration) {
	if r == nil {
		return
	}
	r.CooldownRemaining.WithLabelValues(domain).Set(remaining.Seconds())
}

// ObserveOpenOrders records the open order count
func (r *Registry) ObserveOpenOrders(n int) {
	if r == nil {
		return
	}
	r.OpenOrders.Set(float64(n))
}

// ObserveTick counts a finished tick and its duration
func (r *Registry) ObserveTick(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.Ticks.WithLabelValues(outcome).Inc()
	r.TickDuration.Observe(elapsed.Seconds())
}
