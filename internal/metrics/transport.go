package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/makerbot/internal/net/ratelimit"
)

// RateLimits exposes the per-endpoint token buckets
type RateLimits interface {
	Stats() map[string]ratelimit.Stats
}

// BreakerCounts exposes the circuit breaker counters
type BreakerCounts interface {
	Counts() gobreaker.Counts
}

var (
	rateLimitTokensDesc = prometheus.NewDesc(
		"makerbot_rate_limit_tokens",
		"Tokens left in each endpoint bucket",
		[]string{"endpoint"}, nil)
	rateLimitThrottledDesc = prometheus.NewDesc(
		"makerbot_rate_limit_throttled",
		"1 when the next request to the endpoint would have to wait",
		[]string{"endpoint"}, nil)
	circuitFailuresDesc = prometheus.NewDesc(
		"makerbot_circuit_consecutive_failures",
		"Consecutive failures counted by the circuit breaker",
		[]string{"breaker"}, nil)
	circuitRequestsDesc = prometheus.NewDesc(
		"makerbot_circuit_generation_requests",
		"Requests seen by the circuit breaker in its current generation",
		[]string{"breaker"}, nil)
)

// transportCollector reads the REST middleware state on every scrape
type transportCollector struct {
	breaker string
	limits  RateLimits
	counts  BreakerCounts
}

func (c *transportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- rateLimitTokensDesc
	ch <- rateLimitThrottledDesc
	ch <- circuitFailuresDesc
	ch <- circuitRequestsDesc
}

func (c *transportCollector) Collect(ch chan<- prometheus.Metric) {
	if c.limits != nil {
		for endpoint, s := range c.limits.Stats() {
			throttled := 0.0
			if s.IsThrottled() {
				throttled = 1
			}
			ch <- prometheus.MustNewConstMetric(rateLimitTokensDesc, prometheus.GaugeValue, s.TokensAvailable, endpoint)
			ch <- prometheus.MustNewConstMetric(rateLimitThrottledDesc, prometheus.GaugeValue, throttled, endpoint)
		}
	}
	if c.counts != nil {
		counts := c.counts.Counts()
		ch <- prometheus.MustNewConstMetric(circuitFailuresDesc, prometheus.GaugeValue, float64(counts.ConsecutiveFailures), c.breaker)
		ch <- prometheus.MustNewConstMetric(circuitRequestsDesc, prometheus.GaugeValue, float64(counts.Requests), c.breaker)
	}
}

// RegisterTransport exports the rate limiter buckets and breaker counters of
// the exchange client. Either source may be nil.
func (r *Registry) RegisterTransport(breaker string, limits RateLimits, counts BreakerCounts) {
	if r == nil {
		return
	}
	r.reg.MustRegister(&transportCollector{breaker: breaker, limits: limits, counts: counts})
}
