package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/makerbot/internal/bot"
	"github.com/sawpanic/makerbot/internal/config"
	"github.com/sawpanic/makerbot/internal/exchange/standx"
	opshttp "github.com/sawpanic/makerbot/internal/interfaces/http"
	"github.com/sawpanic/makerbot/internal/marketdata"
	"github.com/sawpanic/makerbot/internal/metrics"
	"github.com/sawpanic/makerbot/internal/net/circuit"
	"github.com/sawpanic/makerbot/internal/net/client"
	"github.com/sawpanic/makerbot/internal/net/ratelimit"
	"github.com/sawpanic/makerbot/internal/orders"
	"github.com/sawpanic/makerbot/internal/position"
	"github.com/sawpanic/makerbot/internal/quote"
	"github.com/sawpanic/makerbot/internal/risk"
	"github.com/sawpanic/makerbot/internal/status"
)

// app is the fully wired process
type app struct {
	cfg     *config.Config
	metrics *metrics.Registry
	breaker *circuit.Breaker
	gateway *standx.Client
	feed    *marketdata.Feed
	status  status.Store
	bot     *bot.Bot

	closeStatus func()
}

// Close stops background writers started by wire
func (a *app) Close() {
	if a.closeStatus != nil {
		a.closeStatus()
	}
}

// wire builds every component from cfg. requireSigner rejects a missing
// signing key for commands that place or cancel orders.
func wire(cfg *config.Config, requireSigner bool) (*app, error) {
	if cfg.Auth.JWTToken == "" {
		return nil, errors.New("JWT_TOKEN is not set")
	}
	var signer *standx.Signer
	if cfg.Auth.SigningKey != "" || requireSigner {
		s, err := standx.NewSigner(cfg.Auth.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("D_VALUE_BASE64: %w", err)
		}
		signer = s
	}

	reg := metrics.NewRegistry()

	breaker := circuit.NewBreaker(circuit.Config{
		Name:             "standx",
		FailureThreshold: cfg.Exchange.Circuit.FailureThreshold,
		HalfOpenRequests: cfg.Exchange.Circuit.HalfOpenRequests,
		Timeout:          cfg.Exchange.Circuit.OpenTimeout,
	})
	breaker.OnStateChange = func(name string, _, to gobreaker.State) {
		reg.CircuitChanged(name, to.String())
	}

	limiter := ratelimit.NewLimiter(cfg.Exchange.RateLimitRPS, cfg.Exchange.RateLimitBurst)
	reg.RegisterTransport("standx", limiter, breaker)

	transport := client.NewWrapper(client.WrapperConfig{
		Venue:          "standx",
		UserAgent:      fmt.Sprintf("%s/%s", appName, version),
		RateLimiter:    limiter,
		CircuitBreaker: breaker,
		OnError: func(e *client.RequestError) {
			reg.RequestFailed(e.Endpoint, e.Kind)
		},
	}, http.DefaultTransport)

	gateway := standx.NewClient(standx.Config{
		BaseURL:       cfg.Exchange.BaseURL,
		Symbol:        cfg.Exchange.Symbol,
		Token:         cfg.Auth.JWTToken,
		QueryTimeout:  cfg.Exchange.QueryTimeout,
		OrderTimeout:  cfg.Exchange.OrderTimeout,
		CloseTimeout:  cfg.Exchange.CloseTimeout,
		PriceDecimals: cfg.Exchange.PriceDecimals,
	}, &http.Client{Transport: transport}, signer)

	feed := marketdata.NewFeed(marketdata.Options{
		URL:    cfg.Exchange.StreamURL,
		Symbol: cfg.Exchange.Symbol,
		PricePolicy: marketdata.BoundedBackoff{
			Step:       cfg.Stream.PriceBackoffStep,
			Max:        cfg.Stream.PriceBackoffMax,
			MaxRetries: cfg.Stream.PriceMaxRetries,
		},
		DepthPolicy:      marketdata.FixedDelay{Delay: cfg.Stream.DepthRetryDelay},
		WatchdogInterval: cfg.Stream.WatchdogInterval,
		StaleAfter:       cfg.Stream.StaleAfter,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		ImbalanceBandBps: cfg.Risk.OBIRangeBps,
		Observer:         reg,
	})

	store, closeStatus := newStatusStore(cfg.Status)

	canceller := orders.NewCanceller(gateway, cfg.Quoting.CancelWorker, cfg.Loop.CancelTimeout, reg)
	b := bot.New(cfg, bot.Deps{
		Feed:      feed,
		Gateway:   gateway,
		Guard:     position.NewGuard(gateway, canceller, risk.NewCooldown("position"), cfg.Position, reg),
		Governor:  risk.NewGovernor(cfg.Risk, feed, canceller, risk.NewCooldown("market")),
		Quotes:    quote.NewManager(gateway, cfg.Quoting, cfg.OrderQty(), reg),
		Canceller: canceller,
		Metrics:   reg,
		Status:    store,
	})

	return &app{
		cfg:     cfg,
		metrics: reg,
		breaker: breaker,
		gateway: gateway,
		feed:    feed,
		status:  store,
		bot:     b,

		closeStatus: closeStatus,
	}, nil
}

// newStatusStore keeps snapshots in memory and mirrors them to Redis when an
// address is configured. Redis writes happen off the control loop.
func newStatusStore(cfg config.StatusConfig) (status.Store, func()) {
	mem := status.NewMemory()
	if cfg.RedisAddr == "" {
		return mem, func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	mirror := status.NewAsync(status.NewRedis(rdb, cfg.Key, cfg.TTL))
	return status.Tee{mem, mirror}, func() {
		mirror.Close()
		_ = rdb.Close()
	}
}

// opsServer builds the /metrics, /health and /status listener
func (a *app) opsServer(addr string) *opshttp.Server {
	srvCfg := opshttp.DefaultServerConfig()
	srvCfg.Addr = addr
	srvCfg.Version = version

	checks := map[string]opshttp.Check{
		"price_stream": func() (bool, string) {
			last := a.feed.Book().LastPriceFrame()
			if last.IsZero() {
				return false, "no price frame yet"
			}
			age := time.Since(last)
			return age <= a.cfg.Stream.StaleAfter, fmt.Sprintf("last frame %s ago", age.Round(time.Second))
		},
		"exchange_circuit": func() (bool, string) {
			state := a.breaker.State()
			counts := a.breaker.Counts()
			return state != gobreaker.StateOpen.String(),
				fmt.Sprintf("%s, %d consecutive failures", state, counts.ConsecutiveFailures)
		},
	}
	return opshttp.NewServer(srvCfg, a.metrics, a.status, checks)
}
