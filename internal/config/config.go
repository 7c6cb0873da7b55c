package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete market maker configuration
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Quoting  QuotingConfig  `yaml:"quoting"`
	Risk     RiskThresholds `yaml:"risk"`
	Position PositionConfig `yaml:"position"`
	Loop     LoopConfig     `yaml:"loop"`
	Stream   StreamConfig   `yaml:"stream"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Status   StatusConfig   `yaml:"status"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Auth is never read from YAML; see LoadSecrets
	Auth AuthConfig `yaml:"-"`
}

// ExchangeConfig describes the venue endpoints and REST behaviour
type ExchangeConfig struct {
	BaseURL        string        `yaml:"base_url"`
	StreamURL      string        `yaml:"stream_url"`
	Symbol         string        `yaml:"symbol"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`  // open orders, positions, price
	OrderTimeout   time.Duration `yaml:"order_timeout"`  // new/cancel limit orders
	CloseTimeout   time.Duration `yaml:"close_timeout"`  // reduce-only market close
	PriceDecimals  int32         `yaml:"price_decimals"` // limit price precision sent on the wire
	RateLimitRPS   float64       `yaml:"rate_limit_rps"` // per endpoint
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	Circuit        CircuitConfig `yaml:"circuit"`
}

// CircuitConfig represents circuit breaker configuration for REST queries
type CircuitConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // Consecutive failures to open circuit
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
	OpenTimeout      time.Duration `yaml:"open_timeout"` // Time before probing again
}

// QuotingConfig drives QuoteManager targets and reconciliation bands
type QuotingConfig struct {
	OrderSize    string  `yaml:"order_size"`
	TargetBps    float64 `yaml:"target_bps"`
	MinBps       float64 `yaml:"min_bps"`
	MaxBps       float64 `yaml:"max_bps"`
	CancelWorker int     `yaml:"cancel_workers"` // fan-out width for cancel-all
}

// RiskThresholds holds the immutable danger limits used by the risk governor
type RiskThresholds struct {
	DangerSpreadBps float64       `yaml:"danger_spread_bps"`
	ShortVolatility float64       `yaml:"short_volatility"` // fraction, 0.001 = 0.1%
	MidVolatility   float64       `yaml:"mid_volatility"`
	ShortWindow     time.Duration `yaml:"short_window"`
	MidWindow       time.Duration `yaml:"mid_window"`
	MarketPause     time.Duration `yaml:"market_pause"`
	OBILimit        float64       `yaml:"obi_limit"`
	OBIPause        time.Duration `yaml:"obi_pause"`
	OBIRangeBps     float64       `yaml:"obi_range_bps"`
}

// PositionConfig drives the flatten sequence
type PositionConfig struct {
	Pause           time.Duration `yaml:"pause"`
	CloseAttempts   int           `yaml:"close_attempts"`
	CancelSettle    time.Duration `yaml:"cancel_settle"`
	VerifyDelay     time.Duration `yaml:"verify_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoopConfig drives the main control loop
type LoopConfig struct {
	Interval      time.Duration `yaml:"interval"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"` // whole cancel-all batch
}

// StreamConfig holds reconnect and staleness settings for the market data feed
type StreamConfig struct {
	PriceBackoffStep time.Duration `yaml:"price_backoff_step"`
	PriceBackoffMax  time.Duration `yaml:"price_backoff_max"`
	PriceMaxRetries  int           `yaml:"price_max_retries"`
	DepthRetryDelay  time.Duration `yaml:"depth_retry_delay"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// MetricsConfig controls the ops HTTP listener
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the listener
}

// StatusConfig controls where tick snapshots are published
type StatusConfig struct {
	RedisAddr string        `yaml:"redis_addr"` // empty keeps snapshots in memory
	Key       string        `yaml:"key"`
	TTL       time.Duration `yaml:"ttl"`
}

// LoggingConfig controls zerolog output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console, json
}

// AuthConfig carries the exchange credentials
type AuthConfig struct {
	JWTToken   string
	SigningKey string // base64url Ed25519 seed ("d" value)
}

// Default returns the production defaults
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:        "https://perps.standx.com",
			StreamURL:      "wss://perps.standx.com/ws-stream/v1",
			Symbol:         "BTC-USD",
			QueryTimeout:   2 * time.Second,
			OrderTimeout:   time.Second,
			CloseTimeout:   2 * time.Second,
			PriceDecimals:  0,
			RateLimitRPS:   20,
			RateLimitBurst: 10,
			Circuit: CircuitConfig{
				FailureThreshold: 5,
				HalfOpenRequests: 1,
				OpenTimeout:      10 * time.Second,
			},
		},
		Quoting: QuotingConfig{
			OrderSize:    "0.1",
			TargetBps:    8,
			MinBps:       7,
			MaxBps:       10,
			CancelWorker: 8,
		},
		Risk: RiskThresholds{
			DangerSpreadBps: 25,
			ShortVolatility: 0.001,
			MidVolatility:   0.0015,
			ShortWindow:     10 * time.Second,
			MidWindow:       20 * time.Second,
			MarketPause:     300 * time.Second,
			OBILimit:        0.9,
			OBIPause:        60 * time.Second,
			OBIRangeBps:     10,
		},
		Position: PositionConfig{
			Pause:           300 * time.Second,
			CloseAttempts:   3,
			CancelSettle:    1500 * time.Millisecond,
			VerifyDelay:     time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Loop: LoopConfig{
			Interval:      200 * time.Millisecond,
			CancelTimeout: 2 * time.Second,
		},
		Stream: StreamConfig{
			PriceBackoffStep: 5 * time.Second,
			PriceBackoffMax:  30 * time.Second,
			PriceMaxRetries:  10,
			DepthRetryDelay:  5 * time.Second,
			WatchdogInterval: 30 * time.Second,
			StaleAfter:       60 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{},
		Status: StatusConfig{
			Key: "makerbot:status",
			TTL: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies secrets and
// environment overrides. An empty path means defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.LoadSecrets(); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadSecrets populates Auth from .env (if present) and the process environment
func (c *Config) LoadSecrets() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	c.Auth.JWTToken = os.Getenv("JWT_TOKEN")
	c.Auth.SigningKey = os.Getenv("D_VALUE_BASE64")
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MAKERBOT_SYMBOL"); v != "" {
		c.Exchange.Symbol = v
	}
	if v := os.Getenv("MAKERBOT_REDIS_ADDR"); v != "" {
		c.Status.RedisAddr = v
	}
	if v := os.Getenv("MAKERBOT_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("MAKERBOT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// OrderQty returns the configured order size as a decimal
func (c *Config) OrderQty() decimal.Decimal {
	qty, _ := decimal.NewFromString(c.Quoting.OrderSize)
	return qty
}

// Validate ensures the configuration is valid and consistent
func (c *Config) Validate() error {
	if err := c.Exchange.Validate(); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if err := c.Quoting.Validate(); err != nil {
		return fmt.Errorf("quoting: %w", err)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.Position.Validate(); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop: interval must be positive, got %s", c.Loop.Interval)
	}
	if c.Loop.CancelTimeout <= 0 {
		return fmt.Errorf("loop: cancel_timeout must be positive, got %s", c.Loop.CancelTimeout)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}

// Validate ensures the exchange endpoints are usable
func (e *ExchangeConfig) Validate() error {
	if e.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if u, err := url.Parse(e.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", e.BaseURL)
	}
	if u, err := url.Parse(e.StreamURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("stream_url must be a ws(s) URL, got %q", e.StreamURL)
	}
	if e.QueryTimeout <= 0 || e.OrderTimeout <= 0 || e.CloseTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if e.PriceDecimals < 0 {
		return fmt.Errorf("price_decimals cannot be negative, got %d", e.PriceDecimals)
	}
	if e.RateLimitRPS <= 0 {
		return fmt.Errorf("rate_limit_rps must be positive, got %f", e.RateLimitRPS)
	}
	if e.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit_burst must be positive, got %d", e.RateLimitBurst)
	}
	if e.Circuit.FailureThreshold == 0 {
		return fmt.Errorf("circuit: failure_threshold must be positive")
	}
	return nil
}

// Validate ensures the quoting bands are ordered
func (q *QuotingConfig) Validate() error {
	qty, err := decimal.NewFromString(q.OrderSize)
	if err != nil {
		return fmt.Errorf("order_size %q: %w", q.OrderSize, err)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("order_size must be positive, got %s", q.OrderSize)
	}
	if q.MinBps < 0 || q.MinBps > q.TargetBps || q.TargetBps > q.MaxBps {
		return fmt.Errorf("bands must satisfy 0 <= min (%g) <= target (%g) <= max (%g)",
			q.MinBps, q.TargetBps, q.MaxBps)
	}
	if q.CancelWorker <= 0 {
		return fmt.Errorf("cancel_workers must be positive, got %d", q.CancelWorker)
	}
	return nil
}

// Validate ensures every threshold and window is positive
func (r *RiskThresholds) Validate() error {
	if r.DangerSpreadBps <= 0 {
		return fmt.Errorf("danger_spread_bps must be positive, got %g", r.DangerSpreadBps)
	}
	if r.ShortVolatility <= 0 || r.MidVolatility <= 0 {
		return fmt.Errorf("volatility limits must be positive")
	}
	if r.ShortWindow <= 0 || r.MidWindow < r.ShortWindow {
		return fmt.Errorf("windows must satisfy 0 < short (%s) <= mid (%s)", r.ShortWindow, r.MidWindow)
	}
	if r.OBILimit <= 0 || r.OBILimit > 1 {
		return fmt.Errorf("obi_limit must be in (0, 1], got %g", r.OBILimit)
	}
	if r.OBIRangeBps <= 0 {
		return fmt.Errorf("obi_range_bps must be positive, got %g", r.OBIRangeBps)
	}
	if r.MarketPause <= 0 || r.OBIPause <= 0 {
		return fmt.Errorf("pauses must be positive")
	}
	return nil
}

// Validate ensures the flatten sequence can run
func (p *PositionConfig) Validate() error {
	if p.Pause <= 0 {
		return fmt.Errorf("pause must be positive, got %s", p.Pause)
	}
	if p.CloseAttempts <= 0 {
		return fmt.Errorf("close_attempts must be positive, got %d", p.CloseAttempts)
	}
	if p.CancelSettle < 0 || p.VerifyDelay < 0 {
		return fmt.Errorf("settle delays cannot be negative")
	}
	if p.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", p.ShutdownTimeout)
	}
	return nil
}

// Validate ensures the reconnect policies are usable
func (s *StreamConfig) Validate() error {
	if s.PriceBackoffStep <= 0 || s.PriceBackoffMax < s.PriceBackoffStep {
		return fmt.Errorf("price backoff must satisfy 0 < step (%s) <= max (%s)", s.PriceBackoffStep, s.PriceBackoffMax)
	}
	if s.PriceMaxRetries <= 0 {
		return fmt.Errorf("price_max_retries must be positive, got %d", s.PriceMaxRetries)
	}
	if s.DepthRetryDelay <= 0 {
		return fmt.Errorf("depth_retry_delay must be positive, got %s", s.DepthRetryDelay)
	}
	if s.WatchdogInterval <= 0 || s.StaleAfter <= 0 {
		return fmt.Errorf("watchdog_interval and stale_after must be positive")
	}
	return nil
}

// HasCredentials reports whether signed trading calls can be made
func (a AuthConfig) HasCredentials() bool {
	return a.JWTToken != "" && a.SigningKey != ""
}
