package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// OrderView is one open order as seen by the last tick
type OrderView struct {
	ID           string  `json:"id"`
	Side         string  `json:"side"`
	Price        float64 `json:"price"`
	Qty          float64 `json:"qty"`
	DeviationBps float64 `json:"deviation_bps"`
}

// CooldownView describes one cooldown domain
type CooldownView struct {
	Active    bool      `json:"active"`
	ResumeAt  time.Time `json:"resume_at,omitempty"`
	Remaining float64   `json:"remaining_seconds"`
	Reason    string    `json:"reason,omitempty"`
}

// Snapshot is the state of the market maker after one tick
type Snapshot struct {
	At        time.Time `json:"at"`
	Symbol    string    `json:"symbol"`
	Outcome   string    `json:"outcome"`
	Reference float64   `json:"reference_price"`
	Source    string    `json:"price_source,omitempty"`
	BestBid   float64   `json:"best_bid,omitempty"`
	BestAsk   float64   `json:"best_ask,omitempty"`
	SpreadBps float64   `json:"spread_bps"`
	ShortVol  float64   `json:"short_volatility"`
	MidVol    float64   `json:"mid_volatility"`
	OBI       *float64  `json:"obi,omitempty"`
	Position  float64   `json:"position"`
	Trigger   string    `json:"trigger,omitempty"`

	OpenOrders       []OrderView  `json:"open_orders"`
	MarketCooldown   CooldownView `json:"market_cooldown"`
	PositionCooldown CooldownView `json:"position_cooldown"`
	Actions          []string     `json:"actions,omitempty"`
}

// Store keeps the latest snapshot
type Store interface {
	Put(ctx context.Context, s Snapshot) error
	Latest(ctx context.Context) (Snapshot, bool, error)
}

// Memory is an in-process Store
type Memory struct {
	mu   sync.RWMutex
	snap Snapshot
	ok   bool
}

// NewMemory returns an empty in-process store
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Put(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.snap, m.ok = s, true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Latest(context.Context) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap, m.ok, nil
}

// Redis publishes snapshots as JSON under one key with a TTL, so a dead bot
// stops advertising state
type Redis struct {
	client  redis.Cmdable
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedis wraps a go-redis client
func NewRedis(client redis.Cmdable, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl, timeout: 500 * time.Millisecond}
}

func (r *Redis) Put(ctx context.Context, s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (r *Redis) Latest(ctx context.Context) (Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, true, nil
}

// Tee writes to every store and reads from the first
type Tee []Store

func (t Tee) Put(ctx context.Context, s Snapshot) error {
	var errs []error
	for _, st := range t {
		if err := st.Put(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Latest(ctx context.Context) (Snapshot, bool, error) {
	if len(t) == 0 {
		return Snapshot{}, false, nil
	}
	return t[0].Latest(ctx)
}
