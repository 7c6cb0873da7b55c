package quote

import (
	"context"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/makerbot/internal/config"
	"github.com/sawpanic/makerbot/internal/exchange"
)

var tenThousand = decimal.NewFromInt(10000)

// Targets returns floor(ref*(1-bps/1e4)) and ceil(ref*(1+bps/1e4)), computed
// in decimal so that round references land exactly on whole prices
func Targets(ref, targetBps float64) (buy, sell decimal.Decimal) {
	r := decimal.NewFromFloat(ref)
	offset := decimal.NewFromFloat(targetBps).Div(tenThousand)
	buy = r.Mul(decimal.NewFromInt(1).Sub(offset)).Floor()
	sell = r.Mul(decimal.NewFromInt(1).Add(offset)).Ceil()
	return buy, sell
}

// DeviationBps is |ref - price| / ref in basis points
func DeviationBps(ref, price float64) float64 {
	if ref <= 0 {
		return math.Inf(1)
	}
	return math.Abs(ref-price) / ref * 10000
}

// Observer is notified of quote activity
type Observer interface {
	OrderPlaced(side string, err error)
	OrderCancelled(reason string, err error)
	DuplicateQuotes(side string, count int)
}

// Result describes one reconciliation pass
type Result struct {
	Reference  float64
	BuyTarget  decimal.Decimal
	SellTarget decimal.Decimal
	Open       []exchange.Order
	Kept       []exchange.Order
	Cancelled  []exchange.Order
	Placed     []exchange.Side
	Failed     map[exchange.Side]error
	Err        error // set when the pass was skipped
}

// Manager keeps one resting order per side within the configured band
type Manager struct {
	gw       exchange.Gateway
	cfg      config.QuotingConfig
	qty      decimal.Decimal
	observer Observer
	logger   zerolog.Logger
}

// NewManager creates a quote manager quoting qty per side
func NewManager(gw exchange.Gateway, cfg config.QuotingConfig, qty decimal.Decimal, observer Observer) *Manager {
	return &Manager{
		gw:       gw,
		cfg:      cfg,
		qty:      qty,
		observer: observer,
		logger:   log.With().Str("component", "quote").Logger(),
	}
}

// Reconcile cancels quotes outside [min, max] bps of ref and places a quote
// at target on every side left without one. Any surviving order satisfies its
// side, even when several survive.
func (m *Manager) Reconcile(ctx context.Context, ref float64) Result {
	res := Result{Reference: ref, Failed: map[exchange.Side]error{}}
	res.BuyTarget, res.SellTarget = Targets(ref, m.cfg.TargetBps)

	open, err := m.gw.OpenOrders(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("open orders unavailable, skipping reconcile")
		res.Err = err
		return res
	}
	res.Open = open

	satisfied := map[exchange.Side]int{}
	for _, o := range open {
		dev := DeviationBps(ref, o.Price)
		if dev < m.cfg.MinBps || dev > m.cfg.MaxBps {
			err := m.gw.CancelOrder(ctx, o.ID)
			m.notifyCancel(err)
			if err != nil {
				m.logger.Warn().Err(err).Str("order_id", o.ID).Msg("cancel out-of-band quote failed")
				continue
			}
			m.logger.Info().
				Str("order_id", o.ID).
				Str("side", string(o.Side)).
				Float64("price", o.Price).
				Float64("deviation_bps", dev).
				Msg("cancelled out-of-band quote")
			res.Cancelled = append(res.Cancelled, o)
			continue
		}
		satisfied[o.Side]++
		res.Kept = append(res.Kept, o)
	}

	for side, n := range satisfied {
		if n > 1 {
			m.logger.Warn().Str("side", string(side)).Int("orders", n).Msg("more than one quote resting on side")
			if m.observer != nil {
				m.observer.DuplicateQuotes(string(side), n)
			}
		}
	}

	for _, side := range []exchange.Side{exchange.Buy, exchange.Sell} {
		if satisfied[side] > 0 {
			continue
		}
		price := res.BuyTarget
		if side == exchange.Sell {
			price = res.SellTarget
		}

		err := m.gw.NewOrder(ctx, exchange.OrderRequest{
			Side:        side,
			Type:        exchange.Limit,
			Qty:         m.qty,
			Price:       price,
			TimeInForce: exchange.GTC,
		})
		if m.observer != nil {
			m.observer.OrderPlaced(string(side), err)
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("side", string(side)).Str("price", price.String()).Msg("quote placement failed")
			res.Failed[side] = err
			continue
		}
		m.logger.Info().Str("side", string(side)).Str("price", price.String()).Str("qty", m.qty.String()).Msg("placed quote")
		res.Placed = append(res.Placed, side)
	}
	return res
}

func (m *Manager) notifyCancel(err error) {
	if m.observer != nil {
		m.observer.OrderCancelled("out_of_band", err)
	}
}
