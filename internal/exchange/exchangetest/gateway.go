// Package exchangetest provides an in-memory exchange.Gateway for tests.
package exchangetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sawpanic/makerbot/internal/exchange"
)

// Gateway is a scriptable in-memory venue
type Gateway struct {
	mu sync.Mutex

	orders   map[string]exchange.Order
	nextID   int
	position exchange.Position
	price    float64

	Submitted []exchange.OrderRequest
	Cancelled []string

	// Error injection; nil means success
	OpenOrdersErr  error
	PositionErr    error
	PriceErr       error
	NewOrderErr    func(req exchange.OrderRequest) error
	CancelErr      func(id string) error
	CancelDelay    time.Duration
	PositionScript []exchange.Position // returned in order before falling back to the live position

	// OnNewOrder runs after an accepted submission, under no lock
	OnNewOrder func(g *Gateway, req exchange.OrderRequest)
}

// New returns an empty venue
func New() *Gateway {
	return &Gateway{orders: map[string]exchange.Order{}}
}

// AddOrder seeds a live order and returns its id
func (g *Gateway) AddOrder(side exchange.Side, price float64) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := strconv.Itoa(g.nextID)
	g.orders[id] = exchange.Order{ID: id, Side: side, Price: price, Qty: 0.1}
	return id
}

// SetPosition sets the live position
func (g *Gateway) SetPosition(qty float64) {
	g.mu.Lock()
	g.position = exchange.Position{Qty: qty}
	g.mu.Unlock()
}

// SetPrice sets the REST symbol price
func (g *Gateway) SetPrice(p float64) {
	g.mu.Lock()
	g.price = p
	g.mu.Unlock()
}

// Live returns the live orders sorted by id
func (g *Gateway) Live() []exchange.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveLocked()
}

func (g *Gateway) liveLocked() []exchange.Order {
	out := make([]exchange.Order, 0, len(g.orders))
	for _, o := range g.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out
}

// Submissions returns a copy of every accepted order request
func (g *Gateway) Submissions() []exchange.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]exchange.OrderRequest(nil), g.Submitted...)
}

// Cancels returns a copy of every cancelled id
func (g *Gateway) Cancels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.Cancelled...)
}

func (g *Gateway) NewOrder(ctx context.Context, req exchange.OrderRequest) error {
	if g.NewOrderErr != nil {
		if err := g.NewOrderErr(req); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.Submitted = append(g.Submitted, req)
	if req.Type == exchange.Limit {
		g.nextID++
		id := strconv.Itoa(g.nextID)
		price, _ := req.Price.Float64()
		qty, _ := req.Qty.Float64()
		g.orders[id] = exchange.Order{ID: id, Side: req.Side, Price: price, Qty: qty}
	}
	hook := g.OnNewOrder
	g.mu.Unlock()

	if hook != nil {
		hook(g, req)
	}
	return nil
}

func (g *Gateway) CancelOrder(ctx context.Context, id string) error {
	if g.CancelDelay > 0 {
		select {
		case <-time.After(g.CancelDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if g.CancelErr != nil {
		if err := g.CancelErr(id); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.orders[id]; !ok {
		return fmt.Errorf("order %s not found: %w", id, exchange.ErrRejected)
	}
	delete(g.orders, id)
	g.Cancelled = append(g.Cancelled, id)
	return nil
}

func (g *Gateway) OpenOrders(ctx context.Context) ([]exchange.Order, error) {
	if g.OpenOrdersErr != nil {
		return nil, g.OpenOrdersErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveLocked(), nil
}

func (g *Gateway) Position(ctx context.Context) (exchange.Position, error) {
	if g.PositionErr != nil {
		return exchange.Position{}, g.PositionErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.PositionScript) > 0 {
		p := g.PositionScript[0]
		g.PositionScript = g.PositionScript[1:]
		return p, nil
	}
	return g.position, nil
}

func (g *Gateway) SymbolPrice(ctx context.Context) (float64, error) {
	if g.PriceErr != nil {
		return 0, g.PriceErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.price <= 0 {
		return 0, exchange.ErrNoData
	}
	return g.price, nil
}
