package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected is returned when the venue answers an order call with a non-zero code
	ErrRejected = errors.New("order rejected by exchange")
	// ErrNoData is returned when a response carries no recognizable payload
	ErrNoData = errors.New("no data in response")
)

// Side is the order side
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType is the order type sent to the venue
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// TimeInForce is the order lifetime policy
type TimeInForce string

const (
	GTC TimeInForce = "gtc"
	IOC TimeInForce = "ioc"
)

// OrderRequest describes a new order. A zero Price is omitted for market orders.
type OrderRequest struct {
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal
	TimeInForce TimeInForce
	ReduceOnly  bool
}

// Order is a live order as reported by the venue
type Order struct {
	ID    string
	Side  Side
	Price float64
	Qty   float64
}

// Position is the signed net position; positive is long
type Position struct {
	Qty float64
}

// Flat reports whether the position is closed
func (p Position) Flat() bool {
	return p.Qty == 0
}

// CloseSide returns the side that reduces the position
func (p Position) CloseSide() Side {
	if p.Qty > 0 {
		return Sell
	}
	return Buy
}

// Gateway is the set of venue calls the market maker depends on
type Gateway interface {
	NewOrder(ctx context.Context, req OrderRequest) error
	CancelOrder(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]Order, error)
	Position(ctx context.Context) (Position, error)
	SymbolPrice(ctx context.Context) (float64, error)
}
