package standx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/makerbot/internal/exchange"
	"github.com/sawpanic/makerbot/internal/secrets"
)

// Config holds StandX client configuration
type Config struct {
	BaseURL       string
	Symbol        string
	Token         string
	QueryTimeout  time.Duration
	OrderTimeout  time.Duration
	CloseTimeout  time.Duration
	PriceDecimals int32
}

// Client is the StandX perps REST gateway
type Client struct {
	httpClient *http.Client
	config     Config
	signer     *Signer
	now        func() time.Time
}

var _ exchange.Gateway = (*Client)(nil)

// NewClient creates a gateway. httpClient carries the middleware stack; signer
// may be nil for read-only use, in which case order calls fail.
func NewClient(config Config, httpClient *http.Client, signer *Signer) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 2 * time.Second
	}
	if config.OrderTimeout == 0 {
		config.OrderTimeout = time.Second
	}
	if config.CloseTimeout == 0 {
		config.CloseTimeout = 2 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		httpClient: httpClient,
		config:     config,
		signer:     signer,
		now:        time.Now,
	}
}

type newOrderBody struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"time_in_force"`
	ReduceOnly  bool   `json:"reduce_only"`
}

type cancelOrderBody struct {
	OrderID string `json:"order_id"`
}

type orderReply struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

type wireOrder struct {
	ID    flexString      `json:"id"`
	Side  string          `json:"side"`
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type wirePosition struct {
	Qty decimal.Decimal `json:"qty"`
}

type wirePrice struct {
	LastPrice decimal.Decimal `json:"last_price"`
	MidPrice  decimal.Decimal `json:"mid_price"`
}

// NewOrder submits an order; limit prices are sent at the configured precision
func (c *Client) NewOrder(ctx context.Context, req exchange.OrderRequest) error {
	body := newOrderBody{
		Symbol:      c.config.Symbol,
		Side:        string(req.Side),
		OrderType:   string(req.Type),
		Qty:         req.Qty.Abs().String(),
		TimeInForce: string(req.TimeInForce),
		ReduceOnly:  req.ReduceOnly,
	}
	if req.Type == exchange.Limit {
		body.Price = req.Price.StringFixed(c.config.PriceDecimals)
	}

	timeout := c.config.OrderTimeout
	if req.Type == exchange.Market {
		timeout = c.config.CloseTimeout
	}

	env, err := c.post(ctx, "/api/new_order", body, timeout)
	if err != nil {
		return fmt.Errorf("new %s %s order: %w", req.Side, req.Type, err)
	}

	var reply orderReply
	if err := env.object(&reply); err != nil {
		return fmt.Errorf("new %s %s order: %w", req.Side, req.Type, err)
	}
	if reply.Code == nil || *reply.Code != 0 {
		code := "missing"
		if reply.Code != nil {
			code = strconv.Itoa(*reply.Code)
		}
		return fmt.Errorf("new %s %s order: code %s %q: %w", req.Side, req.Type, code, reply.Message, exchange.ErrRejected)
	}
	return nil
}

// CancelOrder cancels a single order by id
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	env, err := c.post(ctx, "/api/cancel_order", cancelOrderBody{OrderID: orderID}, c.config.OrderTimeout)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	var reply orderReply
	if err := env.object(&reply); err == nil && reply.Code != nil && *reply.Code != 0 {
		return fmt.Errorf("cancel order %s: code %d %q: %w", orderID, *reply.Code, reply.Message, exchange.ErrRejected)
	}
	return nil
}

// OpenOrders lists live orders for the configured symbol
func (c *Client) OpenOrders(ctx context.Context) ([]exchange.Order, error) {
	q := url.Values{"symbol": {c.config.Symbol}}
	env, err := c.get(ctx, "/api/query_open_orders", q)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	items, err := env.list()
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}

	orders := make([]exchange.Order, 0, len(items))
	for _, item := range items {
		var w wireOrder
		if err := json.Unmarshal(item, &w); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		price, _ := w.Price.Float64()
		qty, _ := w.Qty.Float64()
		orders = append(orders, exchange.Order{
			ID:    string(w.ID),
			Side:  exchange.Side(strings.ToLower(w.Side)),
			Price: price,
			Qty:   qty,
		})
	}
	return orders, nil
}

// Position returns the net position for the configured symbol; an empty list is flat
func (c *Client) Position(ctx context.Context) (exchange.Position, error) {
	q := url.Values{
		"symbol": {c.config.Symbol},
		"t":      {strconv.FormatInt(c.now().UnixMilli(), 10)},
	}
	env, err := c.get(ctx, "/api/query_positions", q)
	if err != nil {
		return exchange.Position{}, fmt.Errorf("query positions: %w", err)
	}
	items, err := env.list()
	if err != nil {
		return exchange.Position{}, fmt.Errorf("query positions: %w", err)
	}
	if len(items) == 0 {
		return exchange.Position{}, nil
	}

	var w wirePosition
	if err := json.Unmarshal(items[0], &w); err != nil {
		return exchange.Position{}, fmt.Errorf("decode position: %w", err)
	}
	qty, _ := w.Qty.Float64()
	return exchange.Position{Qty: qty}, nil
}

// SymbolPrice returns the last traded price over REST, used when the stream has none
func (c *Client) SymbolPrice(ctx context.Context) (float64, error) {
	env, err := c.get(ctx, "/api/query_symbol_price", url.Values{"symbol": {c.config.Symbol}})
	if err != nil {
		return 0, fmt.Errorf("query symbol price: %w", err)
	}
	var w wirePrice
	if err := env.object(&w); err != nil {
		return 0, fmt.Errorf("query symbol price: %w", err)
	}

	price := w.LastPrice
	if !price.IsPositive() {
		price = w.MidPrice
	}
	if !price.IsPositive() {
		return 0, fmt.Errorf("query symbol price: %w", exchange.ErrNoData)
	}
	f, _ := price.Float64()
	return f, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return envelope{}, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, timeout time.Duration) (envelope, error) {
	if c.signer == nil {
		return envelope{}, fmt.Errorf("no signing key configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return envelope{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return envelope{}, err
	}
	for k, v := range c.signer.Headers(payload) {
		req.Header[k] = v
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (envelope, error) {
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return envelope{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, secrets.Redact(truncate(body, 200)))
	}

	env, err := decodeEnvelope(body)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Str("shape", env.shape.String()).
		Dur("latency", time.Since(start)).
		Msg("standx request")
	return env, err
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
