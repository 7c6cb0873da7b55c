package marketdata

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrFeedDead is reported when the price channel exhausts its reconnects
var ErrFeedDead = errors.New("market data feed is dead")

// Observer receives stream events; the metrics registry implements it
type Observer interface {
	FrameReceived(channel string)
	Reconnecting(channel string, attempt int)
	ChannelDead(channel string)
	StaleReset()
}

type nopObserver struct{}

func (nopObserver) FrameReceived(string) {}
func (nopObserver) Reconnecting(string, int) {}
func (nopObserver) ChannelDead(string) {}
func (nopObserver) StaleReset() {}

// Options configures a Feed
type Options struct {
	URL              string
	Symbol           string
	PricePolicy      ReconnectPolicy
	DepthPolicy      ReconnectPolicy
	WatchdogInterval time.Duration
	StaleAfter       time.Duration
	HandshakeTimeout time.Duration
	ImbalanceBandBps float64
	Observer         Observer
}

// Feed ingests the price and depth_book channels into a shared Book and
// watches the price channel for staleness
type Feed struct {
	opts   Options
	book   *Book
	dialer *websocket.Dialer
	now    func() time.Time

	mu          sync.Mutex
	priceConn   *websocket.Conn
	connectedAt time.Time

	fatal chan error
}

// NewFeed creates a feed; nothing connects until Start
func NewFeed(opts Options) *Feed {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Feed{
		opts: opts,
		book: NewBook(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		now:   time.Now,
		fatal: make(chan error, 1),
	}
}

// Start launches the price stream, depth stream and watchdog. They stop when
// ctx is done and are never joined.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	f.connectedAt = f.now()
	f.mu.Unlock()

	price := newSubscription(ChannelPrice, f, f.opts.PricePolicy)
	price.handle = f.handlePrice
	price.onConnect = f.setPriceConn
	price.onDisconnect = func() { f.setPriceConn(nil) }
	price.onReconnect = func(attempt int, _ time.Duration) { f.opts.Observer.Reconnecting(ChannelPrice, attempt) }

	depth := newSubscription(ChannelDepth, f, f.opts.DepthPolicy)
	depth.handle = f.handleDepth
	depth.onReconnect = func(attempt int, _ time.Duration) { f.opts.Observer.Reconnecting(ChannelDepth, attempt) }

	go func() {
		err := price.run(ctx)
		if errors.Is(err, ErrFeedDead) {
			f.opts.Observer.ChannelDead(ChannelPrice)
			f.fatal <- err
		}
	}()
	go func() {
		_ = depth.run(ctx)
	}()
	go f.watchdog(ctx)
}

// Fatal delivers at most one error once the price channel is given up on
func (f *Feed) Fatal() <-chan error {
	return f.fatal
}

// Book exposes the shared market state
func (f *Feed) Book() *Book {
	return f.book
}

// ReferencePrice returns the book's reference price
func (f *Feed) ReferencePrice() (float64, bool) {
	return f.book.ReferencePrice()
}

// TopOfBook returns the best bid and ask
func (f *Feed) TopOfBook() (float64, float64, bool) {
	return f.book.TopOfBook()
}

// Imbalance returns the order book imbalance around ref within the configured band
func (f *Feed) Imbalance(ref float64) (float64, bool) {
	return f.book.Imbalance(ref, f.opts.ImbalanceBandBps)
}

func (f *Feed) handlePrice(raw []byte, at time.Time) {
	f.book.TouchPrice(at)

	channel, payload, err := parseFrame(raw)
	if err != nil || channel != ChannelPrice {
		log.Debug().Err(err).Str("channel", channel).Msg("ignoring price connection frame")
		return
	}
	update, err := parsePrice(payload)
	if err != nil {
		log.Debug().Err(err).Msg("dropping price frame")
		return
	}
	f.book.ApplyPrice(update)
	f.opts.Observer.FrameReceived(ChannelPrice)
}

func (f *Feed) handleDepth(raw []byte, at time.Time) {
	channel, payload, err := parseFrame(raw)
	if err != nil || channel != ChannelDepth {
		log.Debug().Err(err).Str("channel", channel).Msg("ignoring depth connection frame")
		return
	}
	update, err := parseDepth(payload)
	if err != nil {
		log.Debug().Err(err).Msg("dropping depth frame")
		return
	}
	f.book.ApplyDepth(update, at)
	f.opts.Observer.FrameReceived(ChannelDepth)
}

func (f *Feed) setPriceConn(conn *websocket.Conn) {
	f.mu.Lock()
	f.priceConn = conn
	if conn != nil {
		f.connectedAt = f.now()
	}
	f.mu.Unlock()
}

// watchdog closes the price connection when it has been silent for
// StaleAfter, which sends the price stream through its reconnect path
func (f *Feed) watchdog(ctx context.Context) {
	ticker := time.NewTicker(f.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkStale()
		}
	}
}

func (f *Feed) checkStale() {
	last := f.book.LastPriceFrame()

	f.mu.Lock()
	defer f.mu.Unlock()

	if last.Before(f.connectedAt) {
		last = f.connectedAt
	}
	silent := f.now().Sub(last)
	if silent <= f.opts.StaleAfter || f.priceConn == nil {
		return
	}

	log.Warn().Dur("silent", silent).Msg("price stream stale, forcing reconnect")
	f.opts.Observer.StaleReset()
	f.priceConn.Close()
	f.priceConn = nil
}
