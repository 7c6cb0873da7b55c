package marketdata

import (
	"sync"
	"time"
)

// Level is one depth level
type Level struct {
	Price float64
	Qty   float64
}

// Book is the shared market state written by the stream goroutines and read
// by the control loop. Every field is guarded by mu.
type Book struct {
	mu sync.RWMutex

	bestBid float64
	bestAsk float64
	mid     float64
	last    float64

	bids []Level // best first, descending
	asks []Level // best first, ascending

	lastPriceFrame time.Time
	lastDepthFrame time.Time
}

// NewBook returns an empty book
func NewBook() *Book {
	return &Book{}
}

// ApplyPrice merges a price-channel update; absent fields keep their value
func (b *Book) ApplyPrice(u PriceUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.HasSpread {
		b.bestBid = u.Bid
		b.bestAsk = u.Ask
	}
	if u.Mid != nil {
		b.mid = *u.Mid
	}
	if u.Last != nil {
		b.last = *u.Last
	}
}

// ApplyDepth replaces both sides with the update; a side the frame did not
// carry becomes empty
func (b *Book) ApplyDepth(u DepthUpdate, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = u.Bids
	b.asks = u.Asks
	b.lastDepthFrame = at
}

// TouchPrice records that the price connection delivered a frame
func (b *Book) TouchPrice(at time.Time) {
	b.mu.Lock()
	b.lastPriceFrame = at
	b.mu.Unlock()
}

// LastPriceFrame returns when the price connection last delivered anything
func (b *Book) LastPriceFrame() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPriceFrame
}

// ReferencePrice prefers the published mid, then the top-of-book midpoint,
// then the last trade
func (b *Book) ReferencePrice() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch {
	case b.mid > 0:
		return b.mid, true
	case b.bestBid > 0 && b.bestAsk > 0:
		return (b.bestBid + b.bestAsk) / 2, true
	case b.last > 0:
		return b.last, true
	default:
		return 0, false
	}
}

// TopOfBook returns the price-channel best bid/ask, or the first depth levels
// when the price channel has not supplied both
func (b *Book) TopOfBook() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.bestBid > 0 && b.bestAsk > 0 {
		return b.bestBid, b.bestAsk, true
	}
	if len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price > 0 && b.asks[0].Price > 0 {
		return b.bids[0].Price, b.asks[0].Price, true
	}
	return 0, 0, false
}

// Imbalance returns (bidQty - askQty) / (bidQty + askQty) over levels within
// bandBps of ref on each side. The result is in [-1, 1].
func (b *Book) Imbalance(ref, bandBps float64) (float64, bool) {
	if ref <= 0 {
		return 0, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}

	band := bandBps / 10000
	lower := ref * (1 - band)
	upper := ref * (1 + band)

	var bidQty, askQty float64
	for _, l := range b.bids {
		if l.Price >= lower && l.Price <= ref && l.Qty > 0 {
			bidQty += l.Qty
		}
	}
	for _, l := range b.asks {
		if l.Price >= ref && l.Price <= upper && l.Qty > 0 {
			askQty += l.Qty
		}
	}

	total := bidQty + askQty
	if total == 0 {
		return 0, false
	}
	return (bidQty - askQty) / total, true
}

// Snapshot is a consistent copy of the book for reporting
type Snapshot struct {
	BestBid        float64
	BestAsk        float64
	Mid            float64
	Last           float64
	BidLevels      int
	AskLevels      int
	LastPriceFrame time.Time
	LastDepthFrame time.Time
}

// Snapshot copies the scalar state under the lock
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		BestBid:        b.bestBid,
		BestAsk:        b.bestAsk,
		Mid:            b.mid,
		Last:           b.last,
		BidLevels:      len(b.bids),
		AskLevels:      len(b.asks),
		LastPriceFrame: b.lastPriceFrame,
		LastDepthFrame: b.lastDepthFrame,
	}
}
