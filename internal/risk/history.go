package risk

import (
	"math"
	"time"
)

// Sample is one reference price observation
type Sample struct {
	At    time.Time
	Price float64
}

// PriceHistory is a time-ordered window of samples. Samples strictly older
// than window relative to the newest are evicted on every append; the window
// alone bounds its size.
type PriceHistory struct {
	window  time.Duration
	samples []Sample
}

// NewPriceHistory creates an empty history spanning window
func NewPriceHistory(window time.Duration) *PriceHistory {
	return &PriceHistory{window: window, samples: make([]Sample, 0, 128)}
}

// Add appends a sample and evicts from the front
func (h *PriceHistory) Add(at time.Time, price float64) {
	h.samples = append(h.samples, Sample{At: at, Price: price})

	cutoff := at.Add(-h.window)
	drop := 0
	for drop < len(h.samples) && h.samples[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		h.samples = append(h.samples[:0], h.samples[drop:]...)
	}
}

// Clear drops every sample
func (h *PriceHistory) Clear() {
	h.samples = h.samples[:0]
}

// Len returns the number of retained samples
func (h *PriceHistory) Len() int {
	return len(h.samples)
}

// Samples returns a copy of the retained samples
func (h *PriceHistory) Samples() []Sample {
	out := make([]Sample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Oldest returns the first retained sample
func (h *PriceHistory) Oldest() (Sample, bool) {
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[0], true
}

// OldestSince returns the first sample taken at or after since
func (h *PriceHistory) OldestSince(since time.Time) (Sample, bool) {
	for _, s := range h.samples {
		if !s.At.Before(since) {
			return s, true
		}
	}
	return Sample{}, false
}

// ShortVolatility is |ref - base| / base where base is the oldest sample
// within lookback of now; without one, base is ref and the result is zero
func (h *PriceHistory) ShortVolatility(now time.Time, ref float64, lookback time.Duration) float64 {
	base := ref
	if s, ok := h.OldestSince(now.Add(-lookback)); ok {
		base = s.Price
	}
	return relativeChange(ref, base)
}

// MidVolatility is |ref - oldest| / oldest over the whole window
func (h *PriceHistory) MidVolatility(ref float64) float64 {
	base := ref
	if s, ok := h.Oldest(); ok {
		base = s.Price
	}
	return relativeChange(ref, base)
}

func relativeChange(ref, base float64) float64 {
	if base <= 0 {
		return 0
	}
	return math.Abs(ref-base) / base
}
