package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/makerbot/internal/exchange"
)

// Report is the per-order outcome of a cancel batch
type Report struct {
	Requested int
	Cancelled []string
	Failed    map[string]error
	Elapsed   time.Duration
	QueryErr  error // set when the open orders could not be listed
}

// OK reports whether every requested cancel succeeded
func (r Report) OK() bool {
	return r.QueryErr == nil && len(r.Failed) == 0
}

// Observer is notified of each cancel outcome
type Observer interface {
	OrderCancelled(reason string, err error)
}

// Canceller cancels orders in parallel with a bounded worker group and a
// single deadline for the whole batch. Failures are reported, never retried.
type Canceller struct {
	gw       exchange.Gateway
	workers  int
	timeout  time.Duration
	observer Observer
}

// NewCanceller creates a canceller; workers and timeout must be positive
func NewCanceller(gw exchange.Gateway, workers int, timeout time.Duration, observer Observer) *Canceller {
	if workers <= 0 {
		workers = 1
	}
	return &Canceller{gw: gw, workers: workers, timeout: timeout, observer: observer}
}

// CancelAll lists open orders and cancels every one of them
func (c *Canceller) CancelAll(ctx context.Context, reason string) Report {
	open, err := c.gw.OpenOrders(ctx)
	if err != nil {
		log.Warn().Err(err).Str("reason", reason).Msg("cancel-all could not list open orders")
		return Report{QueryErr: fmt.Errorf("list open orders: %w", err)}
	}

	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.ID)
	}
	return c.Cancel(ctx, reason, ids)
}

// Cancel cancels the given order ids concurrently
func (c *Canceller) Cancel(ctx context.Context, reason string, ids []string) Report {
	start := time.Now()
	report := Report{Requested: len(ids), Failed: map[string]error{}}
	if len(ids) == 0 {
		return report
	}

	batchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.workers)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := c.gw.CancelOrder(batchCtx, id)

			mu.Lock()
			if err != nil {
				report.Failed[id] = err
			} else {
				report.Cancelled = append(report.Cancelled, id)
			}
			mu.Unlock()

			if c.observer != nil {
				c.observer.OrderCancelled(reason, err)
			}
			// per-order failures must not abort the rest of the batch
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = time.Since(start)
	event := log.Info()
	if len(report.Failed) > 0 {
		event = log.Warn()
		for id, err := range report.Failed {
			log.Warn().Err(err).Str("order_id", id).Str("reason", reason).Msg("cancel failed")
		}
	}
	event.
		Str("reason", reason).
		Int("requested", report.Requested).
		Int("cancelled", len(report.Cancelled)).
		Int("failed", len(report.Failed)).
		Dur("elapsed", report.Elapsed).
		Msg("cancel batch finished")
	return report
}
