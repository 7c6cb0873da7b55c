package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/makerbot/internal/exchange"
	"github.com/sawpanic/makerbot/internal/exchange/exchangetest"
)

type countingObserver struct {
	mu      sync.Mutex
	ok, bad int
}

func (o *countingObserver) OrderCancelled(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.bad++
	} else {
		o.ok++
	}
}

func TestCancelAllCancelsEveryOrder(t *testing.T) {
	gw := exchangetest.New()
	for i := 0; i < 6; i++ {
		gw.AddOrder(exchange.Buy, 99920)
	}
	obs := &countingObserver{}

	report := NewCanceller(gw, 3, time.Second, obs).CancelAll(context.Background(), "test")

	assert.True(t, report.OK())
	assert.Equal(t, 6, report.Requested)
	assert.Len(t, report.Cancelled, 6)
	assert.Empty(t, gw.Live())
	assert.Equal(t, 6, obs.ok)
}

func TestCancelFailuresAreReportedNotRetried(t *testing.T) {
	gw := exchangetest.New()
	keep := gw.AddOrder(exchange.Sell, 100080)
	gw.AddOrder(exchange.Buy, 99920)

	var attempts int64
	gw.CancelErr = func(id string) error {
		atomic.AddInt64(&attempts, 1)
		if id == keep {
			return errors.New("venue busy")
		}
		return nil
	}

	report := NewCanceller(gw, 4, time.Second, nil).CancelAll(context.Background(), "test")

	assert.False(t, report.OK())
	assert.Len(t, report.Cancelled, 1)
	require.Contains(t, report.Failed, keep)
	assert.EqualError(t, report.Failed[keep], "venue busy")
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
	assert.Len(t, gw.Live(), 1)
}

func TestCancelBatchSharesOneDeadline(t *testing.T) {
	gw := exchangetest.New()
	for i := 0; i < 4; i++ {
		gw.AddOrder(exchange.Buy, 99920)
	}
	gw.CancelDelay = time.Second

	start := time.Now()
	report := NewCanceller(gw, 1, 50*time.Millisecond, nil).CancelAll(context.Background(), "test")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "a single batch timeout bounds the fan-out")
	assert.Len(t, report.Failed, 4)
	for _, err := range report.Failed {
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	}
}

func TestCancelAllQueryFailure(t *testing.T) {
	gw := exchangetest.New()
	gw.OpenOrdersErr = errors.New("timeout")

	report := NewCanceller(gw, 2, time.Second, nil).CancelAll(context.Background(), "test")

	assert.False(t, report.OK())
	assert.ErrorContains(t, report.QueryErr, "timeout")
	assert.Zero(t, report.Requested)
}

func TestCancelNothing(t *testing.T) {
	report := NewCanceller(exchangetest.New(), 2, time.Second, nil).Cancel(context.Background(), "test", nil)
	assert.True(t, report.OK())
	assert.Zero(t, report.Requested)
}
