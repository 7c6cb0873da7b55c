package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func shortContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestLimiter_BurstThenWait(t *testing.T) {
	limiter := NewLimiter(2.0, 2)

	if err := limiter.Wait(shortContext(t), "/api/new_order"); err != nil {
		t.Errorf("First request should be allowed: %v", err)
	}
	if err := limiter.Wait(shortContext(t), "/api/new_order"); err != nil {
		t.Errorf("Second request should be allowed: %v", err)
	}
	if err := limiter.Wait(shortContext(t), "/api/new_order"); err == nil {
		t.Error("Third request should have to wait past the deadline")
	}
}

func TestLimiter_EndpointsAreIndependent(t *testing.T) {
	limiter := NewLimiter(0.1, 1)

	if err := limiter.Wait(shortContext(t), "/api/cancel_order"); err != nil {
		t.Errorf("First cancel should be allowed: %v", err)
	}
	if err := limiter.Wait(shortContext(t), "/api/query_positions"); err != nil {
		t.Errorf("Position query must not share the cancel bucket: %v", err)
	}
	if err := limiter.Wait(shortContext(t), "/api/cancel_order"); err == nil {
		t.Error("Second cancel should be throttled")
	}
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	limiter := NewLimiter(0.1, 1)
	_ = limiter.Wait(context.Background(), "/api/new_order")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx, "/api/new_order"); err == nil {
		t.Error("Wait should fail when the context is already done")
	}
}

func TestLimiter_ConcurrentBuckets(t *testing.T) {
	limiter := NewLimiter(1000, 1000)

	var wg sync.WaitGroup
	var allowed int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Wait(context.Background(), "/api/query_open_orders") == nil {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected 50 allowed requests, got %d", allowed)
	}
	if len(limiter.Stats()) != 1 {
		t.Errorf("Expected a single bucket, got %d", len(limiter.Stats()))
	}
}

func TestStats_IsThrottled(t *testing.T) {
	limiter := NewLimiter(0.1, 1)
	_ = limiter.Wait(context.Background(), "/api/new_order")

	stats := limiter.Stats()["/api/new_order"]
	if !stats.IsThrottled() {
		t.Errorf("Bucket should be throttled after burst is spent, tokens=%f", stats.TokensAvailable)
	}
	if stats.Burst != 1 || stats.RPS != 0.1 {
		t.Errorf("Unexpected bucket settings %+v", stats)
	}
}
