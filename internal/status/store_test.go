package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	obi := 0.2
	return Snapshot{
		At:        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Symbol:    "BTC-USD",
		Outcome:   "quoted",
		Reference: 100000,
		Source:    "stream",
		SpreadBps: 1,
		OBI:       &obi,
		OpenOrders: []OrderView{
			{ID: "1", Side: "buy", Price: 99920, Qty: 0.1, DeviationBps: 8},
		},
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.Latest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put(context.Background(), sampleSnapshot()))
	got, ok, err := m.Latest(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "quoted", got.Outcome)
}

func TestRedisPut(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, "makerbot:status", time.Minute)

	snap := sampleSnapshot()
	b, err := json.Marshal(snap)
	require.NoError(t, err)
	mock.ExpectSet("makerbot:status", b, time.Minute).SetVal("OK")

	require.NoError(t, store.Put(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPutError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, "makerbot:status", time.Minute)

	snap := sampleSnapshot()
	b, _ := json.Marshal(snap)
	mock.ExpectSet("makerbot:status", b, time.Minute).SetErr(errors.New("READONLY"))

	err := store.Put(context.Background(), snap)
	assert.ErrorContains(t, err, "store snapshot")
}

func TestRedisLatest(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, "makerbot:status", time.Minute)

	snap := sampleSnapshot()
	b, _ := json.Marshal(snap)
	mock.ExpectGet("makerbot:status").SetVal(string(b))

	got, ok, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, snap.Reference, got.Reference)
	require.NotNil(t, got.OBI)
	assert.Equal(t, 0.2, *got.OBI)
	assert.Equal(t, snap.OpenOrders, got.OpenOrders)
	assert.True(t, snap.At.Equal(got.At))
}

func TestRedisLatestMissingKey(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, "makerbot:status", time.Minute)
	mock.ExpectGet("makerbot:status").RedisNil()

	_, ok, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTeeWritesEverywhere(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	tee := Tee{a, b}

	require.NoError(t, tee.Put(context.Background(), sampleSnapshot()))
	_, okA, _ := a.Latest(context.Background())
	_, okB, _ := b.Latest(context.Background())
	assert.True(t, okA)
	assert.True(t, okB)

	got, ok, err := tee.Latest(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "BTC-USD", got.Symbol)
}

// gatedStore holds every write until gate is closed
type gatedStore struct {
	*Memory
	gate   chan struct{}
	writes int32
}

func (g *gatedStore) Put(ctx context.Context, s Snapshot) error {
	<-g.gate
	atomic.AddInt32(&g.writes, 1)
	return g.Memory.Put(ctx, s)
}

func TestAsyncPutNeverBlocks(t *testing.T) {
	inner := &gatedStore{Memory: NewMemory(), gate: make(chan struct{})}
	async := NewAsync(inner)

	snap := sampleSnapshot()
	start := time.Now()
	for _, outcome := range []string{"first", "second", "third", "fourth"} {
		snap.Outcome = outcome
		require.NoError(t, async.Put(context.Background(), snap))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "writes queue behind a stuck store")

	close(inner.gate)
	require.Eventually(t, func() bool {
		got, ok, _ := async.Latest(context.Background())
		return ok && got.Outcome == "fourth"
	}, time.Second, 5*time.Millisecond)
	async.Close()

	assert.LessOrEqual(t, atomic.LoadInt32(&inner.writes), int32(2), "stale snapshots are replaced, not queued")
}

// notifyingStore reports each finished write on done
type notifyingStore struct {
	Store
	done chan error
}

func (n notifyingStore) Put(ctx context.Context, s Snapshot) error {
	err := n.Store.Put(ctx, s)
	n.done <- err
	return err
}

func TestAsyncOverFailingRedis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	snap := sampleSnapshot()
	b, _ := json.Marshal(snap)
	mock.ExpectSet("makerbot:status", b, time.Minute).SetErr(errors.New("connection refused"))

	inner := notifyingStore{Store: NewRedis(db, "makerbot:status", time.Minute), done: make(chan error, 1)}
	async := NewAsync(inner)
	defer async.Close()

	assert.NoError(t, async.Put(context.Background(), snap), "write errors stay with the background writer")
	select {
	case err := <-inner.done:
		assert.ErrorContains(t, err, "store snapshot")
	case <-time.After(time.Second):
		t.Fatal("snapshot was never written")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
