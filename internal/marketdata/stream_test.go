package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedBackoff(t *testing.T) {
	p := BoundedBackoff{Step: 5 * time.Second, Max: 30 * time.Second, MaxRetries: 10}

	want := []time.Duration{5, 10, 15, 20, 25, 30, 30, 30, 30, 30}
	for i, w := range want {
		d, ok := p.Next(i + 1)
		require.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, w*time.Second, d, "attempt %d", i+1)
	}

	_, ok := p.Next(11)
	assert.False(t, ok, "the eleventh consecutive failure gives up")
}

func TestFixedDelayNeverGivesUp(t *testing.T) {
	p := FixedDelay{Delay: 5 * time.Second}
	for _, attempt := range []int{1, 10, 1000} {
		d, ok := p.Next(attempt)
		assert.True(t, ok)
		assert.Equal(t, 5*time.Second, d)
	}
}

type recordingObserver struct {
	mu         sync.Mutex
	frames     map[string]int
	reconnects map[string]int
	dead       []string
	stale      int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{frames: map[string]int{}, reconnects: map[string]int{}}
}

func (o *recordingObserver) FrameReceived(ch string) {
	o.mu.Lock()
	o.frames[ch]++
	o.mu.Unlock()
}

func (o *recordingObserver) Reconnecting(ch string, _ int) {
	o.mu.Lock()
	o.reconnects[ch]++
	o.mu.Unlock()
}

func (o *recordingObserver) ChannelDead(ch string) {
	o.mu.Lock()
	o.dead = append(o.dead, ch)
	o.mu.Unlock()
}

func (o *recordingObserver) StaleReset() {
	o.mu.Lock()
	o.stale++
	o.mu.Unlock()
}

// streamServer answers each subscription with the frames registered for its channel
type streamServer struct {
	*httptest.Server
	frames      map[string][]string
	holdOpen    bool
	connections map[string]*int64
}

func newStreamServer(t *testing.T, frames map[string][]string, holdOpen bool) *streamServer {
	t.Helper()
	s := &streamServer{
		frames:      frames,
		holdOpen:    holdOpen,
		connections: map[string]*int64{ChannelPrice: new(int64), ChannelDepth: new(int64)},
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if counter, ok := s.connections[req.Subscribe.Channel]; ok {
			atomic.AddInt64(counter, 1)
		}
		for _, f := range s.frames[req.Subscribe.Channel] {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if s.holdOpen {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *streamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *streamServer) count(channel string) int64 {
	return atomic.LoadInt64(s.connections[channel])
}

func testOptions(url string, obs Observer) Options {
	return Options{
		URL:              url,
		Symbol:           "BTC-USD",
		PricePolicy:      BoundedBackoff{Step: 5 * time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 3},
		DepthPolicy:      FixedDelay{Delay: 5 * time.Millisecond},
		WatchdogInterval: time.Hour,
		StaleAfter:       time.Hour,
		HandshakeTimeout: time.Second,
		ImbalanceBandBps: 10,
		Observer:         obs,
	}
}

func TestFeedIngestsBothChannels(t *testing.T) {
	srv := newStreamServer(t, map[string][]string{
		ChannelPrice: {
			`{"channel":"price","data":{"spread":["99990","100010"],"mid_price":"100000","last_price":"100002"}}`,
		},
		ChannelDepth: {
			`{"channel":"depth_book","data":{"bids":[["99990","9.75"]],"asks":[["100010","0.25"]]}}`,
		},
	}, true)

	obs := newRecordingObserver()
	feed := NewFeed(testOptions(srv.wsURL(), obs))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := feed.Imbalance(100000)
		ref, refOK := feed.ReferencePrice()
		return ok && refOK && ref == 100000
	}, 2*time.Second, 5*time.Millisecond)

	obi, _ := feed.Imbalance(100000)
	assert.InDelta(t, 0.95, obi, 1e-9)

	bid, ask, ok := feed.TopOfBook()
	require.True(t, ok)
	assert.Equal(t, 99990.0, bid)
	assert.Equal(t, 100010.0, ask)
	assert.False(t, feed.Book().LastPriceFrame().IsZero())
}

func TestDepthChannelRetriesForever(t *testing.T) {
	srv := newStreamServer(t, map[string][]string{
		ChannelPrice: {`{"channel":"price","data":{"mid_price":"100000"}}`},
	}, false)

	obs := newRecordingObserver()
	feed := NewFeed(testOptions(srv.wsURL(), obs))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.Start(ctx)

	// each session subscribes successfully, so the bounded price policy keeps
	// resetting and the depth policy never stops
	require.Eventually(t, func() bool {
		return srv.count(ChannelDepth) >= 5 && srv.count(ChannelPrice) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-feed.Fatal():
		t.Fatalf("feed should stay alive, got %v", err)
	default:
	}
}

func TestPriceChannelExhaustionIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	obs := newRecordingObserver()
	feed := NewFeed(testOptions(url, obs))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.Start(ctx)

	select {
	case err := <-feed.Fatal():
		assert.True(t, errors.Is(err, ErrFeedDead))
	case <-time.After(2 * time.Second):
		t.Fatal("price channel should give up after its retry budget")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{ChannelPrice}, obs.dead)
	assert.Equal(t, 3, obs.reconnects[ChannelPrice])
}

func TestWatchdogForcesReconnectOnSilence(t *testing.T) {
	srv := newStreamServer(t, map[string][]string{}, true)

	obs := newRecordingObserver()
	opts := testOptions(srv.wsURL(), obs)
	opts.WatchdogInterval = 10 * time.Millisecond
	opts.StaleAfter = 30 * time.Millisecond
	feed := NewFeed(opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.Start(ctx)

	require.Eventually(t, func() bool {
		return srv.count(ChannelPrice) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.GreaterOrEqual(t, obs.stale, 1)
}

func TestSubscribeRequestShape(t *testing.T) {
	raw, err := json.Marshal(subscribeRequest{Subscribe: subscribeBody{Channel: ChannelDepth, Symbol: "BTC-USD"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"subscribe":{"channel":"depth_book","symbol":"BTC-USD"}}`, string(raw))
}
