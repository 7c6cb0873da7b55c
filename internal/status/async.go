package status

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Async hands snapshots to a slow store from a single background writer. Put
// never blocks the caller: while a write is in flight only the newest pending
// snapshot is kept.
type Async struct {
	store   Store
	pending chan Snapshot
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewAsync starts the writer goroutine; call Close to stop it
func NewAsync(store Store) *Async {
	a := &Async{
		store:   store,
		pending: make(chan Snapshot, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go a.run()
	return a
}

// Put queues s, replacing any snapshot that has not been written yet
func (a *Async) Put(_ context.Context, s Snapshot) error {
	for {
		select {
		case a.pending <- s:
			return nil
		default:
		}
		select {
		case <-a.pending:
		default:
		}
	}
}

// Latest reads through to the wrapped store
func (a *Async) Latest(ctx context.Context) (Snapshot, bool, error) {
	return a.store.Latest(ctx)
}

// Close stops the writer after any write in flight; pending snapshots are dropped
func (a *Async) Close() {
	a.once.Do(func() { close(a.done) })
	<-a.stopped
}

func (a *Async) run() {
	defer close(a.stopped)

	failing := false
	for {
		select {
		case <-a.done:
			return
		case s := <-a.pending:
			err := a.store.Put(context.Background(), s)
			switch {
			case err != nil && !failing:
				log.Warn().Err(err).Msg("status snapshots not being stored")
			case err == nil && failing:
				log.Info().Msg("status snapshots stored again")
			}
			failing = err != nil
		}
	}
}
