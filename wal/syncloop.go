package wal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncLoop is the single background goroutine that turns USED slots into
// SYNCED ones, the "sync thread" spec.md §5 calls out as the only other
// suspension point besides NextUnused and Flush(wait=true).
type SyncLoop struct {
	ring    *Ring
	persist func(SyncRegion) error
	log     zerolog.Logger

	interval time.Duration
	stop     chan struct{}
	done     sync.WaitGroup
}

// NewSyncLoop wires a Ring to the function that actually durably persists a
// SyncRegion (Ring.DefaultPersist, which calls Logfile.Persist, in
// production; a no-op/capturing stub in tests).
func NewSyncLoop(ring *Ring, persist func(SyncRegion) error, log zerolog.Logger, interval time.Duration) *SyncLoop {
	return &SyncLoop{ring: ring, persist: persist, log: log.With().Str("component", "wal-sync").Logger(), interval: interval, stop: make(chan struct{})}
}

// Start launches the sync goroutine.
func (l *SyncLoop) Start() {
	l.done.Add(1)
	go l.run()
}

// Stop signals the sync goroutine to exit and waits for it to drain any
// outstanding region once more before returning — matching the teacher's
// cooperative-shutdown discipline in storage/settings.go (flush, then
// exit) rather than abandoning unpersisted slots.
func (l *SyncLoop) Stop() {
	close(l.stop)
	l.done.Wait()
}

func (l *SyncLoop) run() {
	defer l.done.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			if err := l.ring.Flush(false, l.persist); err != nil {
				l.log.Error().Err(err).Msg("final flush failed")
			}
			return
		case <-ticker.C:
			if err := l.ring.Flush(false, l.persist); err != nil {
				l.log.Error().Err(err).Msg("sync region flush failed")
			}
		}
	}
}
