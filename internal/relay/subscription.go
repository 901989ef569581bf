package relay

import (
	"sync"
	"time"

	"shipmatch/internal/observability"
)

// Subscription is one watcher's stream.
type Subscription struct {
	matchID string
	ch      chan Update
	hub     *Hub

	mu       sync.Mutex
	lastSent time.Time
	closed   bool
	dropped  int
	done     chan struct{}
}

// Updates is closed when the subscription ends.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// MatchID returns the watched match.
func (s *Subscription) MatchID() string {
	return s.matchID
}

// Dropped returns how many updates were discarded because the watcher lagged.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the watcher. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// deliver queues u without blocking. Location updates that are not newer than
// the last one sent are skipped. A full queue loses its oldest entry.
func (s *Subscription) deliver(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if u.Type == UpdateLocation {
		if !u.Sample.NewerThan(s.lastSent) {
			return
		}
		s.lastSent = u.Sample.RecordedAt
	}

	for {
		select {
		case s.ch <- u:
			return
		default:
		}

		select {
		case <-s.ch:
			s.dropped++
			observability.RelayDroppedUpdates.Inc()
		default:
		}
	}
}
