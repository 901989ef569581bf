// Package relay pushes carrier positions to the senders watching a match.
//
// Each match has its own set of watchers. A new watcher is registered before
// history is replayed, and every subscription only ever moves forward in
// RecordedAt, so a watcher that reconnects never sees a position older than one
// it has already been given. Delivery is best effort: a slow watcher loses its
// oldest queued update rather than holding up ingest.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shipmatch/internal/domain"
	"shipmatch/internal/observability"
)

// UpdateType tells a watcher how to read an Update.
type UpdateType string

const (
	// UpdateLocation carries a sample, live or replayed.
	UpdateLocation UpdateType = "location"
	// UpdateStale means no sample arrived within the staleness threshold.
	UpdateStale UpdateType = "stale"
	// UpdateClosed means the match left transit and the feed has ended.
	UpdateClosed UpdateType = "closed"
)

// Update is one message on a watch stream.
type Update struct {
	Type         UpdateType             `json:"type"`
	MatchID      string                 `json:"match_id"`
	Sample       *domain.LocationSample `json:"sample,omitempty"`
	Replay       bool                   `json:"replay,omitempty"`
	LastUpdateAt *time.Time             `json:"last_update_at,omitempty"`
}

// History reads route history for replay.
type History interface {
	Recent(ctx context.Context, matchID string, n int) ([]domain.LocationSample, error)
	Last(ctx context.Context, matchID string) (*domain.LocationSample, error)
}

// Broker carries samples and feed closures between instances. A Hub without
// a broker dispatches in process.
type Broker interface {
	Publish(ctx context.Context, sample domain.LocationSample) error
	PublishClose(ctx context.Context, matchID string) error
	Listen(ctx context.Context, onSample func(domain.LocationSample), onClose func(matchID string)) error
}

// closePublishTimeout bounds the broker call CloseMatch makes.
const closePublishTimeout = 5 * time.Second

// Options tunes a Hub. ReplaySamples is how much history a new watcher gets
// before the last known position; zero replays the last known position only.
// Buffer is the live backlog a watcher may hold on top of a full replay.
type Options struct {
	StaleAfter    time.Duration
	ReplaySamples int
	Buffer        int
	CheckInterval time.Duration
}

type matchFeed struct {
	watchers map[*Subscription]struct{}
	lastAt   time.Time
	stale    bool
}

// Hub fans samples out to per-match watcher sets.
type Hub struct {
	mu      sync.Mutex
	feeds   map[string]*matchFeed
	history History
	broker  Broker
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
}

// NewHub creates a Hub. broker may be nil.
func NewHub(history History, broker Broker, opts Options, logger *slog.Logger) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	return &Hub{
		feeds:   make(map[string]*matchFeed),
		history: history,
		broker:  broker,
		opts:    opts,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the hub's time source.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Run listens on the broker and checks staleness until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	if h.broker != nil {
		go func() {
			errCh <- h.broker.Listen(ctx, h.Dispatch, h.closeLocal)
		}()
	}

	ticker := time.NewTicker(h.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				h.logger.Error("relay broker stopped", "error", err)
				return err
			}
			errCh = nil
		case <-ticker.C:
			h.CheckStale()
		}
	}
}

// Publish hands an accepted sample to every instance's watchers.
func (h *Hub) Publish(ctx context.Context, sample domain.LocationSample) error {
	if h.broker == nil {
		h.Dispatch(sample)
		return nil
	}
	return h.broker.Publish(ctx, sample)
}

// Dispatch delivers a sample to local watchers of its match. It never blocks.
func (h *Hub) Dispatch(sample domain.LocationSample) {
	h.mu.Lock()
	feed, ok := h.feeds[sample.MatchID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if sample.RecordedAt.After(feed.lastAt) {
		feed.lastAt = sample.RecordedAt
		feed.stale = false
	}
	subs := feed.snapshot()
	h.mu.Unlock()

	s := sample
	update := Update{Type: UpdateLocation, MatchID: sample.MatchID, Sample: &s}
	for _, sub := range subs {
		sub.deliver(update)
	}
}

// Subscribe registers a watcher for matchID, then replays the last known
// location and recent history. The subscription ends when ctx is done or
// Close is called.
func (h *Hub) Subscribe(ctx context.Context, matchID string) (*Subscription, error) {
	sub := &Subscription{
		matchID: matchID,
		ch:      make(chan Update, h.capacity()),
		hub:     h,
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	feed, ok := h.feeds[matchID]
	if !ok {
		feed = &matchFeed{watchers: make(map[*Subscription]struct{})}
		h.feeds[matchID] = feed
	}
	feed.watchers[sub] = struct{}{}
	h.mu.Unlock()
	observability.RelayWatchers.Inc()

	if err := h.replay(ctx, sub); err != nil {
		sub.Close()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// capacity fits a full replay, the last known sample and a stale notice
// ahead of the live buffer, so replay never evicts itself.
func (h *Hub) capacity() int {
	replay := h.opts.ReplaySamples
	if replay < 0 {
		replay = 0
	}
	return replay + 2 + h.opts.Buffer
}

func (h *Hub) replay(ctx context.Context, sub *Subscription) error {
	var samples []domain.LocationSample
	if h.opts.ReplaySamples > 0 {
		recent, err := h.history.Recent(ctx, sub.matchID, h.opts.ReplaySamples)
		if err != nil {
			return err
		}
		samples = recent
	}
	last, err := h.history.Last(ctx, sub.matchID)
	if err != nil {
		return err
	}
	if last != nil && (len(samples) == 0 || last.NewerThan(samples[len(samples)-1].RecordedAt)) {
		samples = append(samples, *last)
	}

	for i := range samples {
		s := samples[i]
		sub.deliver(Update{Type: UpdateLocation, MatchID: sub.matchID, Sample: &s, Replay: true})
	}

	var lastAt time.Time
	if len(samples) > 0 {
		lastAt = samples[len(samples)-1].RecordedAt
	}

	h.mu.Lock()
	feed := h.feeds[sub.matchID]
	if feed != nil && lastAt.After(feed.lastAt) {
		feed.lastAt = lastAt
	}
	var current time.Time
	if feed != nil {
		current = feed.lastAt
	}
	h.mu.Unlock()

	if current.IsZero() || h.now().Sub(current) > h.opts.StaleAfter {
		sub.deliver(staleUpdate(sub.matchID, current))
	}
	return nil
}

// CheckStale marks feeds whose last sample is older than the threshold and
// tells their watchers once per quiet period.
func (h *Hub) CheckStale() {
	now := h.now()

	type notice struct {
		update Update
		subs   []*Subscription
	}
	var notices []notice

	h.mu.Lock()
	for matchID, feed := range h.feeds {
		if feed.stale || feed.lastAt.IsZero() {
			continue
		}
		if now.Sub(feed.lastAt) > h.opts.StaleAfter {
			feed.stale = true
			notices = append(notices, notice{update: staleUpdate(matchID, feed.lastAt), subs: feed.snapshot()})
		}
	}
	h.mu.Unlock()

	for _, n := range notices {
		for _, sub := range n.subs {
			sub.deliver(n.update)
		}
	}
}

// CloseMatch ends every watch on matchID, on this instance and, through the
// broker, on every other.
func (h *Hub) CloseMatch(matchID string) {
	h.closeLocal(matchID)
	if h.broker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closePublishTimeout)
	defer cancel()
	if err := h.broker.PublishClose(ctx, matchID); err != nil {
		h.logger.Warn("relay close not published", "match_id", matchID, "error", err)
	}
}

// closeLocal ends the watches this instance holds on matchID. Repeating it
// is a no-op.
func (h *Hub) closeLocal(matchID string) {
	h.mu.Lock()
	feed, ok := h.feeds[matchID]
	var subs []*Subscription
	if ok {
		subs = feed.snapshot()
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(Update{Type: UpdateClosed, MatchID: matchID})
		sub.Close()
	}
}

// WatcherCount returns the number of local watchers on matchID.
func (h *Hub) WatcherCount(matchID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if feed, ok := h.feeds[matchID]; ok {
		return len(feed.watchers)
	}
	return 0
}

// FeedCount returns the number of matches with at least one local watcher.
func (h *Hub) FeedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed, ok := h.feeds[sub.matchID]
	if !ok {
		return
	}
	if _, ok := feed.watchers[sub]; !ok {
		return
	}
	delete(feed.watchers, sub)
	observability.RelayWatchers.Dec()
	if len(feed.watchers) == 0 {
		delete(h.feeds, sub.matchID)
	}
}

func (f *matchFeed) snapshot() []*Subscription {
	subs := make([]*Subscription, 0, len(f.watchers))
	for sub := range f.watchers {
		subs = append(subs, sub)
	}
	return subs
}

func staleUpdate(matchID string, lastAt time.Time) Update {
	u := Update{Type: UpdateStale, MatchID: matchID}
	if !lastAt.IsZero() {
		at := lastAt
		u.LastUpdateAt = &at
	}
	return u
}
