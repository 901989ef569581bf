package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository/memory"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestHub(t *testing.T, opts Options) (*Hub, *memory.RouteStore, *fixedClock) {
	t.Helper()
	routes := memory.NewRouteStore(100)
	clock := &fixedClock{now: base}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	hub := NewHub(routes, nil, opts, slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(clock.Now)
	return hub, routes, clock
}

// memBroker stands in for pub/sub between hubs of several instances.
type memBroker struct {
	mu        sync.Mutex
	listeners []brokerListener
}

type brokerListener struct {
	onSample func(domain.LocationSample)
	onClose  func(string)
}

func (b *memBroker) Publish(_ context.Context, s domain.LocationSample) error {
	for _, l := range b.snapshot() {
		l.onSample(s)
	}
	return nil
}

func (b *memBroker) PublishClose(_ context.Context, matchID string) error {
	for _, l := range b.snapshot() {
		l.onClose(matchID)
	}
	return nil
}

func (b *memBroker) Listen(ctx context.Context, onSample func(domain.LocationSample), onClose func(string)) error {
	b.mu.Lock()
	b.listeners = append(b.listeners, brokerListener{onSample: onSample, onClose: onClose})
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *memBroker) snapshot() []brokerListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]brokerListener(nil), b.listeners...)
}

func (b *memBroker) listening() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func sample(matchID string, offset time.Duration) domain.LocationSample {
	return domain.LocationSample{
		MatchID:    matchID,
		CarrierID:  "carrier-1",
		Lat:        -23.55,
		Lng:        -46.63,
		RecordedAt: base.Add(offset),
	}
}

// ingest mirrors the location service: append, then publish.
func ingest(t *testing.T, hub *Hub, routes *memory.RouteStore, s domain.LocationSample) {
	t.Helper()
	require.NoError(t, routes.Append(context.Background(), s))
	require.NoError(t, hub.Publish(context.Background(), s))
}

func next(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func drain(sub *Subscription) []Update {
	var out []Update
	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Replay and live delivery
// ──────────────────────────────────────────────────────────────────────────────

func TestSubscribe_ReplaysHistoryThenLive(t *testing.T) {
	t.Parallel()

	hub, routes, _ := newTestHub(t, Options{ReplaySamples: 2})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, routes.Append(ctx, sample("m-1", time.Duration(i)*time.Second)))
	}

	sub, err := hub.Subscribe(ctx, "m-1")
	require.NoError(t, err)
	defer sub.Close()

	first := next(t, sub)
	second := next(t, sub)
	assert.True(t, first.Replay)
	assert.Equal(t, base.Add(2*time.Second), first.Sample.RecordedAt)
	assert.Equal(t, base.Add(3*time.Second), second.Sample.RecordedAt)

	ingest(t, hub, routes, sample("m-1", 4*time.Second))

	live := next(t, sub)
	assert.Equal(t, UpdateLocation, live.Type)
	assert.False(t, live.Replay)
	assert.Equal(t, base.Add(4*time.Second), live.Sample.RecordedAt)
}

func TestSubscribe_ReplayLargerThanBufferArrivesWhole(t *testing.T) {
	t.Parallel()

	hub, routes, clock := newTestHub(t, Options{ReplaySamples: 50, Buffer: 16})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, routes.Append(ctx, sample("m-1", time.Duration(i)*time.Second)))
	}
	clock.Advance(49 * time.Second)

	sub, err := hub.Subscribe(ctx, "m-1")
	require.NoError(t, err)
	defer sub.Close()

	updates := drain(sub)
	require.Len(t, updates, 50)
	for i, u := range updates {
		assert.Equal(t, UpdateLocation, u.Type)
		assert.True(t, u.Replay)
		assert.Equal(t, base.Add(time.Duration(i)*time.Second), u.Sample.RecordedAt)
	}
	assert.Equal(t, 0, sub.Dropped())

	// The live buffer is still available after a full replay.
	for i := 50; i < 66; i++ {
		hub.Dispatch(sample("m-1", time.Duration(i)*time.Second))
	}
	assert.Len(t, drain(sub), 16)
	assert.Equal(t, 0, sub.Dropped())
}

func TestSubscribe_ZeroReplaySendsLastKnownOnly(t *testing.T) {
	t.Parallel()

	hub, routes, clock := newTestHub(t, Options{ReplaySamples: 0})
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		require.NoError(t, routes.Append(ctx, sample("m-1", time.Duration(i)*time.Second)))
	}
	clock.Advance(30 * time.Second)

	sub, err := hub.Subscribe(ctx, "m-1")
	require.NoError(t, err)
	defer sub.Close()

	updates := drain(sub)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Replay)
	assert.Equal(t, base.Add(30*time.Second), updates[0].Sample.RecordedAt)
}

func TestSubscribe_ReconnectGetsLastKnownImmediately(t *testing.T) {
	t.Parallel()

	hub, routes, _ := newTestHub(t, Options{})
	ctx := context.Background()

	first, err := hub.Subscribe(ctx, "m-1")
	require.NoError(t, err)
	drain(first)
	first.Close()

	// Samples arrive while nobody is watching.
	ingest(t, hub, routes, sample("m-1", time.Second))
	ingest(t, hub, routes, sample("m-1", 2*time.Second))

	again, err := hub.Subscribe(ctx, "m-1")
	require.NoError(t, err)
	defer again.Close()

	updates := drain(again)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, UpdateLocation, last.Type)
	assert.Equal(t, base.Add(2*time.Second), last.Sample.RecordedAt)
}

func TestDeliver_NeverGoesBackwards(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, Options{})
	sub, err := hub.Subscribe(context.Background(), "m-1")
	require.NoError(t, err)
	defer sub.Close()
	drain(sub)

	hub.Dispatch(sample("m-1", 5*time.Second))
	hub.Dispatch(sample("m-1", 3*time.Second))
	hub.Dispatch(sample("m-1", 5*time.Second))
	hub.Dispatch(sample("m-1", 6*time.Second))

	updates := drain(sub)
	require.Len(t, updates, 2)
	assert.Equal(t, base.Add(5*time.Second), updates[0].Sample.RecordedAt)
	assert.Equal(t, base.Add(6*time.Second), updates[1].Sample.RecordedAt)
}

func TestDispatch_OnlyReachesWatchersOfThatMatch(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, Options{})
	ctx := context.Background()

	a, err := hub.Subscribe(ctx, "m-a")
	require.NoError(t, err)
	defer a.Close()
	b, err := hub.Subscribe(ctx, "m-b")
	require.NoError(t, err)
	defer b.Close()
	drain(a)
	drain(b)

	hub.Dispatch(sample("m-a", time.Second))

	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

// ──────────────────────────────────────────────────────────────────────────────
// Staleness
// ──────────────────────────────────────────────────────────────────────────────

func TestSubscribe_NoSamplesIsStale(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, Options{})
	sub, err := hub.Subscribe(context.Background(), "m-1")
	require.NoError(t, err)
	defer sub.Close()

	u := next(t, sub)
	assert.Equal(t, UpdateStale, u.Type)
	assert.Nil(t, u.LastUpdateAt)
}

func TestSubscribe_OldLastSampleIsStale(t *testing.T) {
	t.Parallel()

	hub, routes, clock := newTestHub(t, Options{StaleAfter: time.Minute})
	require.NoError(t, routes.Append(context.Background(), sample("m-1", 0)))
	clock.Advance(2 * time.Minute)

	sub, err := hub.Subscribe(context.Background(), "m-1")
	require.NoError(t, err)
	defer sub.Close()

	replayed := next(t, sub)
	assert.Equal(t, UpdateLocation, replayed.Type)
	stale := next(t, sub)
	assert.Equal(t, UpdateStale, stale.Type)
	require.NotNil(t, stale.LastUpdateAt)
	assert.Equal(t, base, *stale.LastUpdateAt)
}

func TestCheckStale_SignalsOncePerQuietPeriod(t *testing.T) {
	t.Parallel()

	hub, routes, clock := newTestHub(t, Options{StaleAfter: time.Minute})
	sub, err := hub.Subscribe(context.Background(), "m-1")
	require.NoError(t, err)
	defer sub.Close()
	drain(sub)

	ingest(t, hub, routes, sample("m-1", 0))
	drain(sub)

	clock.Advance(30 * time.Second)
	hub.CheckStale()
	assert.Empty(t, drain(sub), "still fresh")

	clock.Advance(time.Minute)
	hub.CheckStale()
	hub.CheckStale()
	updates := drain(sub)
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateStale, updates[0].Type)

	// A new sample makes the feed live again.
	ingest(t, hub, routes, sample("m-1", 2*time.Minute))
	live := drain(sub)
	require.Len(t, live, 1)
	assert.Equal(t, UpdateLocation, live[0].Type)
}

// ──────────────────────────────────────────────────────────────────────────────
// Backpressure and cleanup
// ──────────────────────────────────────────────────────────────────────────────

func TestDispatch_SlowWatcherDropsOldest(t *testing.T) {
	t.Parallel()

	// Last-known only: room for two replay entries plus a live backlog of 2.
	hub, _, _ := newTestHub(t, Options{Buffer: 2})
	sub, err := hub.Subscribe(context.Background(), "m-1")
	require.NoError(t, err)
	defer sub.Close()
	drain(sub)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 10; i++ {
			hub.Dispatch(sample("m-1", time.Duration(i)*time.Second))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a slow watcher")
	}

	updates := drain(sub)
	require.Len(t, updates, 4)
	assert.Equal(t, base.Add(7*time.Second), updates[0].Sample.RecordedAt)
	assert.Equal(t, base.Add(10*time.Second), updates[3].Sample.RecordedAt)
	assert.Equal(t, 6, sub.Dropped())
}

func TestSubscribe_ContextCancelReleasesFeed(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := hub.Subscribe(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.WatcherCount("m-1"))

	cancel()

	require.Eventually(t, func() bool {
		return hub.FeedCount() == 0
	}, time.Second, 5*time.Millisecond)

	drain(sub)
	_, ok := <-sub.Updates()
	assert.False(t, ok)
}

func TestSubscribe_ManyWatchersComeAndGo(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := hub.Subscribe(context.Background(), "m-1")
			if err != nil {
				return
			}
			hub.Dispatch(sample("m-1", time.Second))
			sub.Close()
			sub.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, hub.WatcherCount("m-1"))
	assert.Equal(t, 0, hub.FeedCount())
}

func TestCloseMatch_EndsWatches(t *testing.T) {
	t.Parallel()

	hub, _, _ := newTestHub(t, Options{})
	sub, err := hub.Subscribe(context.Background(), "m-1")
	require.NoError(t, err)
	drain(sub)

	hub.CloseMatch("m-1")

	u, ok := <-sub.Updates()
	require.True(t, ok)
	assert.Equal(t, UpdateClosed, u.Type)
	_, ok = <-sub.Updates()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.FeedCount())
}

func TestCloseMatch_EndsWatchesOnOtherInstances(t *testing.T) {
	t.Parallel()

	broker := &memBroker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	routes := memory.NewRouteStore(100)
	opts := Options{StaleAfter: 5 * time.Minute}
	local := NewHub(routes, broker, opts, logger)
	remote := NewHub(routes, broker, opts, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = local.Run(ctx) }()
	go func() { _ = remote.Run(ctx) }()
	require.Eventually(t, func() bool {
		return broker.listening() == 2
	}, time.Second, 5*time.Millisecond)

	sub, err := remote.Subscribe(context.Background(), "m-1")
	require.NoError(t, err)
	drain(sub)

	local.CloseMatch("m-1")

	u := next(t, sub)
	assert.Equal(t, UpdateClosed, u.Type)
	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("remote watch still open")
	}
	assert.Equal(t, 0, remote.FeedCount())

	// A repeated close is harmless.
	local.CloseMatch("m-1")
}
