package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shipmatch/internal/domain"
	"shipmatch/internal/events"
	"shipmatch/internal/payments"
	"shipmatch/internal/redis"
	"shipmatch/internal/relay"
	"shipmatch/internal/repository"
	"shipmatch/internal/repository/memory"
	"shipmatch/internal/service"
)

// ──────────────────────────────────────────────
// MOCK PAYMENT PROVIDER
// ──────────────────────────────────────────────

// MockProvider is a thread-safe payments.Provider. Like a real provider it
// honours idempotency keys: a repeated key returns the first reference and
// moves no money.
type MockProvider struct {
	mu      sync.Mutex
	payouts map[string]int64
	refunds map[string]int64

	// Counters for verification
	CaptureCallCount int32
	PayoutCallCount  int32
	RefundCallCount  int32

	// Error injection
	CaptureError   error
	PayoutError    error
	PayoutFailures int32 // fail this many payouts with PayoutError, then succeed
	RefundError    error
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		payouts: make(map[string]int64),
		refunds: make(map[string]int64),
	}
}

func (p *MockProvider) Capture(ctx context.Context, req payments.CaptureRequest) (string, error) {
	atomic.AddInt32(&p.CaptureCallCount, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CaptureError != nil {
		return "", p.CaptureError
	}
	return req.PaymentRef, nil
}

func (p *MockProvider) Payout(ctx context.Context, req payments.PayoutRequest) (string, error) {
	n := atomic.AddInt32(&p.PayoutCallCount, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PayoutError != nil && (p.PayoutFailures == 0 || n <= p.PayoutFailures) {
		return "", p.PayoutError
	}
	if _, ok := p.payouts[req.IdempotencyKey]; !ok {
		p.payouts[req.IdempotencyKey] = req.Amount
	}
	return "tr_" + req.MatchID, nil
}

func (p *MockProvider) Refund(ctx context.Context, req payments.RefundRequest) (string, error) {
	atomic.AddInt32(&p.RefundCallCount, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RefundError != nil {
		return "", p.RefundError
	}
	if _, ok := p.refunds[req.IdempotencyKey]; !ok {
		p.refunds[req.IdempotencyKey] = req.Amount
	}
	return "re_" + req.MatchID, nil
}

// SetPayoutError changes payout error injection under the lock.
func (p *MockProvider) SetPayoutError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PayoutError = err
}

// SetRefundError changes refund error injection under the lock.
func (p *MockProvider) SetRefundError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RefundError = err
}

// Transfers returns how many distinct payouts moved money.
func (p *MockProvider) Transfers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payouts)
}

// PaidOut returns the amount transferred for a match.
func (p *MockProvider) PaidOut(matchID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payouts[payments.PayoutKey(matchID)]
}

// Refunded returns the amount refunded for a match.
func (p *MockProvider) Refunded(matchID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunds[payments.RefundKey(matchID)]
}

// ──────────────────────────────────────────────
// MOCK LOCK STORE
// ──────────────────────────────────────────────

// MockLockStore is an in-process redis.LockStoreInterface.
type MockLockStore struct {
	mu    sync.Mutex
	locks map[string]string
	seq   int

	AcquireCallCount int32
	AcquireError     error
}

func NewMockLockStore() *MockLockStore {
	return &MockLockStore{locks: make(map[string]string)}
}

func (l *MockLockStore) AcquirePayoutLock(ctx context.Context, matchID string, ttl time.Duration) (string, error) {
	atomic.AddInt32(&l.AcquireCallCount, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AcquireError != nil {
		return "", l.AcquireError
	}
	if _, held := l.locks[matchID]; held {
		return "", nil
	}
	l.seq++
	token := string(rune('a' + l.seq%26))
	l.locks[matchID] = token
	return token, nil
}

func (l *MockLockStore) ReleasePayoutLock(ctx context.Context, matchID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[matchID] == token {
		delete(l.locks, matchID)
	}
	return nil
}

// Hold takes the lock as another worker would.
func (l *MockLockStore) Hold(matchID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks[matchID] = "someone-else"
}

// ──────────────────────────────────────────────
// MOCK CACHE STORE
// ──────────────────────────────────────────────

// MockCacheStore is an in-process redis.CacheStoreInterface without expiry.
type MockCacheStore struct {
	mu      sync.Mutex
	matches map[string]redis.CachedMatch
}

func NewMockCacheStore() *MockCacheStore {
	return &MockCacheStore{matches: make(map[string]redis.CachedMatch)}
}

func (c *MockCacheStore) GetMatch(ctx context.Context, matchID string) (*redis.CachedMatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.matches[matchID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (c *MockCacheStore) SetMatch(ctx context.Context, m *redis.CachedMatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matches[m.ID] = *m
	return nil
}

func (c *MockCacheStore) InvalidateMatch(ctx context.Context, matchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.matches, matchID)
	return nil
}

// hookedMatches runs a callback right after the first GetByID has read the
// match, before the caller sees it.
type hookedMatches struct {
	repository.MatchRepository
	fired atomic.Bool
	after func()
}

func (r *hookedMatches) GetByID(ctx context.Context, id string) (*domain.Match, error) {
	m, err := r.MatchRepository.GetByID(ctx, id)
	if r.fired.CompareAndSwap(false, true) {
		r.after()
	}
	return m, err
}

// ──────────────────────────────────────────────
// CLOCK
// ──────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ──────────────────────────────────────────────
// HARNESS
// ──────────────────────────────────────────────

const (
	confirmationWindow = 72 * time.Hour
	// 125.00 with a 20% commission leaves the carrier 100.00.
	testPrice         = int64(12500)
	testCommissionBps = 2000
	testCarrierAmount = int64(10000)
)

var (
	sender  = domain.Actor{ID: "sender-1", Name: "Ana", Role: domain.RoleUser}
	carrier = domain.Actor{ID: "carrier-1", Name: "Bruno", Role: domain.RoleUser}
	admin   = domain.Actor{ID: "admin-1", Name: "Carla", Role: domain.RoleAdmin}
	other   = domain.Actor{ID: "stranger", Name: "Dan", Role: domain.RoleUser}
)

type harness struct {
	store    *memory.Store
	routes   *memory.RouteStore
	provider *MockProvider
	locks    *MockLockStore
	recorder *events.Recorder
	clock    *fakeClock
	hub      *relay.Hub

	ledger    *service.Ledger
	matches   *service.MatchService
	payouts   *service.PayoutService
	delivery  *service.DeliveryService
	disputes  *service.DisputeService
	locations *service.LocationService
	sweeper   *service.Sweeper
}

type harnessOptions struct {
	payOnRelease bool
	noLocks      bool
	// beforeMethodLookup runs once, on the first payout method lookup.
	beforeMethodLookup func(h *harness)
}

// hookedMethods runs a callback ahead of the first GetByCarrierID so a test
// can interleave another caller at that point.
type hookedMethods struct {
	repository.PayoutMethodRepository
	fired  atomic.Bool
	before func()
}

func (r *hookedMethods) GetByCarrierID(ctx context.Context, carrierID string) (*domain.PayoutMethod, error) {
	if r.fired.CompareAndSwap(false, true) {
		r.before()
	}
	return r.PayoutMethodRepository.GetByCarrierID(ctx, carrierID)
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    memory.NewStore(),
		routes:   memory.NewRouteStore(100),
		provider: NewMockProvider(),
		locks:    NewMockLockStore(),
		recorder: events.NewRecorder(),
		clock:    &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	h.store.PutProfile(&domain.UserProfile{ID: carrier.ID, Name: carrier.Name, Verified: true, TrustLevel: domain.TrustLevel3})
	h.store.PutProfile(&domain.UserProfile{ID: sender.ID, Name: sender.Name, Verified: true, TrustLevel: domain.TrustLevel1})

	h.hub = relay.NewHub(h.routes, nil, relay.Options{StaleAfter: 5 * time.Minute, ReplaySamples: 10, Buffer: 16}, logger).
		WithClock(h.clock.Now)

	notifier := service.NewNotificationService(h.recorder, logger)
	h.ledger = service.NewLedger(h.store.Escrows(), notifier, nil, logger).WithClock(h.clock.Now)

	var locks redis.LockStoreInterface = h.locks
	if opts.noLocks {
		locks = nil
	}

	var methods repository.PayoutMethodRepository = h.store.PayoutMethods()
	if opts.beforeMethodLookup != nil {
		methods = &hookedMethods{PayoutMethodRepository: methods, before: func() { opts.beforeMethodLookup(h) }}
	}

	h.payouts = service.NewPayoutService(
		h.ledger, h.store.Matches(), h.store.Escrows(), methods,
		h.provider, locks, notifier, logger,
		service.PayoutSettings{LockTTL: 30 * time.Second, PayOnRelease: opts.payOnRelease},
	)
	h.matches = service.NewMatchService(
		h.ledger, h.store.Matches(), h.store.Escrows(), h.store.Disputes(), h.store.Profiles(),
		h.provider, nil, notifier, logger, "brl", domain.TrustLevel2,
	)
	h.delivery = service.NewDeliveryService(
		h.ledger, h.payouts, h.store.Matches(), h.store.Escrows(), h.hub, logger, confirmationWindow,
	)
	h.disputes = service.NewDisputeService(
		h.ledger, h.payouts, h.store.Matches(), h.store.Escrows(), h.store.Disputes(), h.hub, notifier, logger,
	)
	h.locations = service.NewLocationService(h.store.Matches(), h.routes, h.hub, nil, logger).WithClock(h.clock.Now)
	h.sweeper = service.NewSweeper(
		h.delivery, h.payouts, h.store.Matches(), h.store.Escrows(), h.ledger, logger, time.Minute, 100,
	)
	return h
}

// pendingMatch creates a match awaiting payment.
func (h *harness) pendingMatch(t *testing.T) *domain.Match {
	t.Helper()
	m, err := h.matches.CreateMatch(context.Background(), service.CreateMatchRequest{
		SenderID:       sender.ID,
		CarrierID:      carrier.ID,
		TripRef:        "trip-1",
		ShipmentRef:    "shipment-1",
		EstimatedPrice: testPrice,
		CommissionBps:  testCommissionBps,
	})
	require.NoError(t, err)
	return m
}

// escrowedMatch creates a match and captures payment.
func (h *harness) escrowedMatch(t *testing.T) *domain.Match {
	t.Helper()
	m := h.pendingMatch(t)
	_, err := h.matches.CapturePayment(context.Background(), m.ID, sender, "pi_"+m.ID)
	require.NoError(t, err)
	return m
}

// inTransitMatch adds tracking consent and pickup.
func (h *harness) inTransitMatch(t *testing.T) *domain.Match {
	t.Helper()
	ctx := context.Background()
	m := h.escrowedMatch(t)
	_, err := h.matches.GrantLocationPermission(ctx, m.ID, carrier.ID)
	require.NoError(t, err)
	_, err = h.matches.ConfirmPickup(ctx, m.ID, carrier.ID)
	require.NoError(t, err)
	return m
}

// deliveredMatch marks the delivery and starts the confirmation window.
func (h *harness) deliveredMatch(t *testing.T) *domain.Match {
	t.Helper()
	m := h.inTransitMatch(t)
	_, err := h.delivery.MarkDelivered(context.Background(), m.ID, carrier.ID)
	require.NoError(t, err)
	return m
}

func (h *harness) registerPayoutMethod(t *testing.T) {
	t.Helper()
	_, _, err := h.payouts.RegisterPayoutMethod(context.Background(), carrier.ID, "acct_carrier")
	require.NoError(t, err)
}

func (h *harness) escrow(t *testing.T, matchID string) *domain.Escrow {
	t.Helper()
	e, err := h.store.Escrows().GetByMatchID(context.Background(), matchID)
	require.NoError(t, err)
	return e
}

func (h *harness) match(t *testing.T, matchID string) *domain.Match {
	t.Helper()
	m, err := h.store.Matches().GetByID(context.Background(), matchID)
	require.NoError(t, err)
	return m
}

var errProviderDown = &payments.TransientError{Err: errors.New("provider unavailable")}
