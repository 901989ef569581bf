package payments

import (
	"context"
	"log/slog"
	"time"
)

// RetryingProvider retries transient failures with exponential backoff.
// Every attempt reuses the same idempotency key, so a retry after an unseen
// success cannot move money twice.
type RetryingProvider struct {
	next     Provider
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// WithRetry wraps next. attempts counts the first call.
func WithRetry(next Provider, attempts int, delay time.Duration, logger *slog.Logger) *RetryingProvider {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingProvider{next: next, attempts: attempts, delay: delay, logger: logger}
}

func (r *RetryingProvider) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	return r.do(ctx, "capture", req.MatchID, func() (string, error) {
		return r.next.Capture(ctx, req)
	})
}

func (r *RetryingProvider) Payout(ctx context.Context, req PayoutRequest) (string, error) {
	return r.do(ctx, "payout", req.MatchID, func() (string, error) {
		return r.next.Payout(ctx, req)
	})
}

func (r *RetryingProvider) Refund(ctx context.Context, req RefundRequest) (string, error) {
	return r.do(ctx, "refund", req.MatchID, func() (string, error) {
		return r.next.Refund(ctx, req)
	})
}

func (r *RetryingProvider) do(ctx context.Context, op, matchID string, call func() (string, error)) (string, error) {
	delay := r.delay
	var lastErr error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		ref, err := call()
		if err == nil {
			return ref, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.attempts {
			break
		}

		r.logger.Warn("payment provider call failed, retrying",
			"op", op,
			"match_id", matchID,
			"attempt", attempt,
			"backoff", delay.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	r.logger.Error("payment provider call failed",
		"op", op,
		"match_id", matchID,
		"attempts", r.attempts,
		"error", lastErr,
	)
	return "", lastErr
}

var _ Provider = (*RetryingProvider)(nil)
