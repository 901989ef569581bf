// Package payments moves money through an external payment provider.
package payments

import (
	"context"
	"errors"
)

var (
	// ErrNoDestination is returned by Payout when the carrier has no usable destination.
	ErrNoDestination = errors.New("no payout destination")

	// ErrDeclined is returned when the provider refuses the operation outright.
	ErrDeclined = errors.New("declined by payment provider")
)

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient provider failure: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// CaptureRequest captures funds previously authorised from the sender.
type CaptureRequest struct {
	MatchID        string
	PaymentRef     string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// PayoutRequest transfers released funds to the carrier.
type PayoutRequest struct {
	MatchID        string
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// RefundRequest returns funds to the sender.
type RefundRequest struct {
	MatchID        string
	PaymentRef     string
	Amount         int64
	IdempotencyKey string
}

// Provider is the payment capture/payout collaborator.
type Provider interface {
	Capture(ctx context.Context, req CaptureRequest) (string, error)
	Payout(ctx context.Context, req PayoutRequest) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

// CaptureKey is the provider idempotency key for a match's capture.
func CaptureKey(matchID string) string { return "capture:" + matchID }

// PayoutKey is the provider idempotency key for a match's payout.
func PayoutKey(matchID string) string { return "payout:" + matchID }

// RefundKey is the provider idempotency key for a match's refund.
func RefundKey(matchID string) string { return "refund:" + matchID }
