package payments

import (
	"context"
	"errors"
	"net/http"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/transfer"
)

// StripeProvider holds funds with manual-capture PaymentIntents, pays carriers
// with Connect transfers and returns funds with refunds.
type StripeProvider struct{}

// NewStripeProvider initializes the stripe client with the given secret key.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{}
}

// Capture finalizes a previously-held PaymentIntent for amount.
func (s *StripeProvider) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("match_id", req.MatchID)

	pi, err := paymentintent.Capture(req.PaymentRef, params)
	if err != nil {
		return "", classify(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", ErrDeclined
	}
	return pi.ID, nil
}

// Payout transfers amount to the carrier's connected account.
func (s *StripeProvider) Payout(ctx context.Context, req PayoutRequest) (string, error) {
	if req.Destination == "" {
		return "", ErrNoDestination
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.MatchID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("match_id", req.MatchID)

	tr, err := transfer.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Param == "destination" {
			return "", ErrNoDestination
		}
		return "", classify(err)
	}
	return tr.ID, nil
}

// Refund returns amount of the captured PaymentIntent to the sender.
func (s *StripeProvider) Refund(ctx context.Context, req RefundRequest) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("match_id", req.MatchID)

	r, err := refund.New(params)
	if err != nil {
		return "", classify(err)
	}
	return r.ID, nil
}

// classify marks rate limiting, server errors and network failures as transient.
func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &TransientError{Err: err}
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return &TransientError{Err: err}
	case stripeErr.Type == stripe.ErrorTypeCard:
		return errors.Join(ErrDeclined, err)
	}
	return err
}

var _ Provider = (*StripeProvider)(nil)
