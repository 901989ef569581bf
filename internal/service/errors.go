package service

import (
	"errors"

	"shipmatch/internal/domain"
	"shipmatch/internal/repository"
)

// Categories. Every error returned by this package matches exactly one of
// these with errors.Is, and handlers map them to response codes.
var (
	// ErrValidation is matched by malformed input.
	ErrValidation = errors.New("validation error")

	// ErrNotAuthorized is matched when the caller is not the match's sender, carrier or an admin.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidTransition is matched when an operation is not valid from the current status.
	ErrInvalidTransition = domain.ErrInvalidTransition

	// ErrPrecondition is matched when a named condition for the operation is unmet.
	ErrPrecondition = errors.New("precondition failed")

	// ErrExternalProvider is matched by payment provider failures.
	ErrExternalProvider = errors.New("payment provider error")

	// ErrNotFound is matched when a referenced record does not exist.
	ErrNotFound = repository.ErrNotFound
)

// categorized is a specific reason that also matches its category.
type categorized struct {
	msg      string
	category error
}

func (e *categorized) Error() string { return e.msg }

func (e *categorized) Unwrap() error { return e.category }

func newError(category error, msg string) error {
	return &categorized{msg: msg, category: category}
}

var (
	// ErrMatchNotFound is returned when the match does not exist.
	ErrMatchNotFound = newError(ErrNotFound, "match not found")

	// ErrDisputeNotFound is returned when the dispute does not exist.
	ErrDisputeNotFound = newError(ErrNotFound, "dispute not found")

	// ErrInvalidMatchID is returned when match ID is empty.
	ErrInvalidMatchID = newError(ErrValidation, "invalid match id")

	// ErrInvalidUserID is returned when a sender or carrier ID is empty.
	ErrInvalidUserID = newError(ErrValidation, "invalid user id")

	// ErrSameParty is returned when sender and carrier are the same user.
	ErrSameParty = newError(ErrValidation, "sender and carrier must be different users")

	// ErrInvalidReference is returned when the trip or shipment reference is empty.
	ErrInvalidReference = newError(ErrValidation, "trip and shipment references are required")

	// ErrInvalidPrice is returned when the estimated price is negative or the commission rate is out of range.
	ErrInvalidPrice = newError(ErrValidation, "invalid price or commission rate")

	// ErrPaymentRefRequired is returned when capture is called without a payment reference.
	ErrPaymentRefRequired = newError(ErrValidation, "payment reference is required")

	// ErrInvalidCoordinates is returned when latitude or longitude are out of range.
	ErrInvalidCoordinates = newError(ErrValidation, "invalid coordinates")

	// ErrInvalidReading is returned when accuracy or speed are negative or not a number.
	ErrInvalidReading = newError(ErrValidation, "invalid accuracy or speed")

	// ErrEmptyNote is returned when a dispute note has no content.
	ErrEmptyNote = newError(ErrValidation, "note content is required")

	// ErrInvalidResolutionType is returned for an unknown resolution type.
	ErrInvalidResolutionType = newError(ErrValidation, "resolution type must be sender, carrier, split or dismissed")

	// ErrInvalidRefundAmount is returned for a negative refund.
	ErrInvalidRefundAmount = newError(ErrValidation, "refund amount must not be negative")

	// ErrInvalidDestination is returned when a payout destination is empty.
	ErrInvalidDestination = newError(ErrValidation, "payout destination is required")

	// ErrNotMatchSender is returned when the caller is not the match's sender.
	ErrNotMatchSender = newError(ErrNotAuthorized, "caller is not the sender on this match")

	// ErrNotMatchCarrier is returned when the caller is not the match's carrier.
	ErrNotMatchCarrier = newError(ErrNotAuthorized, "caller is not the carrier on this match")

	// ErrNotAuthorizedCarrier is returned when a location report comes from anyone but the match's carrier.
	ErrNotAuthorizedCarrier = newError(ErrNotAuthorized, "not the authorized carrier for this match")

	// ErrNotParticipant is returned when the caller is neither party.
	ErrNotParticipant = newError(ErrNotAuthorized, "caller is not a participant on this match")

	// ErrAdminRequired is returned when a staff-only operation is called by a user.
	ErrAdminRequired = newError(ErrNotAuthorized, "admin role required")

	// ErrCarrierNotVerified is returned when the carrier's identity is not verified.
	ErrCarrierNotVerified = newError(ErrPrecondition, "carrier identity is not verified")

	// ErrCarrierTrustTooLow is returned when the carrier's trust level is below the minimum.
	ErrCarrierTrustTooLow = newError(ErrPrecondition, "carrier trust level is below the required minimum")

	// ErrLocationPermissionRequired is returned when the carrier has not granted tracking for the match.
	ErrLocationPermissionRequired = newError(ErrPrecondition, "location permission not granted for this match")

	// ErrMatchNotInTransit is returned when a location report arrives outside transit.
	ErrMatchNotInTransit = newError(ErrPrecondition, "match is not in transit")

	// ErrDisputeReasonRequired is returned when a dispute is opened without a reason.
	ErrDisputeReasonRequired = newError(ErrPrecondition, "dispute reason is required")

	// ErrRefundExceedsAmount is returned when a refund is larger than the escrowed carrier amount.
	ErrRefundExceedsAmount = newError(ErrPrecondition, "refund amount exceeds carrier amount")

	// ErrRefundNotAllowed is returned when a refund is given for a resolution that keeps funds with the carrier.
	ErrRefundNotAllowed = newError(ErrPrecondition, "refund amount must be zero for carrier or dismissed resolutions")

	// ErrRefundRequired is returned when a sender or split resolution has nothing to refund.
	ErrRefundRequired = newError(ErrPrecondition, "refund amount must be positive for sender or split resolutions")

	// ErrDeadlineNotReached is returned when auto-confirmation runs before the deadline.
	ErrDeadlineNotReached = newError(ErrPrecondition, "confirmation deadline has not passed")

	// ErrDeliveryNotConfirmed is returned when rating a match whose delivery was not confirmed.
	ErrDeliveryNotConfirmed = newError(ErrPrecondition, "delivery has not been confirmed")

	// ErrPayoutInProgress is returned when another worker holds the payout lock.
	ErrPayoutInProgress = newError(ErrPrecondition, "payout already in progress")

	// ErrMatchClosed is returned when a terminal match is modified.
	ErrMatchClosed = newError(ErrInvalidTransition, "match is closed")

	// ErrPickupNotAllowed is returned when pickup is confirmed outside awaiting_pickup.
	ErrPickupNotAllowed = newError(ErrInvalidTransition, "match is not awaiting pickup")

	// ErrAlreadyRated is returned when a match is rated twice.
	ErrAlreadyRated = newError(ErrInvalidTransition, "match already rated")

	// ErrDisputeExists is returned when a match already has a dispute.
	ErrDisputeExists = newError(ErrInvalidTransition, "dispute already open for this match")

	// ErrDisputeResolved is returned when a resolved dispute is modified.
	ErrDisputeResolved = newError(ErrInvalidTransition, "dispute already resolved")

	// ErrDisputeNotOpen is returned when review starts on a dispute that is not open.
	ErrDisputeNotOpen = newError(ErrInvalidTransition, "dispute is not open")
)
