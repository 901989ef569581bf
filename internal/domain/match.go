package domain

import (
	"errors"
	"time"
)

// MatchStatus is the delivery stage of a match. It moves alongside the escrow
// status but is a separate axis from location permission.
type MatchStatus string

const (
	MatchStatusPendingPayment    MatchStatus = "pending_payment"
	MatchStatusAwaitingPickup    MatchStatus = "awaiting_pickup"
	MatchStatusInTransit         MatchStatus = "in_transit"
	MatchStatusDelivered         MatchStatus = "delivered"
	MatchStatusDeliveryConfirmed MatchStatus = "delivery_confirmed"
	MatchStatusCompleted         MatchStatus = "completed"
	MatchStatusDisputed          MatchStatus = "disputed"
	MatchStatusRefunded          MatchStatus = "refunded"
	MatchStatusCancelled         MatchStatus = "cancelled"
)

// IsTerminal reports whether no further workflow step can move the match.
func (s MatchStatus) IsTerminal() bool {
	switch s {
	case MatchStatusCompleted, MatchStatusRefunded, MatchStatusCancelled:
		return true
	}
	return false
}

// CommissionScale is the denominator for commission rates expressed in basis points.
const CommissionScale = 10_000

// ErrInvalidSplit is returned when a price cannot be split into commission and earnings.
var ErrInvalidSplit = errors.New("invalid price split")

// Match binds one carrier trip to one sender shipment.
// Amounts are integer minor units (centavos).
type Match struct {
	ID          string
	SenderID    string
	CarrierID   string
	TripRef     string
	ShipmentRef string
	Status      MatchStatus

	EstimatedPrice     int64
	PlatformCommission int64
	CarrierEarnings    int64

	PickupConfirmedAt         time.Time
	DeliveryConfirmedAt       time.Time
	LocationPermissionGranted bool
	Rated                     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsSender reports whether userID is the sender on this match.
func (m *Match) IsSender(userID string) bool {
	return userID != "" && m.SenderID == userID
}

// IsCarrier reports whether userID is the carrier on this match.
func (m *Match) IsCarrier(userID string) bool {
	return userID != "" && m.CarrierID == userID
}

// IsParticipant reports whether userID is either party on this match.
func (m *Match) IsParticipant(userID string) bool {
	return m.IsSender(userID) || m.IsCarrier(userID)
}

// SplitPrice divides price into the platform commission and the carrier's
// earnings. Commission is rounded half up to the nearest minor unit so the two
// parts always add back to price.
func SplitPrice(price int64, commissionBps int) (commission, earnings int64, err error) {
	if price < 0 {
		return 0, 0, ErrInvalidSplit
	}
	if commissionBps < 0 || commissionBps > CommissionScale {
		return 0, 0, ErrInvalidSplit
	}

	commission = (price*int64(commissionBps) + CommissionScale/2) / CommissionScale
	earnings = price - commission
	return commission, earnings, nil
}

// BalanceHolds checks the money invariant on a match.
func (m *Match) BalanceHolds() bool {
	return m.PlatformCommission >= 0 &&
		m.CarrierEarnings >= 0 &&
		m.PlatformCommission+m.CarrierEarnings == m.EstimatedPrice
}
