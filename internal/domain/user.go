package domain

import "time"

// TrustLevel is a reputation rank owned by the external reputation service.
type TrustLevel string

const (
	TrustLevel1 TrustLevel = "level_1"
	TrustLevel2 TrustLevel = "level_2"
	TrustLevel3 TrustLevel = "level_3"
	TrustLevel4 TrustLevel = "level_4"
	TrustLevel5 TrustLevel = "level_5"
)

// Rank returns 1..5, or 0 for an unknown level.
func (l TrustLevel) Rank() int {
	switch l {
	case TrustLevel1:
		return 1
	case TrustLevel2:
		return 2
	case TrustLevel3:
		return 3
	case TrustLevel4:
		return 4
	case TrustLevel5:
		return 5
	}
	return 0
}

// AtLeast reports whether l meets min.
func (l TrustLevel) AtLeast(min TrustLevel) bool {
	return l.Rank() >= min.Rank() && l.Rank() > 0
}

// UserProfile is the read-only view of a user supplied by identity and reputation services.
type UserProfile struct {
	ID                  string
	Name                string
	Verified            bool
	TrustLevel          TrustLevel
	CompletedDeliveries int
	Rating              float64
	UpdatedAt           time.Time
}

// PayoutMethod is a carrier's registered destination for released funds.
type PayoutMethod struct {
	CarrierID   string
	Destination string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role distinguishes platform staff from marketplace users.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Name string
	Role Role
}

// IsAdmin reports whether the actor is staff.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// IsSystem reports whether the actor is an internal service such as a payment webhook.
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}
