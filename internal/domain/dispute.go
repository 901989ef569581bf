package domain

import "time"

// DisputeStatus represents the review stage of a dispute.
type DisputeStatus string

const (
	DisputeStatusOpen        DisputeStatus = "open"
	DisputeStatusUnderReview DisputeStatus = "under_review"
	DisputeStatusResolved    DisputeStatus = "resolved"
)

// DisputeParty is the side that opened a dispute.
type DisputeParty string

const (
	DisputePartySender  DisputeParty = "sender"
	DisputePartyCarrier DisputeParty = "carrier"
)

// ResolutionType is the binding outcome chosen by staff.
type ResolutionType string

const (
	ResolutionSender    ResolutionType = "sender"
	ResolutionCarrier   ResolutionType = "carrier"
	ResolutionSplit     ResolutionType = "split"
	ResolutionDismissed ResolutionType = "dismissed"
)

// Valid reports whether t is a known resolution type.
func (t ResolutionType) Valid() bool {
	switch t {
	case ResolutionSender, ResolutionCarrier, ResolutionSplit, ResolutionDismissed:
		return true
	}
	return false
}

// ReturnsFunds reports whether the outcome sends money back to the sender.
func (t ResolutionType) ReturnsFunds() bool {
	return t == ResolutionSender || t == ResolutionSplit
}

// DisputeMessage is a chat entry from one of the parties.
type DisputeMessage struct {
	ID         string
	AuthorID   string
	SenderName string
	Content    string
	CreatedAt  time.Time
}

// AdminNote is an internal note left by staff.
type AdminNote struct {
	ID        string
	AdminID   string
	AdminName string
	Content   string
	CreatedAt time.Time
}

// Resolution is set exactly once.
type Resolution struct {
	Type         ResolutionType
	RefundAmount int64
	Notes        string
	ResolvedBy   string
	ResolvedAt   time.Time
}

// Dispute freezes an escrow until staff resolve it.
type Dispute struct {
	ID          string
	MatchID     string
	Reason      string
	Description string
	OpenedBy    DisputeParty
	OpenedByID  string
	Status      DisputeStatus

	Messages   []DisputeMessage
	AdminNotes []AdminNote
	Resolution *Resolution

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsResolved reports whether the resolution has been recorded.
func (d *Dispute) IsResolved() bool {
	return d.Status == DisputeStatusResolved
}
