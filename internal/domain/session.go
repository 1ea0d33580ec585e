package domain

import "time"

// SessionStatus tracks the session lifecycle. Active is the only
// non-terminal state.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusSucceeded SessionStatus = "succeeded"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusSucceeded || s == SessionStatusExpired || s == SessionStatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to SessionStatus) bool {
	return from == SessionStatusActive && to.IsTerminal()
}

// Session is one initiator's attempt to cut a campaign price down to target.
type Session struct {
	ID           string        `json:"id"`
	CampaignID   string        `json:"campaign_id"`
	InitiatorID  string        `json:"initiator_id"`
	Terms        Terms         `json:"terms"`
	CurrentPrice int64         `json:"current_price"`
	Cuts         []Cut         `json:"cuts"`
	Status       SessionStatus `json:"status"`
	Seed         uint64        `json:"seed"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
}

// Remaining is the amount still to cut before the target is reached.
func (s Session) Remaining() int64 {
	return s.CurrentPrice - s.Terms.TargetPrice
}

// CutBy returns the cut applied by helperID, if any.
func (s Session) CutBy(helperID string) (Cut, bool) {
	for _, c := range s.Cuts {
		if c.HelperID == helperID {
			return c, true
		}
	}
	return Cut{}, false
}

// IsPastDeadline reports whether the session TTL has elapsed at now.
func (s Session) IsPastDeadline(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// InvolvesUser reports whether userID initiated or helped this session.
func (s Session) InvolvesUser(userID string) bool {
	if s.InitiatorID == userID {
		return true
	}
	_, ok := s.CutBy(userID)
	return ok
}

// Clone returns a deep copy so callers never share the cuts slice.
func (s Session) Clone() Session {
	out := s
	if s.Cuts != nil {
		out.Cuts = make([]Cut, len(s.Cuts))
		copy(out.Cuts, s.Cuts)
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		out.ClosedAt = &t
	}
	if s.ArchivedAt != nil {
		t := *s.ArchivedAt
		out.ArchivedAt = &t
	}
	return out
}

// Cut is a single helper's price reduction. Immutable once recorded.
type Cut struct {
	SessionID  string    `json:"session_id"`
	HelperID   string    `json:"helper_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Amount     int64     `json:"amount"`
	PriceAfter int64     `json:"price_after"`
	AppliedAt  time.Time `json:"applied_at"`
}

// CutResult is returned to the caller of an apply-cut operation.
type CutResult struct {
	SessionID    string        `json:"session_id"`
	Amount       int64         `json:"amount"`
	CurrentPrice int64         `json:"current_price"`
	Status       SessionStatus `json:"status"`
	Replayed     bool          `json:"replayed"`
}
