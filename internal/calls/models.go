package calls

import "time"

// Session is one call attempt between two users.
//
// Invariants:
// - A session exists in the Table only between initiation and its terminal transition.
// - Participants are referenced by user id, never by connection. Connections are
//   resolved through presence each time an event is processed.
type Session struct {
	ID         string `json:"call_id"`
	CallerID   int64  `json:"caller_id"`
	ReceiverID int64  `json:"receiver_id"`

	Status Status `json:"status"`

	// StartTime is the attempt creation time.
	StartTime time.Time `json:"start_time"`
	// AnsweredAt is set on the ringing -> active transition.
	AnsweredAt time.Time `json:"answered_at,omitempty"`
}

// Involves reports whether userID is one of the two participants.
func (s Session) Involves(userID int64) bool {
	return s.CallerID == userID || s.ReceiverID == userID
}

// Peer returns the other participant.
func (s Session) Peer(userID int64) int64 {
	if s.CallerID == userID {
		return s.ReceiverID
	}
	return s.CallerID
}

// Elapsed returns whole seconds since the call was answered, or 0 if it never was.
func (s Session) Elapsed(now time.Time) int {
	if s.AnsweredAt.IsZero() || now.Before(s.AnsweredAt) {
		return 0
	}
	return int(now.Sub(s.AnsweredAt) / time.Second)
}

type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"

	// Terminal statuses are transition targets only; they are never stored.
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
	StatusEnded     Status = "ended"
)

// Terminal reports whether moving to s removes the session.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusTimedOut, StatusEnded:
		return true
	default:
		return false
	}
}

// Outcome is the persisted result of a finished call attempt.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAnswered, OutcomeMissed, OutcomeRejected, OutcomeCancelled:
		return true
	default:
		return false
	}
}
