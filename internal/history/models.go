package history

import (
	"time"

	"videocall-platform/internal/calls"
)

// Record is one finished call attempt.
//
// Invariants:
// - Records are append-only; nothing updates or deletes them.
// - Exactly one record is written per terminal call outcome.
// - History is best-effort telemetry and never the source of truth for live state.
type Record struct {
	ID         int64         `json:"id" db:"id"`
	// CallID is the signaling call id. Empty for rows posted over HTTP.
	CallID     string        `json:"call_id,omitempty" db:"call_id"`
	CallerID   int64         `json:"caller_id" db:"caller_id"`
	ReceiverID int64         `json:"receiver_id" db:"receiver_id"`
	Status     calls.Outcome `json:"call_status" db:"call_status"`

	// DurationSeconds is talk time; zero for every outcome except answered.
	DurationSeconds int `json:"duration" db:"duration"`

	StartedAt time.Time `json:"started_at" db:"started_at"`

	// Joined from users on reads only.
	CallerName   string `json:"caller_name,omitempty" db:"caller_name"`
	ReceiverName string `json:"receiver_name,omitempty" db:"receiver_name"`
}

// Summary aggregates a user's history rows.
type Summary struct {
	UserID int64 `json:"user_id"`

	TotalCalls     int `json:"total_calls"`
	AnsweredCalls  int `json:"answered_calls"`
	MissedCalls    int `json:"missed_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	CancelledCalls int `json:"cancelled_calls"`

	OutgoingCalls int `json:"outgoing_calls"`
	IncomingCalls int `json:"incoming_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
