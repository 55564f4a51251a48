package presence

import "time"

// Status of an online user. Absence from the Registry means offline.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusInCall Status = "in_call"
)

// Entry binds a durable user identity to exactly one live connection.
// The JSON shape is the one rendered in user lists.
type Entry struct {
	UserID      int64     `json:"id"`
	DisplayName string    `json:"username"`
	Status      Status    `json:"status"`
	ConnID      string    `json:"-"`
	OnlineSince time.Time `json:"-"`
}
