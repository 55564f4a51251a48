package users

import "time"

// User is a registered identity. Usernames are unique; the id is stable across
// logins and reconnects.
type User struct {
	ID        int64     `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
