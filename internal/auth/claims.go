package auth

import "github.com/golang-jwt/jwt/v5"

// Claims identify a logged-in user. The subject is the decimal user id.
type Claims struct {
	jwt.RegisteredClaims

	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}
