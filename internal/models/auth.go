package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the claims carried by a signed session token.
// RegisteredClaims.ID is the session ID; Subject duplicates UserID.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}
