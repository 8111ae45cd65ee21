package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var signingKey = []byte("farm-test-signing-key")

// MintAccess returns an HS256 JWT expiring at exp. Every call yields a distinct token.
func MintAccess(exp time.Time) string {
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   "12345678",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return s
}
