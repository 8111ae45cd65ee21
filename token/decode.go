package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// Decode returns the expiry instant carried in the access token's exp claim.
//
// The signature is not checked. Decode is deterministic: the same token always yields
// the same instant.
func Decode(accessToken string) (time.Time, error) {
	if accessToken == "" {
		return time.Time{}, ErrMalformedToken
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}

	return claims.ExpiresAt.Time, nil
}
