package token

import "errors"

var (
	// ErrMalformedToken is returned by Decode when the access token has no readable exp claim.
	ErrMalformedToken = errors.New("malformed access token")
	// ErrNoRefreshToken marks a session that cannot be renewed.
	ErrNoRefreshToken = errors.New("no refresh token")
)
