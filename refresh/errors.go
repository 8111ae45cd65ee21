package refresh

import (
	"errors"

	"github.com/MrEthical07/goAuthClient/authapi"
	"github.com/MrEthical07/goAuthClient/token"
)

var (
	// ErrRefreshExhausted wraps the last transient error once the retry budget is spent.
	ErrRefreshExhausted = errors.New("refresh retries exhausted")
	// ErrSessionTerminated is returned to callers whose wait was cut short by logout or teardown.
	ErrSessionTerminated = errors.New("session terminated")
)

// IsTerminal reports whether err ends the session: the refresh endpoint rejected the
// credentials or there was no refresh token to send.
func IsTerminal(err error) bool {
	return errors.Is(err, authapi.ErrAuthRejected) || errors.Is(err, token.ErrNoRefreshToken)
}
