package goAuthClient

import (
	"errors"

	"github.com/MrEthical07/goAuthClient/authapi"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/token"
)

// Sentinels returned (wrapped) by Client methods. Match them with errors.Is.
var (
	// ErrNotAuthenticated is returned when an operation needs a session and there is none.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("client closed")

	// ErrAuthRejected means the backend answered 401/403. On refresh or verify it ends
	// the session.
	ErrAuthRejected = authapi.ErrAuthRejected
	// ErrNetwork is a transport failure; it is transient.
	ErrNetwork = authapi.ErrNetwork
	// ErrServer is a 5xx answer; it is transient.
	ErrServer = authapi.ErrServer
	// ErrMalformedToken means the access token could not be decoded. It is treated as
	// an expired token, never surfaced by the refresh path.
	ErrMalformedToken = token.ErrMalformedToken
	// ErrNoRefreshToken ends the session like ErrAuthRejected.
	ErrNoRefreshToken = token.ErrNoRefreshToken
	// ErrRefreshExhausted wraps the last transient error after every retry failed.
	ErrRefreshExhausted = refresh.ErrRefreshExhausted
	// ErrSessionTerminated is returned to callers waiting on a session that was cleared.
	ErrSessionTerminated = refresh.ErrSessionTerminated
)

// IsTransient reports whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	return authapi.IsTransient(err) || errors.Is(err, ErrRefreshExhausted)
}

// IsTerminal reports whether err ended (or will end) the session.
func IsTerminal(err error) bool {
	return refresh.IsTerminal(err)
}
