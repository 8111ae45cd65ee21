package authapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthRejected is wrapped for 401/403 responses.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrServer is wrapped for 5xx responses.
	ErrServer = errors.New("auth server error")
	// ErrNetwork is wrapped for transport failures and timeouts.
	ErrNetwork = errors.New("auth network error")
	// ErrDecode is wrapped when a 2xx body cannot be decoded.
	ErrDecode = errors.New("auth response decode failed")
)

// StatusError describes a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is lets errors.Is match the status class sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrAuthRejected:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrServer:
		return e.StatusCode >= 500
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer)
}
