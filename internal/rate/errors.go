package rate

import "errors"

var (
	// ErrWaitAborted is returned when the caller's context ends before its slot.
	ErrWaitAborted = errors.New("request spacing wait aborted")
)
