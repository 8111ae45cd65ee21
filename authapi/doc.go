// Package authapi is the HTTP/JSON client for the farm backend's authentication and
// profile endpoints.
//
// # Error classification
//
// Responses are mapped onto sentinels so that callers can decide between retrying and
// giving up without inspecting status codes:
//
//   - 401 and 403 wrap [ErrAuthRejected] (terminal).
//   - 5xx wraps [ErrServer] and transport failures wrap [ErrNetwork] (transient).
//   - Any other non-2xx status is a plain [*StatusError].
//
// # What this package must NOT do
//
//   - Persist tokens or decide when to refresh them.
//   - Import goAuthClient, refresh or gateway.
package authapi
