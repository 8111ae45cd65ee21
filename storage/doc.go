// Package storage provides the persisted key–value backends used by the client to keep
// the token pair and the last confirmed permission snapshot across restarts.
//
// # Backends
//
// [Memory] keeps values in-process (go-cache, no expiry). [Redis] keeps them in a Redis
// instance under a key prefix, which lets several client processes on one device or one
// gateway host share a session.
//
// # Architecture boundaries
//
// This package owns raw string storage only. It does NOT decode tokens, compare
// permissions or decide when values are written. Callers in token and permission do.
//
// # What this package must NOT do
//
//   - Import goAuthClient, token, refresh or permission (no upward imports).
//   - Interpret the stored values.
package storage
