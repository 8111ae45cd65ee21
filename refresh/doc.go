// Package refresh owns the token pair at runtime and renews it.
//
// # Single flight
//
// A [Coordinator] guarantees that at most one refresh call is on the wire at a time.
// Concurrent [Coordinator.ForceRefresh] callers share the outcome of the flight that is
// already running. HTTP calls that were rejected while a refresh was running register a
// [Waiter] through [Coordinator.Join]; waiters are released strictly first-in first-out
// once the flight settles.
//
// # Failure classes
//
// A 401/403 from the refresh endpoint or a missing refresh token is terminal: retries
// stop, the persisted pair is cleared and [Hooks.OnTerminal] runs. Anything else is
// transient: attempts continue with exponential backoff until MaxRetries is spent and
// the persisted pair is left untouched.
//
// # Architecture boundaries
//
// The Coordinator is the only writer of the persisted pair. Scheduler, gateway and
// monitor read through it or ask it to refresh.
//
// # What this package must NOT do
//
//   - Import goAuthClient, scheduler, gateway or monitor.
//   - Navigate or otherwise act on the UI; terminal outcomes are reported through Hooks.
package refresh
