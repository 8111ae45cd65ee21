// Package scheduler keeps the access token fresh without user action.
//
// Two timers are armed from the current token record: a pre-expiry timer that fires
// PreRefreshThreshold before the token's exp claim (immediately if that instant already
// passed) and a periodic backstop that fires every RefreshInterval. Both call the
// refresh coordinator and are re-armed only after that call settles, so timer firings
// never overlap.
//
// # What this package must NOT do
//
//   - Write tokens; it only asks the coordinator to refresh.
//   - Import goAuthClient, gateway or monitor.
package scheduler
