// Package goAuthClient keeps a farm-management client signed in.
//
// It owns the short-lived access token and its refresh token: tokens are refreshed
// ahead of expiry and on a periodic backstop, concurrent refreshes collapse into one,
// requests that hit a 401 are queued and replayed in order once the refresh settles,
// and server-side permission changes are detected out of band.
//
// Build a [Client] with [New]:
//
//	c, err := goAuthClient.New().
//		WithBaseURL("https://campo.example.com/api").
//		WithNavigator(router.Go).
//		Build()
//
// then call [Client.Login] (or [Client.Resume] on start-up) and send every backend call
// through [Client.HTTPClient].
//
// # Architecture boundaries
//
// goAuthClient is the public surface. It wires the sub-packages (token, storage,
// refresh, scheduler, gateway, monitor, authapi) and owns the one terminal path: when
// any of them reports that the session cannot be recovered, tokens are cleared,
// background work stops and the navigator is sent to the login route exactly once.
//
// # What this package must NOT do
//
//   - Write tokens anywhere but through the refresh coordinator.
//   - Log token values.
//   - Perform I/O in Build.
package goAuthClient
