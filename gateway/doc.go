// Package gateway is the HTTP transport every outbound API call goes through.
//
// The Gateway attaches the current bearer token and a request id, spaces requests by
// MinRequestDelay, and recovers from a 401 by refreshing once and replaying the request.
// Requests that hit a 401 while a refresh is already running wait in the coordinator's
// queue and are replayed in arrival order.
//
// # Architecture boundaries
//
// The Gateway reads tokens through the coordinator and never writes them. Terminal auth
// failures are reported through the OnAuthFailure hook; the owner decides what that
// means for the session.
//
// # What this package must NOT do
//
//   - Retry a request more than once.
//   - Intercept 401s from the login or refresh endpoints.
//   - Persist anything.
package gateway
