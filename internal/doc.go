// Package internal holds helpers private to the session client.
//
// # Sub-packages
//
//   - rate: request spacing for the gateway
//   - testutil: a fake farm backend for tests and the load-test command
//
// # What this package must NOT do
//
//   - Export types that appear in the public client API.
package internal
