// Package token persists and decodes the access/refresh token pair.
//
// # Decoding
//
// Access tokens are JWTs issued by the farm backend. The client cannot verify their
// signature, so [Decode] only reads the payload to learn the exp claim. A token that
// cannot be decoded is not an error for [Store.Load]: the record is returned with a zero
// ExpiresAt, which every consumer treats as already expiring.
//
// # Architecture boundaries
//
// This package is a pure read/write layer. It does NOT coordinate refreshes, schedule
// timers or talk to the network.
//
// # What this package must NOT do
//
//   - Import goAuthClient, refresh, scheduler or gateway.
//   - Log or otherwise expose token material.
package token
