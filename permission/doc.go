// Package permission models the set of capabilities granted to the signed-in user and
// persists the last confirmed copy so that server-side drift can be detected.
//
// # Snapshots
//
// A [Snapshot] is an unordered set of {modulo, recurso, accion} grants. Two snapshots
// are equal when they hold the same grants regardless of the order the server listed
// them in. The JSON form is a sorted array, so persisting the same set twice writes the
// same bytes.
//
// # What this package must NOT do
//
//   - Call the network or decide when a drift must invalidate the session.
//   - Import goAuthClient, authapi or monitor.
package permission
