// Package monitor detects server-side permission changes for the signed-in user.
//
// The Monitor polls the profile endpoint, flattens the role's permissions into a
// permission.Snapshot and compares it with the persisted one. A difference for a
// non-admin role raises a single pending invalidation that stays raised until it is
// acknowledged; admin roles have their snapshot updated silently. Push notifications
// trigger an immediate out-of-band check.
//
// # What this package must NOT do
//
//   - Touch tokens directly. Auth failures go to the refresher once, then to OnTerminate.
//   - Raise the same invalidation twice before it is acknowledged.
package monitor
