// Package rate spaces outbound requests so that bursts reach the backend at least a
// minimum delay apart.
//
// # Spacing semantics
//
// Each call to [Spacer.Wait] reserves the next free slot (previous slot + min delay, or
// now if that is later) and sleeps until it. Reservations are taken in call order, so a
// burst of N requests is spread over (N-1) * min delay. Spacing is soft: a caller whose
// context ends gives up its wait but not its slot.
//
// # What this package must NOT do
//
//   - Reject requests; it only delays them.
//   - Be imported outside the goAuthClient module.
package rate
