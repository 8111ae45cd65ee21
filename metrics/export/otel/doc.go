// Package otel publishes a client's metrics as OpenTelemetry observable
// instruments.
//
// [NewExporter] registers one counter per client counter, a cumulative
// refresh latency counter with one point per le bound, and gauges for the
// live session (token expiry, refresh in flight, queued requests). A single
// callback reads [goAuthClient.Client.MetricsSnapshot] and
// [goAuthClient.Client.State] on each collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate client state.
package otel
