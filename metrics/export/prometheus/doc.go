// Package prometheus exposes the client's counters through client_golang.
//
// [Collector] reads [goAuthClient.Client.MetricsSnapshot] on every scrape and emits
// authclient_*_total counters plus the authclient_refresh_latency_seconds histogram.
// [Exporter] wraps it in a private registry with an [net/http.Handler].
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry. Callers mount the Handler or
//     register the Collector themselves.
//   - Mutate client state.
package prometheus
