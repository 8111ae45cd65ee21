package internaldefs

import (
	"time"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/refresh"
)

// CounterDef names one client counter.
type CounterDef struct {
	ID   goAuthClient.MetricID
	Name string
	Help string
}

// HistogramDef names one client histogram.
type HistogramDef struct {
	ID   goAuthClient.MetricID
	Name string
	Help string
}

// GaugeDef names one session-state gauge. Value reports ok=false when the gauge has
// nothing to say for st, e.g. no expiry without a token.
type GaugeDef struct {
	Name  string
	Help  string
	Value func(st refresh.State, now time.Time) (v float64, ok bool)
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goAuthClient.MetricLoginSuccess, Name: "authclient_login_success_total", Help: "Successful logins."},
	{ID: goAuthClient.MetricLoginFailure, Name: "authclient_login_failure_total", Help: "Rejected or failed logins."},
	{ID: goAuthClient.MetricResume, Name: "authclient_resume_total", Help: "Sessions resumed from persisted tokens."},
	{ID: goAuthClient.MetricLogout, Name: "authclient_logout_total", Help: "User-initiated logouts."},
	{ID: goAuthClient.MetricRefreshSuccess, Name: "authclient_refresh_success_total", Help: "Refreshes that produced a new token pair."},
	{ID: goAuthClient.MetricRefreshAttemptFailed, Name: "authclient_refresh_attempt_failed_total", Help: "Individual failed refresh calls."},
	{ID: goAuthClient.MetricRefreshExhausted, Name: "authclient_refresh_exhausted_total", Help: "Refreshes that spent the retry budget."},
	{ID: goAuthClient.MetricRefreshRejected, Name: "authclient_refresh_rejected_total", Help: "Refreshes rejected by the backend."},
	{ID: goAuthClient.MetricScheduledRefresh, Name: "authclient_scheduled_refresh_total", Help: "Timer-driven refreshes."},
	{ID: goAuthClient.MetricRequestReplayed, Name: "authclient_request_replayed_total", Help: "Requests replayed after a 401."},
	{ID: goAuthClient.MetricRequestRejected, Name: "authclient_request_rejected_total", Help: "Requests whose 401 could not be recovered."},
	{ID: goAuthClient.MetricPermissionDrift, Name: "authclient_permission_drift_total", Help: "Raised permission invalidations."},
	{ID: goAuthClient.MetricSessionTerminated, Name: "authclient_session_terminated_total", Help: "Forced logouts."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goAuthClient.MetricRefreshLatency, Name: "authclient_refresh_latency_seconds", Help: "Refresh duration including retries."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds. The last snapshot
// bucket is +Inf.
var HistogramUpperBounds = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// HistogramBoundLabels are the le label values for each bucket, +Inf included,
// formatted the way Prometheus formats bucket bounds.
var HistogramBoundLabels = []string{"0.05", "0.1", "0.25", "0.5", "1", "2.5", "5", "+Inf"}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling a short slice.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

// GaugeDefs lists the gauges read from the refresh coordinator's state.
var GaugeDefs = []GaugeDef{
	{
		Name: "authclient_session_active",
		Help: "1 while an access token is held.",
		Value: func(st refresh.State, _ time.Time) (float64, bool) {
			return flag(st.Record.Present()), true
		},
	},
	{
		Name: "authclient_session_usable",
		Help: "1 while the access token may be sent.",
		Value: func(st refresh.State, _ time.Time) (float64, bool) {
			return flag(st.Usable()), true
		},
	},
	{
		Name: "authclient_refresh_in_flight",
		Help: "1 while a refresh is running.",
		Value: func(st refresh.State, _ time.Time) (float64, bool) {
			return flag(st.Refreshing), true
		},
	},
	{
		Name: "authclient_refresh_waiters",
		Help: "Requests queued behind the running refresh.",
		Value: func(st refresh.State, _ time.Time) (float64, bool) {
			return float64(st.Pending), true
		},
	},
	{
		Name: "authclient_token_expires_in_seconds",
		Help: "Seconds until the access token expires. Negative once expired.",
		Value: func(st refresh.State, now time.Time) (float64, bool) {
			if !st.Record.Present() || st.Record.ExpiresAt.IsZero() {
				return 0, false
			}
			return st.Record.ExpiresAt.Sub(now).Seconds(), true
		},
	},
	{
		Name: "authclient_seconds_since_refresh",
		Help: "Seconds since the last successful refresh.",
		Value: func(st refresh.State, now time.Time) (float64, bool) {
			if st.LastRefreshedAt.IsZero() {
				return 0, false
			}
			return now.Sub(st.LastRefreshedAt).Seconds(), true
		},
	},
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
