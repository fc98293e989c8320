package internaldefs

import (
	"github.com/MrEthical07/vigil"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   vigil.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine histogram to its exported name.
type HistogramDef struct {
	ID   vigil.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: vigil.MetricLoginSuccess, Name: "vigil_login_success_total", Help: "Successful sign-ins."},
	{ID: vigil.MetricLoginFailure, Name: "vigil_login_failure_total", Help: "Failed sign-in attempts."},
	{ID: vigil.MetricLoginRateLimited, Name: "vigil_login_rate_limited_total", Help: "Sign-in attempts refused by the login throttle."},
	{ID: vigil.MetricLoginOTPRequired, Name: "vigil_login_otp_required_total", Help: "Password sign-ins continued through a login code."},
	{ID: vigil.MetricRefreshSuccess, Name: "vigil_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: vigil.MetricRefreshFailure, Name: "vigil_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: vigil.MetricRefreshReuseDetected, Name: "vigil_refresh_reuse_detected_total", Help: "Superseded refresh tokens presented again."},
	{ID: vigil.MetricRefreshRateLimited, Name: "vigil_refresh_rate_limited_total", Help: "Rotations refused by the refresh throttle."},
	{ID: vigil.MetricRegistrationStarted, Name: "vigil_registration_started_total", Help: "Opened registrations."},
	{ID: vigil.MetricRegistrationFinalized, Name: "vigil_registration_finalized_total", Help: "Registrations that created an account."},
	{ID: vigil.MetricOTPRequested, Name: "vigil_otp_requested_total", Help: "Issued one-time codes."},
	{ID: vigil.MetricOTPVerified, Name: "vigil_otp_verified_total", Help: "Accepted one-time codes."},
	{ID: vigil.MetricOTPFailed, Name: "vigil_otp_failed_total", Help: "Rejected or expired one-time codes."},
	{ID: vigil.MetricOTPLockout, Name: "vigil_otp_lockout_total", Help: "Code checks refused after the attempt ceiling."},
	{ID: vigil.MetricFederatedSuccess, Name: "vigil_federated_success_total", Help: "Verified identity provider assertions."},
	{ID: vigil.MetricFederatedFailure, Name: "vigil_federated_failure_total", Help: "Rejected identity provider assertions."},
	{ID: vigil.MetricGuardRejected, Name: "vigil_guard_rejected_total", Help: "Requests rejected by a credential guard."},
	{ID: vigil.MetricSessionCreated, Name: "vigil_session_created_total", Help: "Created sessions."},
	{ID: vigil.MetricLogout, Name: "vigil_logout_total", Help: "Single-session logouts."},
	{ID: vigil.MetricLogoutAll, Name: "vigil_logout_all_total", Help: "Logout-all operations."},
	{ID: vigil.MetricPasswordChanged, Name: "vigil_password_changed_total", Help: "Password changes by signed-in accounts."},
	{ID: vigil.MetricPasswordReset, Name: "vigil_password_reset_total", Help: "Completed password resets."},
	{ID: vigil.MetricBackendRetry, Name: "vigil_backend_retry_total", Help: "Backend calls retried after a transient failure."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{ID: vigil.MetricGuardLatency, Name: "vigil_guard_latency_seconds", Help: "Credential guard verification latency."},
}

// HistogramBounds are the upper bounds, in seconds, of the engine's
// fixed latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// NormalizeBuckets pads or truncates raw to the eight engine buckets.
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
