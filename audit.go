package vigil

import (
	"context"
	"io"
	"time"

	"github.com/MrEthical07/vigil/internal/audit"
)

type (
	AuditEvent     = audit.Event
	AuditSink      = audit.Sink
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
)

func NewChannelSink(buffer int) *ChannelSink { return audit.NewChannelSink(buffer) }

func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return audit.NewJSONWriterSink(w) }

// Audit event types.
const (
	EventLoginSuccess          = "login_success"
	EventLoginFailure          = "login_failure"
	EventLoginOTPRequired      = "login_otp_required"
	EventRegistrationStarted   = "registration_started"
	EventRegistrationFinalized = "registration_finalized"
	EventOTPLockout            = "otp_lockout"
	EventFederatedFailure      = "federated_failure"
	EventSessionCreated        = "session_created"
	EventRefreshRotated        = "refresh_rotated"
	EventRefreshReuse          = "refresh_reuse_detected"
	EventLogout                = "logout"
	EventLogoutAll             = "logout_all"
	EventEmailChanged          = "email_changed"
	EventPhoneChanged          = "phone_changed"
	EventPasswordChanged       = "password_changed"
	EventPasswordReset         = "password_reset"
)

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e.audit == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	if event.IP == "" {
		event.IP = clientIPFromContext(ctx)
	}
	e.audit.Emit(ctx, event)
}
