package vigil

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/vigil/federated"
	"github.com/MrEthical07/vigil/internal/audit"
	"github.com/MrEthical07/vigil/internal/rate"
	"github.com/MrEthical07/vigil/internal/stores"
	"github.com/MrEthical07/vigil/jwt"
	"github.com/MrEthical07/vigil/opaque"
	"github.com/MrEthical07/vigil/otp"
	"github.com/MrEthical07/vigil/password"
	"github.com/MrEthical07/vigil/session"
)

// IdentityVerifier checks a federated identity assertion.
// *federated.Verifier implements it.
type IdentityVerifier interface {
	Verify(ctx context.Context, assertion string) (federated.Profile, error)
}

// Engine runs every identity flow. It is built once by Builder and is safe
// for concurrent use.
type Engine struct {
	config Config
	logger *zap.Logger
	redis  redis.UniversalClient

	tokens     *opaque.Codec
	jwtManager *jwt.Manager
	passwords  password.Hasher
	// dummyHash is verified against when no account matches, so a missing
	// account costs the same as a wrong password.
	dummyHash string

	sessions      *session.Store
	registrations *stores.Temporal[RegistrationState]
	logins        *stores.Temporal[LoginOTPState]
	verification  *otp.StoreBucket
	otp           *otp.Engine
	rateLimiter   *rate.Limiter

	userProvider UserProvider
	verifiers    map[AuthStrategy]IdentityVerifier

	audit   *audit.Dispatcher
	metrics *Metrics

	cancel context.CancelFunc
}

// Close stops background work: JWKS refresh loops and the audit drain.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.audit.Close()
	_ = e.logger.Sync()
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *zap.Logger {
	return e.logger
}

// MetricsSnapshot returns a copy of the current counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped returns the number of audit events dropped under pressure.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// ObserveGuard records guard latency.
func (e *Engine) ObserveGuard(d time.Duration, err error) {
	e.metrics.Observe(MetricGuardLatency, d)
	if err != nil {
		e.metrics.Inc(MetricGuardRejected)
	}
}

// HTTPStatus maps err using the configured NotFound folding.
func (e *Engine) HTTPStatus(err error) int {
	return statusFor(err, e.config.Security.FoldNotFound)
}

// WriteError renders err using the configured NotFound folding.
func (e *Engine) WriteError(w http.ResponseWriter, err error) {
	writeError(w, err, e.config.Security.FoldNotFound)
}

// VerifyAccessToken checks a signed access token.
func (e *Engine) VerifyAccessToken(_ context.Context, token string) (Identity, error) {
	claims, err := e.jwtManager.Verify(token)
	if err != nil {
		e.logger.Debug("access token rejected", zap.Error(err))
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		Subject:   claims.Subject,
		SessionID: claims.SessionID,
		RoleName:  claims.Role,
	}, nil
}

// LoadRegistration verifies a registration token and loads its state.
func (e *Engine) LoadRegistration(ctx context.Context, token string) (*RegistrationContext, error) {
	meta, err := e.verifyOpaque(token, opaque.TypeRegistration)
	if err != nil {
		return nil, err
	}
	state, err := withRetry(ctx, e, func(ctx context.Context) (RegistrationState, error) {
		return e.registrations.Read(ctx, meta.Random)
	})
	if err != nil {
		return nil, e.storeError("load registration", err)
	}
	return &RegistrationContext{Token: meta, State: state}, nil
}

// LoadLoginOTP verifies an otp-verification token and loads its state.
func (e *Engine) LoadLoginOTP(ctx context.Context, token string) (*LoginOTPContext, error) {
	meta, err := e.verifyOpaque(token, opaque.TypeOTPVerification)
	if err != nil {
		return nil, err
	}
	state, err := withRetry(ctx, e, func(ctx context.Context) (LoginOTPState, error) {
		return e.logins.Read(ctx, meta.Random)
	})
	if err != nil {
		return nil, e.storeError("load login otp", err)
	}
	return &LoginOTPContext{Token: meta, State: state}, nil
}

// ResolveRefresh verifies a refresh token and resolves the session it was
// issued for. Nothing is modified.
func (e *Engine) ResolveRefresh(ctx context.Context, token string) (*RefreshContext, error) {
	meta, err := e.verifyOpaque(token, opaque.TypeRefresh)
	if err != nil {
		return nil, err
	}
	sess, err := withRetry(ctx, e, func(ctx context.Context) (*session.Session, error) {
		return e.sessions.ResolveRefresh(ctx, opaque.HashRandom(meta.Random))
	})
	if err != nil {
		return nil, e.sessionError("resolve refresh", err)
	}
	return &RefreshContext{Token: meta, Session: sess}, nil
}

// VerifyFederated checks an assertion with the verifier of provider.
func (e *Engine) VerifyFederated(ctx context.Context, provider AuthStrategy, assertion string) (federated.Profile, error) {
	v, ok := e.verifiers[provider]
	if !ok {
		return federated.Profile{}, ErrUnauthenticated
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeouts.Provider)
	defer cancel()

	profile, err := v.Verify(ctx, assertion)
	if err != nil {
		e.metrics.Inc(MetricFederatedFailure)
		e.emitAudit(ctx, AuditEvent{EventType: EventFederatedFailure, Provider: string(provider), Error: err.Error()})
		if errors.Is(err, federated.ErrKeysUnavailable) {
			e.logger.Warn("identity provider keys unavailable", zap.String("provider", string(provider)), zap.Error(err))
			return federated.Profile{}, ErrUnavailable
		}
		e.logger.Debug("identity assertion rejected", zap.String("provider", string(provider)), zap.Error(err))
		return federated.Profile{}, ErrUnauthenticated
	}
	e.metrics.Inc(MetricFederatedSuccess)
	return profile, nil
}

func (e *Engine) verifyOpaque(token string, expected opaque.Type) (opaque.Metadata, error) {
	meta, err := e.tokens.Verify(token, expected)
	if err != nil {
		e.logger.Debug("opaque token rejected",
			zap.String("expected", string(expected)),
			zap.String("reason", string(opaque.ReasonOf(err))),
		)
		return opaque.Metadata{}, ErrUnauthenticated
	}
	return meta, nil
}

// withRetry runs op under the Redis timeout and retries it once after a
// short backoff when it fails with a transient backend error. Any other
// failure is returned on the first attempt.
func withRetry[T any](ctx context.Context, e *Engine, op func(context.Context) (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.config.Timeouts.RetryBackoff
	expBackoff.MaxInterval = 4 * e.config.Timeouts.RetryBackoff
	expBackoff.Reset()

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		if attempt > 1 {
			e.metrics.Inc(MetricBackendRetry)
		}
		opCtx, cancel := context.WithTimeout(ctx, e.config.Timeouts.Redis)
		defer cancel()

		v, err := op(opCtx)
		if err != nil && !transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(2))
}

func transient(err error) bool {
	return errors.Is(err, stores.ErrUnavailable) ||
		errors.Is(err, session.ErrRedisUnavailable) ||
		errors.Is(err, otp.ErrUnavailable) ||
		errors.Is(err, rate.ErrRedisUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) storeError(op string, err error) error {
	switch {
	case errors.Is(err, stores.ErrNotFound), errors.Is(err, stores.ErrExpired):
		return ErrNotFound
	case errors.Is(err, stores.ErrContention):
		e.logger.Warn(op+": contention", zap.Error(err))
		return ErrUnavailable
	default:
		var se *StateError
		var ve *ValidationError
		if errors.As(err, &se) || errors.As(err, &ve) ||
			errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrRateLimited) {
			return err
		}
		e.logger.Error(op+": backend failure", zap.Error(err))
		return ErrUnavailable
	}
}

func (e *Engine) sessionError(op string, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrRefreshReused):
		return ErrUnauthenticated
	default:
		e.logger.Error(op+": session store failure", zap.Error(err))
		return ErrUnavailable
	}
}

func (e *Engine) otpError(ctx context.Context, op string, err error) error {
	var resend *otp.ResendError
	switch {
	case errors.As(err, &resend):
		return &RateLimitError{RetryAfter: resend.RetryAfter}
	case errors.Is(err, otp.ErrTooManyAttempts):
		e.metrics.Inc(MetricOTPLockout)
		e.emitAudit(ctx, AuditEvent{EventType: EventOTPLockout, Metadata: map[string]string{"op": op}})
		var lock *otp.LockoutError
		if errors.As(err, &lock) {
			return &RateLimitError{RetryAfter: lock.RetryAfter}
		}
		return &RateLimitError{}
	case errors.Is(err, otp.ErrInvalidCode), errors.Is(err, otp.ErrCodeExpired):
		e.metrics.Inc(MetricOTPFailed)
		return ErrUnauthenticated
	case errors.Is(err, otp.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, otp.ErrInvalidTarget):
		return malformed("address")
	default:
		var se *StateError
		if errors.As(err, &se) {
			return err
		}
		e.logger.Error(op+": otp failure", zap.Error(err))
		return ErrUnavailable
	}
}

func (e *Engine) userError(op string, err error) error {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return ErrUnauthenticated
	case errors.Is(err, ErrUserExists):
		return invalidState("account already exists")
	default:
		e.logger.Error(op+": user provider failure", zap.Error(err))
		return ErrUnavailable
	}
}

func (e *Engine) userCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Timeouts.UserProvider)
}

func (e *Engine) checkMetadata(device DeviceInfo, network NetworkMetadata) error {
	fields := append(device.Validate(), network.Validate()...)
	if len(fields) > 0 {
		return malformed(fields...)
	}
	return nil
}
