package vigil

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/vigil/internal/rate"
	"github.com/MrEthical07/vigil/opaque"
	"github.com/MrEthical07/vigil/session"
)

// CreateSession starts a session for an authenticated account: it mints a
// refresh token, stores its hash with the device and network snapshot, and
// issues an access token.
func (e *Engine) CreateSession(ctx context.Context, outcome CredentialsOutcome, device DeviceInfo, network NetworkMetadata) (*SessionTokens, error) {
	if outcome.UserID == "" {
		return nil, malformed("userId")
	}
	if err := e.checkMetadata(device, network); err != nil {
		return nil, err
	}
	role := outcome.RoleName
	if role == "" {
		role = e.config.Registration.DefaultRole
	}

	refreshToken, meta, err := e.tokens.Issue(opaque.TypeRefresh, e.config.Session.RefreshTTL)
	if err != nil {
		e.logger.Error("issue refresh token", zap.Error(err))
		return nil, ErrUnavailable
	}

	now := time.Now()
	sess := &session.Session{
		ID:               uuid.NewString(),
		UserID:           outcome.UserID,
		RoleName:         role,
		AuthProvider:     string(outcome.AuthProvider),
		Device:           device,
		Network:          network,
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(e.config.Session.AbsoluteLifetime).Unix(),
		RefreshExpiresAt: meta.ExpiresAt,
		RefreshHash:      opaque.HashRandom(meta.Random),
		LastDevice:       device,
		LastNetwork:      network,
	}

	if _, err := withRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.sessions.Save(ctx, sess)
	}); err != nil {
		return nil, e.sessionError("save session", err)
	}

	access, accessExp, err := e.issueAccess(sess)
	if err != nil {
		_ = e.sessions.Delete(context.WithoutCancel(ctx), sess.ID)
		return nil, err
	}

	e.metrics.Inc(MetricSessionCreated)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventSessionCreated,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Provider:  sess.AuthProvider,
		IP:        network.ClientIP,
		Success:   true,
	})

	return &SessionTokens{
		SessionID:        sess.ID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: meta.Expiry(),
	}, nil
}

// Rotate exchanges a refresh token for a new token pair. device and network
// describe the presenting client and are required; they become the
// session's latest snapshot.
func (e *Engine) Rotate(ctx context.Context, refreshToken string, device DeviceInfo, network NetworkMetadata) (*SessionTokens, error) {
	meta, err := e.verifyOpaque(refreshToken, opaque.TypeRefresh)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		return nil, err
	}
	return e.rotate(ctx, meta, "", device, network)
}

// RotateRefresh is Rotate for a request that already passed the refresh
// guard.
func (e *Engine) RotateRefresh(ctx context.Context, rc *RefreshContext, device DeviceInfo, network NetworkMetadata) (*SessionTokens, error) {
	if rc == nil || rc.Session == nil {
		return nil, ErrUnauthenticated
	}
	return e.rotate(ctx, rc.Token, rc.Session.ID, device, network)
}

func (e *Engine) rotate(ctx context.Context, presented opaque.Metadata, sessionID string, device DeviceInfo, network NetworkMetadata) (*SessionTokens, error) {
	if err := e.checkMetadata(device, network); err != nil {
		return nil, err
	}

	if sessionID != "" {
		if err := e.limit(ctx, func(ctx context.Context) error {
			return e.rateLimiter.CheckRefresh(ctx, sessionID)
		}); err != nil {
			if errors.Is(err, ErrRateLimited) {
				e.metrics.Inc(MetricRefreshRateLimited)
			}
			return nil, err
		}
	}

	nextToken, next, err := e.tokens.Issue(opaque.TypeRefresh, e.config.Session.RefreshTTL)
	if err != nil {
		e.logger.Error("issue refresh token", zap.Error(err))
		return nil, ErrUnavailable
	}

	// Rotation is not retried: a reply lost after the script ran would make
	// the retry look like reuse and revoke a healthy session.
	rotCtx, cancel := context.WithTimeout(ctx, e.config.Timeouts.Redis)
	sess, err := e.sessions.Rotate(rotCtx, opaque.HashRandom(presented.Random), opaque.HashRandom(next.Random), e.config.Session.RefreshTTL, device, network)
	cancel()
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		if errors.Is(err, session.ErrRefreshReused) {
			e.metrics.Inc(MetricRefreshReuseDetected)
			revoked := ""
			if sess != nil {
				revoked = sess.ID
			}
			e.logger.Warn("refresh token reuse, session revoked", zap.String("session_id", revoked))
			e.emitAudit(ctx, AuditEvent{
				EventType: EventRefreshReuse,
				SessionID: revoked,
				IP:        network.ClientIP,
				Error:     "refresh token reused",
			})
		}
		return nil, e.sessionError("rotate refresh", err)
	}

	access, accessExp, err := e.issueAccess(sess)
	if err != nil {
		return nil, err
	}

	refreshExp := time.Unix(sess.RefreshExpiresAt, 0)
	if end := time.Unix(sess.ExpiresAt, 0); refreshExp.After(end) {
		refreshExp = end
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventRefreshRotated,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		IP:        network.ClientIP,
		Success:   true,
	})

	return &SessionTokens{
		SessionID:        sess.ID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     nextToken,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Logout revokes one session. Revoking a missing session succeeds.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return malformed("sessionId")
	}
	if _, err := withRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.sessions.Delete(ctx, sessionID)
	}); err != nil {
		return e.sessionError("logout", err)
	}
	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, AuditEvent{EventType: EventLogout, SessionID: sessionID, Success: true})
	return nil
}

// LogoutAll revokes every session of userID and returns how many there were.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, malformed("userId")
	}
	n, err := e.revokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	e.metrics.Inc(MetricLogoutAll)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventLogoutAll,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"sessions": strconv.Itoa(n)},
	})
	return n, nil
}

// ActiveSessions lists the session ids currently held by userID.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := withRetry(ctx, e, func(ctx context.Context) ([]string, error) {
		return e.sessions.ActiveSessionIDs(ctx, userID)
	})
	if err != nil {
		return nil, e.sessionError("list sessions", err)
	}
	return ids, nil
}

func (e *Engine) revokeAll(ctx context.Context, userID string) (int, error) {
	n, err := withRetry(ctx, e, func(ctx context.Context) (int, error) {
		return e.sessions.DeleteAllForUser(ctx, userID)
	})
	if err != nil {
		return 0, e.sessionError("revoke sessions", err)
	}
	return n, nil
}

func (e *Engine) issueAccess(sess *session.Session) (string, time.Time, error) {
	ttl := e.jwtManager.TTL()
	if remaining := time.Until(time.Unix(sess.ExpiresAt, 0)); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return "", time.Time{}, ErrUnauthenticated
	}
	exp := time.Now().Add(ttl)
	token, err := e.jwtManager.IssueWithTTL(sess.UserID, sess.ID, sess.RoleName, ttl)
	if err != nil {
		e.logger.Error("issue access token", zap.Error(err))
		return "", time.Time{}, ErrUnavailable
	}
	return token, exp, nil
}

// limit runs a rate check with the retry policy and maps its outcome.
func (e *Engine) limit(ctx context.Context, check func(context.Context) error) error {
	_, err := withRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, check(ctx)
	})
	if err == nil {
		return nil
	}
	var le *rate.LimitError
	if errors.As(err, &le) {
		return &RateLimitError{RetryAfter: le.RetryAfter}
	}
	e.logger.Error("rate limiter unavailable", zap.Error(err))
	return ErrUnavailable
}
