package vigil

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/vigil/opaque"
	"github.com/MrEthical07/vigil/otp"
)

// PasswordLoginInput carries an email and password sign-in.
type PasswordLoginInput struct {
	Email           string
	Password        string
	ClientInfo      ClientInfo
	DeviceInfo      DeviceInfo
	NetworkMetadata NetworkMetadata
}

// PhoneLoginInput starts a code-only sign-in for a phone account.
type PhoneLoginInput struct {
	Phone           string
	ClientInfo      ClientInfo
	DeviceInfo      DeviceInfo
	NetworkMetadata NetworkMetadata
}

// LoginWithPassword checks email credentials. Accounts with a verified phone
// continue through a login code when LoginOTP.RequireForVerifiedPhone is
// set; all others are signed in directly.
func (e *Engine) LoginWithPassword(ctx context.Context, input PasswordLoginInput) (*LoginResult, error) {
	email := parseEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, malformed(missingLoginFields(email, input.Password)...)
	}
	if err := e.checkMetadata(input.DeviceInfo, input.NetworkMetadata); err != nil {
		return nil, err
	}

	ip := e.requestIP(ctx, input.NetworkMetadata)
	if err := e.limit(ctx, func(ctx context.Context) error {
		return e.rateLimiter.CheckLogin(ctx, email, ip)
	}); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metrics.Inc(MetricLoginRateLimited)
		}
		return nil, err
	}

	user, err := e.findByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, e.userError("find user by email", err)
	}

	hash := user.PasswordHash
	if err != nil || hash == "" {
		// Same cost as a real check.
		hash = e.dummyHash
	}
	ok, verr := e.passwords.Verify(input.Password, hash)
	if err != nil || user.PasswordHash == "" || verr != nil || !ok {
		if verr != nil && hash != e.dummyHash {
			e.logger.Warn("password verification error", zap.String("user_id", user.UserID), zap.Error(verr))
		}
		e.loginFailed(ctx, email, ip, StrategyEmail)
		return nil, ErrUnauthenticated
	}

	if err := e.limit(ctx, func(ctx context.Context) error {
		return e.rateLimiter.ResetLogin(ctx, email)
	}); err != nil {
		e.logger.Warn("reset login throttle", zap.Error(err))
	}
	e.upgradePassword(ctx, user, input.Password)

	if e.config.LoginOTP.RequireForVerifiedPhone && user.PhoneVerified && user.Phone != "" {
		return e.beginLoginOTP(ctx, user, StrategyEmail, input.ClientInfo, input.DeviceInfo, input.NetworkMetadata)
	}

	tokens, err := e.CreateSession(ctx, CredentialsOutcome{
		UserID:       user.UserID,
		RoleName:     user.RoleName,
		AuthProvider: StrategyEmail,
	}, input.DeviceInfo, input.NetworkMetadata)
	if err != nil {
		return nil, err
	}
	e.loginSucceeded(ctx, user.UserID, StrategyEmail)
	return &LoginResult{Tokens: tokens}, nil
}

// LoginWithPhone sends a login code to a registered, verified phone. An
// unknown number gets a token of the same shape that can never be
// confirmed, so the response does not reveal whether the number exists.
func (e *Engine) LoginWithPhone(ctx context.Context, input PhoneLoginInput) (*LoginResult, error) {
	phone := parsePhone(input.Phone)
	if phone == "" {
		return nil, malformed("phone")
	}
	if err := e.checkMetadata(input.DeviceInfo, input.NetworkMetadata); err != nil {
		return nil, err
	}

	ip := e.requestIP(ctx, input.NetworkMetadata)
	if err := e.limit(ctx, func(ctx context.Context) error {
		return e.rateLimiter.CheckLogin(ctx, phone, ip)
	}); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metrics.Inc(MetricLoginRateLimited)
		}
		return nil, err
	}

	uctx, cancel := e.userCtx(ctx)
	user, err := e.userProvider.FindUserByPhone(uctx, phone)
	cancel()
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, e.userError("find user by phone", err)
	}
	if err != nil || !user.PhoneVerified {
		e.loginFailed(ctx, phone, ip, StrategyPhone)
		return e.decoyLoginOTP()
	}

	return e.beginLoginOTP(ctx, user, StrategyPhone, input.ClientInfo, input.DeviceInfo, input.NetworkMetadata)
}

// ResendLoginOTP sends a fresh login code. The resend interval applies.
func (e *Engine) ResendLoginOTP(ctx context.Context, lc *LoginOTPContext) (otp.Dispatch, error) {
	if lc == nil {
		return otp.Dispatch{}, ErrUnauthenticated
	}
	return e.requestCode(ctx, otp.FlowLogin, otp.Target{Handle: lc.Handle(), Address: lc.State.PhoneNumber})
}

// ConfirmLoginOTP checks the login code and, on success, consumes the login
// state and signs the account in.
func (e *Engine) ConfirmLoginOTP(ctx context.Context, lc *LoginOTPContext, code string) (*SessionTokens, error) {
	if lc == nil {
		return nil, ErrUnauthenticated
	}
	if !e.validCode(code) {
		return nil, malformed("code")
	}
	target := otp.Target{Handle: lc.Handle(), Address: lc.State.PhoneNumber}
	if err := e.verifyCode(ctx, otp.FlowLogin, target, code); err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			e.metrics.Inc(MetricLoginFailure)
		}
		return nil, err
	}

	if _, err := withRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.logins.Delete(ctx, lc.Handle())
	}); err != nil {
		// The code is already consumed, so the record cannot be replayed.
		e.logger.Warn("delete login otp state", zap.Error(err))
	}

	user, err := e.getUser(ctx, lc.State.UserID)
	if err != nil {
		return nil, err
	}
	tokens, err := e.CreateSession(ctx, CredentialsOutcome{
		UserID:       user.UserID,
		RoleName:     user.RoleName,
		AuthProvider: lc.State.AuthProvider,
	}, lc.State.DeviceInfo, lc.State.NetworkMetadata)
	if err != nil {
		return nil, err
	}
	e.loginSucceeded(ctx, user.UserID, lc.State.AuthProvider)
	return tokens, nil
}

func (e *Engine) beginLoginOTP(ctx context.Context, user UserRecord, provider AuthStrategy, client ClientInfo, device DeviceInfo, network NetworkMetadata) (*LoginResult, error) {
	token, meta, err := e.tokens.Issue(opaque.TypeOTPVerification, e.config.LoginOTP.TTL)
	if err != nil {
		e.logger.Error("issue otp verification token", zap.Error(err))
		return nil, ErrUnavailable
	}

	state := LoginOTPState{
		Handle:          meta.Random,
		AuthProvider:    provider,
		UserID:          user.UserID,
		RoleName:        user.RoleName,
		PhoneNumber:     user.Phone,
		ClientInfo:      client,
		DeviceInfo:      device,
		NetworkMetadata: network,
		CreatedAt:       time.Now().Unix(),
		ExpiresAt:       meta.ExpiresAt,
	}
	if _, err := withRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.logins.Create(ctx, meta.Random, state, meta.Expiry())
	}); err != nil {
		return nil, e.storeError("create login otp", err)
	}

	dispatch, err := e.requestCode(ctx, otp.FlowLogin, otp.Target{Handle: meta.Random, Address: user.Phone})
	if err != nil {
		_ = e.logins.Delete(context.WithoutCancel(ctx), meta.Random)
		return nil, err
	}

	e.metrics.Inc(MetricLoginOTPRequired)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventLoginOTPRequired,
		UserID:    user.UserID,
		Provider:  string(provider),
		IP:        network.ClientIP,
		Success:   true,
	})
	return &LoginResult{
		OTPRequired: true,
		OTPToken:    &ProcessToken{Token: token, ExpiresAt: meta.Expiry()},
		Dispatch:    &dispatch,
	}, nil
}

// decoyLoginOTP returns a login token with no state behind it.
func (e *Engine) decoyLoginOTP() (*LoginResult, error) {
	token, meta, err := e.tokens.Issue(opaque.TypeOTPVerification, e.config.LoginOTP.TTL)
	if err != nil {
		e.logger.Error("issue otp verification token", zap.Error(err))
		return nil, ErrUnavailable
	}
	route, _ := e.otp.Route(otp.FlowLogin)
	dispatch := e.silentDispatch(otp.FlowLogin, route)
	return &LoginResult{
		OTPRequired: true,
		OTPToken:    &ProcessToken{Token: token, ExpiresAt: meta.Expiry()},
		Dispatch:    &dispatch,
	}, nil
}

func (e *Engine) upgradePassword(ctx context.Context, user UserRecord, plain string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	upgrade, err := e.passwords.NeedsUpgrade(user.PasswordHash)
	if err != nil || !upgrade {
		return
	}
	hash, err := e.passwords.Hash(plain)
	if err != nil {
		e.logger.Warn("rehash password", zap.String("user_id", user.UserID), zap.Error(err))
		return
	}
	uctx, cancel := e.userCtx(ctx)
	defer cancel()
	if err := e.userProvider.UpdatePasswordHash(uctx, user.UserID, hash); err != nil {
		e.logger.Warn("store upgraded password hash", zap.String("user_id", user.UserID), zap.Error(err))
	}
}

func (e *Engine) loginFailed(ctx context.Context, identifier, ip string, provider AuthStrategy) {
	if err := e.limit(ctx, func(ctx context.Context) error {
		return e.rateLimiter.IncrementLogin(ctx, identifier, ip)
	}); err != nil {
		e.logger.Warn("count failed login", zap.Error(err))
	}
	e.metrics.Inc(MetricLoginFailure)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventLoginFailure,
		Provider:  string(provider),
		IP:        ip,
		Error:     ErrUnauthenticated.Error(),
	})
}

func (e *Engine) loginSucceeded(ctx context.Context, userID string, provider AuthStrategy) {
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventLoginSuccess,
		UserID:    userID,
		Provider:  string(provider),
		Success:   true,
	})
}

func (e *Engine) requestIP(ctx context.Context, network NetworkMetadata) string {
	if ip := clientIPFromContext(ctx); ip != "" {
		return ip
	}
	return network.ClientIP
}

func missingLoginFields(email, password string) []string {
	var fields []string
	if email == "" {
		fields = append(fields, "email")
	}
	if password == "" {
		fields = append(fields, "password")
	}
	return fields
}
