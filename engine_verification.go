package vigil

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/vigil/otp"
)

// VerificationRequest asks for a code in one of the account flows.
//
// UserID is the signed-in account for change-email, change-phone, and
// change-password. Address is the new email or phone for the change flows
// and the account email for reset-password; change-password sends to the
// account email and ignores it.
type VerificationRequest struct {
	Flow    otp.Flow
	UserID  string
	Address string
}

// RequestVerificationCode issues a code for an account flow. A reset for an
// unknown email reports success without sending anything.
func (e *Engine) RequestVerificationCode(ctx context.Context, req VerificationRequest) (otp.Dispatch, error) {
	route, err := e.otp.Route(req.Flow)
	if err != nil || route.Context != otp.ContextVerification || req.Flow == otp.FlowLogin {
		return otp.Dispatch{}, malformed("flow")
	}

	var target otp.Target
	switch req.Flow {
	case otp.FlowChangeEmail:
		if req.UserID == "" {
			return otp.Dispatch{}, ErrUnauthenticated
		}
		addr := parseEmail(req.Address)
		if addr == "" {
			return otp.Dispatch{}, malformed("email")
		}
		if err := e.ensureEmailFree(ctx, addr); err != nil {
			return otp.Dispatch{}, err
		}
		target = otp.Target{Handle: req.UserID, Address: addr}

	case otp.FlowChangePhone:
		if req.UserID == "" {
			return otp.Dispatch{}, ErrUnauthenticated
		}
		number := parsePhone(req.Address)
		if number == "" {
			return otp.Dispatch{}, malformed("phoneNumber")
		}
		if err := e.ensurePhoneFree(ctx, number); err != nil {
			return otp.Dispatch{}, err
		}
		target = otp.Target{Handle: req.UserID, Address: number}

	case otp.FlowChangePassword:
		user, err := e.getUser(ctx, req.UserID)
		if err != nil {
			return otp.Dispatch{}, err
		}
		if user.Email == "" || user.PasswordHash == "" {
			return otp.Dispatch{}, invalidState("account has no password")
		}
		target = otp.Target{Handle: user.UserID, Address: user.Email}

	case otp.FlowResetPassword:
		addr := parseEmail(req.Address)
		if addr == "" {
			return otp.Dispatch{}, malformed("email")
		}
		user, err := e.findByEmail(ctx, addr)
		if errors.Is(err, ErrUserNotFound) || (err == nil && user.PasswordHash == "") {
			return e.silentDispatch(req.Flow, route), nil
		}
		if err != nil {
			return otp.Dispatch{}, e.userError("find user by email", err)
		}
		target = otp.Target{Handle: user.UserID, Address: addr}
	}

	return e.requestCode(ctx, req.Flow, target)
}

// ConfirmChangeEmail applies a verified email change.
func (e *Engine) ConfirmChangeEmail(ctx context.Context, userID, email, code string) error {
	addr := parseEmail(email)
	if addr == "" {
		return malformed("email")
	}
	if !e.validCode(code) {
		return malformed("code")
	}
	if err := e.verifyCode(ctx, otp.FlowChangeEmail, otp.Target{Handle: userID, Address: addr}, code); err != nil {
		return err
	}

	uctx, cancel := e.userCtx(ctx)
	err := e.userProvider.UpdateEmail(uctx, userID, addr)
	cancel()
	if err != nil {
		return e.userError("update email", err)
	}
	e.clearChallenge(ctx, otp.FlowChangeEmail, userID)
	e.emitAudit(ctx, AuditEvent{EventType: EventEmailChanged, UserID: userID, Success: true})
	return nil
}

// ConfirmChangePhone applies a verified phone change.
func (e *Engine) ConfirmChangePhone(ctx context.Context, userID, phone, code string) error {
	number := parsePhone(phone)
	if number == "" {
		return malformed("phoneNumber")
	}
	if !e.validCode(code) {
		return malformed("code")
	}
	if err := e.verifyCode(ctx, otp.FlowChangePhone, otp.Target{Handle: userID, Address: number}, code); err != nil {
		return err
	}

	uctx, cancel := e.userCtx(ctx)
	err := e.userProvider.UpdatePhone(uctx, userID, number)
	cancel()
	if err != nil {
		return e.userError("update phone", err)
	}
	e.clearChallenge(ctx, otp.FlowChangePhone, userID)
	e.emitAudit(ctx, AuditEvent{EventType: EventPhoneChanged, UserID: userID, Success: true})
	return nil
}

// ConfirmChangePassword replaces the password of a signed-in account after
// checking the current one and the emailed code. Every session of the
// account is revoked.
func (e *Engine) ConfirmChangePassword(ctx context.Context, userID, current, next, code string) error {
	if !e.validCode(code) {
		return malformed("code")
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.PasswordHash == "" {
		return invalidState("account has no password")
	}

	// Wrong current passwords draw on the same budget as failed logins.
	identifier := loginIdentifier(user)
	ip := clientIPFromContext(ctx)
	if err := e.limit(ctx, func(ctx context.Context) error {
		return e.rateLimiter.CheckLogin(ctx, identifier, ip)
	}); err != nil {
		if errors.Is(err, ErrRateLimited) {
			e.metrics.Inc(MetricLoginRateLimited)
		}
		return err
	}
	if ok, err := e.passwords.Verify(current, user.PasswordHash); err != nil || !ok {
		e.loginFailed(ctx, identifier, ip, StrategyEmail)
		return ErrUnauthenticated
	}
	hash, err := e.hashPassword(next, "newPassword")
	if err != nil {
		return err
	}
	if err := e.verifyCode(ctx, otp.FlowChangePassword, otp.Target{Handle: user.UserID, Address: user.Email}, code); err != nil {
		return err
	}
	if err := e.replacePassword(ctx, user.UserID, hash); err != nil {
		return err
	}

	e.clearChallenge(ctx, otp.FlowChangePassword, user.UserID)
	e.metrics.Inc(MetricPasswordChanged)
	e.emitAudit(ctx, AuditEvent{EventType: EventPasswordChanged, UserID: user.UserID, Success: true})
	return nil
}

// ConfirmPasswordReset sets a new password for the account owning email.
// Every session of the account is revoked and its login throttle cleared.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, email, code, newPassword string) error {
	addr := parseEmail(email)
	if addr == "" {
		return malformed("email")
	}
	if !e.validCode(code) {
		return malformed("code")
	}
	hash, err := e.hashPassword(newPassword, "newPassword")
	if err != nil {
		return err
	}

	user, err := e.findByEmail(ctx, addr)
	if err != nil {
		return e.userError("find user by email", err)
	}
	if err := e.verifyCode(ctx, otp.FlowResetPassword, otp.Target{Handle: user.UserID, Address: addr}, code); err != nil {
		return err
	}
	if err := e.replacePassword(ctx, user.UserID, hash); err != nil {
		return err
	}

	e.clearChallenge(ctx, otp.FlowResetPassword, user.UserID)
	if err := e.limit(ctx, func(ctx context.Context) error {
		return e.rateLimiter.ResetLogin(ctx, addr)
	}); err != nil {
		e.logger.Warn("reset login throttle", zap.Error(err))
	}
	e.metrics.Inc(MetricPasswordReset)
	e.emitAudit(ctx, AuditEvent{EventType: EventPasswordReset, UserID: user.UserID, Success: true})
	return nil
}

func (e *Engine) replacePassword(ctx context.Context, userID, hash string) error {
	uctx, cancel := e.userCtx(ctx)
	err := e.userProvider.UpdatePasswordHash(uctx, userID, hash)
	cancel()
	if err != nil {
		return e.userError("update password", err)
	}
	if _, err := e.revokeAll(ctx, userID); err != nil {
		return err
	}
	return nil
}

// requestCode issues a code. It is not retried: a second attempt would hit
// the resend interval set by the first.
func (e *Engine) requestCode(ctx context.Context, flow otp.Flow, target otp.Target) (otp.Dispatch, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeouts.Redis+e.config.Timeouts.Provider)
	defer cancel()

	d, err := e.otp.RequestCode(ctx, flow, target)
	if err != nil {
		if errors.Is(err, otp.ErrDelivery) {
			e.logger.Warn("code delivery failed", zap.String("flow", string(flow)), zap.Error(err))
		}
		return otp.Dispatch{}, e.otpError(ctx, string(flow), err)
	}
	e.metrics.Inc(MetricOTPRequested)
	return d, nil
}

// verifyCode checks a code. Attempts are counted in the store, so the call
// is never retried.
func (e *Engine) verifyCode(ctx context.Context, flow otp.Flow, target otp.Target, code string) error {
	vctx, cancel := context.WithTimeout(ctx, e.config.Timeouts.Redis)
	defer cancel()

	if err := e.otp.VerifyCode(vctx, flow, target, code); err != nil {
		return e.otpError(ctx, string(flow), err)
	}
	e.metrics.Inc(MetricOTPVerified)
	return nil
}

func (e *Engine) clearChallenge(ctx context.Context, flow otp.Flow, handle string) {
	if _, err := withRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.verification.Clear(ctx, flow, handle)
	}); err != nil {
		e.logger.Warn("clear verification challenge", zap.String("flow", string(flow)), zap.Error(err))
	}
}

// silentDispatch mirrors a real dispatch for requests that must not reveal
// whether anything was sent.
func (e *Engine) silentDispatch(flow otp.Flow, route otp.Route) otp.Dispatch {
	now := time.Now()
	return otp.Dispatch{
		Flow:        flow,
		Context:     route.Context,
		Channel:     route.Channel,
		ExpiresAt:   now.Add(e.config.OTP.CodeTTL),
		ResendAfter: now.Add(e.config.OTP.ResendInterval),
	}
}

func (e *Engine) getUser(ctx context.Context, userID string) (UserRecord, error) {
	if userID == "" {
		return UserRecord{}, ErrUnauthenticated
	}
	uctx, cancel := e.userCtx(ctx)
	defer cancel()
	user, err := e.userProvider.GetUserByID(uctx, userID)
	if err != nil {
		return UserRecord{}, e.userError("get user", err)
	}
	return user, nil
}

func (e *Engine) findByEmail(ctx context.Context, email string) (UserRecord, error) {
	uctx, cancel := e.userCtx(ctx)
	defer cancel()
	return e.userProvider.FindUserByEmail(uctx, email)
}

// loginIdentifier is the throttle key for password checks against user.
func loginIdentifier(user UserRecord) string {
	if email := parseEmail(user.Email); email != "" {
		return email
	}
	return "user:" + user.UserID
}
