package vigil

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/vigil/opaque"
	"github.com/MrEthical07/vigil/otp"
	"github.com/MrEthical07/vigil/password"
)

// RegistrationInput opens a registration. Federated strategies start through
// SignInWithProvider instead.
type RegistrationInput struct {
	AuthProvider    AuthStrategy
	RoleName        string
	ClientInfo      ClientInfo
	DeviceInfo      DeviceInfo
	NetworkMetadata NetworkMetadata
}

// StartRegistration creates an empty registration record and returns the
// token that addresses it.
func (e *Engine) StartRegistration(ctx context.Context, input RegistrationInput) (*ProcessToken, error) {
	if input.AuthProvider != StrategyEmail && input.AuthProvider != StrategyPhone {
		return nil, malformed("authProvider")
	}
	role := input.RoleName
	if role == "" {
		role = e.config.Registration.DefaultRole
	}
	if !e.config.allowedRole(role) {
		return nil, malformed("roleName")
	}
	if err := e.checkMetadata(input.DeviceInfo, input.NetworkMetadata); err != nil {
		return nil, err
	}

	return e.openRegistration(ctx, RegistrationState{
		RoleName:        role,
		AuthProvider:    input.AuthProvider,
		ClientInfo:      input.ClientInfo,
		DeviceInfo:      input.DeviceInfo,
		NetworkMetadata: input.NetworkMetadata,
	})
}

func (e *Engine) openRegistration(ctx context.Context, state RegistrationState) (*ProcessToken, error) {
	token, meta, err := e.tokens.Issue(opaque.TypeRegistration, e.config.Registration.TTL)
	if err != nil {
		e.logger.Error("issue registration token", zap.Error(err))
		return nil, ErrUnavailable
	}

	state.Handle = meta.Random
	state.CreatedAt = time.Now().Unix()
	state.ExpiresAt = meta.ExpiresAt

	if _, err := withRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.registrations.Create(ctx, meta.Random, state, meta.Expiry())
	}); err != nil {
		return nil, e.storeError("create registration", err)
	}

	e.metrics.Inc(MetricRegistrationStarted)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventRegistrationStarted,
		Provider:  string(state.AuthProvider),
		IP:        state.NetworkMetadata.ClientIP,
		Success:   true,
	})
	return &ProcessToken{Token: token, ExpiresAt: meta.Expiry()}, nil
}

// AddEmail sets the registration email. Changing it clears its verification.
func (e *Engine) AddEmail(ctx context.Context, rc *RegistrationContext, email string) (*RegistrationState, error) {
	addr := parseEmail(email)
	if addr == "" {
		return nil, malformed("email")
	}
	if rc.State.AuthProvider.Federated() {
		return nil, invalidState("email is set by the identity provider")
	}
	if err := e.ensureEmailFree(ctx, addr); err != nil {
		return nil, err
	}

	return e.updateRegistration(ctx, rc, func(s *RegistrationState) error {
		if s.Email != addr {
			s.Email = addr
			s.IsVerifiedEmail = false
		}
		return nil
	})
}

// AddPhone sets the registration phone number in E.164 form. Changing it
// clears its verification.
func (e *Engine) AddPhone(ctx context.Context, rc *RegistrationContext, phone string) (*RegistrationState, error) {
	number := parsePhone(phone)
	if number == "" {
		return nil, malformed("phoneNumber")
	}
	if err := e.ensurePhoneFree(ctx, number); err != nil {
		return nil, err
	}

	return e.updateRegistration(ctx, rc, func(s *RegistrationState) error {
		if s.PhoneNumber != number {
			s.PhoneNumber = number
			s.IsVerifiedPhoneNumber = false
		}
		return nil
	})
}

// RequestRegistrationCode sends a code to the registration's email or phone.
func (e *Engine) RequestRegistrationCode(ctx context.Context, rc *RegistrationContext, channel otp.Channel) (otp.Dispatch, error) {
	flow, address, err := registrationTarget(&rc.State, channel)
	if err != nil {
		return otp.Dispatch{}, err
	}
	return e.requestCode(ctx, flow, otp.Target{Handle: rc.Handle(), Address: address})
}

// ResendRegistrationCode is RequestRegistrationCode for a channel that
// already received a code. The resend interval applies.
func (e *Engine) ResendRegistrationCode(ctx context.Context, rc *RegistrationContext, channel otp.Channel) (otp.Dispatch, error) {
	ch := rc.State.EmailChallenge
	if channel == otp.ChannelPhone {
		ch = rc.State.PhoneChallenge
	}
	if ch.LastSentAt == 0 {
		return otp.Dispatch{}, invalidState("no code has been sent")
	}
	return e.RequestRegistrationCode(ctx, rc, channel)
}

// VerifyRegistrationCode checks a code for channel. Success marks the email
// or phone verified.
func (e *Engine) VerifyRegistrationCode(ctx context.Context, rc *RegistrationContext, channel otp.Channel, code string) error {
	if !e.validCode(code) {
		return malformed("code")
	}
	flow, address, err := registrationTarget(&rc.State, channel)
	if err != nil {
		return err
	}
	return e.verifyCode(ctx, flow, otp.Target{Handle: rc.Handle(), Address: address}, code)
}

// SetPassword stores the password hash of an email registration.
func (e *Engine) SetPassword(ctx context.Context, rc *RegistrationContext, plain string) (*RegistrationState, error) {
	if rc.State.AuthProvider != StrategyEmail {
		return nil, invalidState("password applies to email registrations only")
	}
	if rc.State.Email == "" {
		return nil, invalidState("email must be added first")
	}
	hash, err := e.hashPassword(plain, "password")
	if err != nil {
		return nil, err
	}
	return e.updateRegistration(ctx, rc, func(s *RegistrationState) error {
		s.PasswordHash = &hash
		return nil
	})
}

// AgreeToConditions records acceptance of the terms.
func (e *Engine) AgreeToConditions(ctx context.Context, rc *RegistrationContext) (*RegistrationState, error) {
	return e.updateRegistration(ctx, rc, func(s *RegistrationState) error {
		s.IsAgreedToConditions = true
		return nil
	})
}

// FinalizeRegistration creates the account of a complete registration,
// deletes the record, and signs the new account in on the device that
// registered.
func (e *Engine) FinalizeRegistration(ctx context.Context, rc *RegistrationContext) (*SessionTokens, error) {
	userID := uuid.NewString()
	state, err := e.updateRegistration(ctx, rc, func(s *RegistrationState) error {
		if missing := s.Missing(); len(missing) > 0 {
			return invalidState("registration incomplete: " + strings.Join(missing, ", "))
		}
		s.RegisteredUserID = &userID
		return nil
	})
	if err != nil {
		return nil, err
	}

	input := CreateUserInput{
		UserID:             userID,
		RoleName:           state.RoleName,
		AuthProvider:       state.AuthProvider,
		ProviderSubject:    state.ProviderSubject,
		Email:              state.Email,
		EmailVerified:      state.IsVerifiedEmail,
		Phone:              state.PhoneNumber,
		PhoneVerified:      state.IsVerifiedPhoneNumber,
		AgreedToConditions: state.IsAgreedToConditions,
		ClientInfo:         state.ClientInfo,
	}
	if state.PasswordHash != nil {
		input.PasswordHash = *state.PasswordHash
	}

	uctx, cancel := e.userCtx(ctx)
	user, err := e.userProvider.CreateUser(uctx, input)
	cancel()
	if err != nil {
		e.releaseClaim(ctx, rc.Handle(), userID)
		return nil, e.userError("create user", err)
	}

	if _, err := withRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.registrations.Delete(ctx, rc.Handle())
	}); err != nil {
		// The claim keeps the record from being finalized twice until it
		// expires.
		e.logger.Warn("delete finalized registration", zap.String("user_id", user.UserID), zap.Error(err))
	}

	e.metrics.Inc(MetricRegistrationFinalized)
	e.emitAudit(ctx, AuditEvent{
		EventType: EventRegistrationFinalized,
		UserID:    user.UserID,
		Provider:  string(state.AuthProvider),
		IP:        state.NetworkMetadata.ClientIP,
		Success:   true,
	})

	return e.CreateSession(ctx, CredentialsOutcome{
		UserID:       user.UserID,
		RoleName:     user.RoleName,
		AuthProvider: state.AuthProvider,
	}, state.DeviceInfo, state.NetworkMetadata)
}

// updateRegistration applies fn to the live record unless it was finalized.
func (e *Engine) updateRegistration(ctx context.Context, rc *RegistrationContext, fn func(*RegistrationState) error) (*RegistrationState, error) {
	if rc == nil {
		return nil, ErrUnauthenticated
	}
	state, err := withRetry(ctx, e, func(ctx context.Context) (RegistrationState, error) {
		return e.registrations.Update(ctx, rc.Handle(), func(s *RegistrationState, _ time.Time) error {
			if s.RegisteredUserID != nil {
				return invalidState("registration already finalized")
			}
			return fn(s)
		})
	})
	if err != nil {
		return nil, e.storeError("update registration", err)
	}
	rc.State = state
	return &state, nil
}

func (e *Engine) releaseClaim(ctx context.Context, handle, userID string) {
	ctx = context.WithoutCancel(ctx)
	_, err := withRetry(ctx, e, func(ctx context.Context) (RegistrationState, error) {
		return e.registrations.Update(ctx, handle, func(s *RegistrationState, _ time.Time) error {
			if s.RegisteredUserID != nil && *s.RegisteredUserID == userID {
				s.RegisteredUserID = nil
			}
			return nil
		})
	})
	if err != nil {
		e.logger.Warn("release registration claim", zap.Error(err))
	}
}

func (e *Engine) ensureEmailFree(ctx context.Context, email string) error {
	uctx, cancel := e.userCtx(ctx)
	defer cancel()
	_, err := e.userProvider.FindUserByEmail(uctx, email)
	switch {
	case err == nil:
		return invalidState("email is already registered")
	case errors.Is(err, ErrUserNotFound):
		return nil
	default:
		return e.userError("find user by email", err)
	}
}

func (e *Engine) ensurePhoneFree(ctx context.Context, phone string) error {
	uctx, cancel := e.userCtx(ctx)
	defer cancel()
	_, err := e.userProvider.FindUserByPhone(uctx, phone)
	switch {
	case err == nil:
		return invalidState("phone number is already registered")
	case errors.Is(err, ErrUserNotFound):
		return nil
	default:
		return e.userError("find user by phone", err)
	}
}

func (e *Engine) hashPassword(plain, field string) (string, error) {
	hash, err := e.passwords.Hash(plain)
	switch {
	case err == nil:
		return hash, nil
	case errors.Is(err, password.ErrPasswordTooShort), errors.Is(err, password.ErrPasswordTooLong):
		return "", malformed(field)
	default:
		e.logger.Error("hash password", zap.Error(err))
		return "", ErrUnavailable
	}
}

func registrationTarget(s *RegistrationState, channel otp.Channel) (otp.Flow, string, error) {
	switch channel {
	case otp.ChannelEmail:
		if s.Email == "" {
			return "", "", invalidState("email must be added first")
		}
		if s.IsVerifiedEmail {
			return "", "", invalidState("email is already verified")
		}
		return otp.FlowAddEmail, s.Email, nil
	case otp.ChannelPhone:
		if s.PhoneNumber == "" {
			return "", "", invalidState("phone number must be added first")
		}
		if s.IsVerifiedPhoneNumber {
			return "", "", invalidState("phone number is already verified")
		}
		return otp.FlowAddPhone, s.PhoneNumber, nil
	default:
		return "", "", malformed("channel")
	}
}
