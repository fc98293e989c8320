package vigil

import (
	"context"
	"errors"

	"github.com/MrEthical07/vigil/federated"
)

// ProviderSignInInput is the client context of a federated sign-in.
// RoleName applies only when a new registration is opened.
type ProviderSignInInput struct {
	RoleName        string
	ClientInfo      ClientInfo
	DeviceInfo      DeviceInfo
	NetworkMetadata NetworkMetadata
}

// SignInWithProvider continues a sign-in whose assertion was already
// verified. An account linked to the provider subject is signed in; an
// unknown subject opens a registration pre-filled with the provider's
// verified email. An email that belongs to another account is refused.
func (e *Engine) SignInWithProvider(ctx context.Context, provider AuthStrategy, profile federated.Profile, input ProviderSignInInput) (*ProviderSignInResult, error) {
	if !provider.Federated() || string(profile.Provider) != string(provider) {
		return nil, malformed("provider")
	}
	if profile.Subject == "" {
		return nil, ErrUnauthenticated
	}
	if err := e.checkMetadata(input.DeviceInfo, input.NetworkMetadata); err != nil {
		return nil, err
	}

	uctx, cancel := e.userCtx(ctx)
	user, err := e.userProvider.FindUserByProvider(uctx, provider, profile.Subject)
	cancel()
	switch {
	case err == nil:
		tokens, err := e.CreateSession(ctx, CredentialsOutcome{
			UserID:       user.UserID,
			RoleName:     user.RoleName,
			AuthProvider: provider,
		}, input.DeviceInfo, input.NetworkMetadata)
		if err != nil {
			return nil, err
		}
		e.loginSucceeded(ctx, user.UserID, provider)
		return &ProviderSignInResult{Tokens: tokens}, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, e.userError("find user by provider", err)
	}

	email := parseEmail(profile.Email)
	if email == "" || !profile.EmailVerified {
		return nil, invalidState("identity provider did not supply a verified email")
	}
	if err := e.ensureEmailFree(ctx, email); err != nil {
		return nil, err
	}

	role := input.RoleName
	if role == "" {
		role = e.config.Registration.DefaultRole
	}
	if !e.config.allowedRole(role) {
		return nil, malformed("roleName")
	}

	pt, err := e.openRegistration(ctx, RegistrationState{
		RoleName:        role,
		AuthProvider:    provider,
		ProviderSubject: profile.Subject,
		Email:           email,
		IsVerifiedEmail: true,
		ClientInfo:      input.ClientInfo,
		DeviceInfo:      input.DeviceInfo,
		NetworkMetadata: input.NetworkMetadata,
	})
	if err != nil {
		return nil, err
	}
	return &ProviderSignInResult{Registration: pt}, nil
}

// SignInWithAssertion verifies assertion with the provider's verifier and
// continues as SignInWithProvider.
func (e *Engine) SignInWithAssertion(ctx context.Context, provider AuthStrategy, assertion string, input ProviderSignInInput) (*ProviderSignInResult, error) {
	profile, err := e.VerifyFederated(ctx, provider, assertion)
	if err != nil {
		return nil, err
	}
	return e.SignInWithProvider(ctx, provider, profile, input)
}
