package middleware

import (
	"context"
	"net/http"

	"github.com/MrEthical07/vigil"
	"github.com/MrEthical07/vigil/extract"
	"github.com/MrEthical07/vigil/federated"
)

// JSON body fields the guards read.
const (
	FieldRegistrationToken    = "registrationToken"
	FieldOTPVerificationToken = "otpVerificationToken"
	FieldRefreshToken         = "refreshToken"
	FieldGoogleIDToken        = "idToken"
	FieldAppleIdentityToken   = "identityToken"
)

func forEngine[T any](e *vigil.Engine, strategies []extract.Strategy, verify func(context.Context, string) (T, error)) Guard[T] {
	return Guard[T]{
		Strategies: strategies,
		Verify:     verify,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			e.WriteError(w, err)
		},
		Observe: e.ObserveGuard,
	}
}

// SignedToken accepts an access token from the access cookie or the
// Authorization header and attaches a vigil.Identity.
func SignedToken(e *vigil.Engine) Guard[vigil.Identity] {
	cookies := e.Config().Cookies
	return forEngine(e, []extract.Strategy{
		extract.Cookie(cookies.Access),
		extract.Bearer(),
	}, e.VerifyAccessToken)
}

// Registration accepts a registration token and attaches the registration
// it addresses.
func Registration(e *vigil.Engine) Guard[*vigil.RegistrationContext] {
	cookies := e.Config().Cookies
	return forEngine(e, []extract.Strategy{
		extract.Cookie(cookies.Registration),
		extract.Bearer(),
		extract.BodyField(FieldRegistrationToken),
	}, e.LoadRegistration)
}

// LoginOTP accepts an otp-verification token and attaches the pending login.
func LoginOTP(e *vigil.Engine) Guard[*vigil.LoginOTPContext] {
	cookies := e.Config().Cookies
	return forEngine(e, []extract.Strategy{
		extract.Cookie(cookies.OTPVerification),
		extract.Bearer(),
		extract.BodyField(FieldOTPVerificationToken),
	}, e.LoadLoginOTP)
}

// Refresh accepts a refresh token and attaches the session it resolves to.
// Nothing is rotated until the handler calls Engine.RotateRefresh.
func Refresh(e *vigil.Engine) Guard[*vigil.RefreshContext] {
	cookies := e.Config().Cookies
	return forEngine(e, []extract.Strategy{
		extract.Cookie(cookies.Refresh),
		extract.Bearer(),
		extract.BodyField(FieldRefreshToken),
	}, e.ResolveRefresh)
}

// Google accepts a Google ID token from the request body.
func Google(e *vigil.Engine) Guard[federated.Profile] {
	return federatedGuard(e, vigil.StrategyGoogle, FieldGoogleIDToken)
}

// Apple accepts a Sign in with Apple identity token from the request body.
func Apple(e *vigil.Engine) Guard[federated.Profile] {
	return federatedGuard(e, vigil.StrategyApple, FieldAppleIdentityToken)
}

func federatedGuard(e *vigil.Engine, provider vigil.AuthStrategy, field string) Guard[federated.Profile] {
	return forEngine(e, []extract.Strategy{extract.BodyField(field)},
		func(ctx context.Context, assertion string) (federated.Profile, error) {
			return e.VerifyFederated(ctx, provider, assertion)
		})
}
