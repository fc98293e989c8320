package vigil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/vigil/opaque"
	"github.com/MrEthical07/vigil/otp"
)

func startEmailRegistration(t *testing.T, e *Engine) *RegistrationContext {
	t.Helper()

	pt, err := e.StartRegistration(context.Background(), RegistrationInput{
		AuthProvider:    StrategyEmail,
		ClientInfo:      ClientInfo{Name: "memorial-ios", Version: "4.2.0"},
		DeviceInfo:      testDevice(),
		NetworkMetadata: testNetwork(),
	})
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	rc, err := e.LoadRegistration(context.Background(), pt.Token)
	if err != nil {
		t.Fatalf("LoadRegistration failed: %v", err)
	}
	return rc
}

func TestRegistrationEmailFlow(t *testing.T) {
	e, env := newTestEngine(t, nil)
	ctx := context.Background()

	rc := startEmailRegistration(t, e)
	if rc.State.RoleName != "member" || rc.State.AuthProvider != StrategyEmail {
		t.Fatalf("unexpected initial state: %+v", rc.State)
	}

	if _, err := e.AddEmail(ctx, rc, "Ada@Example.org"); err != nil {
		t.Fatalf("AddEmail failed: %v", err)
	}
	if rc.State.Email != "ada@example.org" {
		t.Fatalf("expected normalized email, got %q", rc.State.Email)
	}

	d, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelEmail)
	if err != nil {
		t.Fatalf("RequestRegistrationCode failed: %v", err)
	}
	if !d.Delivered || d.Channel != otp.ChannelEmail || d.Flow != otp.FlowAddEmail {
		t.Fatalf("unexpected dispatch: %+v", d)
	}

	code := env.out.lastCode(t, "ada@example.org")
	if err := e.VerifyRegistrationCode(ctx, rc, otp.ChannelEmail, code); err != nil {
		t.Fatalf("VerifyRegistrationCode failed: %v", err)
	}
	if _, err := e.SetPassword(ctx, rc, "correct-horse-battery"); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}
	state, err := e.AgreeToConditions(ctx, rc)
	if err != nil {
		t.Fatalf("AgreeToConditions failed: %v", err)
	}
	if !state.IsVerifiedEmail || len(state.Missing()) != 0 {
		t.Fatalf("expected complete registration, missing=%v", state.Missing())
	}

	tokens, err := e.FinalizeRegistration(ctx, rc)
	if err != nil {
		t.Fatalf("FinalizeRegistration failed: %v", err)
	}

	id, err := e.VerifyAccessToken(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	user := env.users.get(id.Subject)
	if user.Email != "ada@example.org" || !user.EmailVerified || user.PasswordHash == "" {
		t.Fatalf("unexpected created user: %+v", user)
	}
	if id.SessionID != tokens.SessionID || id.RoleName != "member" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	if _, err := e.registrations.Read(ctx, rc.Handle()); err == nil {
		t.Fatal("expected registration record to be deleted")
	}
	waitEvent(t, env.sink, EventRegistrationFinalized)
	if got := e.metrics.Value(MetricRegistrationFinalized); got != 1 {
		t.Fatalf("expected 1 finalized registration, got %d", got)
	}
}

func TestRegistrationPhoneFlow(t *testing.T) {
	e, env := newTestEngine(t, nil)
	ctx := context.Background()

	pt, err := e.StartRegistration(ctx, RegistrationInput{
		AuthProvider:    StrategyPhone,
		RoleName:        "admin",
		DeviceInfo:      testDevice(),
		NetworkMetadata: testNetwork(),
	})
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	rc, err := e.LoadRegistration(ctx, pt.Token)
	if err != nil {
		t.Fatalf("LoadRegistration failed: %v", err)
	}

	if _, err := e.AddPhone(ctx, rc, "+49 (151) 2345-6789"); err != nil {
		t.Fatalf("AddPhone failed: %v", err)
	}
	if rc.State.PhoneNumber != "+4915123456789" {
		t.Fatalf("expected E.164 phone, got %q", rc.State.PhoneNumber)
	}
	if _, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelPhone); err != nil {
		t.Fatalf("RequestRegistrationCode failed: %v", err)
	}
	if err := e.VerifyRegistrationCode(ctx, rc, otp.ChannelPhone, env.out.lastCode(t, "+4915123456789")); err != nil {
		t.Fatalf("VerifyRegistrationCode failed: %v", err)
	}
	if _, err := e.AgreeToConditions(ctx, rc); err != nil {
		t.Fatalf("AgreeToConditions failed: %v", err)
	}

	tokens, err := e.FinalizeRegistration(ctx, rc)
	if err != nil {
		t.Fatalf("FinalizeRegistration failed: %v", err)
	}
	id, err := e.VerifyAccessToken(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if id.RoleName != "admin" {
		t.Fatalf("expected requested role, got %q", id.RoleName)
	}
	if u := env.users.get(id.Subject); !u.PhoneVerified || u.PasswordHash != "" {
		t.Fatalf("unexpected created user: %+v", u)
	}
}

func TestRegistrationRejectsUnknownRole(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.StartRegistration(context.Background(), RegistrationInput{
		AuthProvider:    StrategyEmail,
		RoleName:        "root",
		DeviceInfo:      testDevice(),
		NetworkMetadata: testNetwork(),
	})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Fields[0] != "roleName" {
		t.Fatalf("expected roleName validation error, got %v", err)
	}
}

func TestRegistrationStepPreconditions(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	rc := startEmailRegistration(t, e)

	if _, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelEmail); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before email, got %v", err)
	}
	if _, err := e.SetPassword(ctx, rc, "correct-horse-battery"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for password before email, got %v", err)
	}
	if _, err := e.ResendRegistrationCode(ctx, rc, otp.ChannelEmail); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for resend before send, got %v", err)
	}

	_, err := e.FinalizeRegistration(ctx, rc)
	var se *StateError
	if !errors.As(err, &se) || !strings.Contains(se.Reason, "verifiedEmail") {
		t.Fatalf("expected incomplete registration error, got %v", err)
	}
	if _, err := e.registrations.Read(ctx, rc.Handle()); err != nil {
		t.Fatalf("expected record to survive failed finalize: %v", err)
	}

	if _, err := e.AddEmail(ctx, rc, "not an email"); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput, got %v", err)
	}
	if _, err := e.AddEmail(ctx, rc, "ada@example.org"); err != nil {
		t.Fatalf("AddEmail failed: %v", err)
	}
	if _, err := e.SetPassword(ctx, rc, "short"); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput for short password, got %v", err)
	}
}

func TestRegistrationEmailAlreadyRegistered(t *testing.T) {
	e, _ := newTestEngine(t, nil, UserRecord{UserID: "u1", Email: "ada@example.org"})
	rc := startEmailRegistration(t, e)

	if _, err := e.AddEmail(context.Background(), rc, "ada@example.org"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRegistrationChangingEmailClearsVerification(t *testing.T) {
	e, env := newTestEngine(t, nil)
	ctx := context.Background()
	rc := startEmailRegistration(t, e)

	if _, err := e.AddEmail(ctx, rc, "ada@example.org"); err != nil {
		t.Fatalf("AddEmail failed: %v", err)
	}
	if _, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelEmail); err != nil {
		t.Fatalf("RequestRegistrationCode failed: %v", err)
	}
	if err := e.VerifyRegistrationCode(ctx, rc, otp.ChannelEmail, env.out.lastCode(t, "ada@example.org")); err != nil {
		t.Fatalf("VerifyRegistrationCode failed: %v", err)
	}

	state, err := e.AddEmail(ctx, rc, "grace@example.org")
	if err != nil {
		t.Fatalf("AddEmail failed: %v", err)
	}
	if state.IsVerifiedEmail {
		t.Fatal("expected new email to be unverified")
	}
}

func TestRegistrationCodeLockout(t *testing.T) {
	e, env := newTestEngine(t, nil)
	ctx := context.Background()
	rc := startEmailRegistration(t, e)

	if _, err := e.AddEmail(ctx, rc, "ada@example.org"); err != nil {
		t.Fatalf("AddEmail failed: %v", err)
	}
	if _, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelEmail); err != nil {
		t.Fatalf("RequestRegistrationCode failed: %v", err)
	}
	code := env.out.lastCode(t, "ada@example.org")

	for i := 0; i < 5; i++ {
		if err := e.VerifyRegistrationCode(ctx, rc, otp.ChannelEmail, otherCode(code)); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("attempt %d: expected ErrUnauthenticated, got %v", i+1, err)
		}
	}
	err := e.VerifyRegistrationCode(ctx, rc, otp.ChannelEmail, code)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected lockout with the right code, got %v", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 || rl.RetryAfter > rc.Token.Remaining(time.Now())+2*time.Second {
		t.Fatalf("expected retry-after bounded by the registration lifetime, got %v", err)
	}
	rec := httptest.NewRecorder()
	WriteError(rec, err)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if err := e.VerifyRegistrationCode(ctx, rc, otp.ChannelEmail, "12"); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("expected ErrMalformedInput for short code, got %v", err)
	}
	if got := e.metrics.Value(MetricOTPLockout); got != 1 {
		t.Fatalf("expected one lockout, got %d", got)
	}
}

func TestRegistrationResendInterval(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	rc := startEmailRegistration(t, e)

	if _, err := e.AddEmail(ctx, rc, "ada@example.org"); err != nil {
		t.Fatalf("AddEmail failed: %v", err)
	}
	if _, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelEmail); err != nil {
		t.Fatalf("RequestRegistrationCode failed: %v", err)
	}

	state, err := e.registrations.Read(ctx, rc.Handle())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	rc.State = state
	_, err = e.ResendRegistrationCode(ctx, rc, otp.ChannelEmail)
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Fatalf("expected resend rate limit, got %v", err)
	}
	if HTTPStatus(err) != 429 {
		t.Fatalf("expected 429, got %d", HTTPStatus(err))
	}
}

func TestRegistrationDeliveryFailure(t *testing.T) {
	e, env := newTestEngine(t, nil)
	ctx := context.Background()
	rc := startEmailRegistration(t, e)

	if _, err := e.AddEmail(ctx, rc, "ada@example.org"); err != nil {
		t.Fatalf("AddEmail failed: %v", err)
	}
	env.out.err = errors.New("smtp down")
	if _, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelEmail); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	// A failed delivery does not start the resend interval.
	env.out.err = nil
	if _, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelEmail); err != nil {
		t.Fatalf("expected immediate retry to succeed: %v", err)
	}
}

func TestRegistrationFinalizeReleasesClaimOnCreateFailure(t *testing.T) {
	e, env := newTestEngine(t, nil)
	ctx := context.Background()
	rc := completeEmailRegistration(t, e, env, "ada@example.org")

	env.users.createErr = errors.New("database down")
	if _, err := e.FinalizeRegistration(ctx, rc); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	env.users.createErr = nil
	if _, err := e.FinalizeRegistration(ctx, rc); err != nil {
		t.Fatalf("expected finalize to succeed after release: %v", err)
	}
	if env.users.createCalls != 2 {
		t.Fatalf("expected 2 create calls, got %d", env.users.createCalls)
	}
}

func TestRegistrationFinalizeOnlyOnce(t *testing.T) {
	e, env := newTestEngine(t, nil)
	ctx := context.Background()
	rc := completeEmailRegistration(t, e, env, "ada@example.org")

	// Simulate a claim left behind by a finalize that lost its delete.
	id := "claimed"
	if _, err := e.registrations.Update(ctx, rc.Handle(), func(s *RegistrationState, _ time.Time) error {
		s.RegisteredUserID = &id
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := e.FinalizeRegistration(ctx, rc); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if env.users.createCalls != 0 {
		t.Fatalf("expected no create call, got %d", env.users.createCalls)
	}
}

func TestExpiredRegistrationTokenLeavesStateUntouched(t *testing.T) {
	e, env := newTestEngine(t, nil)
	ctx := context.Background()

	past, err := opaque.NewCodec(opaque.Config{
		CurrentVersion: "v1",
		Keys:           e.config.Tokens.Keys,
		Now:            func() time.Time { return time.Now().Add(-2 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	token, meta, err := past.Issue(opaque.TypeRegistration, 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	state := RegistrationState{Handle: meta.Random, AuthProvider: StrategyEmail, RoleName: "member"}
	if err := e.registrations.Create(ctx, meta.Random, state, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before, err := env.rdb.Get(ctx, e.registrations.Key(meta.Random)).Result()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if _, err := e.LoadRegistration(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	after, err := env.rdb.Get(ctx, e.registrations.Key(meta.Random)).Result()
	if err != nil || after != before {
		t.Fatalf("expected record untouched, err=%v", err)
	}
}

func TestRegistrationRejectsOtherTokenTypes(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	token, _, err := e.tokens.Issue(opaque.TypeRefresh, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := e.LoadRegistration(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRegistrationUnknownHandleIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	token, _, err := e.tokens.Issue(opaque.TypeRegistration, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	_, err = e.LoadRegistration(context.Background(), token)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if e.HTTPStatus(err) != 401 {
		t.Fatalf("expected NotFound folded into 401, got %d", e.HTTPStatus(err))
	}
}

func completeEmailRegistration(t *testing.T, e *Engine, env *testEnv, email string) *RegistrationContext {
	t.Helper()
	ctx := context.Background()

	rc := startEmailRegistration(t, e)
	if _, err := e.AddEmail(ctx, rc, email); err != nil {
		t.Fatalf("AddEmail failed: %v", err)
	}
	if _, err := e.RequestRegistrationCode(ctx, rc, otp.ChannelEmail); err != nil {
		t.Fatalf("RequestRegistrationCode failed: %v", err)
	}
	if err := e.VerifyRegistrationCode(ctx, rc, otp.ChannelEmail, env.out.lastCode(t, email)); err != nil {
		t.Fatalf("VerifyRegistrationCode failed: %v", err)
	}
	if _, err := e.SetPassword(ctx, rc, "correct-horse-battery"); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}
	if _, err := e.AgreeToConditions(ctx, rc); err != nil {
		t.Fatalf("AgreeToConditions failed: %v", err)
	}
	return rc
}
