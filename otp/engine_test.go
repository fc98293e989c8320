package otp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []Message
	fail error
}

func (d *recordingDispatcher) Send(_ context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDispatcher) last(t *testing.T) Message {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.msgs) == 0 {
		t.Fatal("no message dispatched")
	}
	return d.msgs[len(d.msgs)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Secret = []byte(strings.Repeat("s", 32))
	cfg.MaxAttempts = 3
	return cfg
}

func newOTPTest(t *testing.T, cfg Config, bucketTTL time.Duration) (*Engine, *recordingDispatcher, *StoreBucket) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	bucket := NewStoreBucket(rdb, "otpv", bucketTTL)
	d := &recordingDispatcher{}
	e, err := New(cfg, DefaultMatrix(), map[Context]Bucket{
		ContextRegistration: NewStoreBucket(rdb, "otpr", bucketTTL),
		ContextVerification: bucket,
	}, d)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, d, bucket
}

func readChallenge(t *testing.T, b *StoreBucket, flow Flow, handle string) Challenge {
	t.Helper()
	ch, err := b.store.Read(context.Background(), string(flow)+":"+handle)
	if err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	return ch
}

func TestDefaultMatrixIsExhaustive(t *testing.T) {
	if err := DefaultMatrix().Validate(); err != nil {
		t.Fatalf("default matrix: %v", err)
	}

	missing := DefaultMatrix()
	delete(missing, FlowChangePhone)
	if err := missing.Validate(); !errors.Is(err, ErrInvalidMatrix) {
		t.Fatalf("expected missing flow to fail, got %v", err)
	}

	extra := DefaultMatrix()
	extra[Flow("delete-account")] = Route{Context: ContextVerification, Channel: ChannelEmail}
	if err := extra.Validate(); !errors.Is(err, ErrInvalidMatrix) {
		t.Fatalf("expected unknown flow to fail, got %v", err)
	}

	bad := DefaultMatrix()
	bad[FlowLogin] = Route{Context: ContextVerification, Channel: Channel("pigeon")}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidMatrix) {
		t.Fatalf("expected invalid channel to fail, got %v", err)
	}
}

func TestDefaultMatrixRoutes(t *testing.T) {
	want := map[Flow]Route{
		FlowAddEmail:       {ContextRegistration, ChannelEmail},
		FlowAddPhone:       {ContextRegistration, ChannelPhone},
		FlowLogin:          {ContextVerification, ChannelPhone},
		FlowChangeEmail:    {ContextVerification, ChannelEmail},
		FlowChangePhone:    {ContextVerification, ChannelPhone},
		FlowResetPassword:  {ContextVerification, ChannelEmail},
		FlowChangePassword: {ContextVerification, ChannelEmail},
	}
	m := DefaultMatrix()
	for f, r := range want {
		if m[f] != r {
			t.Fatalf("flow %s: got %+v want %+v", f, m[f], r)
		}
	}
}

func TestNewRequiresBucketPerContext(t *testing.T) {
	_, err := New(testConfig(), DefaultMatrix(), map[Context]Bucket{ContextVerification: &StoreBucket{}}, &recordingDispatcher{})
	if err == nil {
		t.Fatal("expected missing registration bucket to fail")
	}
}

func TestRequestVerifySucceedsExactlyOnce(t *testing.T) {
	e, d, b := newOTPTest(t, testConfig(), 15*time.Minute)
	ctx := context.Background()
	target := Target{Handle: "h1", Address: "+15550001111"}

	dispatch, err := e.RequestCode(ctx, FlowLogin, target)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !dispatch.Delivered || dispatch.Channel != ChannelPhone {
		t.Fatalf("unexpected dispatch %+v", dispatch)
	}
	msg := d.last(t)
	if len(msg.Code) != 6 || msg.Address != target.Address {
		t.Fatalf("unexpected message %+v", msg)
	}

	stored := readChallenge(t, b, FlowLogin, "h1")
	if strings.Contains(stored.CodeHash, msg.Code) {
		t.Fatal("code stored in plaintext")
	}

	if err := e.VerifyCode(ctx, FlowLogin, target, msg.Code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !readChallenge(t, b, FlowLogin, "h1").Verified {
		t.Fatal("expected channel to be marked verified")
	}
	if err := e.VerifyCode(ctx, FlowLogin, target, msg.Code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected replay to fail with ErrInvalidCode, got %v", err)
	}
}

func TestWrongCodesLockOut(t *testing.T) {
	e, d, b := newOTPTest(t, testConfig(), 15*time.Minute)
	ctx := context.Background()
	target := Target{Handle: "h2", Address: "a@example.com"}

	if _, err := e.RequestCode(ctx, FlowChangeEmail, target); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := d.last(t).Code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 1; i <= 3; i++ {
		if err := e.VerifyCode(ctx, FlowChangeEmail, target, wrong); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i, err)
		}
		if got := readChallenge(t, b, FlowChangeEmail, "h2").Attempts; got != i {
			t.Fatalf("attempt %d: counter=%d", i, got)
		}
	}

	err := e.VerifyCode(ctx, FlowChangeEmail, target, code)
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts with the right code, got %v", err)
	}
	var lock *LockoutError
	if !errors.As(err, &lock) || lock.RetryAfter <= 0 || lock.RetryAfter > 15*time.Minute+time.Second {
		t.Fatalf("expected lockout bounded by the record lifetime, got %v", err)
	}

	// Asking for a new code does not lift the lock.
	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = e.RequestCode(ctx, FlowChangeEmail, target)
	if !errors.As(err, &lock) || lock.RetryAfter > 13*time.Minute+time.Second {
		t.Fatalf("expected resend to stay locked, got %v", err)
	}
}

func TestResendIntervalAndAttemptCarryOver(t *testing.T) {
	e, d, b := newOTPTest(t, testConfig(), 15*time.Minute)
	ctx := context.Background()
	target := Target{Handle: "h3", Address: "a@example.com"}
	base := time.Now()
	e.now = func() time.Time { return base }

	if _, err := e.RequestCode(ctx, FlowResetPassword, target); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := e.VerifyCode(ctx, FlowResetPassword, target, "not-it"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}

	_, err := e.RequestCode(ctx, FlowResetPassword, target)
	var resend *ResendError
	if !errors.As(err, &resend) || resend.RetryAfter <= 0 {
		t.Fatalf("expected ResendError, got %v", err)
	}

	e.now = func() time.Time { return base.Add(61 * time.Second) }
	if _, err := e.RequestCode(ctx, FlowResetPassword, target); err != nil {
		t.Fatalf("request after interval: %v", err)
	}
	if got := readChallenge(t, b, FlowResetPassword, "h3").Attempts; got != 1 {
		t.Fatalf("attempts reset by resend: %d", got)
	}

	first := d.msgs[0].Code
	second := d.last(t).Code
	if first != second {
		if err := e.VerifyCode(ctx, FlowResetPassword, target, first); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("superseded code accepted: %v", err)
		}
	}
	if err := e.VerifyCode(ctx, FlowResetPassword, target, second); err != nil {
		t.Fatalf("verify latest code: %v", err)
	}
}

func TestResetAttemptsOnResend(t *testing.T) {
	cfg := testConfig()
	cfg.ResetAttemptsOnResend = true
	cfg.ResendInterval = 0
	e, _, b := newOTPTest(t, cfg, 15*time.Minute)
	ctx := context.Background()
	target := Target{Handle: "h4", Address: "+15550002222"}

	if _, err := e.RequestCode(ctx, FlowChangePhone, target); err != nil {
		t.Fatalf("request: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = e.VerifyCode(ctx, FlowChangePhone, target, "x")
	}
	if _, err := e.RequestCode(ctx, FlowChangePhone, target); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if got := readChallenge(t, b, FlowChangePhone, "h4").Attempts; got != 0 {
		t.Fatalf("expected attempts reset, got %d", got)
	}
}

func TestCodeExpiry(t *testing.T) {
	e, d, _ := newOTPTest(t, testConfig(), 15*time.Minute)
	ctx := context.Background()
	target := Target{Handle: "h5", Address: "a@example.com"}

	if _, err := e.RequestCode(ctx, FlowChangePassword, target); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := d.last(t).Code

	e.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	if err := e.VerifyCode(ctx, FlowChangePassword, target, code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestCodeExpiryCappedByOwner(t *testing.T) {
	e, _, _ := newOTPTest(t, testConfig(), time.Minute)

	dispatch, err := e.RequestCode(context.Background(), FlowLogin, Target{Handle: "h6", Address: "+15550003333"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if dispatch.ExpiresAt.After(time.Now().Add(time.Minute)) {
		t.Fatalf("code outlives owner: %v", dispatch.ExpiresAt)
	}
}

func TestTestIdentifiersSkipDeliveryOnly(t *testing.T) {
	cfg := testConfig()
	cfg.TestIdentifiers = map[string]string{"+15559999999": "123456"}
	e, d, _ := newOTPTest(t, cfg, 15*time.Minute)
	ctx := context.Background()
	target := Target{Handle: "h7", Address: "+15559999999"}

	dispatch, err := e.RequestCode(ctx, FlowLogin, target)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if dispatch.Delivered || len(d.msgs) != 0 {
		t.Fatal("test identifier should not be delivered")
	}

	for i := 0; i < 3; i++ {
		_ = e.VerifyCode(ctx, FlowLogin, target, "654321")
	}
	if err := e.VerifyCode(ctx, FlowLogin, target, "123456"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("bypass must not change attempt counting, got %v", err)
	}
}

func TestDeliveryFailureWithdrawsCode(t *testing.T) {
	e, d, b := newOTPTest(t, testConfig(), 15*time.Minute)
	ctx := context.Background()
	target := Target{Handle: "h8", Address: "a@example.com"}

	d.fail = errors.New("smtp down")
	if _, err := e.RequestCode(ctx, FlowChangeEmail, target); !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	if readChallenge(t, b, FlowChangeEmail, "h8").Pending() {
		t.Fatal("undelivered code left pending")
	}

	d.fail = nil
	if _, err := e.RequestCode(ctx, FlowChangeEmail, target); err != nil {
		t.Fatalf("retry after failed delivery: %v", err)
	}
}

func TestVerifyWithoutChallengeIsNotFound(t *testing.T) {
	e, _, _ := newOTPTest(t, testConfig(), 15*time.Minute)
	err := e.VerifyCode(context.Background(), FlowLogin, Target{Handle: "nobody"}, "123456")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.RequestCode(context.Background(), Flow("bogus"), Target{Handle: "h", Address: "a"}); !errors.Is(err, ErrUnknownFlow) {
		t.Fatalf("expected ErrUnknownFlow, got %v", err)
	}
}
