package otp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/vigil/internal"
)

// Config controls code generation, delivery pacing, and lockout.
type Config struct {
	Digits                int
	CodeTTL               time.Duration
	ResendInterval        time.Duration
	MaxAttempts           int
	ResetAttemptsOnResend bool
	// Secret keys the code hash. At least 32 bytes.
	Secret []byte
	// TestIdentifiers maps an address to a fixed code. Delivery is skipped
	// for these addresses; hashing, expiry, and attempt counting are not.
	TestIdentifiers map[string]string
}

// DefaultConfig returns conservative defaults; Secret must still be set.
func DefaultConfig() Config {
	return Config{
		Digits:         6,
		CodeTTL:        5 * time.Minute,
		ResendInterval: 60 * time.Second,
		MaxAttempts:    5,
	}
}

// Message is handed to the Dispatcher for delivery.
type Message struct {
	Flow    Flow
	Context Context
	Channel Channel
	Address string
	Code    string
	// ExpiresAt is when the code stops being accepted.
	ExpiresAt time.Time
}

// Dispatcher delivers codes over email or SMS.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg Message) error

func (f DispatcherFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Target identifies whose challenge is addressed: Handle is the owning
// record handle and Address the email or phone number codes go to.
type Target struct {
	Handle  string
	Address string
}

// Dispatch describes an issued code without revealing it.
type Dispatch struct {
	Flow        Flow
	Context     Context
	Channel     Channel
	ExpiresAt   time.Time
	ResendAfter time.Time
	// Delivered is false when delivery was skipped for a test identifier.
	Delivered bool
}

// Engine issues and verifies one-time codes.
type Engine struct {
	cfg        Config
	matrix     Matrix
	buckets    map[Context]Bucket
	dispatcher Dispatcher
	now        func() time.Time
}

// New validates cfg and matrix and returns an engine. Every context used by
// the matrix must have a bucket.
func New(cfg Config, matrix Matrix, buckets map[Context]Bucket, dispatcher Dispatcher) (*Engine, error) {
	if err := matrix.Validate(); err != nil {
		return nil, err
	}
	if cfg.Digits < 4 || cfg.Digits > 10 {
		return nil, errors.New("otp: digits must be between 4 and 10")
	}
	if cfg.CodeTTL <= 0 || cfg.MaxAttempts <= 0 || cfg.ResendInterval < 0 {
		return nil, errors.New("otp: invalid ttl, attempts, or resend interval")
	}
	if len(cfg.Secret) < 32 {
		return nil, errors.New("otp: secret must be at least 32 bytes")
	}
	if dispatcher == nil {
		return nil, errors.New("otp: dispatcher is required")
	}
	for address, code := range cfg.TestIdentifiers {
		if len(code) != cfg.Digits || !internal.IsNumeric(code) {
			return nil, fmt.Errorf("otp: test code for %q must be %d digits", address, cfg.Digits)
		}
	}
	for _, r := range matrix {
		if buckets[r.Context] == nil {
			return nil, fmt.Errorf("otp: no bucket for context %q", r.Context)
		}
	}

	test := make(map[string]string, len(cfg.TestIdentifiers))
	for k, v := range cfg.TestIdentifiers {
		test[k] = v
	}
	cfg.TestIdentifiers = test
	cfg.Secret = append([]byte(nil), cfg.Secret...)

	b := make(map[Context]Bucket, len(buckets))
	for k, v := range buckets {
		b[k] = v
	}

	return &Engine{
		cfg:        cfg,
		matrix:     matrix.clone(),
		buckets:    b,
		dispatcher: dispatcher,
		now:        time.Now,
	}, nil
}

// Route returns the (context, channel) pair of flow.
func (e *Engine) Route(flow Flow) (Route, error) {
	r, ok := e.matrix[flow]
	if !ok {
		return Route{}, ErrUnknownFlow
	}
	return r, nil
}

// RequestCode issues a fresh code for target and hands it to the dispatcher.
// The previous code, if any, stops being accepted.
func (e *Engine) RequestCode(ctx context.Context, flow Flow, target Target) (Dispatch, error) {
	route, err := e.Route(flow)
	if err != nil {
		return Dispatch{}, err
	}
	if target.Handle == "" || target.Address == "" {
		return Dispatch{}, ErrInvalidTarget
	}

	code, isTest := e.cfg.TestIdentifiers[target.Address]
	if !isTest {
		if code, err = internal.NewNumericCode(e.cfg.Digits); err != nil {
			return Dispatch{}, fmt.Errorf("otp: generate code: %w", err)
		}
	}
	hash := e.hash(flow, target.Handle, code)

	var out Dispatch
	err = e.buckets[route.Context].Mutate(ctx, flow, target.Handle, route.Channel, true, func(ch *Challenge, ownerExpiresAt time.Time) error {
		now := e.now()
		if ch.LastSentAt != 0 {
			next := time.Unix(ch.LastSentAt, 0).Add(e.cfg.ResendInterval)
			if now.Before(next) {
				return &ResendError{RetryAfter: next.Sub(now)}
			}
		}
		if e.cfg.ResetAttemptsOnResend {
			ch.Attempts = 0
		} else if ch.Attempts >= e.cfg.MaxAttempts {
			return lockout(ownerExpiresAt, now)
		}

		expiresAt := now.Add(e.cfg.CodeTTL)
		if ownerExpiresAt.Before(expiresAt) {
			expiresAt = ownerExpiresAt
		}
		if !expiresAt.After(now) {
			return ErrCodeExpired
		}

		if ch.Address != target.Address {
			ch.Verified = false
		}
		ch.Address = target.Address
		ch.CodeHash = hash
		ch.CodeExpiresAt = expiresAt.Unix()
		ch.LastSentAt = now.Unix()

		out = Dispatch{
			Flow:        flow,
			Context:     route.Context,
			Channel:     route.Channel,
			ExpiresAt:   expiresAt,
			ResendAfter: now.Add(e.cfg.ResendInterval),
		}
		return nil
	})
	if err != nil {
		return Dispatch{}, err
	}

	if isTest {
		return out, nil
	}

	msg := Message{
		Flow:      flow,
		Context:   route.Context,
		Channel:   route.Channel,
		Address:   target.Address,
		Code:      code,
		ExpiresAt: out.ExpiresAt,
	}
	if err := e.dispatcher.Send(ctx, msg); err != nil {
		e.withdraw(ctx, flow, route, target.Handle, hash)
		return Dispatch{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	out.Delivered = true
	return out, nil
}

// VerifyCode checks code against the pending challenge for target. A wrong
// code costs one attempt; once MaxAttempts is reached every call fails with
// a *LockoutError (ErrTooManyAttempts), including with the right code. A
// successful check consumes the code and marks the channel verified.
func (e *Engine) VerifyCode(ctx context.Context, flow Flow, target Target, code string) error {
	route, err := e.Route(flow)
	if err != nil {
		return err
	}
	if target.Handle == "" {
		return ErrInvalidTarget
	}
	hash := e.hash(flow, target.Handle, code)

	var outcome error
	err = e.buckets[route.Context].Mutate(ctx, flow, target.Handle, route.Channel, false, func(ch *Challenge, ownerExpiresAt time.Time) error {
		outcome = nil
		now := e.now()

		if ch.Attempts >= e.cfg.MaxAttempts {
			outcome = lockout(ownerExpiresAt, now)
			return nil
		}
		if !ch.Pending() {
			outcome = ErrInvalidCode
			return nil
		}
		if now.Unix() >= ch.CodeExpiresAt {
			outcome = ErrCodeExpired
			return nil
		}

		ch.LastAttemptAt = now.Unix()
		addressOK := target.Address == "" || target.Address == ch.Address
		if !addressOK || subtle.ConstantTimeCompare([]byte(hash), []byte(ch.CodeHash)) != 1 {
			ch.Attempts++
			outcome = ErrInvalidCode
			return nil
		}

		ch.CodeHash = ""
		ch.CodeExpiresAt = 0
		ch.Verified = true
		return nil
	})
	if err != nil {
		return err
	}
	return outcome
}

// withdraw invalidates a code whose delivery failed so the resend interval
// does not block a retry.
func (e *Engine) withdraw(ctx context.Context, flow Flow, route Route, handle, hash string) {
	_ = e.buckets[route.Context].Mutate(ctx, flow, handle, route.Channel, false, func(ch *Challenge, _ time.Time) error {
		if ch.CodeHash == hash {
			ch.CodeHash = ""
			ch.CodeExpiresAt = 0
			ch.LastSentAt = 0
		}
		return nil
	})
}

func (e *Engine) hash(flow Flow, handle, code string) string {
	mac := hmac.New(sha256.New, e.cfg.Secret)
	mac.Write([]byte(flow))
	mac.Write([]byte{0})
	mac.Write([]byte(handle))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}
