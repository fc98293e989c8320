package otp

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidMatrix   = errors.New("otp: invalid flow matrix")
	ErrUnknownFlow     = errors.New("otp: unknown flow")
	ErrInvalidTarget   = errors.New("otp: handle and address are required")
	ErrNotFound        = errors.New("otp: challenge owner not found")
	ErrInvalidCode     = errors.New("otp: invalid code")
	ErrCodeExpired     = errors.New("otp: code expired")
	ErrTooManyAttempts = errors.New("otp: too many attempts")
	ErrResendTooSoon   = errors.New("otp: resend requested too soon")
	ErrDelivery        = errors.New("otp: delivery failed")
	ErrUnavailable     = errors.New("otp: backend unavailable")
)

// ResendError carries the time a caller must wait before requesting again.
type ResendError struct {
	RetryAfter time.Duration
}

func (e *ResendError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrResendTooSoon, e.RetryAfter.Round(time.Second))
}

func (e *ResendError) Unwrap() error {
	return ErrResendTooSoon
}

// LockoutError reports an exhausted attempt budget. The lock lasts until
// the record owning the challenge expires.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrTooManyAttempts, e.RetryAfter.Round(time.Second))
}

func (e *LockoutError) Unwrap() error {
	return ErrTooManyAttempts
}

func lockout(ownerExpiresAt, now time.Time) *LockoutError {
	wait := ownerExpiresAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return &LockoutError{RetryAfter: wait}
}
