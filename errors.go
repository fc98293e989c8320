package vigil

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedInput marks a missing or badly formatted field. Details
	// are carried by *ValidationError.
	ErrMalformedInput = errors.New("malformed input")
	// ErrUnauthenticated covers every credential failure: missing,
	// tampered, expired, wrong type, failed signature, wrong code.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound means a referenced process or session does not exist.
	// It is reported as 401 unless Security.FoldNotFound is false.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited is returned once an attempt ceiling or resend interval
	// applies. Details are carried by *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidState means a step was attempted before the fields it
	// depends on were set, or after the process completed.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable wraps backend and provider failures that survived the
	// single retry.
	ErrUnavailable = errors.New("service unavailable")

	// ErrUserNotFound is returned by UserProvider lookups that match nothing.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned by UserProvider.CreateUser on a duplicate
	// email, phone, or provider subject.
	ErrUserExists = errors.New("user already exists")
)

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedInput, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrMalformedInput
}

func malformed(fields ...string) error {
	return &ValidationError{Fields: fields}
}

// RateLimitError carries the wait before the next attempt may succeed.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// StateError explains which step precondition failed.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidState, e.Reason)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

func invalidState(reason string) error {
	return &StateError{Reason: reason}
}

// HTTPStatus maps an error returned by this module to a status code.
// NotFound is folded into 401.
func HTTPStatus(err error) int {
	return statusFor(err, true)
}

func statusFor(err error, foldNotFound bool) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMalformedInput), errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		if foldNotFound {
			return http.StatusUnauthorized
		}
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// WriteError renders err as a JSON body with the folded status mapping.
// Messages are fixed per status, so internal causes never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err, true)
}

func writeError(w http.ResponseWriter, err error, foldNotFound bool) {
	status := statusFor(err, foldNotFound)
	body := errorBody{}

	switch status {
	case http.StatusBadRequest:
		body.Error = "bad_request"
		body.Message = "The request is malformed or not valid at this step."
		var ve *ValidationError
		if errors.As(err, &ve) {
			body.Fields = ve.Fields
		}
		var se *StateError
		if errors.As(err, &se) {
			body.Message = se.Reason
		}
	case http.StatusUnauthorized:
		body.Error = "unauthenticated"
		body.Message = "Authentication failed."
	case http.StatusNotFound:
		body.Error = "not_found"
		body.Message = "The referenced process does not exist."
	case http.StatusTooManyRequests:
		body.Error = "rate_limited"
		body.Message = "Too many attempts."
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			secs := int(math.Ceil(rl.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	default:
		body.Error = "unavailable"
		body.Message = "The service is temporarily unavailable."
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
