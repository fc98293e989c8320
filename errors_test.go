package vigil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{malformed("email"), http.StatusBadRequest},
		{invalidState("email must be added first"), http.StatusBadRequest},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("load: %w", ErrUnauthenticated), http.StatusUnauthorized},
		{ErrNotFound, http.StatusUnauthorized},
		{&RateLimitError{RetryAfter: time.Second}, http.StatusTooManyRequests},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("anything else"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}

	if got := statusFor(ErrNotFound, false); got != http.StatusNotFound {
		t.Fatalf("expected unfolded 404, got %d", got)
	}
}

func TestWriteErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, malformed("email", "password"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "bad_request" || len(body.Fields) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWriteErrorRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &RateLimitError{RetryAfter: 1500 * time.Millisecond})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
}

func TestWriteErrorHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("%w: dial tcp 10.0.0.3:6379: refused", ErrUnavailable))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Message != "The service is temporarily unavailable." {
		t.Fatalf("internal cause leaked: %q", body.Message)
	}
}

func TestEngineErrorFolding(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.Security.FoldNotFound = false })

	if got := e.HTTPStatus(ErrNotFound); got != http.StatusNotFound {
		t.Fatalf("expected 404 with folding disabled, got %d", got)
	}
	rec := httptest.NewRecorder()
	e.WriteError(rec, ErrNotFound)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %d", rec.Code)
	}
}
