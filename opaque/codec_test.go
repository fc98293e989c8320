package opaque

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(Config{
		CurrentVersion: "v2",
		Keys: map[string][]byte{
			"v1": []byte(strings.Repeat("a", 32)),
			"v2": []byte(strings.Repeat("b", 32)),
		},
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestCodecRoundTripPerType(t *testing.T) {
	c := newTestCodec(t)
	for _, typ := range []Type{TypeRegistration, TypeOTPVerification, TypeAccess, TypeRefresh} {
		token, issued, err := c.Issue(typ, time.Minute)
		if err != nil {
			t.Fatalf("issue %s: %v", typ, err)
		}
		got, err := c.Verify(token, typ)
		if err != nil {
			t.Fatalf("verify %s: %v", typ, err)
		}
		if got.Random != issued.Random || got.ExpiresAt != issued.ExpiresAt || got.Version != "v2" {
			t.Fatalf("metadata mismatch: issued=%+v got=%+v", issued, got)
		}
	}
}

func TestCodecRejectsOtherType(t *testing.T) {
	c := newTestCodec(t)
	token, _, err := c.Issue(TypeRegistration, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	for _, typ := range []Type{TypeOTPVerification, TypeAccess, TypeRefresh} {
		_, err := c.Verify(token, typ)
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("verify as %s: expected ErrInvalidToken, got %v", typ, err)
		}
		if ReasonOf(err) != ReasonTypeMismatch {
			t.Fatalf("expected type_mismatch, got %q", ReasonOf(err))
		}
	}
}

func TestCodecDetectsSingleCharacterTamper(t *testing.T) {
	c := newTestCodec(t)
	token, _, err := c.Issue(TypeRefresh, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for i := 0; i < len(token); i++ {
		b := []byte(token)
		if b[i] == 'x' {
			b[i] = 'y'
		} else {
			b[i] = 'x'
		}
		if _, err := c.Verify(string(b), TypeRefresh); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("tamper at %d accepted: %q", i, string(b))
		}
	}
}

func TestCodecExpiredMatchesTamperedError(t *testing.T) {
	c := newTestCodec(t)
	base := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return base }

	token, _, err := c.Issue(TypeRegistration, 10*time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	c.now = func() time.Time { return base.Add(10 * time.Second) }
	_, expiredErr := c.Verify(token, TypeRegistration)
	_, tamperedErr := c.Verify(token[:len(token)-1]+"A", TypeRegistration)

	if expiredErr == nil || tamperedErr == nil {
		t.Fatalf("expected both to fail: expired=%v tampered=%v", expiredErr, tamperedErr)
	}
	if expiredErr.Error() != tamperedErr.Error() {
		t.Fatalf("external errors differ: %q vs %q", expiredErr, tamperedErr)
	}
	if ReasonOf(expiredErr) != ReasonExpired {
		t.Fatalf("expected expired reason, got %q", ReasonOf(expiredErr))
	}
}

func TestCodecVersionRotation(t *testing.T) {
	old, err := NewCodec(Config{
		CurrentVersion: "v1",
		Keys:           map[string][]byte{"v1": []byte(strings.Repeat("a", 32))},
	})
	if err != nil {
		t.Fatalf("old codec: %v", err)
	}
	token, _, err := old.Issue(TypeAccess, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	c := newTestCodec(t)
	if _, err := c.Verify(token, TypeAccess); err != nil {
		t.Fatalf("previous version should still verify: %v", err)
	}

	retired, err := NewCodec(Config{
		CurrentVersion: "v2",
		Keys:           map[string][]byte{"v2": []byte(strings.Repeat("b", 32))},
	})
	if err != nil {
		t.Fatalf("retired codec: %v", err)
	}
	_, err = retired.Verify(token, TypeAccess)
	if ReasonOf(err) != ReasonUnsupportedVersion {
		t.Fatalf("expected unsupported_version, got %v (%q)", err, ReasonOf(err))
	}
}

func TestCodecMalformedInputs(t *testing.T) {
	c := newTestCodec(t)
	for _, in := range []string{"", "v2", "v2.access.1.2", "v2.access.1.2.3.4", "v2.access.notanumber.AAAA.BBBB"} {
		if _, err := c.Verify(in, TypeAccess); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("input %q: expected ErrInvalidToken, got %v", in, err)
		}
	}
}

func TestNewCodecValidation(t *testing.T) {
	cases := []Config{
		{},
		{CurrentVersion: "v1"},
		{CurrentVersion: "v1", Keys: map[string][]byte{"v1": []byte("short")}},
		{CurrentVersion: "v1", Keys: map[string][]byte{"v2": []byte(strings.Repeat("a", 32))}},
		{CurrentVersion: "V.1", Keys: map[string][]byte{"V.1": []byte(strings.Repeat("a", 32))}},
	}
	for i, cfg := range cases {
		if _, err := NewCodec(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestIssueRejectsShortTTLAndUnknownType(t *testing.T) {
	c := newTestCodec(t)
	if _, _, err := c.Issue(TypeAccess, 500*time.Millisecond); err == nil {
		t.Fatalf("expected ttl error")
	}
	if _, _, err := c.Issue(Type("bogus"), time.Minute); err == nil {
		t.Fatalf("expected type error")
	}
}
