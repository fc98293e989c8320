package opaque

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type names the purpose a token was issued for. A token is only accepted
// by a verifier expecting the same type.
type Type string

const (
	TypeRegistration    Type = "registration"
	TypeOTPVerification Type = "otp-verification"
	TypeAccess          Type = "access"
	TypeRefresh         Type = "refresh"
)

// Valid reports whether t is one of the known token types.
func (t Type) Valid() bool {
	switch t {
	case TypeRegistration, TypeOTPVerification, TypeAccess, TypeRefresh:
		return true
	default:
		return false
	}
}

const (
	randomSize   = 32
	minSecretLen = 32
	partCount    = 5
	separator    = "."
)

var encoding = base64.RawURLEncoding.Strict()

// Config holds the MAC secrets per token version. Keys[CurrentVersion] signs
// new tokens; any other entry is accepted for verification only, which is how
// secrets are rotated. Dropping a version from Keys retires its tokens.
type Config struct {
	CurrentVersion string
	Keys           map[string][]byte
	// Now overrides the clock used for expiry. Nil means time.Now.
	Now func() time.Time
}

// Metadata is the verified content of an opaque token.
type Metadata struct {
	Type      Type
	Version   string
	Random    string
	ExpiresAt int64
}

// Expiry returns the token expiry as a time value.
func (m Metadata) Expiry() time.Time {
	return time.Unix(m.ExpiresAt, 0)
}

// Remaining returns how long the token stays valid relative to now.
func (m Metadata) Remaining(now time.Time) time.Duration {
	return m.Expiry().Sub(now)
}

// Codec issues and verifies opaque tokens. It is safe for concurrent use.
type Codec struct {
	current string
	keys    map[string][]byte
	now     func() time.Time
}

// NewCodec validates cfg and returns a ready codec. Secrets are copied.
func NewCodec(cfg Config) (*Codec, error) {
	if !validVersion(cfg.CurrentVersion) {
		return nil, errors.New("opaque: invalid current version")
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("opaque: no keys configured")
	}

	keys := make(map[string][]byte, len(cfg.Keys))
	for version, secret := range cfg.Keys {
		if !validVersion(version) {
			return nil, fmt.Errorf("opaque: invalid version %q", version)
		}
		if len(secret) < minSecretLen {
			return nil, fmt.Errorf("opaque: secret for version %q must be at least %d bytes", version, minSecretLen)
		}
		keys[version] = append([]byte(nil), secret...)
	}
	if _, ok := keys[cfg.CurrentVersion]; !ok {
		return nil, errors.New("opaque: current version has no key")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Codec{
		current: cfg.CurrentVersion,
		keys:    keys,
		now:     now,
	}, nil
}

// Issue mints a token of type t that expires after ttl.
func (c *Codec) Issue(t Type, ttl time.Duration) (string, Metadata, error) {
	if !t.Valid() {
		return "", Metadata{}, fmt.Errorf("opaque: unknown token type %q", t)
	}
	if ttl < time.Second {
		return "", Metadata{}, errors.New("opaque: ttl must be at least one second")
	}

	var raw [randomSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", Metadata{}, fmt.Errorf("opaque: read random: %w", err)
	}

	meta := Metadata{
		Type:      t,
		Version:   c.current,
		Random:    encoding.EncodeToString(raw[:]),
		ExpiresAt: c.now().Add(ttl).Unix(),
	}
	exp := strconv.FormatInt(meta.ExpiresAt, 10)
	mac := c.mac(c.keys[c.current], meta.Version, string(meta.Type), exp, meta.Random)

	token := strings.Join([]string{meta.Version, string(meta.Type), exp, meta.Random, mac}, separator)
	return token, meta, nil
}

// Verify checks the token integrity, type, and expiry. Every failure is
// reported as ErrInvalidToken; use ReasonOf to recover the internal cause.
func (c *Codec) Verify(token string, expected Type) (Metadata, error) {
	parts := strings.Split(token, separator)
	if len(parts) != partCount {
		return Metadata{}, invalid(ReasonMalformed)
	}
	version, typ, exp, random, mac := parts[0], parts[1], parts[2], parts[3], parts[4]

	key, ok := c.keys[version]
	if !ok {
		return Metadata{}, invalid(ReasonUnsupportedVersion)
	}

	decoded, err := encoding.DecodeString(random)
	if err != nil || len(decoded) != randomSize {
		return Metadata{}, invalid(ReasonMalformed)
	}

	want := c.mac(key, version, typ, exp, random)
	if subtle.ConstantTimeCompare([]byte(want), []byte(mac)) != 1 {
		return Metadata{}, invalid(ReasonSignature)
	}

	if Type(typ) != expected {
		return Metadata{}, invalid(ReasonTypeMismatch)
	}

	expiresAt, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return Metadata{}, invalid(ReasonMalformed)
	}
	if c.now().Unix() >= expiresAt {
		return Metadata{}, invalid(ReasonExpired)
	}

	return Metadata{
		Type:      Type(typ),
		Version:   version,
		Random:    random,
		ExpiresAt: expiresAt,
	}, nil
}

func (c *Codec) mac(key []byte, version, typ, exp, random string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(version))
	h.Write([]byte{'|'})
	h.Write([]byte(typ))
	h.Write([]byte{'|'})
	h.Write([]byte(exp))
	h.Write([]byte{'|'})
	h.Write([]byte(random))
	return encoding.EncodeToString(h.Sum(nil))
}

// HashRandom returns the digest used to key server-side state for a token.
// The raw token never reaches the backing store.
func HashRandom(random string) [32]byte {
	return sha256.Sum256([]byte(random))
}

func validVersion(v string) bool {
	if v == "" || len(v) > 16 {
		return false
	}
	for i := 0; i < len(v); i++ {
		ch := v[i]
		if (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') {
			return false
		}
	}
	return true
}
