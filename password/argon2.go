package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	argon2Prefix          = "$argon2id$"
)

// Argon2Config holds Argon2id cost parameters. Memory is in KiB.
type Argon2Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Config returns the parameters used when none are configured.
func DefaultArgon2Config() Argon2Config {
	return Argon2Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2 is the memory-hard provider. Output is a PHC string:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
type Argon2 struct {
	config Argon2Config
}

type argon2Params struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func NewArgon2(cfg Argon2Config) (*Argon2, error) {
	switch {
	case cfg.Memory < minMemoryKB:
		return nil, errors.New("argon2 memory must be >= 8192 KiB")
	case cfg.Time < minTimeCost:
		return nil, errors.New("argon2 time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return nil, errors.New("argon2 parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return nil, errors.New("argon2 salt length must be >= 16")
	case cfg.KeyLength < minKeyLength:
		return nil, errors.New("argon2 key length must be >= 16")
	}
	return &Argon2{config: cfg}, nil
}

func (a *Argon2) Hash(plain string) (string, error) {
	if err := checkLength(plain); err != nil {
		return "", err
	}

	salt := make([]byte, a.config.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("argon2 salt: %w", err)
	}

	c := a.config
	key := argon2.IDKey([]byte(plain), salt, c.Time, c.Memory, c.Parallelism, c.KeyLength)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix, argon2.Version, c.Memory, c.Time, c.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the key with the parameters stored in encoded. Raw string
// bytes are used as given; no Unicode normalization is applied.
func (a *Argon2) Verify(plain, encoded string) (bool, error) {
	if len(plain) > maxPassBytes {
		return false, ErrPasswordTooLong
	}
	p, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(plain), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(key, p.hash) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the current configuration.
func (a *Argon2) NeedsUpgrade(encoded string) (bool, error) {
	p, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	c := a.config
	return c.Memory > p.memory ||
		c.Time > p.time ||
		c.Parallelism > p.parallelism ||
		c.KeyLength != uint32(len(p.hash)), nil
}

func (a *Argon2) owns(encoded string) bool {
	return strings.HasPrefix(encoded, argon2Prefix)
}

func decodeArgon2(encoded string) (*argon2Params, error) {
	if !strings.HasPrefix(encoded, argon2Prefix) {
		return nil, ErrUnsupportedHash
	}
	fields := strings.Split(strings.TrimPrefix(encoded, argon2Prefix), "$")
	if len(fields) != 4 {
		return nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[0], "v=%d", &version); err != nil {
		return nil, ErrMalformedHash
	}
	if version != argon2.Version {
		return nil, ErrUnsupportedHash
	}

	p := &argon2Params{}
	if _, err := fmt.Sscanf(fields[1], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.parallelism); err != nil {
		return nil, ErrMalformedHash
	}
	if p.memory < minMemoryKB || p.time < minTimeCost || p.parallelism < minParallelism {
		return nil, ErrMalformedHash
	}

	var err error
	if p.salt, err = decodeB64(fields[2]); err != nil || len(p.salt) < int(minSaltLength) {
		return nil, ErrMalformedHash
	}
	if p.hash, err = decodeB64(fields[3]); err != nil || len(p.hash) == 0 {
		return nil, ErrMalformedHash
	}
	return p, nil
}

// decodeB64 accepts padded and unpadded standard base64 so hashes written by
// older releases keep verifying.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
