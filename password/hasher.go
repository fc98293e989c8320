package password

import "errors"

const (
	minPassBytes = 10
	maxPassBytes = 1024
)

var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrMalformedHash    = errors.New("malformed password hash")
	ErrUnsupportedHash  = errors.New("unsupported password hash")
)

// Hasher is implemented by both providers. Hashes are self-describing, so a
// Verify call never needs to know which provider produced them.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(plain, encoded string) (bool, error)
	NeedsUpgrade(encoded string) (bool, error)
}

type provider interface {
	Hasher
	owns(encoded string) bool
}

// Chain hashes with its primary provider and verifies with whichever provider
// recognizes the stored hash. A hash from a non-primary provider always needs
// an upgrade, which lets an installation migrate between algorithms on login.
type Chain struct {
	primary provider
	others  []provider
}

// NewChain builds a Chain. primary and every fallback must be *Argon2 or
// *Bcrypt.
func NewChain(primary Hasher, fallbacks ...Hasher) (*Chain, error) {
	p, ok := primary.(provider)
	if !ok || primary == nil {
		return nil, errors.New("password: unsupported primary provider")
	}
	c := &Chain{primary: p}
	for _, f := range fallbacks {
		fp, ok := f.(provider)
		if !ok {
			return nil, errors.New("password: unsupported fallback provider")
		}
		c.others = append(c.others, fp)
	}
	return c, nil
}

func (c *Chain) Hash(plain string) (string, error) {
	return c.primary.Hash(plain)
}

func (c *Chain) Verify(plain, encoded string) (bool, error) {
	p := c.find(encoded)
	if p == nil {
		return false, ErrUnsupportedHash
	}
	return p.Verify(plain, encoded)
}

func (c *Chain) NeedsUpgrade(encoded string) (bool, error) {
	p := c.find(encoded)
	if p == nil {
		return false, ErrUnsupportedHash
	}
	if p != c.primary {
		return true, nil
	}
	return p.NeedsUpgrade(encoded)
}

func (c *Chain) find(encoded string) provider {
	if c.primary.owns(encoded) {
		return c.primary
	}
	for _, p := range c.others {
		if p.owns(encoded) {
			return p
		}
	}
	return nil
}

func checkLength(plain string) error {
	if len(plain) < minPassBytes {
		return ErrPasswordTooShort
	}
	if len(plain) > maxPassBytes {
		return ErrPasswordTooLong
	}
	return nil
}
