package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the signature algorithm for access tokens.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// ErrInvalidToken wraps every verification failure returned by Verify.
var ErrInvalidToken = errors.New("invalid signed token")

// Config configures a Manager. PrivateKey is the HS256 secret or the Ed25519
// private key (raw or PEM). VerifyKeys maps a kid to a verification key and
// enables key rotation: tokens must then carry a kid present in the map.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Claims is the minimal access claim set: subject, session id, and role.
type Claims struct {
	SessionID string `json:"sid"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access tokens. It holds no mutable state.
type Manager struct {
	config    Config
	signKey   interface{}
	verifyKey interface{}
	verifyMap map[string]interface{}
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
		m.signKey = cfg.PrivateKey
		m.verifyKey = cfg.PrivateKey
	case MethodEd25519, "":
		m.config.SigningMethod = MethodEd25519
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return nil, err
			}
			m.signKey = priv
			if len(cfg.PublicKey) == 0 {
				m.verifyKey = priv.Public()
			}
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return nil, err
			}
			m.verifyKey = pub
		}
		if m.verifyKey == nil && len(cfg.VerifyKeys) == 0 {
			return nil, errors.New("ed25519 requires a public key or verify key set")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	if len(cfg.VerifyKeys) > 0 {
		m.verifyMap = make(map[string]interface{}, len(cfg.VerifyKeys))
		for kid, raw := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			key, err := m.verifyKeyFromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
			}
			m.verifyMap[kid] = key
		}
		if cfg.KeyID != "" {
			if _, ok := m.verifyMap[cfg.KeyID]; !ok {
				return nil, errors.New("KeyID is not present in VerifyKeys")
			}
		}
	}

	return m, nil
}

// TTL returns the configured access token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Issue signs an access token for subject bound to sessionID and role.
func (m *Manager) Issue(subject, sessionID, role string) (string, error) {
	return m.IssueWithTTL(subject, sessionID, role, m.config.TTL)
}

// IssueWithTTL is Issue with an explicit lifetime.
func (m *Manager) IssueWithTTL(subject, sessionID, role string, ttl time.Duration) (string, error) {
	if m.signKey == nil {
		return "", errors.New("manager has no signing key")
	}
	if subject == "" || sessionID == "" {
		return "", errors.New("subject and session id are required")
	}
	if ttl <= 0 {
		return "", errors.New("invalid TTL")
	}

	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method(), claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	return token.SignedString(m.signKey)
}

// Verify checks signature, algorithm, kid, issuer, audience, and expiry and
// returns the claims. All failures wrap ErrInvalidToken.
func (m *Manager) Verify(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, m.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing subject or session", ErrInvalidToken)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(time.Now().Add(m.config.MaxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalidToken)
	}

	return claims, nil
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != m.method().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	kid, _ := t.Header["kid"].(string)
	if m.verifyMap != nil {
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.verifyMap[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	}

	if m.config.KeyID != "" && kid != m.config.KeyID {
		return nil, errors.New("unknown kid")
	}
	return m.verifyKey, nil
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) verifyKeyFromBytes(key []byte) (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return key, nil
	}
	return parseEdPublicKey(key)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
