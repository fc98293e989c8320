package vigil

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/vigil/jwt"
	"github.com/MrEthical07/vigil/password"
)

// Config holds every tunable of the engine. Build it with DefaultConfig,
// set secrets, and hand it to Builder.WithConfig. The Builder keeps its own
// copy; later changes to the caller's value have no effect.
type Config struct {
	Tokens       TokenConfig
	JWT          JWTConfig
	Session      SessionConfig
	Registration RegistrationConfig
	LoginOTP     LoginOTPConfig
	OTP          OTPConfig
	Password     PasswordConfig
	Federated    FederatedConfig
	Security     SecurityConfig
	Cookies      CookieConfig
	Timeouts     TimeoutConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
}

/*
====================================
TOKENS
====================================
*/

// TokenConfig keys the opaque token codec. Keys[CurrentVersion] signs new
// tokens; other entries verify only.
type TokenConfig struct {
	CurrentVersion string
	Keys           map[string][]byte
}

// JWTConfig configures access tokens.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

/*
====================================
SESSIONS AND TEMPORAL STATE
====================================
*/

// SessionConfig configures session records and refresh rotation.
type SessionConfig struct {
	RedisPrefix string
	RefreshTTL  time.Duration
	// AbsoluteLifetime caps a session regardless of rotation.
	AbsoluteLifetime time.Duration
}

// RegistrationConfig configures registration records.
type RegistrationConfig struct {
	TTL         time.Duration
	RedisPrefix string
	DefaultRole string
	// AllowedRoles limits the roles a client may request. Empty allows
	// DefaultRole only.
	AllowedRoles []string
}

// LoginOTPConfig configures the login code step.
type LoginOTPConfig struct {
	TTL         time.Duration
	RedisPrefix string
	// RequireForVerifiedPhone makes password logins of accounts with a
	// verified phone go through a code sent to that phone.
	RequireForVerifiedPhone bool
}

// OTPConfig configures code generation and verification for every flow.
type OTPConfig struct {
	Digits                int
	CodeTTL               time.Duration
	ResendInterval        time.Duration
	MaxAttempts           int
	ResetAttemptsOnResend bool
	Secret                []byte
	TestIdentifiers       map[string]string
	// VerificationTTL bounds standalone verification challenges
	// (change-email, reset-password, ...).
	VerificationTTL    time.Duration
	VerificationPrefix string
}

// PasswordConfig holds Argon2id parameters for new hashes. Existing bcrypt
// hashes verify when AcceptBcrypt is set and are rehashed on login when
// UpgradeOnLogin is set.
type PasswordConfig struct {
	Memory         uint32 // KiB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	AcceptBcrypt   bool
	BcryptCost     int
	UpgradeOnLogin bool
}

// FederatedConfig enables provider sign-in. A provider without client ids
// is disabled.
type FederatedConfig struct {
	GoogleClientIDs []string
	AppleClientIDs  []string
	Leeway          time.Duration
	// JWKS URL overrides, for tests and private mirrors.
	GoogleJWKSURL string
	AppleJWKSURL  string
}

/*
====================================
SECURITY
====================================
*/

// SecurityConfig holds throttling and error-surface policy.
type SecurityConfig struct {
	// FoldNotFound reports a missing process or session as 401 instead of
	// 404, so clients cannot learn which handles exist.
	FoldNotFound          bool
	RatePrefix            string
	EnableIPThrottle      bool
	MaxLoginAttempts      int
	LoginCooldown         time.Duration
	EnableRefreshThrottle bool
	MaxRefreshAttempts    int
	RefreshCooldown       time.Duration
}

// CookieConfig names the credential cookies the guards read.
type CookieConfig struct {
	Access          string
	Refresh         string
	Registration    string
	OTPVerification string
}

// TimeoutConfig bounds external calls. RetryBackoff is the wait before the
// single retry of a transient failure.
type TimeoutConfig struct {
	Redis        time.Duration
	Provider     time.Duration
	UserProvider time.Duration
	RetryBackoff time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. Secrets are left empty and must
// be supplied.
func DefaultConfig() Config {
	argon := password.DefaultArgon2Config()
	return Config{
		Tokens: TokenConfig{
			CurrentVersion: "v1",
		},
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
			MaxFutureIAT:  time.Minute,
		},
		Session: SessionConfig{
			RedisPrefix:      "vs",
			RefreshTTL:       14 * 24 * time.Hour,
			AbsoluteLifetime: 90 * 24 * time.Hour,
		},
		Registration: RegistrationConfig{
			TTL:         30 * time.Minute,
			RedisPrefix: "vreg",
			DefaultRole: "member",
		},
		LoginOTP: LoginOTPConfig{
			TTL:                     10 * time.Minute,
			RedisPrefix:             "vlotp",
			RequireForVerifiedPhone: true,
		},
		OTP: OTPConfig{
			Digits:             6,
			CodeTTL:            5 * time.Minute,
			ResendInterval:     60 * time.Second,
			MaxAttempts:        5,
			VerificationTTL:    15 * time.Minute,
			VerificationPrefix: "votp",
		},
		Password: PasswordConfig{
			Memory:         argon.Memory,
			Time:           argon.Time,
			Parallelism:    argon.Parallelism,
			SaltLength:     argon.SaltLength,
			KeyLength:      argon.KeyLength,
			AcceptBcrypt:   true,
			UpgradeOnLogin: true,
		},
		Federated: FederatedConfig{
			Leeway: time.Minute,
		},
		Security: SecurityConfig{
			FoldNotFound:          true,
			RatePrefix:            "vr",
			EnableIPThrottle:      true,
			MaxLoginAttempts:      5,
			LoginCooldown:         15 * time.Minute,
			EnableRefreshThrottle: true,
			MaxRefreshAttempts:    30,
			RefreshCooldown:       time.Minute,
		},
		Cookies: CookieConfig{
			Access:          "access_token",
			Refresh:         "refresh_token",
			Registration:    "registration_token",
			OTPVerification: "otp_verification_token",
		},
		Timeouts: TimeoutConfig{
			Redis:        2 * time.Second,
			Provider:     5 * time.Second,
			UserProvider: 3 * time.Second,
			RetryBackoff: 50 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks cross-field invariants. Component constructors check
// their own inputs again at Build.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Tokens.Keys[c.Tokens.CurrentVersion]) < 32 {
		errs = append(errs, errors.New("Tokens.Keys[CurrentVersion] must be at least 32 bytes"))
	}
	if len(c.OTP.Secret) < 32 {
		errs = append(errs, errors.New("OTP.Secret must be at least 32 bytes"))
	}
	if c.JWT.AccessTTL <= 0 {
		errs = append(errs, errors.New("JWT.AccessTTL must be positive"))
	}
	if c.Session.RefreshTTL <= 0 || c.Session.AbsoluteLifetime < c.Session.RefreshTTL {
		errs = append(errs, errors.New("Session.AbsoluteLifetime must be at least Session.RefreshTTL"))
	}
	if c.JWT.AccessTTL >= c.Session.RefreshTTL {
		errs = append(errs, errors.New("JWT.AccessTTL must be shorter than Session.RefreshTTL"))
	}
	if c.Registration.TTL < time.Minute || c.LoginOTP.TTL < time.Minute {
		errs = append(errs, errors.New("Registration.TTL and LoginOTP.TTL must be at least one minute"))
	}
	if c.OTP.CodeTTL > c.Registration.TTL {
		errs = append(errs, errors.New("OTP.CodeTTL must not exceed Registration.TTL"))
	}
	if c.Registration.DefaultRole == "" {
		errs = append(errs, errors.New("Registration.DefaultRole is required"))
	}
	if c.Security.MaxLoginAttempts <= 0 || c.Security.LoginCooldown <= 0 {
		errs = append(errs, errors.New("Security login throttle requires positive attempts and cooldown"))
	}
	if c.Security.EnableRefreshThrottle && (c.Security.MaxRefreshAttempts <= 0 || c.Security.RefreshCooldown <= 0) {
		errs = append(errs, errors.New("Security refresh throttle requires positive attempts and cooldown"))
	}
	if c.Timeouts.Redis <= 0 || c.Timeouts.Provider <= 0 || c.Timeouts.UserProvider <= 0 {
		errs = append(errs, errors.New("Timeouts must be positive"))
	}
	if c.Cookies.Access == "" || c.Cookies.Refresh == "" || c.Cookies.Registration == "" || c.Cookies.OTPVerification == "" {
		errs = append(errs, errors.New("Cookies names must be set"))
	}
	if m := jwt.SigningMethod(c.JWT.SigningMethod); m != "" && m != jwt.MethodEd25519 && m != jwt.MethodHS256 {
		errs = append(errs, fmt.Errorf("JWT.SigningMethod %q is not supported", c.JWT.SigningMethod))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) allowedRole(role string) bool {
	if role == c.Registration.DefaultRole {
		return true
	}
	for _, r := range c.Registration.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

func cloneConfig(in Config) Config {
	out := in
	out.Tokens.Keys = cloneKeyMap(in.Tokens.Keys)
	out.JWT.PrivateKey = cloneBytes(in.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(in.JWT.PublicKey)
	out.JWT.VerifyKeys = cloneKeyMap(in.JWT.VerifyKeys)
	out.OTP.Secret = cloneBytes(in.OTP.Secret)
	if in.OTP.TestIdentifiers != nil {
		out.OTP.TestIdentifiers = make(map[string]string, len(in.OTP.TestIdentifiers))
		for k, v := range in.OTP.TestIdentifiers {
			out.OTP.TestIdentifiers[k] = v
		}
	}
	out.Registration.AllowedRoles = append([]string(nil), in.Registration.AllowedRoles...)
	out.Federated.GoogleClientIDs = append([]string(nil), in.Federated.GoogleClientIDs...)
	out.Federated.AppleClientIDs = append([]string(nil), in.Federated.AppleClientIDs...)
	return out
}

func cloneKeyMap(in map[string][]byte) map[string][]byte {
	if in == nil {
		return nil
	}
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = cloneBytes(v)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
