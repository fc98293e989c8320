package vigil

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Secrets are read as standard base64 so binary keys survive the
// environment. Unset variables keep the DefaultConfig value.
type envConfig struct {
	TokenVersion       string   `env:"TOKEN_VERSION"        envDefault:"v1"`
	TokenSecret        string   `env:"TOKEN_SECRET"`
	TokenRetiredSecret []string `env:"TOKEN_VERIFY_SECRETS" envSeparator:","`

	JWTSigningMethod string        `env:"JWT_SIGNING_METHOD" envDefault:"ed25519"`
	JWTPrivateKey    string        `env:"JWT_PRIVATE_KEY"`
	JWTPublicKey     string        `env:"JWT_PUBLIC_KEY"`
	JWTIssuer        string        `env:"JWT_ISSUER"`
	JWTAudience      string        `env:"JWT_AUDIENCE"`
	JWTKeyID         string        `env:"JWT_KEY_ID"`
	AccessTTL        time.Duration `env:"JWT_ACCESS_TTL"`

	RefreshTTL       time.Duration `env:"SESSION_REFRESH_TTL"`
	SessionLifetime  time.Duration `env:"SESSION_ABSOLUTE_LIFETIME"`
	RegistrationTTL  time.Duration `env:"REGISTRATION_TTL"`
	DefaultRole      string        `env:"REGISTRATION_DEFAULT_ROLE"`
	AllowedRoles     []string      `env:"REGISTRATION_ALLOWED_ROLES" envSeparator:","`
	LoginOTPTTL      time.Duration `env:"LOGIN_OTP_TTL"`
	RequirePhoneOTP  *bool         `env:"LOGIN_OTP_REQUIRE_FOR_VERIFIED_PHONE"`
	OTPSecret        string        `env:"OTP_SECRET"`
	OTPDigits        int           `env:"OTP_DIGITS"`
	OTPCodeTTL       time.Duration `env:"OTP_CODE_TTL"`
	OTPResend        time.Duration `env:"OTP_RESEND_INTERVAL"`
	OTPMaxAttempts   int           `env:"OTP_MAX_ATTEMPTS"`
	OTPResetOnResend bool          `env:"OTP_RESET_ATTEMPTS_ON_RESEND"`
	// address:code pairs, comma separated.
	OTPTestIdentifiers map[string]string `env:"OTP_TEST_IDENTIFIERS"`

	GoogleClientIDs []string `env:"GOOGLE_CLIENT_IDS" envSeparator:","`
	AppleClientIDs  []string `env:"APPLE_CLIENT_IDS"  envSeparator:","`

	FoldNotFound     *bool         `env:"SECURITY_FOLD_NOT_FOUND"`
	MaxLoginAttempts int           `env:"SECURITY_MAX_LOGIN_ATTEMPTS"`
	LoginCooldown    time.Duration `env:"SECURITY_LOGIN_COOLDOWN"`

	RedisTimeout    time.Duration `env:"TIMEOUT_REDIS"`
	ProviderTimeout time.Duration `env:"TIMEOUT_PROVIDER"`

	AuditEnabled   *bool `env:"AUDIT_ENABLED"`
	MetricsEnabled *bool `env:"METRICS_ENABLED"`
}

// LoadConfigFromEnv returns DefaultConfig overlaid with VIGIL_* variables.
// The result is not validated; Build does that.
func LoadConfigFromEnv() (Config, error) {
	return loadConfigFromEnv(env.Options{Prefix: "VIGIL_"})
}

func loadConfigFromEnv(opts env.Options) (Config, error) {
	var raw envConfig
	if err := env.ParseWithOptions(&raw, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg := DefaultConfig()

	cfg.Tokens.CurrentVersion = raw.TokenVersion
	cfg.Tokens.Keys = map[string][]byte{}
	if raw.TokenSecret != "" {
		secret, err := decodeSecret("TOKEN_SECRET", raw.TokenSecret)
		if err != nil {
			return Config{}, err
		}
		cfg.Tokens.Keys[raw.TokenVersion] = secret
	}
	// Retired versions are given as version=secret.
	for _, entry := range raw.TokenRetiredSecret {
		version, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || version == "" {
			return Config{}, fmt.Errorf("TOKEN_VERIFY_SECRETS entry %q must be version=secret", entry)
		}
		secret, err := decodeSecret("TOKEN_VERIFY_SECRETS", value)
		if err != nil {
			return Config{}, err
		}
		cfg.Tokens.Keys[version] = secret
	}

	cfg.JWT.SigningMethod = raw.JWTSigningMethod
	if raw.JWTPrivateKey != "" {
		key, err := decodeSecret("JWT_PRIVATE_KEY", raw.JWTPrivateKey)
		if err != nil {
			return Config{}, err
		}
		cfg.JWT.PrivateKey = key
	}
	if raw.JWTPublicKey != "" {
		key, err := decodeSecret("JWT_PUBLIC_KEY", raw.JWTPublicKey)
		if err != nil {
			return Config{}, err
		}
		cfg.JWT.PublicKey = key
	}
	cfg.JWT.Issuer = raw.JWTIssuer
	cfg.JWT.Audience = raw.JWTAudience
	cfg.JWT.KeyID = raw.JWTKeyID
	setDuration(&cfg.JWT.AccessTTL, raw.AccessTTL)

	setDuration(&cfg.Session.RefreshTTL, raw.RefreshTTL)
	setDuration(&cfg.Session.AbsoluteLifetime, raw.SessionLifetime)
	setDuration(&cfg.Registration.TTL, raw.RegistrationTTL)
	if raw.DefaultRole != "" {
		cfg.Registration.DefaultRole = raw.DefaultRole
	}
	cfg.Registration.AllowedRoles = raw.AllowedRoles
	setDuration(&cfg.LoginOTP.TTL, raw.LoginOTPTTL)
	setBool(&cfg.LoginOTP.RequireForVerifiedPhone, raw.RequirePhoneOTP)

	if raw.OTPSecret != "" {
		secret, err := decodeSecret("OTP_SECRET", raw.OTPSecret)
		if err != nil {
			return Config{}, err
		}
		cfg.OTP.Secret = secret
	}
	if raw.OTPDigits > 0 {
		cfg.OTP.Digits = raw.OTPDigits
	}
	setDuration(&cfg.OTP.CodeTTL, raw.OTPCodeTTL)
	setDuration(&cfg.OTP.ResendInterval, raw.OTPResend)
	if raw.OTPMaxAttempts > 0 {
		cfg.OTP.MaxAttempts = raw.OTPMaxAttempts
	}
	cfg.OTP.ResetAttemptsOnResend = raw.OTPResetOnResend
	cfg.OTP.TestIdentifiers = raw.OTPTestIdentifiers

	cfg.Federated.GoogleClientIDs = raw.GoogleClientIDs
	cfg.Federated.AppleClientIDs = raw.AppleClientIDs

	setBool(&cfg.Security.FoldNotFound, raw.FoldNotFound)
	if raw.MaxLoginAttempts > 0 {
		cfg.Security.MaxLoginAttempts = raw.MaxLoginAttempts
	}
	setDuration(&cfg.Security.LoginCooldown, raw.LoginCooldown)

	setDuration(&cfg.Timeouts.Redis, raw.RedisTimeout)
	setDuration(&cfg.Timeouts.Provider, raw.ProviderTimeout)

	setBool(&cfg.Audit.Enabled, raw.AuditEnabled)
	setBool(&cfg.Metrics.Enabled, raw.MetricsEnabled)

	return cfg, nil
}

func decodeSecret(name, value string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%s must be standard base64: %w", name, err)
	}
	return b, nil
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
