package vigil

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/vigil/federated"
	"github.com/MrEthical07/vigil/internal/audit"
	"github.com/MrEthical07/vigil/internal/rate"
	"github.com/MrEthical07/vigil/internal/stores"
	"github.com/MrEthical07/vigil/jwt"
	"github.com/MrEthical07/vigil/opaque"
	"github.com/MrEthical07/vigil/otp"
	"github.com/MrEthical07/vigil/password"
	"github.com/MrEthical07/vigil/session"
)

// Builder assembles an Engine. It is configured during initialization and
// can be built once.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	logger *zap.Logger

	userProvider UserProvider
	dispatcher   otp.Dispatcher
	auditSink    AuditSink
	verifiers    map[AuthStrategy]IdentityVerifier
	httpClient   *http.Client

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config:    DefaultConfig(),
		verifiers: map[AuthStrategy]IdentityVerifier{},
	}
}

// WithConfig replaces the configuration with a copy of cfg.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client every store uses. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the logger. The default discards everything.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithUserProvider sets the account store. Required.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithDispatcher sets the code transport. Required.
func (b *Builder) WithDispatcher(d otp.Dispatcher) *Builder {
	b.dispatcher = d
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithIdentityVerifier installs v for a federated strategy, replacing the
// verifier Build would otherwise create from Federated config.
func (b *Builder) WithIdentityVerifier(strategy AuthStrategy, v IdentityVerifier) *Builder {
	b.verifiers[strategy] = v
	return b
}

// WithHTTPClient sets the client used for provider key set fetches.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component. The Builder
// cannot be reused afterwards.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if b.dispatcher == nil {
		return nil, errors.New("otp dispatcher required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:       cfg,
		logger:       logger.Named("vigil"),
		redis:        b.redis,
		userProvider: b.userProvider,
		metrics:      NewMetrics(cfg.Metrics),
	}

	// -------- TOKENS --------
	tokens, err := opaque.NewCodec(opaque.Config{
		CurrentVersion: cfg.Tokens.CurrentVersion,
		Keys:           cloneKeyMap(cfg.Tokens.Keys),
	})
	if err != nil {
		return nil, fmt.Errorf("opaque codec: %w", err)
	}
	engine.tokens = tokens

	jm, err := jwt.NewManager(jwt.Config{
		TTL:           cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		MaxFutureIAT:  cfg.JWT.MaxFutureIAT,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cloneKeyMap(cfg.JWT.VerifyKeys),
	})
	if err != nil {
		return nil, fmt.Errorf("jwt manager: %w", err)
	}
	engine.jwtManager = jm

	// -------- PASSWORDS --------
	argon, err := password.NewArgon2(password.Argon2Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("argon2: %w", err)
	}
	var fallbacks []password.Hasher
	if cfg.Password.AcceptBcrypt {
		bc, err := password.NewBcrypt(cfg.Password.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("bcrypt: %w", err)
		}
		fallbacks = append(fallbacks, bc)
	}
	chain, err := password.NewChain(argon, fallbacks...)
	if err != nil {
		return nil, err
	}
	engine.passwords = chain
	if engine.dummyHash, err = chain.Hash("vigil-dummy-password"); err != nil {
		return nil, err
	}

	// -------- STORES --------
	engine.sessions = session.NewStore(b.redis, cfg.Session.RedisPrefix)
	engine.registrations = stores.NewTemporal[RegistrationState](b.redis, cfg.Registration.RedisPrefix)
	engine.logins = stores.NewTemporal[LoginOTPState](b.redis, cfg.LoginOTP.RedisPrefix)
	engine.verification = otp.NewStoreBucket(b.redis, cfg.OTP.VerificationPrefix, cfg.OTP.VerificationTTL)
	engine.rateLimiter = rate.New(b.redis, rate.Config{
		Prefix:                  cfg.Security.RatePrefix,
		EnableIPThrottle:        cfg.Security.EnableIPThrottle,
		EnableRefreshThrottle:   cfg.Security.EnableRefreshThrottle,
		MaxLoginAttempts:        cfg.Security.MaxLoginAttempts,
		LoginCooldownDuration:   cfg.Security.LoginCooldown,
		MaxRefreshAttempts:      cfg.Security.MaxRefreshAttempts,
		RefreshCooldownDuration: cfg.Security.RefreshCooldown,
	})

	// -------- OTP --------
	otpEngine, err := otp.New(otp.Config{
		Digits:                cfg.OTP.Digits,
		CodeTTL:               cfg.OTP.CodeTTL,
		ResendInterval:        cfg.OTP.ResendInterval,
		MaxAttempts:           cfg.OTP.MaxAttempts,
		ResetAttemptsOnResend: cfg.OTP.ResetAttemptsOnResend,
		Secret:                cloneBytes(cfg.OTP.Secret),
		TestIdentifiers:       cfg.OTP.TestIdentifiers,
	}, otp.DefaultMatrix(), map[otp.Context]otp.Bucket{
		otp.ContextRegistration: &registrationBucket{store: engine.registrations},
		otp.ContextVerification: &verificationBucket{logins: engine.logins, standalone: engine.verification},
	}, b.dispatcher)
	if err != nil {
		return nil, err
	}
	engine.otp = otpEngine

	// -------- FEDERATED --------
	ctx, cancel := context.WithCancel(context.Background())
	engine.cancel = cancel
	engine.verifiers, err = b.buildVerifiers(ctx, cfg.Federated)
	if err != nil {
		cancel()
		return nil, err
	}

	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		Logger:     logger.Named("audit"),
	}, b.auditSink)

	b.built = true
	return engine, nil
}

func (b *Builder) buildVerifiers(ctx context.Context, cfg FederatedConfig) (map[AuthStrategy]IdentityVerifier, error) {
	out := make(map[AuthStrategy]IdentityVerifier, 2)
	for k, v := range b.verifiers {
		if !k.Federated() || v == nil {
			return nil, fmt.Errorf("identity verifier for %q is not a federated strategy", k)
		}
		out[k] = v
	}

	build := func(strategy AuthStrategy, fc federated.Config, jwksURL string) error {
		if _, ok := out[strategy]; ok || len(fc.Audiences) == 0 {
			return nil
		}
		if jwksURL != "" {
			fc.JWKSURL = jwksURL
		}
		fc.Leeway = cfg.Leeway
		fc.HTTPClient = b.httpClient
		v, err := federated.NewVerifier(ctx, fc)
		if err != nil {
			return fmt.Errorf("%s verifier: %w", strategy, err)
		}
		out[strategy] = v
		return nil
	}

	if err := build(StrategyGoogle, federated.GoogleConfig(cfg.GoogleClientIDs...), cfg.GoogleJWKSURL); err != nil {
		return nil, err
	}
	if err := build(StrategyApple, federated.AppleConfig(cfg.AppleClientIDs...), cfg.AppleJWKSURL); err != nil {
		return nil, err
	}
	return out, nil
}
