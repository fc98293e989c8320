package federated

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidAssertion covers every verification failure: signature,
	// algorithm, issuer, audience, expiry, unknown key, or bad claims.
	ErrInvalidAssertion = errors.New("invalid identity assertion")
	// ErrKeysUnavailable means the provider key set could not be fetched.
	ErrKeysUnavailable = errors.New("identity provider keys unavailable")

	errUnknownKey = errors.New("key id not published")
)

const (
	defaultFetchTimeout       = 5 * time.Second
	defaultLeeway             = 60 * time.Second
	defaultMinRefreshInterval = 10 * time.Second
)

// Config describes one provider.
type Config struct {
	Provider Provider
	// Issuers lists accepted iss values; any match is accepted.
	Issuers []string
	// Audiences lists accepted client ids; the assertion must name one.
	Audiences []string
	JWKSURL   string
	Leeway    time.Duration
	// FetchTimeout bounds each key set fetch.
	FetchTimeout time.Duration
	// MinRefreshInterval is the minimum gap between forced refreshes
	// triggered by unknown key ids or signature failures.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
}

// Verifier checks assertions from one provider against its published keys.
type Verifier struct {
	cfg   Config
	cache *jwk.Cache
	group singleflight.Group
	parse func(jwt.MapClaims) (Profile, error)

	mu            sync.Mutex
	registered    bool
	lastRefreshed time.Time
}

// NewVerifier builds a verifier with its own key cache. ctx bounds the
// lifetime of the cache's background refresh loop.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("federated: JWKS URL is required")
	}
	if len(cfg.Issuers) == 0 || len(cfg.Audiences) == 0 {
		return nil, errors.New("federated: issuers and audiences are required")
	}
	mapper, ok := mappers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("federated: unsupported provider %q", cfg.Provider)
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultLeeway
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = defaultMinRefreshInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.FetchTimeout}
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("federated: create JWKS cache: %w", err)
	}

	return &Verifier{cfg: cfg, cache: cache, parse: mapper}, nil
}

// Provider returns the provider this verifier is configured for.
func (v *Verifier) Provider() Provider {
	return v.cfg.Provider
}

// Verify validates assertion and returns the normalized profile. An
// unknown key id or a signature that fails under the cached key triggers
// one refresh of the key set before the assertion is rejected.
func (v *Verifier) Verify(ctx context.Context, assertion string) (Profile, error) {
	if strings.TrimSpace(assertion) == "" {
		return Profile{}, ErrInvalidAssertion
	}

	claims, err := v.parseSigned(ctx, assertion)
	if err != nil && staleKeys(err) {
		if _, rerr := v.refresh(ctx); rerr != nil {
			return Profile{}, rerr
		}
		claims, err = v.parseSigned(ctx, assertion)
	}
	if err != nil {
		if errors.Is(err, ErrKeysUnavailable) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	if err := v.checkIssuerAudience(claims); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	profile, err := v.parse(claims)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	profile.Provider = v.cfg.Provider
	return profile, nil
}

func (v *Verifier) parseSigned(ctx context.Context, assertion string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("assertion header missing kid")
		}
		return v.key(ctx, kid)
	})
	return claims, err
}

// staleKeys reports failures a newer key set could resolve.
func staleKeys(err error) bool {
	if errors.Is(err, ErrKeysUnavailable) {
		return false
	}
	return errors.Is(err, errUnknownKey) || errors.Is(err, jwt.ErrTokenSignatureInvalid)
}

func (v *Verifier) checkIssuerAudience(claims jwt.MapClaims) error {
	iss, err := claims.GetIssuer()
	if err != nil {
		return err
	}
	if !contains(v.cfg.Issuers, iss) {
		return fmt.Errorf("unexpected issuer %q", iss)
	}

	auds, err := claims.GetAudience()
	if err != nil {
		return err
	}
	for _, aud := range auds {
		if contains(v.cfg.Audiences, aud) {
			return nil
		}
	}
	return errors.New("audience not accepted")
}

func (v *Verifier) key(ctx context.Context, kid string) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	set, err := v.cache.Lookup(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export key: %w", err)
	}
	return raw, nil
}

// refresh forces a key set fetch. Concurrent callers share one fetch, and
// fetches closer together than MinRefreshInterval reuse the cached set.
func (v *Verifier) refresh(ctx context.Context) (jwk.Set, error) {
	out, err, _ := v.group.Do("refresh", func() (any, error) {
		v.mu.Lock()
		recent := time.Since(v.lastRefreshed) < v.cfg.MinRefreshInterval
		v.mu.Unlock()
		if recent {
			return v.cache.Lookup(ctx, v.cfg.JWKSURL)
		}

		fetchCtx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
		defer cancel()
		set, err := v.cache.Refresh(fetchCtx, v.cfg.JWKSURL)
		if err != nil {
			return nil, err
		}

		v.mu.Lock()
		v.lastRefreshed = time.Now()
		v.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	return out.(jwk.Set), nil
}

// ensureRegistered registers the key set URL on first use. A failed
// registration is retried on the next call.
func (v *Verifier) ensureRegistered(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	defer cancel()

	if err := v.cache.Register(regCtx, v.cfg.JWKSURL); err != nil {
		return fmt.Errorf("%w: register JWKS URL: %v", ErrKeysUnavailable, err)
	}
	v.registered = true
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
