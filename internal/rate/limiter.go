package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	Prefix                  string
	EnableIPThrottle        bool
	EnableRefreshThrottle   bool
	MaxLoginAttempts        int
	LoginCooldownDuration   time.Duration
	MaxRefreshAttempts      int
	RefreshCooldownDuration time.Duration
}

// Limiter enforces per-identifier and per-IP budgets for failed logins and a
// per-session budget for refresh calls, using fixed-window Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// KEYS[1] counter key, ARGV[1] window ms. Returns {count, pttl}.
const incrementScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`

var incrementLua = redis.NewScript(incrementScript)

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "vr"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// CheckLogin fails with a *LimitError when identifier or ip has used up its
// failed-login budget. It does not count as an attempt.
func (l *Limiter) CheckLogin(ctx context.Context, identifier, ip string) error {
	if err := l.checkCounter(ctx, l.loginKey(identifier)); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		if err := l.checkCounter(ctx, l.loginIPKey(ip)); err != nil {
			return err
		}
	}
	return nil
}

// IncrementLogin records a failed login attempt for identifier and ip.
func (l *Limiter) IncrementLogin(ctx context.Context, identifier, ip string) error {
	if _, _, err := l.increment(ctx, l.loginKey(identifier), l.config.LoginCooldownDuration); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		if _, _, err := l.increment(ctx, l.loginIPKey(ip), l.config.LoginCooldownDuration); err != nil {
			return err
		}
	}
	return nil
}

// ResetLogin clears the identifier counter after a successful login. The IP
// counter is left alone so one good account cannot launder a sprayed IP.
func (l *Limiter) ResetLogin(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, l.loginKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// CheckRefresh counts one refresh for sessionID and fails once the window
// budget is exceeded.
func (l *Limiter) CheckRefresh(ctx context.Context, sessionID string) error {
	if !l.config.EnableRefreshThrottle {
		return nil
	}

	count, ttl, err := l.increment(ctx, l.refreshKey(sessionID), l.config.RefreshCooldownDuration)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxRefreshAttempts) {
		return &LimitError{RetryAfter: ttl}
	}
	return nil
}

// LoginAttempts returns the failed-attempt counter for identifier.
func (l *Limiter) LoginAttempts(ctx context.Context, identifier string) (int, error) {
	count, err := l.redis.Get(ctx, l.loginKey(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < int64(l.config.MaxLoginAttempts) {
		return nil
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl < 0 {
		ttl = l.config.LoginCooldownDuration
	}
	return &LimitError{RetryAfter: ttl}
}

func (l *Limiter) increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementLua.Run(ctx, l.redis, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Identifiers are lower-cased so "Ada@x" and "ada@x" share one budget.
func (l *Limiter) loginKey(identifier string) string {
	return l.config.Prefix + ":l:" + strings.ToLower(strings.TrimSpace(identifier))
}

func (l *Limiter) loginIPKey(ip string) string {
	return l.config.Prefix + ":li:" + ip
}

func (l *Limiter) refreshKey(sessionID string) string {
	return l.config.Prefix + ":rf:" + sessionID
}
