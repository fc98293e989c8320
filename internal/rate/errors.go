package rate

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// LimitError reports how long the current window still runs.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error {
	return ErrRateLimited
}
