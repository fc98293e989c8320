package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/MrEthical07/vigil"
	"github.com/MrEthical07/vigil/extract"
)

type valueKey[T any] struct{}

// Value returns the value a Guard[T] attached to ctx.
func Value[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(valueKey[T]{}).(T)
	return v, ok
}

// WithValue attaches v the way Guard[T] does. Handlers under test use it to
// skip the guard.
func WithValue[T any](ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, valueKey[T]{}, v)
}

// Guard extracts one credential with Strategies, checks it with Verify, and
// attaches the result to the request context. Anything else rejects the
// request before the handler runs.
type Guard[T any] struct {
	Strategies []extract.Strategy
	Verify     func(ctx context.Context, credential string) (T, error)

	// OnError writes the rejection. Nil writes vigil.WriteError.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
	// Observe, when set, receives the verification latency and outcome.
	Observe func(d time.Duration, err error)
}

// Middleware returns the guard as net/http middleware.
func (g Guard[T]) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, err := g.check(r)
			if err != nil {
				g.reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithValue(r.Context(), v)))
		})
	}
}

func (g Guard[T]) check(r *http.Request) (T, error) {
	var zero T
	if g.Verify == nil {
		return zero, vigil.ErrUnauthenticated
	}

	start := time.Now()
	credential, ok := extract.Extract(r, g.Strategies...)
	if !ok {
		g.observe(start, vigil.ErrUnauthenticated)
		return zero, vigil.ErrUnauthenticated
	}

	v, err := g.Verify(r.Context(), credential)
	g.observe(start, err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func (g Guard[T]) observe(start time.Time, err error) {
	if g.Observe != nil {
		g.Observe(time.Since(start), err)
	}
}

func (g Guard[T]) reject(w http.ResponseWriter, r *http.Request, err error) {
	if g.OnError != nil {
		g.OnError(w, r, err)
		return
	}
	vigil.WriteError(w, err)
}
