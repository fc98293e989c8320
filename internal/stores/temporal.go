package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxRetries = 4

var (
	ErrNotFound    = errors.New("temporal record not found")
	ErrExists      = errors.New("temporal record already exists")
	ErrExpired     = errors.New("temporal record deadline already passed")
	ErrContention  = errors.New("temporal record update contention")
	ErrUnavailable = errors.New("temporal store backend unavailable")
)

// MutateFunc edits state in place. expiresAt is the record deadline, which
// mutations cannot extend. Returning an error aborts the write. The function
// runs again on contention, so anything it captures must be reset per call.
type MutateFunc[T any] func(state *T, expiresAt time.Time) error

type envelope[T any] struct {
	ExpiresAt int64 `json:"exp"`
	State     T     `json:"state"`
}

// Temporal stores one JSON record per in-flight process. Keys are derived
// from a digest of the handle, so the raw handle is never written to Redis.
// Every record lives exactly until the deadline given at creation.
type Temporal[T any] struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewTemporal[T any](redisClient redis.UniversalClient, prefix string) *Temporal[T] {
	if prefix == "" {
		prefix = "tmp"
	}
	return &Temporal[T]{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

// Key returns the Redis key for handle.
func (s *Temporal[T]) Key(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

// Create writes a new record that expires at expiresAt. It never overwrites.
func (s *Temporal[T]) Create(ctx context.Context, handle string, state T, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrExpired
	}

	data, err := json.Marshal(envelope[T]{ExpiresAt: expiresAt.Unix(), State: state})
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.Key(handle), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Read returns the current state. A missing or past-deadline record is
// ErrNotFound.
func (s *Temporal[T]) Read(ctx context.Context, handle string) (T, error) {
	var zero T

	data, err := s.redis.Get(ctx, s.Key(handle)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	env, err := s.decode(data)
	if err != nil {
		return zero, err
	}
	if !s.live(env) {
		_ = s.redis.Del(ctx, s.Key(handle)).Err()
		return zero, ErrNotFound
	}
	return env.State, nil
}

// Update applies mutate atomically to an existing record and returns the
// stored result. Concurrent updates of the same handle are serialized with
// WATCH/MULTI; losers retry against the fresh value.
func (s *Temporal[T]) Update(ctx context.Context, handle string, mutate MutateFunc[T]) (T, error) {
	return s.modify(ctx, handle, time.Time{}, mutate)
}

// Upsert is Update that starts from a zero state expiring at expiresAt when
// no record exists. An existing record keeps its own deadline.
func (s *Temporal[T]) Upsert(ctx context.Context, handle string, expiresAt time.Time, mutate MutateFunc[T]) (T, error) {
	if !expiresAt.After(s.now()) {
		var zero T
		return zero, ErrExpired
	}
	return s.modify(ctx, handle, expiresAt, mutate)
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *Temporal[T]) Delete(ctx context.Context, handle string) error {
	if err := s.redis.Del(ctx, s.Key(handle)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Temporal[T]) modify(ctx context.Context, handle string, createAt time.Time, mutate MutateFunc[T]) (T, error) {
	key := s.Key(handle)

	for i := 0; i < maxRetries; i++ {
		var (
			result        T
			rejectedWrite bool
		)
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			var env envelope[T]

			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				if createAt.IsZero() {
					return ErrNotFound
				}
				env.ExpiresAt = createAt.Unix()
			case err != nil:
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			default:
				if env, err = s.decode(data); err != nil {
					return err
				}
				if !s.live(env) {
					return ErrNotFound
				}
			}

			deadline := time.Unix(env.ExpiresAt, 0)
			if err := mutate(&env.State, deadline); err != nil {
				rejectedWrite = true
				return err
			}

			ttl := deadline.Sub(s.now())
			if ttl <= 0 {
				return ErrNotFound
			}
			updated, err := json.Marshal(env)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			result = env.State
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			var zero T
			if rejectedWrite || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
				return zero, err
			}
			return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return result, nil
	}

	var zero T
	return zero, ErrContention
}

func (s *Temporal[T]) decode(data []byte) (envelope[T], error) {
	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode temporal record: %w", err)
	}
	return env, nil
}

func (s *Temporal[T]) live(env envelope[T]) bool {
	return s.now().Unix() < env.ExpiresAt
}
