package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/vigil/internal/stores"
	"github.com/redis/go-redis/v9"
)

// StoreBucket keeps standalone challenges in Redis, one record per
// (flow, handle). It backs the verification context, where no other
// temporal record owns the challenge.
type StoreBucket struct {
	store *stores.Temporal[Challenge]
	ttl   time.Duration
}

// NewStoreBucket returns a bucket whose records live for ttl from the first
// code request.
func NewStoreBucket(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *StoreBucket {
	if prefix == "" {
		prefix = "otpv"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &StoreBucket{
		store: stores.NewTemporal[Challenge](redisClient, prefix),
		ttl:   ttl,
	}
}

func (b *StoreBucket) Mutate(ctx context.Context, flow Flow, handle string, _ Channel, create bool, fn ChallengeFunc) error {
	key := string(flow) + ":" + handle
	mutate := stores.MutateFunc[Challenge](fn)

	var err error
	if create {
		_, err = b.store.Upsert(ctx, key, time.Now().Add(b.ttl), mutate)
	} else {
		_, err = b.store.Update(ctx, key, mutate)
	}
	return TranslateStoreError(err)
}

// Clear drops the challenge for (flow, handle).
func (b *StoreBucket) Clear(ctx context.Context, flow Flow, handle string) error {
	return TranslateStoreError(b.store.Delete(ctx, string(flow)+":"+handle))
}

// TranslateStoreError maps temporal store errors to this package's errors.
// Bucket implementations outside this package use it as well.
func TranslateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrNotFound), errors.Is(err, stores.ErrExpired):
		return ErrNotFound
	case errors.Is(err, stores.ErrUnavailable), errors.Is(err, stores.ErrContention):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

