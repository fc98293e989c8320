package stores

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testRecord struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Attempts int    `json:"attempts"`
}

func newTemporalTest(t *testing.T) (*Temporal[testRecord], *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewTemporal[testRecord](rdb, "reg"), mr
}

func TestTemporalCreateRead(t *testing.T) {
	s, mr := newTemporalTest(t)
	ctx := context.Background()

	in := testRecord{Email: "a@example.com"}
	if err := s.Create(ctx, "handle-1", in, time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Read(ctx, "handle-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != in {
		t.Fatalf("expected %+v, got %+v", in, got)
	}

	key := s.Key("handle-1")
	if strings.Contains(key, "handle-1") {
		t.Fatalf("raw handle leaked into key %q", key)
	}
	if ttl := mr.TTL(key); ttl <= 9*time.Minute || ttl > 10*time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestTemporalReadAfterTTLIsNotFound(t *testing.T) {
	s, mr := newTemporalTest(t)
	ctx := context.Background()

	if err := s.Create(ctx, "h", testRecord{}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := s.Read(ctx, "h"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Update(ctx, "h", func(r *testRecord, _ time.Time) error {
		r.Verified = true
		return nil
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected update on expired record to be ErrNotFound, got %v", err)
	}
	if mr.Exists(s.Key("h")) {
		t.Fatal("expired record was resurrected")
	}
}

func TestTemporalPastDeadlineWithLiveKeyIsNotFound(t *testing.T) {
	s, _ := newTemporalTest(t)
	ctx := context.Background()

	if err := s.Create(ctx, "h", testRecord{}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := s.Read(ctx, "h"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTemporalUpdatePreservesTTL(t *testing.T) {
	s, mr := newTemporalTest(t)
	ctx := context.Background()

	deadline := time.Now().Add(5 * time.Minute)
	if err := s.Create(ctx, "h", testRecord{}, deadline); err != nil {
		t.Fatalf("create: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	var seen time.Time
	got, err := s.Update(ctx, "h", func(r *testRecord, expiresAt time.Time) error {
		seen = expiresAt
		r.Email = "b@example.com"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Email != "b@example.com" {
		t.Fatalf("unexpected result %+v", got)
	}
	if seen.Unix() != deadline.Unix() {
		t.Fatalf("mutate saw deadline %v, want %v", seen, deadline)
	}
	if ttl := mr.TTL(s.Key("h")); ttl > 5*time.Minute {
		t.Fatalf("ttl was extended: %v", ttl)
	}
}

func TestTemporalUpdateErrorAbortsWrite(t *testing.T) {
	s, _ := newTemporalTest(t)
	ctx := context.Background()

	if err := s.Create(ctx, "h", testRecord{Email: "keep"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	if _, err := s.Update(ctx, "h", func(r *testRecord, _ time.Time) error {
		r.Email = "changed"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}

	got, err := s.Read(ctx, "h")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Email != "keep" {
		t.Fatalf("aborted update was written: %+v", got)
	}
}

func TestTemporalConcurrentUpdatesAreSerialized(t *testing.T) {
	s, _ := newTemporalTest(t)
	ctx := context.Background()

	if err := s.Create(ctx, "h", testRecord{}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "h", func(r *testRecord, _ time.Time) error {
				r.Attempts++
				return nil
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, ErrContention) {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Read(ctx, "h")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Attempts != successes {
		t.Fatalf("lost update: attempts=%d successes=%d", got.Attempts, successes)
	}
}

func TestTemporalCreateNeverOverwrites(t *testing.T) {
	s, _ := newTemporalTest(t)
	ctx := context.Background()

	if err := s.Create(ctx, "h", testRecord{Email: "first"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, "h", testRecord{Email: "second"}, time.Now().Add(time.Minute)); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := s.Create(ctx, "other", testRecord{}, time.Now().Add(-time.Second)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestTemporalUpsertAndDelete(t *testing.T) {
	s, _ := newTemporalTest(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	got, err := s.Upsert(ctx, "h", deadline, func(r *testRecord, _ time.Time) error {
		r.Attempts++
		return nil
	})
	if err != nil || got.Attempts != 1 {
		t.Fatalf("first upsert: %+v %v", got, err)
	}
	got, err = s.Upsert(ctx, "h", time.Now().Add(time.Hour), func(r *testRecord, expiresAt time.Time) error {
		if expiresAt.Unix() != deadline.Unix() {
			t.Errorf("existing deadline replaced: %v", expiresAt)
		}
		r.Attempts++
		return nil
	})
	if err != nil || got.Attempts != 2 {
		t.Fatalf("second upsert: %+v %v", got, err)
	}

	if err := s.Delete(ctx, "h"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "h"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Read(ctx, "h"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTemporalBackendFailureIsUnavailable(t *testing.T) {
	s, mr := newTemporalTest(t)
	mr.Close()

	if _, err := s.Read(context.Background(), "h"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.Update(context.Background(), "h", func(*testRecord, time.Time) error { return nil }); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
