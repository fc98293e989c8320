// Command vigil-loadtest drives the session store with reads, refresh
// rotations, and contended rotations of a single refresh token.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/vigil/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type seeded struct {
	id   string
	mu   sync.Mutex
	hash [32]byte
}

func main() {
	var (
		sessions    = flag.Int("sessions", 20000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase")
		races       = flag.Int("races", 200, "tokens presented concurrently by every worker in the race phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "vs-load", "session key prefix")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 || *races < 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	client, cleanup, err := openRedis(*redisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	ctx := context.Background()
	store := session.NewStore(client, *prefix)

	states, err := seed(ctx, store, *sessions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}

	get := runPhase(*ops, *concurrency, func(ctx context.Context, r *rand.Rand, _ int) error {
		_, err := store.Get(ctx, states[r.IntN(len(states))].id)
		return err
	})
	rotate := runPhase(*ops, *concurrency, func(ctx context.Context, r *rand.Rand, i int) error {
		s := states[r.IntN(len(states))]
		s.mu.Lock()
		defer s.mu.Unlock()
		next := derive(s.hash, i)
		if _, err := store.Rotate(ctx, s.hash, next, time.Hour, loadDevice, loadNetwork); err != nil {
			return err
		}
		s.hash = next
		return nil
	})

	fmt.Println("---- results ----")
	printStats("get", get)
	printStats("rotate", rotate)

	if *races > 0 {
		res, err := race(ctx, store, *races, *concurrency)
		if err != nil {
			fmt.Fprintf(os.Stderr, "race: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("race: tokens=%d winners=%d reused=%d gone=%d\n", *races, res.winners, res.reused, res.gone)
		if res.winners != int64(*races) {
			fmt.Fprintln(os.Stderr, "race: expected exactly one winner per token")
			os.Exit(1)
		}
	}
}

func openRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

var (
	loadNetwork = session.NetworkMetadata{
		Hostname: "load.local",
		ClientIP: "198.51.100.10",
		Protocol: "HTTP/1.1",
	}
	loadDevice = session.DeviceInfo{
		Platform:    "loadtest",
		AppVersion:  "0",
		OSVersion:   "0",
		DeviceModel: "loadtest",
	}
)

func newSession(id string, hash [32]byte) *session.Session {
	now := time.Now()
	return &session.Session{
		ID:       id,
		UserID:   "load-" + id,
		RoleName: "member",
		Device:           loadDevice,
		Network:          loadNetwork,
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(24 * time.Hour).Unix(),
		RefreshExpiresAt: now.Add(time.Hour).Unix(),
		RefreshHash:      hash,
	}
}

func seed(ctx context.Context, store *session.Store, n int) ([]*seeded, error) {
	fmt.Printf("seeding %d sessions...\n", n)
	start := time.Now()
	states := make([]*seeded, n)
	for i := range states {
		s := &seeded{id: fmt.Sprintf("sid-%d", i), hash: derive([32]byte{}, i)}
		if err := store.Save(ctx, newSession(s.id, s.hash)); err != nil {
			return nil, err
		}
		states[i] = s
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))
	return states, nil
}

// derive returns a hash unique to (prev, salt).
func derive(prev [32]byte, salt int) [32]byte {
	var buf [40]byte
	copy(buf[:], prev[:])
	binary.BigEndian.PutUint64(buf[32:], uint64(salt))
	return sha256.Sum256(buf[:])
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
}

func runPhase(ops, concurrency int, op func(ctx context.Context, r *rand.Rand, i int) error) phaseStats {
	var (
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)

	g, ctx := errgroup.WithContext(context.Background())
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(w)))
			local := make([]time.Duration, 0, ops/concurrency+1)
			for {
				i := int(cursor.Add(1)) - 1
				if i >= ops {
					break
				}
				t0 := time.Now()
				if err := op(ctx, r, i); err != nil {
					failures.Add(1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

type raceResult struct {
	winners, reused, gone int64
}

// race presents each token from every worker at once. Exactly one rotation
// per token may succeed; the losers see reuse or a revoked session.
func race(ctx context.Context, store *session.Store, tokens, concurrency int) (raceResult, error) {
	var res raceResult
	for t := 0; t < tokens; t++ {
		id := fmt.Sprintf("race-%d", t)
		hash := derive([32]byte{1}, t)
		if err := store.Save(ctx, newSession(id, hash)); err != nil {
			return res, err
		}

		var (
			wins, reused, gone atomic.Int64
			ready              sync.WaitGroup
			startGate          = make(chan struct{})
		)
		g, gctx := errgroup.WithContext(ctx)
		for w := 0; w < concurrency; w++ {
			ready.Add(1)
			g.Go(func() error {
				ready.Done()
				<-startGate
				_, err := store.Rotate(gctx, hash, derive(hash, w+1), time.Hour, loadDevice, loadNetwork)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, session.ErrRefreshReused):
					reused.Add(1)
				case errors.Is(err, session.ErrNotFound):
					gone.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		ready.Wait()
		close(startGate)
		if err := g.Wait(); err != nil {
			return res, err
		}
		if wins.Load() == 1 {
			res.winners++
		}
		res.reused += reused.Load()
		res.gone += gone.Load()
	}
	return res, nil
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	slices.Sort(samples)
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	switch {
	case len(sorted) == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[(len(sorted)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	var perSec float64
	if s.total > 0 {
		perSec = float64(s.ops) / s.total.Seconds()
	}
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		perSec,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
