// Command vigil-server serves the identity and credential endpoints over
// HTTP. Without -redis-addr it runs against an in-process miniredis, and
// with -dev it generates ephemeral secrets and logs issued codes.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/vigil"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "listen address")
		redisAddr = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		dev       = flag.Bool("dev", false, "generate missing secrets and log issued codes")
	)
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *addr, *redisAddr, *dev); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, logger *zap.Logger, addr, redisAddr string, dev bool) error {
	cfg, err := vigil.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if dev {
		if err := fillDevSecrets(&cfg); err != nil {
			return err
		}
	}

	client, cleanup, err := openRedis(logger, redisAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	engine, err := vigil.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(logger).
		WithUserProvider(newDirectory()).
		WithDispatcher(&logDispatcher{logger: logger, reveal: dev}).
		WithAuditSink(zapSink{logger: logger.Named("audit")}).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	report := engine.SecurityReport()
	logger.Info("security posture",
		zap.String("signing", report.SigningAlgorithm),
		zap.Strings("federated", report.FederatedProviders),
		zap.Bool("login_throttle", report.LoginThrottleActive),
		zap.Bool("refresh_throttle", report.RefreshThrottleActive),
	)
	for _, w := range report.Warnings {
		logger.Warn("security posture", zap.String("warning", w))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(engine, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openRedis(logger *zap.Logger, addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		logger.Info("using redis", zap.String("addr", addr))
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	logger.Warn("using in-process miniredis; state is lost on exit", zap.String("addr", mr.Addr()))
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

// fillDevSecrets sets every secret the environment left empty.
func fillDevSecrets(cfg *vigil.Config) error {
	if len(cfg.Tokens.Keys[cfg.Tokens.CurrentVersion]) == 0 {
		key, err := randomKey()
		if err != nil {
			return err
		}
		if cfg.Tokens.Keys == nil {
			cfg.Tokens.Keys = map[string][]byte{}
		}
		cfg.Tokens.Keys[cfg.Tokens.CurrentVersion] = key
	}
	if len(cfg.OTP.Secret) == 0 {
		key, err := randomKey()
		if err != nil {
			return err
		}
		cfg.OTP.Secret = key
	}
	if len(cfg.JWT.PrivateKey) > 0 {
		return nil
	}
	if cfg.JWT.SigningMethod == "hs256" {
		key, err := randomKey()
		if err != nil {
			return err
		}
		cfg.JWT.PrivateKey = key
		return nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	cfg.JWT.PrivateKey = priv
	return nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
