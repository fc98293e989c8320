package vigil

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/vigil/otp"
)

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]UserRecord

	createErr    error
	createCalls  int
	passwordSets int
}

func newMemoryUsers(records ...UserRecord) *memoryUsers {
	m := &memoryUsers{users: map[string]UserRecord{}}
	for _, r := range records {
		m.users[r.UserID] = r
	}
	return m
}

func (m *memoryUsers) find(match func(UserRecord) bool) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (m *memoryUsers) FindUserByEmail(_ context.Context, email string) (UserRecord, error) {
	return m.find(func(u UserRecord) bool { return u.Email != "" && u.Email == email })
}

func (m *memoryUsers) FindUserByPhone(_ context.Context, phone string) (UserRecord, error) {
	return m.find(func(u UserRecord) bool { return u.Phone != "" && u.Phone == phone })
}

func (m *memoryUsers) FindUserByProvider(_ context.Context, provider AuthStrategy, subject string) (UserRecord, error) {
	return m.find(func(u UserRecord) bool { return u.AuthProvider == provider && u.ProviderSubject == subject })
}

func (m *memoryUsers) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (m *memoryUsers) CreateUser(_ context.Context, in CreateUserInput) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return UserRecord{}, m.createErr
	}
	for _, u := range m.users {
		if (in.Email != "" && u.Email == in.Email) || (in.Phone != "" && u.Phone == in.Phone) {
			return UserRecord{}, ErrUserExists
		}
	}
	rec := UserRecord{
		UserID:          in.UserID,
		RoleName:        in.RoleName,
		AuthProvider:    in.AuthProvider,
		ProviderSubject: in.ProviderSubject,
		Email:           in.Email,
		EmailVerified:   in.EmailVerified,
		Phone:           in.Phone,
		PhoneVerified:   in.PhoneVerified,
		PasswordHash:    in.PasswordHash,
	}
	m.users[rec.UserID] = rec
	return rec, nil
}

func (m *memoryUsers) update(userID string, fn func(*UserRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	fn(&u)
	m.users[userID] = u
	return nil
}

func (m *memoryUsers) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	return m.update(userID, func(u *UserRecord) {
		u.PasswordHash = hash
		m.passwordSets++
	})
}

func (m *memoryUsers) UpdateEmail(_ context.Context, userID, email string) error {
	return m.update(userID, func(u *UserRecord) { u.Email = email; u.EmailVerified = true })
}

func (m *memoryUsers) UpdatePhone(_ context.Context, userID, phone string) error {
	return m.update(userID, func(u *UserRecord) { u.Phone = phone; u.PhoneVerified = true })
}

func (m *memoryUsers) get(userID string) UserRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID]
}

// outbox records every dispatched code.
type outbox struct {
	mu   sync.Mutex
	msgs []otp.Message
	err  error
}

func (o *outbox) Send(_ context.Context, msg otp.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) lastCode(t *testing.T, address string) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.msgs) - 1; i >= 0; i-- {
		if o.msgs[i].Address == address {
			return o.msgs[i].Code
		}
	}
	t.Fatalf("no code sent to %s", address)
	return ""
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

type testEnv struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	users *memoryUsers
	out   *outbox
	sink  *ChannelSink
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func testConfig(t *testing.T) Config {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Tokens.Keys = map[string][]byte{"v1": bytes.Repeat([]byte("k"), 32)}
	cfg.OTP.Secret = bytes.Repeat([]byte("o"), 32)
	cfg.JWT.PrivateKey = priv
	cfg.JWT.Issuer = "vigil-test"
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Registration.AllowedRoles = []string{"admin"}
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func newTestEngine(t *testing.T, tweak func(*Config), users ...UserRecord) (*Engine, *testEnv) {
	t.Helper()
	return newTestEngineWith(t, tweak, nil, users...)
}

func newTestEngineWith(t *testing.T, tweak func(*Config), opts func(*Builder), users ...UserRecord) (*Engine, *testEnv) {
	t.Helper()

	mr, rdb := newTestRedis(t)
	env := &testEnv{
		mr:    mr,
		rdb:   rdb,
		users: newMemoryUsers(users...),
		out:   &outbox{},
		sink:  NewChannelSink(1024),
	}

	cfg := testConfig(t)
	if tweak != nil {
		tweak(&cfg)
	}

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(env.users).
		WithDispatcher(env.out).
		WithAuditSink(env.sink)
	if opts != nil {
		opts(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, env
}

func testDevice() DeviceInfo {
	return DeviceInfo{
		Platform:    "ios",
		AppVersion:  "4.2.0",
		OSVersion:   "18.1",
		DeviceModel: "iPhone16,1",
	}
}

func testNetwork() NetworkMetadata {
	return NetworkMetadata{
		Hostname: "api.example.org",
		ClientIP: "203.0.113.7",
		Protocol: "HTTP/2",
		Country:  "DE",
	}
}

func mustHash(t *testing.T, e *Engine, plain string) string {
	t.Helper()
	h, err := e.passwords.Hash(plain)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	return h
}

func (m *memoryUsers) add(rec UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[rec.UserID] = rec
}

func waitEvent(t *testing.T, sink *ChannelSink, eventType string) AuditEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s audit event", eventType)
			return AuditEvent{}
		}
	}
}

// otherCode returns a well-formed code that differs from code.
func otherCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}
