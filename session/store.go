package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrRefreshReused    = errors.New("refresh token reused")
	ErrExpired          = errors.New("session expired")
	ErrCorrupt          = errors.New("session record corrupt")
	ErrRedisUnavailable = errors.New("redis unavailable")
)

const (
	fieldData        = "data"
	fieldRefreshHash = "rh"
	fieldRefreshExp  = "rexp"
	fieldUserID      = "uid"
	fieldLastDevice  = "dev"
	fieldLastNetwork = "net"
	fieldRotatedAt   = "rot"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReused   int64 = 2
	rotateStatusRotated  int64 = 3
)

// KEYS[1] index key of the presented refresh hash
// ARGV[1] presented hash, ARGV[2] next hash, ARGV[3] session key prefix,
// ARGV[4] index key prefix, ARGV[5] user key prefix, ARGV[6] refresh ttl ms,
// ARGV[7] next refresh expiry (unix), ARGV[8] now (unix), ARGV[9] network json,
// ARGV[10] device json
//
// A superseded index key is left to expire on its own: presenting it again
// finds the session with a different hash, which is reuse.
const rotateRefreshScript = `
local sid = redis.call("GET", KEYS[1])
if not sid then
  return {0}
end

local session_key = ARGV[3] .. sid
local current = redis.call("HGET", session_key, "rh")
if not current then
  redis.call("DEL", KEYS[1])
  return {0}
end

local function revoke()
  local uid = redis.call("HGET", session_key, "uid")
  redis.call("DEL", session_key, KEYS[1], ARGV[4] .. current)
  if uid then
    redis.call("SREM", ARGV[5] .. uid, sid)
  end
end

if current ~= ARGV[1] then
  revoke()
  return {2, sid}
end

local rexp = tonumber(redis.call("HGET", session_key, "rexp") or "0")
local pttl = redis.call("PTTL", session_key)
if pttl <= 0 or rexp <= tonumber(ARGV[8]) then
  revoke()
  return {1, sid}
end

local ttl = tonumber(ARGV[6])
if pttl < ttl then
  ttl = pttl
end

redis.call("HSET", session_key, "rh", ARGV[2], "rexp", ARGV[7], "net", ARGV[9], "dev", ARGV[10], "rot", ARGV[8])
redis.call("SET", ARGV[4] .. ARGV[2], sid, "PX", ttl)

return {3, sid, redis.call("HGET", session_key, "data")}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const deleteSessionScript = `
local uid = redis.call("HGET", KEYS[1], "uid")
local rh = redis.call("HGET", KEYS[1], "rh")
local existed = redis.call("DEL", KEYS[1])
if rh then
  redis.call("DEL", ARGV[1] .. rh)
end
if uid then
  redis.call("SREM", ARGV[2] .. uid, ARGV[3])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store keeps sessions as Redis hashes with a refresh index per active
// refresh hash and a per-user set of session ids.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "vs"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *Store) sessionPrefix() string { return s.prefix + ":s:" }
func (s *Store) indexPrefix() string   { return s.prefix + ":r:" }
func (s *Store) userPrefix() string    { return s.prefix + ":u:" }

func (s *Store) sessionKey(id string) string { return s.sessionPrefix() + id }
func (s *Store) userKey(uid string) string   { return s.userPrefix() + uid }
func (s *Store) indexKey(hash [32]byte) string {
	return s.indexPrefix() + hex.EncodeToString(hash[:])
}

// Save persists sess and indexes its refresh hash. The session key expires
// at sess.ExpiresAt; the index expires at sess.RefreshExpiresAt.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" || sess.UserID == "" {
		return errors.New("session id and user id are required")
	}
	now := s.now()
	sessionTTL := time.Unix(sess.ExpiresAt, 0).Sub(now)
	refreshTTL := time.Unix(sess.RefreshExpiresAt, 0).Sub(now)
	if sessionTTL <= 0 || refreshTTL <= 0 {
		return ErrExpired
	}
	if refreshTTL > sessionTTL {
		refreshTTL = sessionTTL
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	network, err := json.Marshal(sess.Network)
	if err != nil {
		return err
	}
	device, err := json.Marshal(sess.Device)
	if err != nil {
		return err
	}

	key := s.sessionKey(sess.ID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldData, data,
			fieldRefreshHash, hex.EncodeToString(sess.RefreshHash[:]),
			fieldRefreshExp, sess.RefreshExpiresAt,
			fieldUserID, sess.UserID,
			fieldLastNetwork, network,
			fieldLastDevice, device,
		)
		pipe.Expire(ctx, key, sessionTTL)
		pipe.Set(ctx, s.indexKey(sess.RefreshHash), sess.ID, refreshTTL)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeFields(fields)
}

// ResolveRefresh returns the session indexed under hash. It never mutates.
// A superseded hash still resolves while its index lives; the returned
// session's RefreshHash then differs from hash, and only Rotate acts on
// that as reuse.
func (s *Store) ResolveRefresh(ctx context.Context, hash [32]byte) (*Session, error) {
	sid, err := s.redis.Get(ctx, s.indexKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := s.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if sess.RefreshHash == hash && sess.RefreshExpiresAt <= s.now().Unix() {
		return nil, ErrExpired
	}
	return sess, nil
}

// Rotate replaces presented with next in one atomic step, records device
// and network as the session's latest snapshot, and returns the updated
// session. A presented hash that is no longer current revokes the session
// and returns ErrRefreshReused.
func (s *Store) Rotate(
	ctx context.Context,
	presented [32]byte,
	next [32]byte,
	refreshTTL time.Duration,
	device DeviceInfo,
	network NetworkMetadata,
) (*Session, error) {
	if refreshTTL <= 0 {
		return nil, errors.New("refresh ttl must be positive")
	}
	netJSON, err := json.Marshal(network)
	if err != nil {
		return nil, err
	}
	devJSON, err := json.Marshal(device)
	if err != nil {
		return nil, err
	}

	now := s.now()
	nextExp := now.Add(refreshTTL).Unix()

	raw, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.indexKey(presented)},
		hex.EncodeToString(presented[:]),
		hex.EncodeToString(next[:]),
		s.sessionPrefix(),
		s.indexPrefix(),
		s.userPrefix(),
		refreshTTL.Milliseconds(),
		nextExp,
		now.Unix(),
		netJSON,
		devJSON,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) == 0 {
		return nil, ErrCorrupt
	}
	status, ok := values[0].(int64)
	if !ok {
		return nil, ErrCorrupt
	}

	switch status {
	case rotateStatusNotFound:
		return nil, ErrNotFound
	case rotateStatusExpired:
		return nil, ErrExpired
	case rotateStatusReused:
		sid, _ := values[1].(string)
		return &Session{ID: sid}, ErrRefreshReused
	case rotateStatusRotated:
		if len(values) < 3 {
			return nil, ErrCorrupt
		}
		data, _ := values[2].(string)
		sess := &Session{}
		if err := json.Unmarshal([]byte(data), sess); err != nil {
			return nil, ErrCorrupt
		}
		sess.RefreshHash = next
		sess.RefreshExpiresAt = nextExp
		sess.LastDevice = device
		sess.LastNetwork = network
		sess.RotatedAt = now.Unix()
		return sess, nil
	default:
		return nil, ErrCorrupt
	}
}

// Delete removes a session together with its refresh index. Deleting a
// missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.sessionKey(sessionID)},
		s.indexPrefix(),
		s.userPrefix(),
		sessionID,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForUser removes every session of userID and returns how many were
// live.
//
// Not atomic across sessions: a session created while this runs may survive
// and is left for the next call or its own expiry.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.ActiveSessionIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		n, err := deleteSessionLua.Run(
			ctx,
			s.redis,
			[]string{s.sessionKey(id)},
			s.indexPrefix(),
			s.userPrefix(),
			id,
		).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		removed += int(n)
	}

	if err := s.redis.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return removed, nil
}

// ActiveSessionIDs returns tracked session ids for userID. Ids of sessions
// that expired on their own may still be listed until the next cleanup.
func (s *Store) ActiveSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

func decodeFields(fields map[string]string) (*Session, error) {
	data, ok := fields[fieldData]
	if !ok {
		return nil, ErrCorrupt
	}
	sess := &Session{}
	if err := json.Unmarshal([]byte(data), sess); err != nil {
		return nil, ErrCorrupt
	}

	raw, err := hex.DecodeString(fields[fieldRefreshHash])
	if err != nil || len(raw) != len(sess.RefreshHash) {
		return nil, ErrCorrupt
	}
	copy(sess.RefreshHash[:], raw)

	if v, ok := fields[fieldRefreshExp]; ok {
		if _, err := fmt.Sscan(v, &sess.RefreshExpiresAt); err != nil {
			return nil, ErrCorrupt
		}
	}
	if v, ok := fields[fieldRotatedAt]; ok {
		_, _ = fmt.Sscan(v, &sess.RotatedAt)
	}
	sess.LastNetwork = sess.Network
	if v, ok := fields[fieldLastNetwork]; ok && v != "" {
		var last NetworkMetadata
		if err := json.Unmarshal([]byte(v), &last); err != nil {
			return nil, ErrCorrupt
		}
		sess.LastNetwork = last
	}
	sess.LastDevice = sess.Device
	if v, ok := fields[fieldLastDevice]; ok && v != "" {
		var last DeviceInfo
		if err := json.Unmarshal([]byte(v), &last); err != nil {
			return nil, ErrCorrupt
		}
		sess.LastDevice = last
	}
	return sess, nil
}
