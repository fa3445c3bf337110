package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"smartwarehouse/internal/util"
	"smartwarehouse/pkg/domain"
)

const (
	defaultSessionTTL  = 24 * time.Hour
	sessionKeyPrefix   = "warehouse:session:"
	userSessionsPrefix = "warehouse:user_sessions:"
	sessionTokenBytes  = 32
)

// refreshScript rewrites a session only while its key still exists, so a
// logout or revoke that lands mid-validation is never undone.
var refreshScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return 1
`)

// UserLookup is the part of Store sessions need to re-check a user.
type UserLookup interface {
	GetUserByID(ctx context.Context, id int64) (domain.User, bool, error)
	GetWarehouse(ctx context.Context, id int64) (domain.Warehouse, bool, error)
}

// RedisSessionStore keeps opaque session tokens in Redis with a sliding TTL
// and a per-user index of live tokens.
type RedisSessionStore struct {
	client *redis.Client
	users  UserLookup
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisSessionStore builds a session store. A zero ttl means 24h.
func NewRedisSessionStore(client *redis.Client, users UserLookup, ttl time.Duration) (*RedisSessionStore, error) {
	if client == nil {
		return nil, errors.New("session store redis client is required")
	}
	if users == nil {
		return nil, errors.New("session store user lookup is required")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisSessionStore{client: client, users: users, ttl: ttl, now: time.Now}, nil
}

// NewSession creates a session for an active user.
func (s *RedisSessionStore) NewSession(ctx context.Context, userID int64) (Session, error) {
	sess, err := s.ValidateByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	sess.Token = util.RandomHex(sessionTokenBytes)
	return s.save(ctx, sess)
}

// ValidateByToken returns the session behind token after re-checking the
// user. Each successful call extends the session by the full TTL.
func (s *RedisSessionStore) ValidateByToken(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidSession
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrInvalidSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var stored Session
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Session{}, ErrInvalidSession
	}
	fresh, err := s.ValidateByID(ctx, stored.UserID)
	if errors.Is(err, ErrInvalidSession) {
		_ = s.DeleteSession(ctx, token)
		return Session{}, ErrInvalidSession
	}
	if err != nil {
		return Session{}, err
	}
	fresh.Token = token
	return s.refresh(ctx, fresh)
}

// ValidateByID builds session data for userID, failing with
// ErrInvalidSession when the user is gone or inactive.
func (s *RedisSessionStore) ValidateByID(ctx context.Context, userID int64) (Session, error) {
	user, ok, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if !ok || !user.Active() {
		return Session{}, ErrInvalidSession
	}
	warehouse, _, err := s.users.GetWarehouse(ctx, user.WarehouseID)
	if err != nil {
		return Session{}, fmt.Errorf("load warehouse: %w", err)
	}
	return sessionFromUser(user, warehouse), nil
}

// DeleteSession removes a single session. Unknown tokens are ignored.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, sessionKey(token)).Err(); err != nil {
		return err
	}
	var stored Session
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil
	}
	return s.client.SRem(ctx, userSessionsKey(stored.UserID), token).Err()
}

// RevokeUserSessions deletes every live session of the user.
func (s *RedisSessionStore) RevokeUserSessions(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	index := userSessionsKey(userID)
	tokens, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, sessionKey(t))
	}
	keys = append(keys, index)
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisSessionStore) save(ctx context.Context, sess Session) (Session, error) {
	sess.ExpiresAt = s.now().UTC().Add(s.ttl)
	raw, err := json.Marshal(sess)
	if err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	index := userSessionsKey(sess.UserID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.Token), raw, s.ttl)
	pipe.SAdd(ctx, index, sess.Token)
	pipe.Expire(ctx, index, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// refresh extends an existing session by the full TTL. A key deleted since
// it was read yields ErrInvalidSession.
func (s *RedisSessionStore) refresh(ctx context.Context, sess Session) (Session, error) {
	sess.ExpiresAt = s.now().UTC().Add(s.ttl)
	raw, err := json.Marshal(sess)
	if err != nil {
		return Session{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	keys := []string{sessionKey(sess.Token), userSessionsKey(sess.UserID)}
	ok, err := refreshScript.Run(ctx, s.client, keys, raw, s.ttl.Milliseconds(), sess.Token).Int()
	if err != nil {
		return Session{}, fmt.Errorf("refresh session: %w", err)
	}
	if ok == 0 {
		return Session{}, ErrInvalidSession
	}
	return sess, nil
}

func sessionKey(token string) string {
	return sessionKeyPrefix + token
}

func userSessionsKey(userID int64) string {
	return userSessionsPrefix + strconv.FormatInt(userID, 10)
}
