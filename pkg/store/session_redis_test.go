package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"smartwarehouse/pkg/domain"
)

func newTestSessionStore(t *testing.T) (*RedisSessionStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := NewMemoryStore()
	sessions, err := NewRedisSessionStore(client, st, time.Hour)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	return sessions, st, mr
}

func registerTestWarehouse(t *testing.T, st *MemoryStore) domain.User {
	t.Helper()
	_, admin, err := st.RegisterWarehouse(context.Background(), Registration{
		Warehouse: domain.Warehouse{Name: "Kho Giày ABC", Email: "abc@example.com", Phone: "0901234567"},
		Admin:     domain.User{FullName: "Nguyễn Văn An", Email: "abc@example.com", Role: domain.RoleAdmin},
		Username:  func(int64) string { return "nvankhogiayabc001" },
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return admin
}

func TestRedisSessionStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	sessions, st, mr := newTestSessionStore(t)
	admin := registerTestWarehouse(t, st)

	sess, err := sessions.NewSession(ctx, admin.ID)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if sess.Token == "" || sess.WarehouseName != "Kho Giày ABC" || sess.Role != "admin" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	mr.FastForward(50 * time.Minute)
	got, err := sessions.ValidateByToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.UserID != admin.ID || got.Token != sess.Token {
		t.Fatalf("unexpected validated session: %+v", got)
	}
	// sliding ttl: another 50 minutes is still inside the renewed hour
	mr.FastForward(50 * time.Minute)
	if _, err := sessions.ValidateByToken(ctx, sess.Token); err != nil {
		t.Fatalf("expected sliding ttl to keep session alive: %v", err)
	}

	if err := sessions.DeleteSession(ctx, sess.Token); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := sessions.ValidateByToken(ctx, sess.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session after delete, got %v", err)
	}
}

func TestRedisSessionStoreExpires(t *testing.T) {
	ctx := context.Background()
	sessions, st, mr := newTestSessionStore(t)
	admin := registerTestWarehouse(t, st)

	sess, err := sessions.NewSession(ctx, admin.ID)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	mr.FastForward(61 * time.Minute)
	if _, err := sessions.ValidateByToken(ctx, sess.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected expired session, got %v", err)
	}
}

func TestRedisSessionStoreRejectsDeactivatedUser(t *testing.T) {
	ctx := context.Background()
	sessions, st, _ := newTestSessionStore(t)
	admin := registerTestWarehouse(t, st)

	sess, err := sessions.NewSession(ctx, admin.ID)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := st.SetUserStatus(ctx, admin.ID, domain.StatusInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := sessions.ValidateByToken(ctx, sess.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected deactivated user to be rejected, got %v", err)
	}
	if _, err := sessions.NewSession(ctx, admin.ID); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected no new session for inactive user, got %v", err)
	}
	if _, err := sessions.ValidateByID(ctx, 9999); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected unknown user to be rejected, got %v", err)
	}
}

func TestRedisSessionStoreRevokeUserSessions(t *testing.T) {
	ctx := context.Background()
	sessions, st, _ := newTestSessionStore(t)
	admin := registerTestWarehouse(t, st)

	first, err := sessions.NewSession(ctx, admin.ID)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	second, err := sessions.NewSession(ctx, admin.ID)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if err := sessions.RevokeUserSessions(ctx, admin.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	for _, token := range []string{first.Token, second.Token} {
		if _, err := sessions.ValidateByToken(ctx, token); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("expected revoked session, got %v", err)
		}
	}
}

// logoutDuringLookup deletes the session while ValidateByToken is between
// its read and its refresh.
type logoutDuringLookup struct {
	UserLookup
	sessions *RedisSessionStore
	token    string
	fired    bool
}

func (l *logoutDuringLookup) GetUserByID(ctx context.Context, id int64) (domain.User, bool, error) {
	if !l.fired && l.token != "" {
		l.fired = true
		if err := l.sessions.DeleteSession(ctx, l.token); err != nil {
			return domain.User{}, false, err
		}
	}
	return l.UserLookup.GetUserByID(ctx, id)
}

func TestRedisSessionStoreLogoutDuringValidateStaysLoggedOut(t *testing.T) {
	ctx := context.Background()
	sessions, st, mr := newTestSessionStore(t)
	admin := registerTestWarehouse(t, st)

	sess, err := sessions.NewSession(ctx, admin.ID)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	lookup := &logoutDuringLookup{UserLookup: st, sessions: sessions, token: sess.Token}
	sessions.users = lookup

	if _, err := sessions.ValidateByToken(ctx, sess.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected in-flight validate to see the logout, got %v", err)
	}
	if !lookup.fired {
		t.Fatalf("expected logout to run during user lookup")
	}
	if mr.Exists(sessionKeyPrefix + sess.Token) {
		t.Fatalf("session key was written back after logout")
	}
	if _, err := sessions.ValidateByToken(ctx, sess.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected session to stay invalid, got %v", err)
	}
}

func TestRedisSessionStoreRevokeDuringValidateStaysRevoked(t *testing.T) {
	ctx := context.Background()
	sessions, st, mr := newTestSessionStore(t)
	admin := registerTestWarehouse(t, st)

	sess, err := sessions.NewSession(ctx, admin.ID)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	sessions.users = revokeDuringLookup{UserLookup: st, sessions: sessions}

	if _, err := sessions.ValidateByToken(ctx, sess.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	if mr.Exists(sessionKeyPrefix+sess.Token) || mr.Exists(userSessionsKey(admin.ID)) {
		t.Fatalf("revoked session state was written back")
	}
}

type revokeDuringLookup struct {
	UserLookup
	sessions *RedisSessionStore
}

func (r revokeDuringLookup) GetUserByID(ctx context.Context, id int64) (domain.User, bool, error) {
	if err := r.sessions.RevokeUserSessions(ctx, id); err != nil {
		return domain.User{}, false, err
	}
	return r.UserLookup.GetUserByID(ctx, id)
}
