package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client), mr
}

// ===== Redis Tests =====

func TestRedis_TryLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedis(t)

	release, ok, err := l.TryLock(ctx, "scheduled-export:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "scheduled-export:1", time.Minute); ok {
		t.Fatal("second TryLock acquired a held lock")
	}
	if _, ok, _ := l.TryLock(ctx, "scheduled-export:2", time.Minute); !ok {
		t.Fatal("independent key should be free")
	}

	release()
	if mr.Exists(keyPrefix + "scheduled-export:1") {
		t.Error("key still present after release")
	}
	if _, ok, _ := l.TryLock(ctx, "scheduled-export:1", time.Minute); !ok {
		t.Error("lock not reacquirable after release")
	}
}

func TestRedis_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedis(t)

	staleRelease, ok, _ := l.TryLock(ctx, "k", time.Second)
	if !ok {
		t.Fatal("TryLock failed")
	}
	mr.FastForward(2 * time.Second)

	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("expired lease should be reacquirable")
	}

	staleRelease()
	if !mr.Exists(keyPrefix + "k") {
		t.Error("stale release removed the new holder's lock")
	}
}

func TestRedis_Unavailable(t *testing.T) {
	l, mr := newRedis(t)
	mr.Close()

	if _, ok, err := l.TryLock(context.Background(), "k", time.Minute); err == nil || ok {
		t.Errorf("TryLock = %v, %v; want error", ok, err)
	}
}

// ===== Local Tests =====

func TestLocal_TryLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }

	release, ok, _ := l.TryLock(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("first TryLock failed")
	}
	if _, ok, _ := l.TryLock(ctx, "k", time.Minute); ok {
		t.Fatal("held lock acquired twice")
	}

	now = now.Add(2 * time.Minute)
	releaseNew, ok, _ := l.TryLock(ctx, "k", time.Minute)
	if !ok {
		t.Fatal("expired lease should be reacquirable")
	}

	release()
	if _, ok, _ := l.TryLock(ctx, "k", time.Minute); ok {
		t.Error("stale release freed the new holder's lock")
	}

	releaseNew()
	if _, ok, _ := l.TryLock(ctx, "k", time.Minute); !ok {
		t.Error("lock not reacquirable after release")
	}
}
