package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)
	now := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }

	allowed, remaining, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed || remaining != 1 {
		t.Fatalf("first = %v, %d, %v", allowed, remaining, err)
	}
	if allowed, _, _ := bucket.Allow(ctx, "tenant"); !allowed {
		t.Fatal("expected second token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "tenant"); allowed {
		t.Fatal("expected third token to be rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "other"); !allowed {
		t.Fatal("buckets must be independent per key")
	}

	// The script takes its clock from the caller, so refill is driven here.
	now = now.Add(1500 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "tenant"); !allowed {
		t.Fatal("expected token after refill")
	}
	if allowed, _, _ := bucket.Allow(ctx, "tenant"); allowed {
		t.Fatal("only one token should have refilled")
	}
}

func TestMiddleware(t *testing.T) {
	bucket, mr := newBucket(t, 1, 0.001)
	h := Middleware(bucket)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(apiKey string) int {
		req := httptest.NewRequest("GET", "/api/modules", nil)
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	tests := []struct {
		name   string
		apiKey string
		want   int
	}{
		{"first request by ip", "", http.StatusNoContent},
		{"second request by ip", "", http.StatusTooManyRequests},
		{"api key has its own bucket", "k1", http.StatusNoContent},
		{"api key exhausted", "k1", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		if got := do(tt.apiKey); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, got, tt.want)
		}
	}

	mr.Close()
	if got := do(""); got != http.StatusNoContent {
		t.Errorf("with redis down status = %d, want pass-through", got)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	if got := clientKey(req); got != "ip:10.0.0.7" {
		t.Errorf("clientKey = %q", got)
	}
	req.Header.Set("X-API-Key", "secret")
	if got := clientKey(req); got != "key:secret" {
		t.Errorf("clientKey = %q", got)
	}
}
