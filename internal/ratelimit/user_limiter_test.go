package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, capacity int, refill float64) *UserLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewUserLimiter(client, capacity, refill, time.Minute)
}

func TestAllowUpToCapacity(t *testing.T) {
	l := newTestLimiter(t, 3, 0.1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "user-a")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be within capacity", i)
		}
	}

	ok, tokens, err := l.Allow(ctx, "user-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatal("bucket exhausted, request should be denied")
	}
	if tokens >= 1 {
		t.Fatalf("expected under one token remaining, got %f", tokens)
	}
}

func TestUsersHaveSeparateBuckets(t *testing.T) {
	l := newTestLimiter(t, 1, 0.1)
	ctx := context.Background()

	if ok, _, err := l.Allow(ctx, "user-a"); err != nil || !ok {
		t.Fatalf("first user denied: ok=%v err=%v", ok, err)
	}
	if ok, _, _ := l.Allow(ctx, "user-a"); ok {
		t.Fatal("first user should be out of tokens")
	}
	if ok, _, err := l.Allow(ctx, "user-b"); err != nil || !ok {
		t.Fatalf("second user must have a fresh bucket: ok=%v err=%v", ok, err)
	}
}
