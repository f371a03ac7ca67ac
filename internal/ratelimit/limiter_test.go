package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	limiter, err := New("redis://"+s.Addr(), limit, window)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return limiter, s
}

func TestAllowUnderLimit(t *testing.T) {
	limiter, s := setupTestLimiter(t, 3, time.Minute)
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "user-1") {
			t.Fatalf("request %d unexpectedly throttled", i+1)
		}
	}
}

func TestDenyOverLimit(t *testing.T) {
	limiter, s := setupTestLimiter(t, 2, time.Minute)
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	limiter.Allow(ctx, "user-1")
	limiter.Allow(ctx, "user-1")
	if limiter.Allow(ctx, "user-1") {
		t.Fatal("third request should be throttled")
	}
}

func TestWindowResets(t *testing.T) {
	limiter, s := setupTestLimiter(t, 1, time.Second)
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	limiter.Allow(ctx, "user-1")
	if limiter.Allow(ctx, "user-1") {
		t.Fatal("second request in window should be throttled")
	}

	s.FastForward(2 * time.Second)

	if !limiter.Allow(ctx, "user-1") {
		t.Fatal("request after window reset should be allowed")
	}
}

func TestUsersAreIndependent(t *testing.T) {
	limiter, s := setupTestLimiter(t, 1, time.Minute)
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	limiter.Allow(ctx, "user-1")
	if limiter.Allow(ctx, "user-1") {
		t.Fatal("user-1 should be throttled")
	}
	if !limiter.Allow(ctx, "user-2") {
		t.Fatal("user-2 should not be affected by user-1's usage")
	}
}

func TestFailsOpenWhenRedisDown(t *testing.T) {
	limiter, s := setupTestLimiter(t, 1, time.Minute)
	defer limiter.Close()

	s.Close()

	if !limiter.Allow(context.Background(), "user-1") {
		t.Fatal("limiter should fail open when redis is unreachable")
	}
}
