package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client), mr
}

func TestAllow_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	tier := Tier{Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		res, err := l.Allow(context.Background(), "user-1", "api", tier)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d expected to be allowed within limit %d", i, tier.Limit)
		}
	}
}

func TestAllow_BlocksOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	tier := Tier{Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		if _, err := l.Allow(context.Background(), "user-2", "api", tier); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	res, err := l.Allow(context.Background(), "user-2", "api", tier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected 3rd request to be blocked under a limit of 2")
	}
	if res.Remaining != 0 {
		t.Errorf("expected 0 remaining once blocked, got %d", res.Remaining)
	}
}

func TestAllow_DistinctPrincipalsHaveIndependentBuckets(t *testing.T) {
	l, _ := newTestLimiter(t)
	tier := Tier{Limit: 1, Window: time.Minute}

	res1, _ := l.Allow(context.Background(), "user-a", "api", tier)
	res2, _ := l.Allow(context.Background(), "user-b", "api", tier)
	if !res1.Allowed || !res2.Allowed {
		t.Fatal("expected distinct principals to each get their own first-hit allowance")
	}
}

func TestAllow_WindowExpiryResetsCounter(t *testing.T) {
	l, mr := newTestLimiter(t)
	tier := Tier{Limit: 1, Window: time.Second}

	res, err := l.Allow(context.Background(), "user-3", "api", tier)
	if err != nil || !res.Allowed {
		t.Fatalf("expected first request to be allowed, err=%v allowed=%v", err, res.Allowed)
	}

	blocked, _ := l.Allow(context.Background(), "user-3", "api", tier)
	if blocked.Allowed {
		t.Fatal("expected second request within the same window to be blocked")
	}

	mr.FastForward(2 * time.Second)

	res, err = l.Allow(context.Background(), "user-3", "api", tier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected request after window expiry to be allowed again")
	}
}

func TestAllowClass_UsesDefaultTierForClass(t *testing.T) {
	l, _ := newTestLimiter(t)

	res, err := l.AllowClass(context.Background(), "anon-1", "control-plane", ClassAnonymous)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected first anonymous request to be allowed under the default tier")
	}
	if res.Remaining != DefaultTiers[ClassAnonymous].Limit-1 {
		t.Errorf("expected remaining %d, got %d", DefaultTiers[ClassAnonymous].Limit-1, res.Remaining)
	}
}
