package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Allow_UnknownPolicy(t *testing.T) {
	l := New(NewMemoryStore(), map[string]Policy{})
	if _, err := l.Allow(context.Background(), "missing", "key", 1); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}

func TestLimiter_TokenBucket_AllowsBurstThenBlocks(t *testing.T) {
	l := New(NewMemoryStore(), map[string]Policy{
		"default": {Algorithm: AlgorithmTokenBucket, Limit: 2, Window: time.Minute, Burst: 2},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dec, err := l.Allow(ctx, "default", "client-a", 1)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("expected request %d to be allowed within burst", i)
		}
	}

	dec, err := l.Allow(ctx, "default", "client-a", 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if dec.Allowed {
		t.Error("expected the request past the burst to be denied")
	}
}

func TestLimiter_FixedWindow_PerKeyIsolation(t *testing.T) {
	l := New(NewMemoryStore(), map[string]Policy{
		"default": {Algorithm: AlgorithmFixedWindow, Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	decA, _ := l.Allow(ctx, "default", "client-a", 1)
	decB, _ := l.Allow(ctx, "default", "client-b", 1)
	if !decA.Allowed || !decB.Allowed {
		t.Error("expected independent keys to each get their own quota")
	}

	decA2, _ := l.Allow(ctx, "default", "client-a", 1)
	if decA2.Allowed {
		t.Error("expected client-a's second request in the window to be denied")
	}
}

func TestFixedWindow_AlignsToClockBoundary(t *testing.T) {
	st := &memoryState{}
	policy := Policy{Algorithm: AlgorithmFixedWindow, Limit: 10, Window: time.Minute}

	base := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	st.fixedWindow(base, policy, 1)
	if !st.windowStart.Equal(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected windowStart truncated to the minute boundary, got %v", st.windowStart)
	}

	// Still inside the same minute: windowStart must not move.
	st.fixedWindow(base.Add(20*time.Second), policy, 1)
	if !st.windowStart.Equal(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected windowStart to stay pinned to the boundary within the window, got %v", st.windowStart)
	}

	// Crossing into the next minute resets to the new boundary.
	next := time.Date(2026, 1, 1, 12, 1, 0, 100*int(time.Millisecond), time.UTC)
	st.fixedWindow(next, policy, 1)
	if !st.windowStart.Equal(time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC)) {
		t.Fatalf("expected windowStart to reset exactly on the minute boundary, got %v", st.windowStart)
	}
}

func TestLimiter_SlidingWindowAndLeakyBucket_Enforced(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmSlidingWindow, AlgorithmLeakyBucket} {
		l := New(NewMemoryStore(), map[string]Policy{
			"default": {Algorithm: alg, Limit: 1, Window: time.Minute, Burst: 1},
		})
		ctx := context.Background()

		first, err := l.Allow(ctx, "default", "client", 1)
		if err != nil {
			t.Fatalf("%s: Allow: %v", alg, err)
		}
		if !first.Allowed {
			t.Fatalf("%s: expected first request to be allowed", alg)
		}
		second, _ := l.Allow(ctx, "default", "client", 1)
		if second.Allowed {
			t.Errorf("%s: expected second request over the limit to be denied", alg)
		}
	}
}

func TestMemoryStore_GC(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Check(ctx, "k1", Policy{Algorithm: AlgorithmTokenBucket, Limit: 5, Window: time.Minute, Burst: 5}, 1); err != nil {
		t.Fatalf("Check: %v", err)
	}

	removed, err := store.GC(ctx, -time.Second)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed == 0 {
		t.Error("expected GC to remove the idle key")
	}
}
