package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memoryState is one key's limiter state across all four algorithms; only
// the fields relevant to the key's configured algorithm are populated.
type memoryState struct {
	mu sync.Mutex

	// fixed window
	windowStart time.Time
	count       int

	// sliding window (timestamps of requests still inside the window)
	hits []time.Time

	// token bucket
	tokens     float64
	lastRefill time.Time

	// leaky bucket
	level    float64
	lastLeak time.Time

	lastSeen time.Time
}

// MemoryStore implements Store with an in-process map of mutex-guarded
// per-key state, the same ownership shape as the teacher's registry and
// kill switch: one RWMutex over the map, one fine-grained mutex per
// entry for the hot path.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[string]*memoryState
}

// NewMemoryStore returns an empty in-memory rate limit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*memoryState)}
}

func (s *MemoryStore) entry(key string) *memoryState {
	s.mu.RLock()
	st, ok := s.byKey[key]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byKey[key]; ok {
		return st
	}
	st = &memoryState{}
	s.byKey[key] = st
	return st
}

func (s *MemoryStore) Check(ctx context.Context, key string, policy Policy, cost int) (Decision, error) {
	st := s.entry(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	st.lastSeen = now

	switch policy.Algorithm {
	case AlgorithmSlidingWindow:
		return st.slidingWindow(now, policy, cost), nil
	case AlgorithmTokenBucket:
		return st.tokenBucket(now, policy, cost), nil
	case AlgorithmLeakyBucket:
		return st.leakyBucket(now, policy, cost), nil
	default:
		return st.fixedWindow(now, policy, cost), nil
	}
}

// fixedWindow resets the counter to zero at the start of each window
// boundary (design doc Section 4.5). windowStart is truncated to the
// window size so resets land on a fixed clock boundary (e.g. the top of
// the minute for a one-minute window) rather than drifting from the
// arbitrary instant of the first request in a given window.
func (st *memoryState) fixedWindow(now time.Time, policy Policy, cost int) Decision {
	boundary := now.Truncate(policy.Window)
	if st.windowStart.IsZero() || boundary.After(st.windowStart) {
		st.windowStart = boundary
		st.count = 0
	}

	resetAfter := policy.Window - now.Sub(st.windowStart)
	if st.count+cost > policy.Limit {
		return Decision{Allowed: false, Limit: policy.Limit, Remaining: max0(policy.Limit - st.count), ResetAfter: resetAfter, RetryAfter: resetAfter}
	}
	st.count += cost
	return Decision{Allowed: true, Limit: policy.Limit, Remaining: max0(policy.Limit - st.count), ResetAfter: resetAfter}
}

// slidingWindow counts requests within a continuously moving window,
// avoiding the boundary-burst problem of fixed windows (design doc
// Section 4.5).
func (st *memoryState) slidingWindow(now time.Time, policy Policy, cost int) Decision {
	cutoff := now.Add(-policy.Window)
	kept := st.hits[:0]
	for _, t := range st.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.hits = kept

	if len(st.hits)+cost > policy.Limit {
		var retryAfter time.Duration
		if len(st.hits) > 0 {
			retryAfter = st.hits[0].Add(policy.Window).Sub(now)
		}
		return Decision{Allowed: false, Limit: policy.Limit, Remaining: max0(policy.Limit - len(st.hits)), ResetAfter: policy.Window, RetryAfter: retryAfter}
	}
	for i := 0; i < cost; i++ {
		st.hits = append(st.hits, now)
	}
	return Decision{Allowed: true, Limit: policy.Limit, Remaining: max0(policy.Limit - len(st.hits)), ResetAfter: policy.Window}
}

// tokenBucket refills continuously at limit/window tokens per second up
// to burst capacity, and allows a request only if enough tokens are
// available (design doc Section 4.5; algorithm grounded on the Redis Lua
// token bucket used elsewhere in the retrieval pack).
func (st *memoryState) tokenBucket(now time.Time, policy Policy, cost int) Decision {
	capacity := float64(policy.Burst)
	if capacity <= 0 {
		capacity = float64(policy.Limit)
	}
	rate := float64(policy.Limit) / policy.Window.Seconds()

	if st.lastRefill.IsZero() {
		st.tokens = capacity
		st.lastRefill = now
	} else {
		elapsed := now.Sub(st.lastRefill).Seconds()
		st.tokens = minF(capacity, st.tokens+elapsed*rate)
		st.lastRefill = now
	}

	if st.tokens < float64(cost) {
		deficit := float64(cost) - st.tokens
		retryAfter := time.Duration(deficit/rate*1000) * time.Millisecond
		return Decision{Allowed: false, Limit: policy.Limit, Remaining: int(st.tokens), ResetAfter: retryAfter, RetryAfter: retryAfter}
	}
	st.tokens -= float64(cost)
	return Decision{Allowed: true, Limit: policy.Limit, Remaining: int(st.tokens), ResetAfter: policy.Window}
}

// leakyBucket models a queue that drains at a fixed rate; a request is
// allowed only if adding its cost would not overflow bucket capacity
// (design doc Section 4.5).
func (st *memoryState) leakyBucket(now time.Time, policy Policy, cost int) Decision {
	capacity := float64(policy.Burst)
	if capacity <= 0 {
		capacity = float64(policy.Limit)
	}
	drainRate := float64(policy.Limit) / policy.Window.Seconds()

	if st.lastLeak.IsZero() {
		st.lastLeak = now
	} else {
		elapsed := now.Sub(st.lastLeak).Seconds()
		st.level = maxF(0, st.level-elapsed*drainRate)
		st.lastLeak = now
	}

	if st.level+float64(cost) > capacity {
		overflow := st.level + float64(cost) - capacity
		retryAfter := time.Duration(overflow/drainRate*1000) * time.Millisecond
		return Decision{Allowed: false, Limit: policy.Limit, Remaining: int(maxF(0, capacity-st.level)), ResetAfter: retryAfter, RetryAfter: retryAfter}
	}
	st.level += float64(cost)
	return Decision{Allowed: true, Limit: policy.Limit, Remaining: int(maxF(0, capacity-st.level)), ResetAfter: policy.Window}
}

// GC drops keys that have had no activity for longer than olderThan.
func (s *MemoryStore) GC(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, st := range s.byKey {
		st.mu.Lock()
		idle := st.lastSeen.Before(cutoff)
		st.mu.Unlock()
		if idle {
			delete(s.byKey, key)
			removed++
		}
	}
	return removed, nil
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
