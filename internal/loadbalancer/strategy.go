// Package loadbalancer implements the Load Balancer (design doc Section
// 4.3): six selection strategies over a set of upstreams, plus exclusive
// ownership of each upstream's health checker (design doc Section 3.8).
package loadbalancer

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-rendezvous"

	"github.com/mcpgate/mcpgate/internal/upstream"
)

// Candidate is the view of one upstream a Strategy selects from: its
// config and a live health snapshot. Strategies never mutate either.
type Candidate struct {
	Config upstream.Config
	Health upstream.Health
}

// Strategy picks one candidate from the eligible (enabled and healthy)
// set for a single routing decision. key is strategy-specific routing
// input (e.g. client IP for ip-hash, cache key for consistent-hash) and
// may be empty for strategies that ignore it.
type Strategy interface {
	Name() string
	Select(candidates []Candidate, key string) (upstream.Config, error)
}

// ErrNoEligibleUpstream is returned when every candidate is unhealthy,
// offline, or in maintenance.
var ErrNoEligibleUpstream = fmt.Errorf("loadbalancer: no eligible upstream")

func eligible(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Config.Enabled && c.Health.Status == upstream.StatusHealthy {
			out = append(out, c)
		}
	}
	// Deterministic ordering so round-robin's counter means the same
	// thing across calls regardless of map iteration order upstream.
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// RoundRobinStrategy cycles through eligible upstreams in order.
type RoundRobinStrategy struct {
	counter uint64
}

func NewRoundRobinStrategy() *RoundRobinStrategy { return &RoundRobinStrategy{} }

func (s *RoundRobinStrategy) Name() string { return "round-robin" }

func (s *RoundRobinStrategy) Select(candidates []Candidate, _ string) (upstream.Config, error) {
	elig := eligible(candidates)
	if len(elig) == 0 {
		return upstream.Config{}, ErrNoEligibleUpstream
	}
	n := atomic.AddUint64(&s.counter, 1)
	return elig[(n-1)%uint64(len(elig))].Config, nil
}

// WeightedRoundRobinStrategy distributes selections proportionally to
// each upstream's Weight using smooth weighted round-robin (the same
// algorithm nginx uses): each pick increases every candidate's running
// weight by its configured weight, then returns and discounts the
// highest.
type WeightedRoundRobinStrategy struct {
	mu      sync.Mutex
	running map[string]int
}

func NewWeightedRoundRobinStrategy() *WeightedRoundRobinStrategy {
	return &WeightedRoundRobinStrategy{running: make(map[string]int)}
}

func (s *WeightedRoundRobinStrategy) Name() string { return "weighted-round-robin" }

func (s *WeightedRoundRobinStrategy) Select(candidates []Candidate, _ string) (upstream.Config, error) {
	elig := eligible(candidates)
	if len(elig) == 0 {
		return upstream.Config{}, ErrNoEligibleUpstream
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	bestIdx := -1
	for i, c := range elig {
		w := c.Config.Weight
		if w <= 0 {
			w = 1
		}
		s.running[c.Config.ID] += w
		total += w
		if bestIdx == -1 || s.running[c.Config.ID] > s.running[elig[bestIdx].Config.ID] {
			bestIdx = i
		}
	}
	s.running[elig[bestIdx].Config.ID] -= total
	return elig[bestIdx].Config, nil
}

// LeastConnectionsStrategy picks the eligible upstream with the fewest
// active connections, as reported by its health checker.
type LeastConnectionsStrategy struct{}

func NewLeastConnectionsStrategy() *LeastConnectionsStrategy { return &LeastConnectionsStrategy{} }

func (s *LeastConnectionsStrategy) Name() string { return "least-connections" }

func (s *LeastConnectionsStrategy) Select(candidates []Candidate, _ string) (upstream.Config, error) {
	elig := eligible(candidates)
	if len(elig) == 0 {
		return upstream.Config{}, ErrNoEligibleUpstream
	}
	best := elig[0]
	for _, c := range elig[1:] {
		if c.Health.ActiveConnections < best.Health.ActiveConnections {
			best = c
		}
	}
	return best.Config, nil
}

// LeastResponseTimeStrategy picks the eligible upstream with the lowest
// last observed probe response time.
type LeastResponseTimeStrategy struct{}

func NewLeastResponseTimeStrategy() *LeastResponseTimeStrategy { return &LeastResponseTimeStrategy{} }

func (s *LeastResponseTimeStrategy) Name() string { return "least-response-time" }

func (s *LeastResponseTimeStrategy) Select(candidates []Candidate, _ string) (upstream.Config, error) {
	elig := eligible(candidates)
	if len(elig) == 0 {
		return upstream.Config{}, ErrNoEligibleUpstream
	}
	best := elig[0]
	for _, c := range elig[1:] {
		if c.Health.LastResponseTime < best.Health.LastResponseTime {
			best = c
		}
	}
	return best.Config, nil
}

// IPHashStrategy maps a client IP (or other key) deterministically onto
// one eligible upstream, so the same client repeatedly lands on the same
// upstream as long as the eligible set is stable.
type IPHashStrategy struct{}

func NewIPHashStrategy() *IPHashStrategy { return &IPHashStrategy{} }

func (s *IPHashStrategy) Name() string { return "ip-hash" }

func (s *IPHashStrategy) Select(candidates []Candidate, key string) (upstream.Config, error) {
	elig := eligible(candidates)
	if len(elig) == 0 {
		return upstream.Config{}, ErrNoEligibleUpstream
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	idx := int(h.Sum32()) % len(elig)
	if idx < 0 {
		idx += len(elig)
	}
	return elig[idx].Config, nil
}

// ConsistentHashStrategy uses rendezvous (highest random weight) hashing
// so that, unlike a plain modulo hash, adding or removing one upstream
// only reshuffles that upstream's share of keys rather than all of them.
// Grounded on the rendezvous-hashing package used elsewhere in the
// retrieval pack for consistent routing.
type ConsistentHashStrategy struct{}

func NewConsistentHashStrategy() *ConsistentHashStrategy { return &ConsistentHashStrategy{} }

func (s *ConsistentHashStrategy) Name() string { return "consistent-hash" }

func (s *ConsistentHashStrategy) Select(candidates []Candidate, key string) (upstream.Config, error) {
	elig := eligible(candidates)
	if len(elig) == 0 {
		return upstream.Config{}, ErrNoEligibleUpstream
	}

	ids := make([]string, len(elig))
	byID := make(map[string]upstream.Config, len(elig))
	for i, c := range elig {
		ids[i] = c.Config.ID
		byID[c.Config.ID] = c.Config
	}

	r := rendezvous.New(ids, xxhashSeed)
	return byID[r.Lookup(key)], nil
}

func xxhashSeed(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
