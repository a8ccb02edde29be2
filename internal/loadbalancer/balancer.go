package loadbalancer

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcpgate/mcpgate/internal/health"
	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/upstream"
)

// entry bundles one upstream's config with the health checker the
// balancer exclusively owns for it (design doc Section 3.8).
type entry struct {
	cfg     upstream.Config
	checker *health.Checker
}

// Balancer selects an upstream for each call and owns the lifecycle of
// every health checker behind it. No other component may construct or
// stop a health.Checker directly.
type Balancer struct {
	strategies map[string]Strategy
	active     string

	mu      sync.RWMutex
	entries map[string]*entry
}

// New builds a Balancer with all six built-in strategies registered,
// defaulting to round-robin (design doc Section 4.3).
func New() *Balancer {
	b := &Balancer{
		strategies: map[string]Strategy{},
		active:     "round-robin",
		entries:    make(map[string]*entry),
	}
	for _, s := range []Strategy{
		NewRoundRobinStrategy(),
		NewWeightedRoundRobinStrategy(),
		NewLeastConnectionsStrategy(),
		NewLeastResponseTimeStrategy(),
		NewIPHashStrategy(),
		NewConsistentHashStrategy(),
	} {
		b.strategies[s.Name()] = s
	}
	return b
}

// SetStrategy switches the active selection strategy by name.
func (b *Balancer) SetStrategy(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.strategies[name]; !ok {
		return fmt.Errorf("loadbalancer: unknown strategy %q", name)
	}
	b.active = name
	return nil
}

// StrategyNames lists the registered strategies, for status reporting.
func (b *Balancer) StrategyNames() []string {
	names := make([]string, 0, len(b.strategies))
	for name := range b.strategies {
		names = append(names, name)
	}
	return names
}

// Add registers an upstream with the balancer, starting its health
// checker immediately (design doc Section 3.8: health checkers start at
// registration, before the upstream serves any traffic).
func (b *Balancer) Add(ctx context.Context, cfg upstream.Config, getConn func() (transport.Conn, error)) {
	checker := health.NewChecker(cfg, health.PingProber{}, getConn)

	b.mu.Lock()
	b.entries[cfg.ID] = &entry{cfg: cfg, checker: checker}
	b.mu.Unlock()

	checker.Start(ctx)
}

// Remove stops and discards an upstream's health checker.
func (b *Balancer) Remove(id string) {
	b.mu.Lock()
	e, ok := b.entries[id]
	if ok {
		delete(b.entries, id)
	}
	b.mu.Unlock()

	if ok {
		e.checker.Stop()
	}
}

// Checker returns the health checker for an upstream, for callers that
// need to report connection-count deltas or force maintenance mode.
func (b *Balancer) Checker(id string) (*health.Checker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[id]
	if !ok {
		return nil, false
	}
	return e.checker, true
}

// Select applies the active strategy across every registered upstream
// matching filter (if non-nil) and returns the chosen config.
func (b *Balancer) Select(key string, filter func(upstream.Config) bool) (upstream.Config, error) {
	b.mu.RLock()
	strategy := b.strategies[b.active]
	candidates := make([]Candidate, 0, len(b.entries))
	for _, e := range b.entries {
		if filter != nil && !filter(e.cfg) {
			continue
		}
		candidates = append(candidates, Candidate{Config: e.cfg, Health: e.checker.Snapshot()})
	}
	b.mu.RUnlock()

	return strategy.Select(candidates, key)
}

// Snapshot returns a point-in-time view of every registered upstream and
// its health, for status reporting and the health roll-up job.
func (b *Balancer) Snapshot() []Candidate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Candidate, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, Candidate{Config: e.cfg, Health: e.checker.Snapshot()})
	}
	return out
}

// StopAll stops every owned health checker, for clean shutdown.
func (b *Balancer) StopAll() {
	b.mu.RLock()
	checkers := make([]*health.Checker, 0, len(b.entries))
	for _, e := range b.entries {
		checkers = append(checkers, e.checker)
	}
	b.mu.RUnlock()

	for _, c := range checkers {
		c.Stop()
	}
}
