// Package health implements the Health Checker (design doc Section 4.2):
// one background probe loop per upstream, tracking consecutive
// success/failure streaks and driving status transitions across
// healthy/degraded/unhealthy/offline/maintenance.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/upstream"
)

// Prober performs one liveness check against a connection. The built-in
// transports each know how to probe themselves (HTTP GET /health,
// WebSocket ping/pong, stdio process liveness); Checker is agnostic to
// which.
type Prober interface {
	Probe(ctx context.Context, conn transport.Conn) error
}

// Checker owns the health state for a single upstream and the goroutine
// that refreshes it. Created and owned exclusively by the load balancer
// (design doc Section 3.8: "health checkers are owned exclusively by the
// load balancer that created them").
type Checker struct {
	id     string
	cfg    upstream.Config
	prober Prober
	getConn func() (transport.Conn, error)

	mu     sync.RWMutex
	health upstream.Health

	breaker *Breaker

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker builds a Checker for one upstream. getConn is called on
// every probe tick to obtain the current connection, since connections
// may be recycled by the wrapper between probes.
func NewChecker(cfg upstream.Config, prober Prober, getConn func() (transport.Conn, error)) *Checker {
	return &Checker{
		id:      cfg.ID,
		cfg:     cfg,
		prober:  prober,
		getConn: getConn,
		health:  upstream.NewHealth(),
		breaker: NewBreaker(BreakerConfig{FailureThreshold: cfg.FailureThreshold}),
	}
}

// Breaker returns the circuit breaker guarding dispatch to this upstream.
// Distinct from the probe-driven Status above: status reflects the
// background prober's view of liveness, while the breaker reacts to the
// pass/fail outcome of real dispatched calls and can trip open between
// probe ticks.
func (c *Checker) Breaker() *Breaker {
	return c.breaker
}

// Start runs one probe synchronously, so a freshly registered upstream
// has a recorded probe outcome before it can be selected, then launches
// the probe loop for subsequent ticks. One successful probe leaves the
// status Offline unless RecoveryThreshold is 1. Calling Start twice
// without Stop is a programmer error and panics, mirroring the teacher's
// watcher lifecycle guards.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		panic("health: checker already started for " + c.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.runProbe(ctx)
	go c.loop(runCtx)
}

// Stop cancels the probe loop and blocks until it has exited.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()
}

func (c *Checker) loop(ctx context.Context) {
	defer close(c.done)

	period := c.cfg.HealthPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runProbe(ctx)
		}
	}
}

func (c *Checker) runProbe(ctx context.Context) {
	timeout := c.cfg.HealthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.getConn()
	if err == nil {
		err = c.prober.Probe(probeCtx, conn)
	}
	elapsed := time.Since(start)

	c.record(err, elapsed)
}

// record applies one probe outcome, per design doc Section 4.2's state
// machine: consecutive successes/failures drive transitions, separate
// from the raw lifetime counters used for statistics.
func (c *Checker) record(probeErr error, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &c.health
	h.LastCheckTime = time.Now()
	h.LastResponseTime = elapsed
	h.TotalRequests++

	failureThreshold := c.cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	recoveryThreshold := c.cfg.RecoveryThreshold
	if recoveryThreshold <= 0 {
		recoveryThreshold = 2
	}

	prevStatus := h.Status
	if h.Status == upstream.StatusMaintenance {
		// Maintenance is operator-controlled; probes still run (so
		// operators can see liveness) but never auto-transition out of it.
		return
	}

	if probeErr == nil {
		h.SuccessCount++
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0

		switch {
		case h.Status == upstream.StatusOffline || h.Status == upstream.StatusUnhealthy:
			if h.ConsecutiveSuccesses >= recoveryThreshold {
				h.Status = upstream.StatusHealthy
			}
		case h.Status == upstream.StatusDegraded:
			if h.ConsecutiveSuccesses >= recoveryThreshold {
				h.Status = upstream.StatusHealthy
			}
		default:
			h.Status = upstream.StatusHealthy
		}
	} else {
		h.ErrorCount++
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0

		if h.ConsecutiveFailures >= failureThreshold && h.Status != upstream.StatusUnhealthy {
			h.Status = upstream.StatusUnhealthy
		}
	}

	if h.Status != prevStatus {
		slog.Info("upstream health transition", "upstream", c.id, "from", prevStatus, "to", h.Status,
			"consecutive_failures", h.ConsecutiveFailures, "consecutive_successes", h.ConsecutiveSuccesses)
	}
}

// Snapshot returns a copy of the current health state.
func (c *Checker) Snapshot() upstream.Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// SetMaintenance forces the upstream into or out of maintenance mode,
// bypassing probe-driven transitions (design doc Section 3.1: "offline"
// vs "maintenance" are both operator/probe distinguishable states).
func (c *Checker) SetMaintenance(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.health.Status = upstream.StatusMaintenance
	} else {
		c.health.Status = upstream.StatusUnhealthy
		c.health.ConsecutiveFailures = 0
		c.health.ConsecutiveSuccesses = 0
	}
}

// IncrementActiveConnections and DecrementActiveConnections let the
// wrapper report connection-pool occupancy alongside probe-derived
// health, since least-connections balancing needs live counts.
func (c *Checker) IncrementActiveConnections() {
	c.mu.Lock()
	c.health.ActiveConnections++
	c.mu.Unlock()
}

func (c *Checker) DecrementActiveConnections() {
	c.mu.Lock()
	if c.health.ActiveConnections > 0 {
		c.health.ActiveConnections--
	}
	c.mu.Unlock()
}
