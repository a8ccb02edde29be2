package health

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is one state in the breaker's CLOSED/OPEN/HALF_OPEN
// machine (design doc Section 4.2 enrichment: per-upstream circuit
// breaking in front of dispatch, distinct from probe-driven health).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is returned by Breaker.Allow when the circuit is open
// and the recovery timeout has not yet elapsed.
var ErrCircuitOpen = fmt.Errorf("health: circuit breaker open")

// BreakerConfig tunes one Breaker's thresholds.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	return c
}

// Breaker isolates one upstream's failures from the rest of the system:
// once consecutive dispatch failures cross FailureThreshold, it opens and
// rejects calls outright until RecoveryTimeout has elapsed, then allows
// exactly one HALF_OPEN trial call through before deciding whether to
// close again or reopen.
type Breaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	lastStateChange time.Time

	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64
	rejectedRequests   uint64
}

// NewBreaker builds a Breaker in the CLOSED state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:             cfg.withDefaults(),
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a call may proceed, opening or half-opening the
// circuit as a side effect. Call RecordSuccess or RecordFailure with the
// outcome of every call Allow admitted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	// The trial call admitted on the OPEN -> HALF_OPEN transition is
	// still in flight; its outcome decides the next state.
	if b.state == CircuitHalfOpen {
		b.rejectedRequests++
		return ErrCircuitOpen
	}

	if b.state == CircuitOpen {
		if time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.transitionTo(CircuitHalfOpen)
		} else {
			b.rejectedRequests++
			return ErrCircuitOpen
		}
	}
	return nil
}

// RecordSuccess reports a successful call, closing the circuit if it was
// half-open and resetting the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successfulRequests++
	b.failureCount = 0
	if b.state == CircuitHalfOpen {
		b.transitionTo(CircuitClosed)
	}
}

// RecordFailure reports a failed call, opening the circuit once
// consecutive failures reach the configured threshold. A failure while
// half-open reopens immediately regardless of the threshold, since the
// trial call itself failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failedRequests++
	b.failureCount++
	b.lastFailureTime = time.Now()

	if b.state == CircuitHalfOpen || b.failureCount >= b.cfg.FailureThreshold {
		b.transitionTo(CircuitOpen)
	}
}

// Reset forces the circuit back to CLOSED, for operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.transitionTo(CircuitClosed)
}

func (b *Breaker) transitionTo(s CircuitState) {
	b.state = s
	b.lastStateChange = time.Now()
}

// BreakerSnapshot is a point-in-time view of a Breaker's state and
// lifetime counters, for status reporting.
type BreakerSnapshot struct {
	State              CircuitState `json:"state"`
	FailureCount       int          `json:"failure_count"`
	FailureThreshold   int          `json:"failure_threshold"`
	LastFailureTime    time.Time    `json:"last_failure_time,omitempty"`
	LastStateChange    time.Time    `json:"last_state_change"`
	TotalRequests      uint64       `json:"total_requests"`
	SuccessfulRequests uint64       `json:"successful_requests"`
	FailedRequests     uint64       `json:"failed_requests"`
	RejectedRequests   uint64       `json:"rejected_requests"`
}

// Snapshot returns a copy of the breaker's current state and counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:              b.state,
		FailureCount:       b.failureCount,
		FailureThreshold:   b.cfg.FailureThreshold,
		LastFailureTime:    b.lastFailureTime,
		LastStateChange:    b.lastStateChange,
		TotalRequests:      b.totalRequests,
		SuccessfulRequests: b.successfulRequests,
		FailedRequests:     b.failedRequests,
		RejectedRequests:   b.rejectedRequests,
	}
}
