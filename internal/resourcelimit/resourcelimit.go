// Package resourcelimit implements the Resource Limit Manager (design
// doc Section 4.6): per-execution soft/hard limits on CPU time, memory,
// wall-clock execution time, API call count, and concurrent execution
// count, enforced by a registry of active executions and a background
// monitor that interrupts anything over its hard limit.
package resourcelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates the resource dimensions a limit can apply to.
type Kind string

const (
	KindCPUTime              Kind = "cpu_time"
	KindMemory               Kind = "memory"
	KindExecutionTime        Kind = "execution_time"
	KindAPICalls             Kind = "api_calls"
	KindConcurrentExecutions Kind = "concurrent_executions"
)

// Limit pairs a soft and hard threshold for one Kind (design doc Section
// 3.6). Soft limits are advisory (logged, telemetry-only); hard limits
// trigger an interrupt.
type Limit struct {
	Kind Kind
	Soft float64
	Hard float64
}

// Usage is one execution's current resource consumption.
type Usage struct {
	CPUTimeSeconds float64
	MemoryBytes    float64
	APICallCount   float64
}

// Execution is one tracked unit of work (design doc Section 3.6: a
// single tool call through the wrapper's pipeline).
type Execution struct {
	ID         string
	UpstreamID string
	UserID     string
	StartedAt  time.Time
	Limits     []Limit
	Usage      Usage
	Interrupt  context.CancelFunc

	// softNotified tracks which Kinds have already been logged for a
	// soft-limit violation, so the 1-second monitor doesn't re-log the
	// same crossing on every tick.
	softNotified map[Kind]bool
}

// HistoryEntry records one completed execution's final usage, for the
// bounded FIFO history (design doc Section 4.6).
type HistoryEntry struct {
	ID          string
	UpstreamID  string
	StartedAt   time.Time
	EndedAt     time.Time
	Usage       Usage
	HardExceeded bool
	ExceededKind Kind
}

// ErrConcurrencyLimitExceeded is returned by Begin when admitting the
// execution would exceed the concurrent_executions hard limit.
var ErrConcurrencyLimitExceeded = fmt.Errorf("resourcelimit: concurrent execution limit exceeded")

// Manager tracks active executions and enforces hard limits via a
// background monitor tick, per design doc Section 4.6 ("checked on a
// 1-second interval").
type Manager struct {
	mu             sync.Mutex
	active         map[string]*Execution
	history        []HistoryEntry
	historyCap     int
	maxConcurrency int
}

// New builds a Manager. maxConcurrency <= 0 means unlimited; historyCap
// bounds the retained completed-execution history.
func New(maxConcurrency, historyCap int) *Manager {
	if historyCap <= 0 {
		historyCap = 1000
	}
	return &Manager{
		active:         make(map[string]*Execution),
		historyCap:     historyCap,
		maxConcurrency: maxConcurrency,
	}
}

// Begin admits a new execution, failing closed if it would exceed the
// concurrent_executions limit (design doc Section 3.6 invariant: limits
// are enforced at admission and continuously thereafter). The
// concurrency limit is scoped per user: it counts only active
// executions owned by userID, not the registry as a whole.
func (m *Manager) Begin(ctx context.Context, id, upstreamID, userID string, limits []Limit) (context.Context, *Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConcurrency > 0 && m.activeForUserLocked(userID) >= m.maxConcurrency {
		return nil, nil, ErrConcurrencyLimitExceeded
	}

	execCtx, cancel := context.WithCancel(ctx)
	exec := &Execution{
		ID:           id,
		UpstreamID:   upstreamID,
		UserID:       userID,
		StartedAt:    time.Now(),
		Limits:       limits,
		Interrupt:    cancel,
		softNotified: make(map[Kind]bool),
	}
	m.active[id] = exec
	return execCtx, exec, nil
}

func (m *Manager) activeForUserLocked(userID string) int {
	n := 0
	for _, exec := range m.active {
		if exec.UserID == userID {
			n++
		}
	}
	return n
}

// RecordUsage updates an in-flight execution's observed usage.
func (m *Manager) RecordUsage(id string, usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec, ok := m.active[id]; ok {
		exec.Usage = usage
	}
}

// End removes an execution from the active set and appends a history
// entry, trimming the oldest entry once historyCap is exceeded.
func (m *Manager) End(id string, hardExceeded bool, exceededKind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)

	entry := HistoryEntry{
		ID:           exec.ID,
		UpstreamID:   exec.UpstreamID,
		StartedAt:    exec.StartedAt,
		EndedAt:      time.Now(),
		Usage:        exec.Usage,
		HardExceeded: hardExceeded,
		ExceededKind: exceededKind,
	}
	m.history = append(m.history, entry)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}
}

// ActiveCount reports the number of currently tracked executions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// History returns a copy of the retained completed-execution history.
func (m *Manager) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// RunMonitor starts the 1-second hard-limit monitor loop (design doc
// Section 4.6). For each active execution whose usage exceeds a hard
// limit's threshold, it invokes Interrupt and marks the execution ended.
func (m *Manager) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var toInterrupt []*Execution
	var exceededKind Kind
	var toLog []struct {
		exec *Execution
		kind Kind
	}
	for _, exec := range m.active {
		if kind, exceeded := hardExceeded(exec, now); exceeded {
			toInterrupt = append(toInterrupt, exec)
			exceededKind = kind
			continue
		}
		for _, kind := range softExceeded(exec, now) {
			if exec.softNotified[kind] {
				continue
			}
			exec.softNotified[kind] = true
			toLog = append(toLog, struct {
				exec *Execution
				kind Kind
			}{exec, kind})
		}
	}
	m.mu.Unlock()

	for _, v := range toLog {
		slog.Warn("resource soft limit exceeded", "execution", v.exec.ID, "upstream", v.exec.UpstreamID,
			"user", v.exec.UserID, "kind", v.kind)
	}

	for _, exec := range toInterrupt {
		m.End(exec.ID, true, exceededKind)
		exec.Interrupt()
	}
}

// Interrupt cancels an active execution's context and ends it as if its
// hard limit had been exceeded, for operator-initiated termination.
func (m *Manager) Interrupt(id string) error {
	m.mu.Lock()
	exec, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("resourcelimit: no active execution %q", id)
	}
	exec.Interrupt()
	m.End(id, true, "")
	return nil
}

// CheckSoftLimits reports which resource kinds are currently past their
// soft threshold for id, without interrupting the execution.
func (m *Manager) CheckSoftLimits(id string) ([]Kind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("resourcelimit: no active execution %q", id)
	}
	return softExceeded(exec, time.Now()), nil
}

// CheckHardLimits reports which resource kind, if any, is currently past
// its hard threshold for id, without interrupting the execution.
func (m *Manager) CheckHardLimits(id string) ([]Kind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("resourcelimit: no active execution %q", id)
	}
	if kind, exceeded := hardExceeded(exec, time.Now()); exceeded {
		return []Kind{kind}, nil
	}
	return nil, nil
}

func hardExceeded(exec *Execution, now time.Time) (Kind, bool) {
	elapsed := now.Sub(exec.StartedAt).Seconds()
	for _, lim := range exec.Limits {
		if lim.Hard <= 0 {
			continue
		}
		var observed float64
		switch lim.Kind {
		case KindExecutionTime:
			observed = elapsed
		case KindCPUTime:
			observed = exec.Usage.CPUTimeSeconds
		case KindMemory:
			observed = exec.Usage.MemoryBytes
		case KindAPICalls:
			observed = exec.Usage.APICallCount
		default:
			continue
		}
		if observed > lim.Hard {
			return lim.Kind, true
		}
	}
	return "", false
}

// softExceeded reports every limit kind whose observed usage is past its
// soft threshold (design doc Section 4.6: soft-limit violations are
// logged but never interrupt the execution).
func softExceeded(exec *Execution, now time.Time) []Kind {
	elapsed := now.Sub(exec.StartedAt).Seconds()
	var kinds []Kind
	for _, lim := range exec.Limits {
		if lim.Soft <= 0 {
			continue
		}
		var observed float64
		switch lim.Kind {
		case KindExecutionTime:
			observed = elapsed
		case KindCPUTime:
			observed = exec.Usage.CPUTimeSeconds
		case KindMemory:
			observed = exec.Usage.MemoryBytes
		case KindAPICalls:
			observed = exec.Usage.APICallCount
		default:
			continue
		}
		if observed > lim.Soft {
			kinds = append(kinds, lim.Kind)
		}
	}
	return kinds
}
