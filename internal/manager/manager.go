// Package manager implements the Proxy Manager (design doc Section 4.9):
// lifecycle control over the wrapper's upstream set, discovery sources
// (network scan, service discovery, file-based), and a scheduled health
// roll-up job.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mcpgate/mcpgate/internal/loadbalancer"
	"github.com/mcpgate/mcpgate/internal/upstream"
	"github.com/mcpgate/mcpgate/internal/wrapper"
)

// Source produces upstream configs to register. Implementations are
// distinct per discovery method (design doc Section 4.9: network scan,
// service discovery, file-based).
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]upstream.Config, error)
}

// Manager owns the wrapper's lifecycle: startup registration, discovery
// re-scans, and the periodic health roll-up.
type Manager struct {
	wrapper  *wrapper.Wrapper
	balancer *loadbalancer.Balancer
	sources  []Source

	cron *cron.Cron

	mu       sync.Mutex
	rollup   RollupSnapshot
}

// RollupSnapshot is the last computed health summary across every
// registered upstream, exposed to the management API.
type RollupSnapshot struct {
	ComputedAt time.Time                   `json:"computed_at"`
	ByStatus   map[upstream.Status]int     `json:"by_status"`
	Upstreams  []loadbalancer.Candidate    `json:"-"`
}

// New builds a Manager with the given sources.
func New(w *wrapper.Wrapper, b *loadbalancer.Balancer, sources ...Source) *Manager {
	return &Manager{
		wrapper:  w,
		balancer: b,
		sources:  sources,
		cron:     cron.New(),
	}
}

// Start runs an initial discovery pass, registers every found upstream,
// and schedules the periodic health roll-up (design doc Section 4.9:
// "periodic health roll-up"). The schedule expression follows standard
// five-field cron syntax.
func (m *Manager) Start(ctx context.Context, rollupSchedule string) error {
	if err := m.DiscoverAll(ctx); err != nil {
		slog.Warn("initial discovery encountered errors", "error", err)
	}

	if rollupSchedule == "" {
		rollupSchedule = "@every 30s"
	}
	_, err := m.cron.AddFunc(rollupSchedule, m.computeRollup)
	if err != nil {
		return fmt.Errorf("manager: scheduling rollup: %w", err)
	}
	m.cron.Start()

	m.computeRollup()
	return nil
}

// Stop halts the cron scheduler and every health checker owned by the
// balancer.
func (m *Manager) Stop() {
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.balancer.StopAll()
}

// DiscoverAll runs every configured Source and registers whatever it
// finds, skipping upstreams already registered.
func (m *Manager) DiscoverAll(ctx context.Context) error {
	var firstErr error
	for _, src := range m.sources {
		found, err := src.Discover(ctx)
		if err != nil {
			slog.Error("discovery source failed", "source", src.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, cfg := range found {
			if err := m.wrapper.RegisterUpstream(ctx, cfg); err != nil {
				slog.Debug("skipping already-known upstream", "source", src.Name(), "id", cfg.ID, "error", err)
				continue
			}
			if _, err := m.wrapper.DiscoverTools(ctx, cfg.ID); err != nil {
				slog.Warn("tool discovery failed after registration", "upstream", cfg.ID, "error", err)
			}
		}
	}
	return firstErr
}

func (m *Manager) computeRollup() {
	snapshot := m.balancer.Snapshot()
	byStatus := make(map[upstream.Status]int)
	for _, c := range snapshot {
		byStatus[c.Health.Status]++
	}

	m.mu.Lock()
	m.rollup = RollupSnapshot{ComputedAt: time.Now(), ByStatus: byStatus, Upstreams: snapshot}
	m.mu.Unlock()

	slog.Debug("health rollup computed", "upstream_count", len(snapshot), "by_status", byStatus)
}

// Rollup returns the most recently computed health summary.
func (m *Manager) Rollup() RollupSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollup
}

// FileSource loads upstream configs from a JSON file on disk (design
// doc Section 4.9: "file-based" discovery).
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Discover(ctx context.Context) ([]upstream.Config, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manager: reading %s: %w", s.Path, err)
	}

	var configs []upstream.Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("manager: parsing %s: %w", s.Path, err)
	}
	return configs, nil
}

// NetworkScanSource probes a fixed set of host:port candidates and
// returns an HTTP upstream config for each that accepts a TCP
// connection within Timeout (design doc Section 4.9: "network scan").
// Concurrency is bounded by MaxConcurrency to avoid fan-out storms on
// large candidate lists.
type NetworkScanSource struct {
	Candidates     []string
	Timeout        time.Duration
	MaxConcurrency int
}

func (s NetworkScanSource) Name() string { return "network-scan" }

func (s NetworkScanSource) Discover(ctx context.Context) ([]upstream.Config, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	concurrency := s.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	sem := make(chan struct{}, concurrency)
	results := make(chan *upstream.Config, len(s.Candidates))
	var wg sync.WaitGroup

	for _, addr := range s.Candidates {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				results <- nil
				return
			}
			conn.Close()

			results <- &upstream.Config{
				ID:        "scan-" + addr,
				Name:      addr,
				Endpoint:  "http://" + addr,
				Transport: upstream.TransportHTTP,
				Enabled:   true,
			}
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var found []upstream.Config
	for r := range results {
		if r != nil {
			found = append(found, *r)
		}
	}
	return found, nil
}

// ServiceDiscoverySource queries an external service registry's HTTP API
// for upstream candidates (design doc Section 4.9: "service discovery").
// The registry is expected to return a JSON array of upstream.Config.
type ServiceDiscoverySource struct {
	RegistryURL string
	Fetch       func(ctx context.Context, url string) ([]byte, error)
}

func (s ServiceDiscoverySource) Name() string { return "service-discovery:" + s.RegistryURL }

func (s ServiceDiscoverySource) Discover(ctx context.Context) ([]upstream.Config, error) {
	if s.Fetch == nil {
		return nil, fmt.Errorf("manager: service discovery source has no Fetch function configured")
	}
	data, err := s.Fetch(ctx, s.RegistryURL)
	if err != nil {
		return nil, fmt.Errorf("manager: fetching %s: %w", s.RegistryURL, err)
	}
	var configs []upstream.Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("manager: parsing service discovery response: %w", err)
	}
	return configs, nil
}
