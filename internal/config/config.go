// Package config handles loading, validating, and writing the mcpgate
// proxy configuration from <config-dir>/config.yaml, plus the sibling
// upstreams.json, policy.yaml, and ratelimits.yaml documents it hot
// reloads via Watcher.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpgate/mcpgate/internal/ratelimit"
)

// Config is the top-level mcpgate proxy configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LoadBalancer  LoadBalancerConfig  `yaml:"load_balancer"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Policy        PolicyConfig        `yaml:"policy"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	ManagementAPI ManagementAPIConfig `yaml:"management_api"`
}

// ServerConfig defines where the proxy's client-facing MCP endpoint
// listens. Default: 127.0.0.1:8400 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoadBalancerConfig selects the active selection strategy at startup.
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy"`
}

// RateLimitConfig holds named rate-limit policies plus the Redis
// connection used when Backend is "redis" (design doc Section 4.5).
type RateLimitConfig struct {
	Backend   string                      `yaml:"backend"` // "memory" or "redis"
	RedisAddr string                      `yaml:"redis_addr,omitempty"`
	Policies  map[string]ratelimit.Policy `yaml:"policies"`
}

// PolicyConfig selects internal vs external (OPA) policy evaluation.
type PolicyConfig struct {
	Mode string `yaml:"mode"` // "internal" or "opa"
	OPA  struct {
		URL           string        `yaml:"url,omitempty"`
		PolicyPath    string        `yaml:"policy_path,omitempty"`
		Timeout       time.Duration `yaml:"timeout,omitempty"`
		PolicyVersion string        `yaml:"policy_version,omitempty"`
	} `yaml:"opa"`
}

// DiscoveryConfig controls the proxy manager's startup discovery
// sources (design doc Section 4.9).
type DiscoveryConfig struct {
	UpstreamsFile  string   `yaml:"upstreams_file"`
	NetworkScan    []string `yaml:"network_scan,omitempty"`
	RollupSchedule string   `yaml:"rollup_schedule"`
}

// ManagementAPIConfig controls the admin REST surface (design doc
// Section 6.3).
type ManagementAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Load reads and parses config.yaml from the given path. If the file
// doesn't exist, returns defaults — not an error, mirroring first-run
// behavior before any setup command has run.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default config.yaml with a descriptive comment
// header, for first-run setup.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# mcpgate proxy configuration
#
# server:
#   host/port: where the client-facing MCP endpoint listens
#
# load_balancer.strategy: one of round-robin, weighted-round-robin,
#   least-connections, least-response-time, ip-hash, consistent-hash
#
# rate_limit.backend: memory or redis
#
# policy.mode: internal (in-process role map, versions set via the policy commands) or opa (external HTTP PDP)
#
# discovery.upstreams_file: JSON file listing upstreams to register at startup

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	cfg := &Config{
		Server:       ServerConfig{Host: "127.0.0.1", Port: 8400},
		LoadBalancer: LoadBalancerConfig{Strategy: "round-robin"},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Policies: map[string]ratelimit.Policy{
				"default": {Algorithm: ratelimit.AlgorithmTokenBucket, Limit: 60, Window: time.Minute, Burst: 10},
			},
		},
		Policy: PolicyConfig{Mode: "internal"},
		Discovery: DiscoveryConfig{
			UpstreamsFile:  "upstreams.json",
			RollupSchedule: "@every 30s",
		},
		ManagementAPI: ManagementAPIConfig{Enabled: true, Host: "127.0.0.1", Port: 8401},
	}
	return cfg
}

func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.RateLimit.Backend != "memory" && cfg.RateLimit.Backend != "redis" {
		return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.Backend == "redis" && cfg.RateLimit.RedisAddr == "" {
		return fmt.Errorf("rate_limit.redis_addr is required when backend is redis")
	}
	if cfg.Policy.Mode != "internal" && cfg.Policy.Mode != "opa" {
		return fmt.Errorf("policy.mode must be internal or opa, got %q", cfg.Policy.Mode)
	}
	return nil
}
