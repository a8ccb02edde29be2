// Package upstream defines the data model shared by every subsystem that
// deals with an upstream tool server: its identity, policy attributes,
// operational knobs, and live health state.
//
// Config is owned single-writer (the proxy manager) / many-reader by the
// rest of the proxy (design doc Section 5, "Shared-resource policy").
// Health is owned exclusively by the health checker that probes it
// (design doc Section 3.8).
package upstream

import "time"

// Transport identifies which wire protocol an upstream speaks.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "websocket"
	TransportStdio     Transport = "stdio"
)

// SecurityLevel is an operator-assigned trust tier carried on an
// upstream's Config; the policy engine does not read it.
type SecurityLevel string

const (
	SecurityLow     SecurityLevel = "low"
	SecurityMedium  SecurityLevel = "medium"
	SecurityHigh    SecurityLevel = "high"
	SecurityUnknown SecurityLevel = "unknown"
)

// Status is the health state machine defined in design doc Section 3.2.
// Initial status for a freshly registered upstream is Offline.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
)

// Config is the identity, policy, and operational record for one upstream
// tool server. ID is unique across the registry (design doc Section 3.1
// invariant). Created by Register or Discovery, mutated only by management
// operations, destroyed by Unregister.
type Config struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`
	Transport   Transport         `yaml:"transport" json:"transport"`
	Credential  string            `yaml:"credential,omitempty" json:"-"`
	SecurityLevel SecurityLevel   `yaml:"security_level" json:"security_level"`
	Categories  []string          `yaml:"categories,omitempty" json:"categories,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	Enabled          bool          `yaml:"enabled" json:"enabled"`
	Weight           int           `yaml:"weight" json:"weight"`
	MaxConnections   int           `yaml:"max_connections" json:"max_connections"`
	HealthPeriod     time.Duration `yaml:"health_period" json:"health_period"`
	HealthTimeout    time.Duration `yaml:"health_timeout" json:"health_timeout"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryThreshold int          `yaml:"recovery_threshold" json:"recovery_threshold"`
}

// ApplyDefaults fills in zero-valued operational fields with the spec's
// defaults (design doc Section 3.1: weight 1..N default 100).
func (c *Config) ApplyDefaults() {
	if c.Weight <= 0 {
		c.Weight = 100
	}
	if c.HealthPeriod <= 0 {
		c.HealthPeriod = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
}

// Validate checks the invariants from design doc Section 3.1.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errEmptyID
	}
	if c.Endpoint == "" {
		return errEmptyEndpoint
	}
	if c.Weight <= 0 {
		return errBadWeight
	}
	if c.FailureThreshold <= 0 || c.RecoveryThreshold <= 0 {
		return errBadThreshold
	}
	return nil
}

// Health is the per-upstream live health record (design doc Section 3.2).
// Writable only by the upstream's own health checker; readers obtain an
// atomic snapshot via the checker's Snapshot method (the struct itself is
// returned by value everywhere in this codebase so a snapshot is just a
// copy).
type Health struct {
	Status               Status    `json:"status"`
	LastCheckTime        time.Time `json:"last_check_time"`
	LastResponseTime     time.Duration `json:"last_response_time"`
	SuccessCount         uint64    `json:"success_count"`
	ErrorCount           uint64    `json:"error_count"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	TotalRequests        uint64    `json:"total_requests"`
	ActiveConnections    int       `json:"active_connections"`
}

// NewHealth returns the initial health record: offline, per design doc
// Section 3.2.
func NewHealth() Health {
	return Health{Status: StatusOffline}
}

// Descriptor is a fully-qualified tool as seen by clients (design doc
// Section 3.3). Schemas are opaque JSON blobs — never parsed by the core.
type Descriptor struct {
	QualifiedName string          `json:"qualified_name"`
	UpstreamID    string          `json:"upstream_id"`
	LocalName     string          `json:"local_name"`
	Description   string          `json:"description,omitempty"`
	InputSchema   []byte          `json:"input_schema,omitempty"`
	OutputSchema  []byte          `json:"output_schema,omitempty"`
}

// QualifiedName builds the "{upstream-id}.{local-tool-name}" name from
// design doc Section 3.3.
func QualifiedName(upstreamID, localName string) string {
	return upstreamID + "." + localName
}
