// Package transport implements the Transport Plugin Layer (design doc
// Section 4.1): a uniform connect/send/recv/close contract over HTTP,
// WebSocket, and stdio, plus a registry of named, prioritized plugins.
//
// The contract is modeled as a Go interface rather than the source
// repository's duck-typed introspection (design doc Section 9, "Dynamic
// attribute assignment" / "Duck-typed plugin discovery" design notes):
// discovery returns constructors keyed by name and kind instead of
// inspecting module symbols at runtime.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Message is the generic payload every plugin sends and receives. It is
// kept as a map (design doc Section 4.1: "Messages are JSON-serializable
// maps") so plugins stay agnostic to the wire package's typed shapes;
// callers marshal/unmarshal wire.Message into/out of it at the edges.
type Message = map[string]any

// Status is a point-in-time snapshot of a connection's liveness, used by
// the health checker and the dashboard/API layer.
type Status struct {
	Connected    bool   `json:"connected"`
	LastError    string `json:"last_error,omitempty"`
	RemoteLabel  string `json:"remote_label,omitempty"`
}

// Conn is one live connection to an upstream, created by a Plugin's
// Connect method. Exactly one Conn exists per upstream connection slot
// (design doc Section 3.8: "Connections to upstreams are exclusively
// owned by the wrapper's per-upstream connection slot").
type Conn interface {
	// Send writes a message to the upstream. May block (design doc
	// Section 4.1).
	Send(ctx context.Context, msg Message) error

	// Receive reads the next message. For WebSocket and stdio this is a
	// blocking read; for HTTP it is a synchronous poll.
	Receive(ctx context.Context) (Message, error)

	// Connected reports whether the connection is currently usable.
	Connected() bool

	// Status returns a snapshot for health/telemetry reporting.
	Status() Status

	// Close disconnects and releases any held resources (process
	// handles, sockets). Safe to call multiple times.
	Close() error
}

// Plugin is the contract every transport implementation satisfies
// (design doc Section 4.1). A Plugin is a stateless factory; Connect
// produces the stateful Conn for one upstream.
type Plugin interface {
	// Kind identifies which transport family this plugin implements.
	Kind() Kind

	// Connect establishes a new connection to the given endpoint,
	// optionally authenticated with the given bearer credential.
	Connect(ctx context.Context, endpoint, credential string, timeout time.Duration) (Conn, error)
}

// Kind enumerates the three built-in transport families from design doc
// Section 3.1.
type Kind string

const (
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
	KindStdio     Kind = "stdio"
)

// ErrNoCompatiblePlugin is returned by Registry.Create when no enabled
// plugin of the requested kind is registered (design doc Section 4.1).
var ErrNoCompatiblePlugin = fmt.Errorf("transport: no compatible plugin registered")
