package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// registration is one named plugin entry along with the metadata the
// registry uses to pick a winner when several plugins of the same kind
// are enabled (design doc Section 4.1).
type registration struct {
	name     string
	kind     Kind
	priority int
	enabled  bool
	plugin   Plugin
}

// Registry holds the set of named transport plugins and selects the
// highest-priority enabled plugin for a requested kind.
//
// Thread-safe — Create is called concurrently from wrapper registration
// goroutines while Register/SetEnabled may be called from the management
// API at any time.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*registration
}

// NewRegistry returns an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*registration)}
}

// Register adds a plugin under a unique name. Re-registering the same
// name replaces the previous entry (used by discovery re-scans).
func (r *Registry) Register(name string, kind Kind, priority int, enabled bool, plugin Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[name] = &registration{
		name:     name,
		kind:     kind,
		priority: priority,
		enabled:  enabled,
		plugin:   plugin,
	}
	slog.Info("transport plugin registered", "name", name, "kind", kind, "priority", priority, "enabled", enabled)
}

// SetEnabled toggles a registered plugin on or off without removing it.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("transport: plugin %q not registered", name)
	}
	reg.enabled = enabled
	return nil
}

// Create selects the highest-priority enabled plugin of the requested
// kind and connects to the given endpoint (design doc Section 4.1:
// create_transport_connection). Ties break by registration name for
// determinism.
func (r *Registry) Create(ctx context.Context, kind Kind, endpoint, credential string, timeout time.Duration) (Conn, error) {
	plugin, err := r.pick(kind)
	if err != nil {
		return nil, err
	}
	return plugin.Connect(ctx, endpoint, credential, timeout)
}

// pick returns the highest-priority enabled plugin for kind.
func (r *Registry) pick(kind Kind) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*registration
	for _, reg := range r.byName {
		if reg.kind == kind && reg.enabled {
			candidates = append(candidates, reg)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCompatiblePlugin
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].plugin, nil
}

// Names lists all registered plugin names, sorted, for status reporting.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins registers the three built-in transports at their
// default priority (100). Called explicitly from cmd/mcpgate's
// composition root rather than from a package init(), per design doc
// Section 9's note on replacing singleton accessors with explicit
// wiring.
func RegisterBuiltins(r *Registry) {
	r.Register("http", KindHTTP, 100, true, NewHTTPPlugin())
	r.Register("websocket", KindWebSocket, 100, true, NewWebSocketPlugin())
	r.Register("stdio", KindStdio, 100, true, NewStdioPlugin())
}
