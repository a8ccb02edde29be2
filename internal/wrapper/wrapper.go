// Package wrapper implements the Proxy Wrapper (design doc Section 4.8):
// the upstream registry, tool discovery cache, qualified-name rewriting,
// and the per-call pipeline (policy -> rate limit -> resource limit ->
// dispatch -> telemetry) that every tool call passes through.
package wrapper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/loadbalancer"
	"github.com/mcpgate/mcpgate/internal/policy"
	"github.com/mcpgate/mcpgate/internal/ratelimit"
	"github.com/mcpgate/mcpgate/internal/resourcelimit"
	"github.com/mcpgate/mcpgate/internal/telemetry"
	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/upstream"
	"github.com/mcpgate/mcpgate/internal/wire"
)

// ErrDenied is returned when the policy engine rejects a call.
var ErrDenied = fmt.Errorf("wrapper: call denied by policy")

// ErrRateLimited is returned when the rate limiter rejects a call.
var ErrRateLimited = fmt.Errorf("wrapper: call rejected by rate limiter")

// ErrUnknownTool is returned when a qualified tool name has no matching
// cached descriptor.
var ErrUnknownTool = fmt.Errorf("wrapper: unknown tool")

// ErrUpstreamUnavailable is returned when the tool's upstream is
// disabled or not currently healthy, per the load balancer's
// eligibility filter.
var ErrUpstreamUnavailable = fmt.Errorf("wrapper: upstream unavailable")

// Options bundles the wrapper's dependencies, mirroring the teacher's
// Options-struct-plus-New convention for explicit composition-root
// wiring.
type Options struct {
	Transports     *transport.Registry
	Balancer       *loadbalancer.Balancer
	Policy         policy.Decider
	RateLimiter    *ratelimit.Limiter
	ResourceLimits *resourcelimit.Manager
	Telemetry      telemetry.Sink
	CallTimeout    time.Duration
}

// Wrapper owns every registered upstream's connection slot, the tool
// discovery cache, and the call pipeline.
type Wrapper struct {
	transports     *transport.Registry
	balancer       *loadbalancer.Balancer
	policy         policy.Decider
	rateLimiter    *ratelimit.Limiter
	resourceLimits *resourcelimit.Manager
	telemetry      telemetry.Sink
	callTimeout    time.Duration

	mu      sync.RWMutex
	configs map[string]upstream.Config
	conns   map[string]*connSlot
	tools   map[string]upstream.Descriptor // qualified name -> descriptor
}

// connSlot serializes calls against one upstream connection (design doc
// Section 3.8: "connections to upstreams are exclusively owned by the
// wrapper's per-upstream connection slot").
type connSlot struct {
	mu   sync.Mutex
	conn transport.Conn
}

// New builds a Wrapper from opts, defaulting CallTimeout to 30s.
func New(opts Options) *Wrapper {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Wrapper{
		transports:     opts.Transports,
		balancer:       opts.Balancer,
		policy:         opts.Policy,
		rateLimiter:    opts.RateLimiter,
		resourceLimits: opts.ResourceLimits,
		telemetry:      opts.Telemetry,
		callTimeout:    opts.CallTimeout,
		configs:        make(map[string]upstream.Config),
		conns:          make(map[string]*connSlot),
		tools:          make(map[string]upstream.Descriptor),
	}
}

// RegisterUpstream adds an upstream to the registry and starts its
// health checker via the balancer (design doc Section 4.1:
// register_upstream).
func (w *Wrapper) RegisterUpstream(ctx context.Context, cfg upstream.Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	if _, exists := w.configs[cfg.ID]; exists {
		w.mu.Unlock()
		return fmt.Errorf("wrapper: upstream %q already registered", cfg.ID)
	}
	w.configs[cfg.ID] = cfg
	w.conns[cfg.ID] = &connSlot{}
	w.mu.Unlock()

	w.balancer.Add(ctx, cfg, func() (transport.Conn, error) {
		return w.connection(ctx, cfg.ID)
	})

	slog.Info("upstream registered", "id", cfg.ID, "endpoint", cfg.Endpoint, "transport", cfg.Transport)
	return nil
}

// UnregisterUpstream removes an upstream, stopping its health checker
// and closing its connection.
func (w *Wrapper) UnregisterUpstream(id string) {
	w.balancer.Remove(id)

	w.mu.Lock()
	delete(w.configs, id)
	slot, ok := w.conns[id]
	delete(w.conns, id)
	for name, desc := range w.tools {
		if desc.UpstreamID == id {
			delete(w.tools, name)
		}
	}
	w.mu.Unlock()

	if ok && slot.conn != nil {
		_ = slot.conn.Close()
	}
	slog.Info("upstream unregistered", "id", id)
}

// connection lazily dials (or redials) the connection for an upstream.
func (w *Wrapper) connection(ctx context.Context, upstreamID string) (transport.Conn, error) {
	w.mu.RLock()
	cfg, ok := w.configs[upstreamID]
	slot := w.conns[upstreamID]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wrapper: unknown upstream %q", upstreamID)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.conn != nil && slot.conn.Connected() {
		return slot.conn, nil
	}

	kind := transport.Kind(cfg.Transport)
	conn, err := w.transports.Create(ctx, kind, cfg.Endpoint, cfg.Credential, cfg.HealthTimeout)
	if err != nil {
		return nil, fmt.Errorf("wrapper: connecting to %q: %w", upstreamID, err)
	}
	slot.conn = conn
	return conn, nil
}

// DiscoverTools calls tools/list on an upstream and caches its tools
// under their qualified names (design doc Section 4.8: tool discovery
// and qualified-name rewriting).
func (w *Wrapper) DiscoverTools(ctx context.Context, upstreamID string) ([]upstream.Descriptor, error) {
	conn, err := w.connection(ctx, upstreamID)
	if err != nil {
		return nil, err
	}

	req, err := wire.NewRequest(fmt.Sprintf("discover-%s", upstreamID), "tools/list", nil)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	if err := conn.Send(callCtx, toTransportMessage(req)); err != nil {
		return nil, fmt.Errorf("wrapper: tools/list send: %w", err)
	}
	raw, err := conn.Receive(callCtx)
	if err != nil {
		return nil, fmt.Errorf("wrapper: tools/list receive: %w", err)
	}

	msg := fromTransportMessage(raw)
	var result wire.ToolsListResult
	if err := wire.DecodeResult(msg, &result); err != nil {
		return nil, fmt.Errorf("wrapper: tools/list decode: %w", err)
	}

	descriptors := make([]upstream.Descriptor, 0, len(result.Tools))
	w.mu.Lock()
	for name, desc := range w.tools {
		if desc.UpstreamID == upstreamID {
			delete(w.tools, name)
		}
	}
	for _, t := range result.Tools {
		qualified := upstream.QualifiedName(upstreamID, t.Name)
		desc := upstream.Descriptor{
			QualifiedName: qualified,
			UpstreamID:    upstreamID,
			LocalName:     t.Name,
			Description:   t.Description,
			InputSchema:   t.InputSchema,
			OutputSchema:  t.OutputSchema,
		}
		w.tools[qualified] = desc
		descriptors = append(descriptors, desc)
	}
	w.mu.Unlock()

	slog.Info("tool discovery complete", "upstream", upstreamID, "tool_count", len(descriptors))
	return descriptors, nil
}

// ListTools returns every cached tool descriptor across all upstreams.
func (w *Wrapper) ListTools() []upstream.Descriptor {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]upstream.Descriptor, 0, len(w.tools))
	for _, d := range w.tools {
		out = append(out, d)
	}
	return out
}

// CallParams identifies the caller and the target of one tools/call
// invocation through the pipeline.
type CallParams struct {
	Principal     string
	ClientIP      string
	QualifiedName string
	Arguments     map[string]any
}

// Call runs the full pipeline: policy -> rate limit -> resource limit ->
// dispatch -> telemetry (design doc Section 4.8). Every stage that
// rejects the call still emits a telemetry event before returning.
func (w *Wrapper) Call(ctx context.Context, p CallParams) (any, error) {
	start := time.Now()

	upstreamID, localName, ok := strings.Cut(p.QualifiedName, ".")
	if !ok {
		w.emit(telemetry.Event{Kind: telemetry.EventCallCompleted, ToolName: p.QualifiedName, Principal: p.Principal, Err: ErrUnknownTool})
		return nil, ErrUnknownTool
	}

	w.mu.RLock()
	_, known := w.tools[p.QualifiedName]
	w.mu.RUnlock()
	if !known {
		w.emit(telemetry.Event{Kind: telemetry.EventCallCompleted, UpstreamID: upstreamID, ToolName: localName, Principal: p.Principal, Err: ErrUnknownTool})
		return nil, ErrUnknownTool
	}

	decision := w.policy.Evaluate(ctx, policy.Request{
		Principal: p.Principal,
		Action:    "tools/call",
		Resource:  p.QualifiedName,
		ClientIP:  p.ClientIP,
	})
	if !decision.Allow {
		w.emit(telemetry.Event{Kind: telemetry.EventPolicyDenied, UpstreamID: upstreamID, ToolName: localName, Principal: p.Principal,
			Attrs: map[string]string{"reason": decision.ReasonCode}})
		return nil, fmt.Errorf("%w: %s", ErrDenied, decision.ReasonCode)
	}

	if w.rateLimiter != nil {
		rd, err := w.rateLimiter.Allow(ctx, "default", p.Principal, 1)
		if err != nil {
			return nil, err
		}
		if !rd.Allowed {
			w.emit(telemetry.Event{Kind: telemetry.EventRateLimited, UpstreamID: upstreamID, ToolName: localName, Principal: p.Principal})
			return nil, ErrRateLimited
		}
	}

	var execCtx context.Context = ctx
	var execID string
	if w.resourceLimits != nil {
		execID = fmt.Sprintf("%s-%d", p.QualifiedName, start.UnixNano())
		limits := []resourcelimit.Limit{
			{Kind: resourcelimit.KindExecutionTime, Hard: w.callTimeout.Seconds()},
		}
		c, _, err := w.resourceLimits.Begin(ctx, execID, upstreamID, p.Principal, limits)
		if err != nil {
			w.emit(telemetry.Event{Kind: telemetry.EventResourceLimited, UpstreamID: upstreamID, ToolName: localName, Principal: p.Principal})
			return nil, err
		}
		execCtx = c
		defer w.resourceLimits.End(execID, false, "")
	}

	// The qualified name already names the upstream, so Select's
	// candidate set is narrowed to it with a filter; the call still runs
	// through the load balancer's eligibility gate (enabled + healthy)
	// and strategy bookkeeping rather than dispatching unconditionally.
	if _, err := w.balancer.Select(p.ClientIP, func(cfg upstream.Config) bool { return cfg.ID == upstreamID }); err != nil {
		w.emit(telemetry.Event{Kind: telemetry.EventUpstreamUnavailable, UpstreamID: upstreamID, ToolName: localName, Principal: p.Principal, Err: err})
		return nil, fmt.Errorf("%w: %s: %s", ErrUpstreamUnavailable, upstreamID, err)
	}

	checker, hasChecker := w.balancer.Checker(upstreamID)

	// The breaker trips on dispatch outcomes themselves, independent of
	// the probe-driven status above: a run of failed live calls opens it
	// between probe ticks, and rejected calls never reach dispatch.
	if hasChecker {
		if err := checker.Breaker().Allow(); err != nil {
			w.emit(telemetry.Event{Kind: telemetry.EventUpstreamUnavailable, UpstreamID: upstreamID, ToolName: localName, Principal: p.Principal, Err: err})
			return nil, fmt.Errorf("%w: %s: %s", ErrUpstreamUnavailable, upstreamID, err)
		}
	}

	if hasChecker {
		checker.IncrementActiveConnections()
		defer checker.DecrementActiveConnections()
	}

	callCtx, cancel := context.WithTimeout(execCtx, w.callTimeout)
	defer cancel()

	result, err := w.dispatch(callCtx, upstreamID, localName, p.Arguments)

	if hasChecker {
		if err != nil {
			checker.Breaker().RecordFailure()
		} else {
			checker.Breaker().RecordSuccess()
		}
	}

	w.emit(telemetry.Event{
		Kind: telemetry.EventCallCompleted, UpstreamID: upstreamID, ToolName: localName,
		Principal: p.Principal, Duration: time.Since(start), Err: err,
	})
	return result, err
}

func (w *Wrapper) dispatch(ctx context.Context, upstreamID, localName string, args map[string]any) (any, error) {
	conn, err := w.connection(ctx, upstreamID)
	if err != nil {
		return nil, err
	}

	req, err := wire.NewRequest(fmt.Sprintf("call-%d", time.Now().UnixNano()), "tools/call", wire.ToolsCallParams{
		Name:      localName,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Send(ctx, toTransportMessage(req)); err != nil {
		return nil, fmt.Errorf("wrapper: dispatch send: %w", err)
	}
	raw, err := conn.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("wrapper: dispatch receive: %w", err)
	}

	msg := fromTransportMessage(raw)
	var result any
	if err := wire.DecodeResult(msg, &result); err != nil {
		return nil, fmt.Errorf("wrapper: dispatch decode: %w", err)
	}
	return result, nil
}

func (w *Wrapper) emit(e telemetry.Event) {
	if w.telemetry != nil {
		w.telemetry.Emit(e)
	}
}
