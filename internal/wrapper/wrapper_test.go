package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/internal/health"
	"github.com/mcpgate/mcpgate/internal/loadbalancer"
	"github.com/mcpgate/mcpgate/internal/policy"
	"github.com/mcpgate/mcpgate/internal/ratelimit"
	"github.com/mcpgate/mcpgate/internal/resourcelimit"
	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/upstream"
)

// fakeConn replies to each Send with a canned response keyed by the
// JSON-RPC method just sent, letting one fake stand in for an upstream
// across tools/list and tools/call without a real transport.
type fakeConn struct {
	responses  map[string]transport.Message
	lastMethod string
	failMethod string
}

func (c *fakeConn) Send(ctx context.Context, msg transport.Message) error {
	c.lastMethod, _ = msg["method"].(string)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (transport.Message, error) {
	if c.failMethod != "" && c.lastMethod == c.failMethod {
		return transport.Message{}, fmt.Errorf("fakeConn: simulated %s failure", c.lastMethod)
	}
	return c.responses[c.lastMethod], nil
}

func (c *fakeConn) Connected() bool        { return true }
func (c *fakeConn) Status() transport.Status { return transport.Status{Connected: true} }
func (c *fakeConn) Close() error           { return nil }

type fakePlugin struct {
	conn *fakeConn
}

func (p *fakePlugin) Kind() transport.Kind { return transport.KindHTTP }

func (p *fakePlugin) Connect(ctx context.Context, endpoint, credential string, timeout time.Duration) (transport.Conn, error) {
	return p.conn, nil
}

func toolsListResponse(t *testing.T) transport.Message {
	t.Helper()
	result := map[string]any{
		"tools": []map[string]any{
			{"name": "run", "description": "runs a search"},
		},
	}
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal tools/list result: %v", err)
	}
	return transport.Message{"jsonrpc": "2.0", "id": 1, "result": json.RawMessage(raw)}
}

func callResponse(t *testing.T, value string) transport.Message {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal call result: %v", err)
	}
	return transport.Message{"jsonrpc": "2.0", "id": 1, "result": json.RawMessage(raw)}
}

func allowAllDecider() *policy.InternalDecider {
	d := policy.NewInternalDecider()
	v := d.Propose(policy.Document{
		Roles: map[string]policy.RoleGrant{"alice": {Resources: []string{"*"}, Actions: []string{"*"}}},
	})
	d.Activate(v)
	return d
}

func newTestWrapper(t *testing.T, conn *fakeConn, decider policy.Decider) (*Wrapper, *loadbalancer.Balancer) {
	t.Helper()
	registry := transport.NewRegistry()
	registry.Register("fake", transport.KindHTTP, 100, true, &fakePlugin{conn: conn})
	balancer := loadbalancer.New()

	w := New(Options{
		Transports: registry,
		Balancer:   balancer,
		Policy:     decider,
		CallTimeout: 2 * time.Second,
	})
	return w, balancer
}

func TestRegisterUpstream_DuplicateRejected(t *testing.T) {
	w, b := newTestWrapper(t, &fakeConn{responses: map[string]transport.Message{}}, allowAllDecider())
	defer b.StopAll()
	ctx := context.Background()
	cfg := upstream.Config{ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP, Enabled: true, RecoveryThreshold: 1}

	if err := w.RegisterUpstream(ctx, cfg); err != nil {
		t.Fatalf("RegisterUpstream: %v", err)
	}
	if err := w.RegisterUpstream(ctx, cfg); err == nil {
		t.Error("expected an error re-registering the same upstream ID")
	}
}

func TestDiscoverTools_CachesQualifiedNames(t *testing.T) {
	conn := &fakeConn{responses: map[string]transport.Message{"tools/list": toolsListResponse(t)}}
	w, b := newTestWrapper(t, conn, allowAllDecider())
	defer b.StopAll()
	ctx := context.Background()

	if err := w.RegisterUpstream(ctx, upstream.Config{ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP, Enabled: true, RecoveryThreshold: 1}); err != nil {
		t.Fatalf("RegisterUpstream: %v", err)
	}

	descs, err := w.DiscoverTools(ctx, "search")
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if len(descs) != 1 || descs[0].QualifiedName != "search.run" {
		t.Fatalf("expected one descriptor named search.run, got %+v", descs)
	}

	tools := w.ListTools()
	if len(tools) != 1 || tools[0].LocalName != "run" {
		t.Errorf("expected cached tool run, got %+v", tools)
	}
}

func TestCall_UnknownTool(t *testing.T) {
	w, b := newTestWrapper(t, &fakeConn{responses: map[string]transport.Message{}}, allowAllDecider())
	defer b.StopAll()

	_, err := w.Call(context.Background(), CallParams{Principal: "alice", QualifiedName: "search.run"})
	if err != ErrUnknownTool {
		t.Errorf("expected ErrUnknownTool for an undiscovered tool, got %v", err)
	}
}

func TestCall_DeniedByPolicy(t *testing.T) {
	conn := &fakeConn{responses: map[string]transport.Message{"tools/list": toolsListResponse(t)}}
	denyAll := policy.NewInternalDecider()
	v := denyAll.Propose(policy.Document{Roles: map[string]policy.RoleGrant{}})
	denyAll.Activate(v)

	w, b := newTestWrapper(t, conn, denyAll)
	defer b.StopAll()
	ctx := context.Background()
	w.RegisterUpstream(ctx, upstream.Config{ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP, Enabled: true, RecoveryThreshold: 1})
	w.DiscoverTools(ctx, "search")

	_, err := w.Call(ctx, CallParams{Principal: "alice", QualifiedName: "search.run"})
	if err == nil {
		t.Fatal("expected a denial for a principal with no role grant")
	}
}

func TestCall_Success(t *testing.T) {
	conn := &fakeConn{responses: map[string]transport.Message{
		"tools/list": toolsListResponse(t),
		"tools/call": callResponse(t, "ok"),
	}}
	w, b := newTestWrapper(t, conn, allowAllDecider())
	defer b.StopAll()
	ctx := context.Background()
	w.RegisterUpstream(ctx, upstream.Config{ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP, Enabled: true, RecoveryThreshold: 1})
	w.DiscoverTools(ctx, "search")

	result, err := w.Call(ctx, CallParams{Principal: "alice", QualifiedName: "search.run", Arguments: map[string]any{"q": "go"}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected result %q, got %v", "ok", result)
	}
}

func TestCall_UpstreamDisabledRejected(t *testing.T) {
	conn := &fakeConn{responses: map[string]transport.Message{
		"tools/list": toolsListResponse(t),
		"tools/call": callResponse(t, "ok"),
	}}
	w, b := newTestWrapper(t, conn, allowAllDecider())
	defer b.StopAll()
	ctx := context.Background()
	// Enabled is left false, so the load balancer's eligibility filter
	// must reject dispatch even though the tool was discovered.
	w.RegisterUpstream(ctx, upstream.Config{ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP, RecoveryThreshold: 1})
	w.DiscoverTools(ctx, "search")

	if _, err := w.Call(ctx, CallParams{Principal: "alice", QualifiedName: "search.run"}); err == nil {
		t.Error("expected a disabled upstream to be rejected before dispatch")
	}
}

func TestCall_CircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	conn := &fakeConn{responses: map[string]transport.Message{
		"tools/list": toolsListResponse(t),
	}, failMethod: "tools/call"}
	w, b := newTestWrapper(t, conn, allowAllDecider())
	defer b.StopAll()
	ctx := context.Background()
	w.RegisterUpstream(ctx, upstream.Config{
		ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP,
		Enabled: true, RecoveryThreshold: 1, FailureThreshold: 2,
	})
	w.DiscoverTools(ctx, "search")

	for i := 0; i < 2; i++ {
		if _, err := w.Call(ctx, CallParams{Principal: "alice", QualifiedName: "search.run"}); err == nil {
			t.Fatalf("call %d: expected the simulated dispatch failure to surface", i)
		}
	}

	checker, ok := b.Checker("search")
	if !ok {
		t.Fatal("expected a checker to be registered for search")
	}
	if got := checker.Breaker().Snapshot().State; got != health.CircuitOpen {
		t.Fatalf("expected the breaker to open after %d consecutive dispatch failures, got %s", 2, got)
	}

	_, err := w.Call(ctx, CallParams{Principal: "alice", QualifiedName: "search.run"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected an open breaker to reject the call before dispatch, got %v", err)
	}
}

func TestCall_RateLimited(t *testing.T) {
	conn := &fakeConn{responses: map[string]transport.Message{
		"tools/list": toolsListResponse(t),
		"tools/call": callResponse(t, "ok"),
	}}
	registry := transport.NewRegistry()
	registry.Register("fake", transport.KindHTTP, 100, true, &fakePlugin{conn: conn})
	balancer := loadbalancer.New()
	defer balancer.StopAll()

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), map[string]ratelimit.Policy{
		"default": {Algorithm: ratelimit.AlgorithmFixedWindow, Limit: 1, Window: time.Minute},
	})

	w := New(Options{
		Transports:  registry,
		Balancer:    balancer,
		Policy:      allowAllDecider(),
		RateLimiter: limiter,
		CallTimeout: 2 * time.Second,
	})
	ctx := context.Background()
	w.RegisterUpstream(ctx, upstream.Config{ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP, Enabled: true, RecoveryThreshold: 1})
	w.DiscoverTools(ctx, "search")

	if _, err := w.Call(ctx, CallParams{Principal: "alice", QualifiedName: "search.run"}); err != nil {
		t.Fatalf("first Call: %v", err)
	}
	if _, err := w.Call(ctx, CallParams{Principal: "alice", QualifiedName: "search.run"}); err != ErrRateLimited {
		t.Errorf("expected ErrRateLimited on the second call within the window, got %v", err)
	}
}

func TestCall_ResourceLimitConcurrencyExceeded(t *testing.T) {
	conn := &fakeConn{responses: map[string]transport.Message{
		"tools/list": toolsListResponse(t),
		"tools/call": callResponse(t, "ok"),
	}}
	registry := transport.NewRegistry()
	registry.Register("fake", transport.KindHTTP, 100, true, &fakePlugin{conn: conn})
	balancer := loadbalancer.New()
	defer balancer.StopAll()

	rl := resourcelimit.New(1, 10)
	ctx := context.Background()
	// Occupy the only concurrency slot so the wrapper's own Begin call fails closed.
	_, _, err := rl.Begin(ctx, "occupied", "search", "alice", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	w := New(Options{
		Transports:     registry,
		Balancer:       balancer,
		Policy:         allowAllDecider(),
		ResourceLimits: rl,
		CallTimeout:    2 * time.Second,
	})
	w.RegisterUpstream(ctx, upstream.Config{ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP, Enabled: true, RecoveryThreshold: 1})
	w.DiscoverTools(ctx, "search")

	if _, err := w.Call(ctx, CallParams{Principal: "alice", QualifiedName: "search.run"}); err == nil {
		t.Error("expected the call to fail when the concurrency limit is already exhausted")
	}
}

func TestUnregisterUpstream_ClearsTools(t *testing.T) {
	conn := &fakeConn{responses: map[string]transport.Message{"tools/list": toolsListResponse(t)}}
	w, b := newTestWrapper(t, conn, allowAllDecider())
	defer b.StopAll()
	ctx := context.Background()
	w.RegisterUpstream(ctx, upstream.Config{ID: "search", Endpoint: "http://x", Transport: upstream.TransportHTTP, Enabled: true, RecoveryThreshold: 1})
	w.DiscoverTools(ctx, "search")

	w.UnregisterUpstream("search")

	if len(w.ListTools()) != 0 {
		t.Error("expected tools to be cleared after UnregisterUpstream")
	}
}
