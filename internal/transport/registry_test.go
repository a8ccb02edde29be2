package transport

import (
	"context"
	"testing"
	"time"
)

type fakePlugin struct {
	kind Kind
	conn Conn
	err  error
}

func (p *fakePlugin) Kind() Kind { return p.kind }

func (p *fakePlugin) Connect(ctx context.Context, endpoint, credential string, timeout time.Duration) (Conn, error) {
	return p.conn, p.err
}

func TestRegistry_Create_NoCompatiblePlugin(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(context.Background(), KindHTTP, "x", "", 0); err != ErrNoCompatiblePlugin {
		t.Errorf("expected ErrNoCompatiblePlugin, got %v", err)
	}
}

func TestRegistry_Create_HighestPriorityWins(t *testing.T) {
	r := NewRegistry()
	low := &fakePlugin{kind: KindHTTP, conn: deadConn{}}
	high := &fakePlugin{kind: KindHTTP, conn: deadConn{}}
	r.Register("low", KindHTTP, 10, true, low)
	r.Register("high", KindHTTP, 100, true, high)

	conn, err := r.Create(context.Background(), KindHTTP, "x", "", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conn != high.conn {
		t.Error("expected the higher-priority plugin's connection to win")
	}
}

func TestRegistry_Create_DisabledPluginSkipped(t *testing.T) {
	r := NewRegistry()
	disabled := &fakePlugin{kind: KindHTTP, conn: deadConn{}}
	enabled := &fakePlugin{kind: KindHTTP, conn: deadConn{}}
	r.Register("disabled", KindHTTP, 200, false, disabled)
	r.Register("enabled", KindHTTP, 10, true, enabled)

	conn, err := r.Create(context.Background(), KindHTTP, "x", "", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conn != enabled.conn {
		t.Error("expected the enabled plugin to be picked over a higher-priority disabled one")
	}
}

func TestRegistry_SetEnabled_UnknownName(t *testing.T) {
	r := NewRegistry()
	if err := r.SetEnabled("nope", true); err == nil {
		t.Error("expected an error toggling an unregistered plugin")
	}
}

func TestRegistry_Names_Sorted(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", KindHTTP, 1, true, &fakePlugin{kind: KindHTTP})
	r.Register("alpha", KindHTTP, 1, true, &fakePlugin{kind: KindHTTP})

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("expected sorted [alpha zeta], got %v", names)
	}
}

func TestRegisterBuiltins_RegistersAllThreeKinds(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	names := r.Names()
	if len(names) != 3 {
		t.Fatalf("expected 3 builtin plugins, got %v", names)
	}
}

// deadConn is a minimal no-op Conn used only to satisfy Plugin.Connect's
// return type in these registry tests.
type deadConn struct{}

func (deadConn) Send(ctx context.Context, msg Message) error   { return nil }
func (deadConn) Receive(ctx context.Context) (Message, error)  { return nil, nil }
func (deadConn) Connected() bool                               { return false }
func (deadConn) Status() Status                                { return Status{} }
func (deadConn) Close() error                                  { return nil }
