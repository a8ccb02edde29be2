package health

import (
	"context"
	"fmt"

	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/wire"
)

// PingProber probes any transport.Conn the same way: the connection must
// report Connected(), then a JSON-RPC "ping" is sent and one Receive must
// return without error.
type PingProber struct{}

// Probe reports connection health. The check is identical for every
// transport. For HTTP the ping is POSTed to /mcp/message and the reply is
// one poll of /mcp/messages, where an empty (204) poll also counts as a
// reply; the HTTP /health GET is issued only when the connection is
// dialed, not on each probe.
func (PingProber) Probe(ctx context.Context, conn transport.Conn) error {
	if !conn.Connected() {
		st := conn.Status()
		return fmt.Errorf("health: connection not live: %s", st.LastError)
	}

	req, err := wire.NewRequest("health-probe", "ping", nil)
	if err != nil {
		return err
	}

	msg := transport.Message{
		"jsonrpc": req.JSONRPC,
		"id":      req.ID,
		"method":  req.Method,
	}
	if err := conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("health: ping send failed: %w", err)
	}

	if _, err := conn.Receive(ctx); err != nil {
		return fmt.Errorf("health: ping receive failed: %w", err)
	}
	return nil
}
