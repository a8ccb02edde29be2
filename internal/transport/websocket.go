package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPlugin implements Plugin over framed JSON text messages
// (design doc Section 4.1). Wraps gorilla/websocket the same way the
// teacher's dashboard wsConn wraps a *websocket.Conn with a mutex around
// writes, since a single connection is not safe for concurrent writers.
type WebSocketPlugin struct {
	dialer *websocket.Dialer
}

// NewWebSocketPlugin returns the built-in WebSocket transport plugin.
func NewWebSocketPlugin() *WebSocketPlugin {
	return &WebSocketPlugin{dialer: websocket.DefaultDialer}
}

func (p *WebSocketPlugin) Kind() Kind { return KindWebSocket }

func (p *WebSocketPlugin) Connect(ctx context.Context, endpoint, credential string, timeout time.Duration) (Conn, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	u, err := toWSURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("websocket transport: %w", err)
	}

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	dialer := *p.dialer
	dialer.HandshakeTimeout = timeout

	conn, _, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("websocket transport: dialing %s: %w", endpoint, err)
	}

	c := &wsConn{
		conn:      conn,
		label:     endpoint,
		connected: true,
	}
	conn.SetCloseHandler(func(code int, text string) error {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return nil
	})
	return c, nil
}

// toWSURL upgrades an http(s):// endpoint to ws(s)://, and passes through
// endpoints already written as ws(s)://.
func toWSURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already correct
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// wsConn wraps one live WebSocket connection. Writes are serialized
// through writeMu since gorilla/websocket does not allow concurrent
// writers on the same connection — the same constraint the teacher's
// dashboard wsConn documents.
type wsConn struct {
	conn    *websocket.Conn
	label   string
	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	lastErr   error
}

func (c *wsConn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("websocket transport: marshaling message: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.markError(err)
		return fmt.Errorf("websocket transport: send: %w", err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) (Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.markError(err)
		return nil, fmt.Errorf("websocket transport: receive: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("websocket transport: decoding frame: %w", err)
	}
	return msg, nil
}

func (c *wsConn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *wsConn) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{Connected: c.connected, RemoteLabel: c.label}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !wasConnected {
		return nil
	}

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *wsConn) markError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.lastErr = err
}
