package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPPlugin implements Plugin for tool servers exposed over plain HTTP
// (design doc Section 4.1): send POSTs to {base}/mcp/message, receive
// polls {base}/mcp/messages.
type HTTPPlugin struct{}

// NewHTTPPlugin returns the built-in HTTP transport plugin.
func NewHTTPPlugin() *HTTPPlugin { return &HTTPPlugin{} }

func (p *HTTPPlugin) Kind() Kind { return KindHTTP }

func (p *HTTPPlugin) Connect(ctx context.Context, endpoint, credential string, timeout time.Duration) (Conn, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &httpConn{
		base:       endpoint,
		credential: credential,
		client:     &http.Client{Timeout: timeout},
	}

	// connected? = session present and last health probe succeeded
	// (design doc Section 4.1). We establish "session present" with a
	// liveness GET here; the health checker keeps it current afterward.
	if err := c.probe(ctx); err != nil {
		return nil, fmt.Errorf("http transport: connecting to %s: %w", endpoint, err)
	}
	return c, nil
}

type httpConn struct {
	mu         sync.RWMutex
	base       string
	credential string
	client     *http.Client
	connected  bool
	lastErr    error
}

func (c *httpConn) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.connected = false
		c.lastErr = err
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.connected = false
		c.lastErr = fmt.Errorf("health probe returned %d", resp.StatusCode)
		return c.lastErr
	}
	c.connected = true
	c.lastErr = nil
	return nil
}

func (c *httpConn) setAuth(req *http.Request) {
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	req.Header.Set("Content-Type", "application/json")
}

// Send posts the message to {base}/mcp/message (design doc Section 4.1).
func (c *httpConn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("http transport: marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/mcp/message", bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.markError(err)
		return fmt.Errorf("http transport: send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("http transport: send returned status %d", resp.StatusCode)
		c.markError(err)
		return err
	}
	return nil
}

// Receive polls {base}/mcp/messages and parses the first queued message,
// if any (design doc Section 4.1: "receive may be a synchronous poll").
func (c *httpConn) Receive(ctx context.Context) (Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/mcp/messages", nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.markError(err)
		return nil, fmt.Errorf("http transport: receive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("http transport: receive returned status %d", resp.StatusCode)
		c.markError(err)
		return nil, err
	}

	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("http transport: decoding message: %w", err)
	}
	return msg, nil
}

func (c *httpConn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *httpConn) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{Connected: c.connected, RemoteLabel: c.base}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *httpConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *httpConn) markError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.lastErr = err
}
