package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mcpgate/mcpgate/internal/telemetry"
)

// eventHub fans telemetry events out to connected management-API
// WebSocket clients. A single hub goroutine owns the connection set, so
// registration/unregistration/broadcast need no lock on the map itself
// (design doc Section 6.3: "a live feed of proxy events").
type eventHub struct {
	connections  map[*hubConn]bool
	broadcastCh  chan []byte
	registerCh   chan *hubConn
	unregisterCh chan *hubConn
}

type hubConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newEventHub() *eventHub {
	return &eventHub{
		connections:  make(map[*hubConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *hubConn),
		unregisterCh: make(chan *hubConn),
	}
}

func (h *eventHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("management API websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("management API websocket client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

func (h *eventHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		// Best-effort live feed — drop under backpressure rather than block.
	}
}

// Emit implements telemetry.Sink, so the hub can be wired directly into
// the wrapper's telemetry fan-out.
func (h *eventHub) Emit(e telemetry.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal telemetry event for live feed", "error", err)
		return
	}
	h.broadcast(data)
}

func (h *eventHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &hubConn{conn: conn, send: make(chan []byte, 64)}
	h.registerCh <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *hubConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *hubConn) readPump(h *eventHub) {
	defer func() {
		h.unregisterCh <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
