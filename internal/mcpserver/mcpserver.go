// Package mcpserver implements the client-facing MCP endpoint: a single
// http.Handler that accepts JSON-RPC requests (tools/list, tools/call)
// from tool-consuming clients and dispatches them through the proxy
// wrapper. Grounded on the teacher's internal/proxy.Proxy, which is
// likewise a plain http.Handler wired at the composition root rather
// than owning its own listener.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mcpgate/mcpgate/internal/apikey"
	"github.com/mcpgate/mcpgate/internal/wire"
	"github.com/mcpgate/mcpgate/internal/wrapper"
)

// Options bundles the server's dependencies.
type Options struct {
	Wrapper *wrapper.Wrapper
	Keys    *apikey.Store // nil disables bearer-token authentication
}

// Server handles client-facing MCP JSON-RPC requests over HTTP POST.
type Server struct {
	wrapper *wrapper.Wrapper
	keys    *apikey.Store
}

// New builds a Server.
func New(opts Options) *Server {
	return &Server{wrapper: opts.Wrapper, keys: opts.Keys}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	principal, ok := s.authenticate(r)
	if !ok {
		writeRPCError(w, nil, -32000, "unauthorized")
		return
	}

	var req wire.Message
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, -32700, "parse error")
		return
	}

	switch req.Method {
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r.Context(), req, principal, clientIP(r))
	default:
		writeRPCError(w, req.ID, -32601, "method not found: "+req.Method)
	}
}

// authenticate validates the Authorization bearer token when a key store
// is configured; with no store configured, every caller is treated as
// principal "anonymous" (single-tenant / trusted-network deployments).
func (s *Server) authenticate(r *http.Request) (string, bool) {
	if s.keys == nil {
		return "anonymous", true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	rec, err := s.keys.Validate(token)
	if err != nil {
		return "", false
	}
	return rec.Name, true
}

func (s *Server) handleToolsList(w http.ResponseWriter, req wire.Message) {
	tools := s.wrapper.ListTools()
	descriptors := make([]wire.ToolDescriptorWire, 0, len(tools))
	for _, t := range tools {
		descriptors = append(descriptors, wire.ToolDescriptorWire{
			Name:         t.QualifiedName,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	writeRPCResult(w, req.ID, wire.ToolsListResult{Tools: descriptors})
}

func (s *Server) handleToolsCall(w http.ResponseWriter, ctx context.Context, req wire.Message, principal, clientIP string) {
	var params wire.ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, -32602, "invalid params")
		return
	}

	result, err := s.wrapper.Call(ctx, wrapper.CallParams{
		Principal:     principal,
		ClientIP:      clientIP,
		QualifiedName: params.Name,
		Arguments:     params.Arguments,
	})
	if err != nil {
		writeRPCError(w, req.ID, rpcErrorCode(err), err.Error())
		return
	}
	writeRPCResult(w, req.ID, result)
}

func rpcErrorCode(err error) int {
	switch {
	case errors.Is(err, wrapper.ErrDenied):
		return -32001
	case errors.Is(err, wrapper.ErrRateLimited):
		return -32002
	case errors.Is(err, wrapper.ErrUnknownTool):
		return -32601
	default:
		return -32000
	}
}

func writeRPCResult(w http.ResponseWriter, id any, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, id, -32603, "internal error")
		return
	}
	resp := wire.Message{JSONRPC: "2.0", ID: id, Result: data}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("mcpserver: failed encoding response", "error", err)
	}
}

func writeRPCError(w http.ResponseWriter, id any, code int, message string) {
	resp := wire.Message{JSONRPC: "2.0", ID: id, Error: &wire.Error{Code: code, Message: message}}
	w.Header().Set("Content-Type", "application/json")
	if code == -32000 && message == "unauthorized" {
		w.WriteHeader(http.StatusUnauthorized)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("mcpserver: failed encoding error response", "error", err)
	}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
}
