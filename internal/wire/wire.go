// Package wire defines the JSON-RPC-style Model-Context-Protocol messages
// exchanged with upstream tool servers (design doc Section 6.1).
//
// Messages are plain JSON-serializable maps at the transport boundary
// (design doc Section 4.1: "Messages are JSON-serializable maps"); this
// package adds typed request/response shapes on top for the call sites
// that need to build or parse them, the same way the teacher's
// internal/extractor package normalizes two wire formats into one
// ToolCall struct.
package wire

import "encoding/json"

// Message is the generic envelope every built-in transport sends and
// receives. Request() and response fields are exclusive in practice but
// both are tagged omitempty so a single type serves both directions.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ClientInfo is the clientInfo object of an "initialize" request (design
// doc Section 6.1). The built-in WebSocket transport only dials the
// connection and does not send an initialize request.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the "initialize" method.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ToolDescriptorWire is the wire shape of one entry in a tools/list
// result. Schemas are kept as raw JSON — the core never parses them
// (design doc Section 3.3, spec.md Non-goals: no schema language).
type ToolDescriptorWire struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ToolsListResult is the result payload of a tools/list call.
type ToolsListResult struct {
	Tools []ToolDescriptorWire `json:"tools"`
}

// ToolsCallParams is the params payload of a tools/call request.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewRequest builds a JSON-RPC request Message with the given id and
// marshaled params.
func NewRequest(id any, method string, params any) (Message, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Message{}, err
		}
		raw = data
	}
	return Message{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

// DecodeResult unmarshals a response's Result field into dst, or returns
// the RPC error if the response carried one.
func DecodeResult(msg Message, dst any) error {
	if msg.Error != nil {
		return &RPCError{Code: msg.Error.Code, Message: msg.Error.Message}
	}
	if len(msg.Result) == 0 {
		return nil
	}
	return json.Unmarshal(msg.Result, dst)
}

// RPCError is returned by DecodeResult when the upstream responded with
// a JSON-RPC error field (design doc Section 7: "Protocol" errors —
// surfaced as TOOL_EXECUTION internally).
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return e.Message
}
