// Package wire defines the JSON-RPC 2.0 envelope and the MCP payload shapes
// the gateway exchanges with SSE clients and with local backend processes.
// Schemas and arguments are carried as raw JSON so backend-declared structures
// pass through the gateway byte-for-byte.
package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version used on every envelope.
const Version = "2.0"

// ProtocolVersion is the MCP protocol revision the gateway advertises.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes used by the gateway.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an incoming JSON-RPC 2.0 envelope. The ID is kept raw because
// clients may use numbers or strings and responses must echo it unchanged.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response envelope.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is an outgoing JSON-RPC 2.0 envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success envelope, marshaling result into the wire form.
func NewResponse(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, "failed to encode result")
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}
}

// NewErrorResponse builds a protocol-level error envelope.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// Tool describes one callable tool as presented on tools/list. InputSchema is
// opaque to the gateway; it is whatever structure the owning backend declared.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the result payload of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallParams are the params of a tools/call request.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one MCP content block. The gateway only produces text blocks
// itself but forwards backend content untouched via CallResult.Raw.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the result payload of tools/call. IsError marks a tool-level
// failure: the JSON-RPC exchange succeeded but the tool did not, and the
// content carries the diagnostic for the calling assistant.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult wraps a text message as a successful tool result.
func TextResult(text string) *CallResult {
	return &CallResult{Content: []Content{{Type: "text", Text: text}}}
}

// TextResultf is TextResult with fmt.Sprintf formatting.
func TextResultf(format string, args ...any) *CallResult {
	return TextResult(fmt.Sprintf(format, args...))
}

// ErrorResult wraps a diagnostic message as a tool-level failure.
func ErrorResult(format string, args ...any) *CallResult {
	return &CallResult{
		Content: []Content{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// InitializeResult is the result payload of initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
}

// Capabilities declares what the gateway supports.
type Capabilities struct {
	Tools ToolCapabilities `json:"tools"`
}

// ToolCapabilities mirrors the MCP tools capability object.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged"`
}

// Implementation identifies the gateway to clients.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
