// ABOUTME: JSON-RPC 2.0 envelope and protocol payload types for the gateway.
// ABOUTME: Method names, error codes, and MCP-compatible result shapes.

package mcp

import (
	"encoding/json"
	"strings"

	"github.com/2389/orchestrator-gateway/internal/auth"
)

// Supported protocol versions, oldest first.
var supportedProtocolVersions = []string{"2025-03-26", "2025-06-18", "2025-11-25"}

// LatestProtocolVersion is advertised when the client asks for an unsupported version.
const LatestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Protocol methods. The tools/* names are MCP aliases of operations/*.
const (
	MethodInitialize     = "initialize"
	MethodPing           = "ping"
	MethodOperationsList = "operations/list"
	MethodOperationsCall = "operations/call"
	MethodToolsList      = "tools/list"
	MethodToolsCall      = "tools/call"
	MethodResourcesList  = "resources/list"
	MethodResourcesRead  = "resources/read"
)

// MethodClass returns the access class of a protocol method. Unknown methods
// are treated as execution so they never bypass authentication.
func MethodClass(method string) auth.PathClass {
	switch method {
	case MethodInitialize, MethodPing, MethodOperationsList, MethodToolsList, MethodResourcesList:
		return auth.ClassDiscovery
	}
	if strings.HasPrefix(method, "notifications/") {
		return auth.ClassDiscovery
	}
	return auth.ClassExecution
}

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the stable reason code and the request's correlation id.
type ErrorData struct {
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Gateway error codes in the implementation-defined server range.
const (
	CodeMissingAuthorization = -32001
	CodeInvalidToken         = -32002
	CodeInsufficientScope    = -32003
	CodeNotFound             = -32004
	CodeExchangeFailed       = -32005
	CodeProviderUnavailable  = -32006
)

// Reason strings for non-auth protocol errors. Auth reasons come from package auth.
const (
	ReasonParseError     = "parse_error"
	ReasonInvalidRequest = "invalid_request"
	ReasonMethodNotFound = "method_not_found"
	ReasonInvalidParams  = "invalid_params"
	ReasonInternalError  = "internal_error"
	ReasonNotFound       = "not_found"
)

// In-band invocation failure codes.
const (
	FailureTimeout        = "timeout"
	FailureHandlerFailure = "handler_failure"
)

// Protocol payloads

// Implementation identifies a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the params for initialize.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult is the result for initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// OperationInfo describes an operation in listings.
type OperationInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListOperationsResult is the result for operations/list.
type ListOperationsResult struct {
	Operations []OperationInfo `json:"operations"`
}

// ListToolsResult is the result for the tools/list alias.
type ListToolsResult struct {
	Tools []OperationInfo `json:"tools"`
}

// CallParams are the params for operations/call and tools/call.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one item of invocation output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// InvocationError describes an in-band failure (timeout or handler failure).
type InvocationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CallResult is the result for operations/call. Timeouts and handler failures
// set IsError and Error; they are results, not protocol errors.
type CallResult struct {
	Content           []Content        `json:"content"`
	StructuredContent any              `json:"structuredContent,omitempty"`
	IsError           bool             `json:"isError,omitempty"`
	Error             *InvocationError `json:"error,omitempty"`
	CorrelationID     string           `json:"correlationId"`
}

// ResourceInfo describes a resource in listings.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
}

// ListResourcesResult is the result for resources/list.
type ListResourcesResult struct {
	Resources []ResourceInfo `json:"resources"`
}

// ReadParams are the params for resources/read.
type ReadParams struct {
	URI string `json:"uri"`
}

// ResourceContent is the body of a read resource. Exactly one of Text or Blob
// (base64 via encoding/json) is set.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// ReadResult is the result for resources/read.
type ReadResult struct {
	Contents      []ResourceContent `json:"contents"`
	IsError       bool              `json:"isError,omitempty"`
	Error         *InvocationError  `json:"error,omitempty"`
	CorrelationID string            `json:"correlationId"`
}
