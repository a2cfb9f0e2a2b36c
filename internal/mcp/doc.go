// Package mcp implements the gateway's protocol surface: the dispatch engine
// and its JSON-RPC 2.0 HTTP transport.
//
// # Protocol
//
// Requests are JSON-RPC 2.0 envelopes sent by POST. They arrive either at the
// single endpoint, where the envelope's method selects the action, or at a
// dedicated path per method:
//
//   - POST /mcp                     - any method
//   - POST /mcp/initialize          - handshake and version negotiation
//   - POST /mcp/operations/list     - operation catalog with input schemas
//   - POST /mcp/operations/call     - invoke an operation
//   - POST /mcp/resources/list      - resource catalog
//   - POST /mcp/resources/read      - read a resource by URI
//
// The MCP names tools/list and tools/call are accepted as aliases so stock
// MCP clients can connect. Requests without an id are notifications and get
// 202 Accepted with no body.
//
// # Access classes
//
// [MethodClass] splits methods into discovery (handshake, listings, ping) and
// execution (calls and reads). [Server.Resolve] feeds that classification to
// the auth gate so discovery never needs a token, and [Server.WriteAuthError]
// renders gate rejections as JSON-RPC errors with codes -32001 to -32006.
//
// # Invocation
//
// [Engine.InvokeOperation] validates arguments against the operation's input
// shape, then runs the handler on its own goroutine under a deadline. A
// handler that overruns its timeout or panics does not fail the request: the
// result carries isError, an error code of "timeout" or "handler_failure",
// and the correlation id the caller can quote when reporting the failure.
//
// Example call:
//
//	{
//	  "jsonrpc": "2.0",
//	  "id": 2,
//	  "method": "operations/call",
//	  "params": {
//	    "name": "generate_code",
//	    "arguments": {"language": "go", "description": "HTTP health handler"}
//	  }
//	}
package mcp
