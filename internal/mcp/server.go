// ABOUTME: HTTP surface for the dispatch engine: JSON-RPC over POST.
// ABOUTME: Single /mcp endpoint plus one dedicated path per protocol method.

package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/correlation"
	"github.com/2389/orchestrator-gateway/internal/registry"
)

// EndpointPath is the single JSON-RPC endpoint.
const EndpointPath = "/mcp"

// dedicatedPaths maps per-method endpoints to the method they accept.
var dedicatedPaths = map[string]string{
	EndpointPath + "/initialize":      MethodInitialize,
	EndpointPath + "/operations/list": MethodOperationsList,
	EndpointPath + "/operations/call": MethodOperationsCall,
	EndpointPath + "/resources/list":  MethodResourcesList,
	EndpointPath + "/resources/read":  MethodResourcesRead,
}

// Config holds configuration for the HTTP server.
type Config struct {
	Engine *Engine
	Logger *slog.Logger
}

// Server exposes an Engine over HTTP.
type Server struct {
	engine *Engine
	logger *slog.Logger
}

// NewServer creates a new server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: cfg.Engine, logger: logger.With("component", "mcp")}, nil
}

// Mount registers the protocol endpoints on r. Only POST is routed; chi
// answers other methods with 405.
func (s *Server) Mount(r chi.Router) {
	r.Post(EndpointPath, s.handler(""))
	for path, method := range dedicatedPaths {
		r.Post(path, s.handler(method))
	}
}

// Paths returns every path served by Mount, sorted.
func Paths() []string {
	paths := []string{EndpointPath}
	for p := range dedicatedPaths {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Resolve classifies a request for the access gate. Dedicated paths are
// classified by path; the single endpoint by the envelope's method. The body
// is restored for the handler. Anything that cannot be classified is
// execution.
func (s *Server) Resolve(r *http.Request) auth.Target {
	if r.Method != http.MethodPost {
		return auth.Target{Class: auth.ClassDiscovery}
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req JSONRPCRequest
	_ = json.Unmarshal(body, &req)

	method := req.Method
	if pathMethod, ok := dedicatedPaths[r.URL.Path]; ok {
		method = pathMethod
	}

	target := auth.Target{Class: MethodClass(method), Method: method, RequestID: req.ID}
	if method == MethodOperationsCall || method == MethodToolsCall {
		var params CallParams
		if json.Unmarshal(req.Params, &params) == nil {
			target.Operation = params.Name
		}
	}
	return target
}

// WriteAuthError renders a gate rejection as a JSON-RPC error envelope.
func (s *Server) WriteAuthError(w http.ResponseWriter, r *http.Request, target auth.Target, status int, err error) {
	code := CodeInvalidToken
	switch {
	case errors.Is(err, auth.ErrMissingAuthorization):
		code = CodeMissingAuthorization
	case errors.Is(err, auth.ErrInsufficientScope):
		code = CodeInsufficientScope
	case errors.Is(err, auth.ErrProviderUnavailable):
		code = CodeProviderUnavailable
	case errors.Is(err, auth.ErrExchangeFailed):
		code = CodeExchangeFailed
	}
	s.writeResponse(w, status, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      nullID(target.RequestID),
		Error: &JSONRPCError{
			Code:    code,
			Message: auth.PublicMessage(err),
			Data: &ErrorData{
				Reason:        auth.Reason(err),
				CorrelationID: correlation.FromContext(r.Context()),
			},
		},
	})
}

// handler returns the POST handler for one endpoint. pathMethod is empty for
// the single endpoint.
func (s *Server) handler(pathMethod string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := s.logger.With("correlation_id", correlation.FromContext(ctx))

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
		if err != nil {
			s.sendError(w, r, nil, JSONRPCParseError, ReasonParseError, "failed to read request body")
			return
		}
		if int64(len(body)) > MaxRequestBodySize {
			s.sendError(w, r, nil, JSONRPCInvalidRequest, ReasonInvalidRequest, "request body too large")
			return
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.sendError(w, r, nil, JSONRPCParseError, ReasonParseError, "invalid JSON")
			return
		}
		if req.JSONRPC != "2.0" {
			s.sendError(w, r, req.ID, JSONRPCInvalidRequest, ReasonInvalidRequest, "invalid JSON-RPC version")
			return
		}
		if pathMethod != "" {
			if req.Method == "" {
				req.Method = pathMethod
			}
			if req.Method != pathMethod {
				s.sendError(w, r, req.ID, JSONRPCInvalidRequest, ReasonInvalidRequest,
					"method "+req.Method+" not served at "+r.URL.Path)
				return
			}
		}

		if v := r.Header.Get("Mcp-Protocol-Version"); v != "" && req.Method != MethodInitialize {
			if !slices.Contains(supportedProtocolVersions, v) {
				s.sendErrorStatus(w, r, http.StatusBadRequest, req.ID, JSONRPCInvalidRequest, ReasonInvalidRequest,
					"unsupported MCP-Protocol-Version "+v)
				return
			}
		}

		if req.IsNotification() {
			logger.Debug("accepted notification", "method", req.Method)
			w.WriteHeader(http.StatusAccepted)
			return
		}

		logger.Debug("request", "method", req.Method)

		switch req.Method {
		case MethodInitialize:
			var params InitializeParams
			if !s.decodeParams(w, r, req, &params) {
				return
			}
			s.sendResult(w, req.ID, s.engine.Initialize(ctx, params))

		case MethodPing:
			s.sendResult(w, req.ID, struct{}{})

		case MethodOperationsList:
			s.sendResult(w, req.ID, ListOperationsResult{Operations: s.engine.ListOperations(ctx)})

		case MethodToolsList:
			s.sendResult(w, req.ID, ListToolsResult{Tools: s.engine.ListOperations(ctx)})

		case MethodOperationsCall, MethodToolsCall:
			var params CallParams
			if !s.decodeParams(w, r, req, &params) {
				return
			}
			if params.Name == "" {
				s.sendError(w, r, req.ID, JSONRPCInvalidParams, ReasonInvalidParams, "operation name is required")
				return
			}
			result, err := s.engine.InvokeOperation(ctx, params.Name, params.Arguments)
			if err != nil {
				s.sendEngineError(w, r, req.ID, err)
				return
			}
			s.sendResult(w, req.ID, result)

		case MethodResourcesList:
			s.sendResult(w, req.ID, ListResourcesResult{Resources: s.engine.ListResources(ctx)})

		case MethodResourcesRead:
			var params ReadParams
			if !s.decodeParams(w, r, req, &params) {
				return
			}
			if params.URI == "" {
				s.sendError(w, r, req.ID, JSONRPCInvalidParams, ReasonInvalidParams, "resource uri is required")
				return
			}
			result, err := s.engine.ReadResource(ctx, params.URI)
			if err != nil {
				s.sendEngineError(w, r, req.ID, err)
				return
			}
			s.sendResult(w, req.ID, result)

		default:
			s.sendError(w, r, req.ID, JSONRPCMethodNotFound, ReasonMethodNotFound, "method not found")
		}
	}
}

// decodeParams unmarshals req.Params into dst, writing an invalid-params
// error and returning false on failure. Absent params decode as empty.
func (s *Server) decodeParams(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, dst any) bool {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return true
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		s.sendError(w, r, req.ID, JSONRPCInvalidParams, ReasonInvalidParams, "invalid params")
		return false
	}
	return true
}

// sendEngineError maps engine errors onto protocol errors.
func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, id json.RawMessage, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.sendError(w, r, id, CodeNotFound, ReasonNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidArguments):
		s.sendError(w, r, id, JSONRPCInvalidParams, ReasonInvalidParams, err.Error())
	default:
		s.logger.Warn("dispatch failed", "error", err, "correlation_id", correlation.FromContext(r.Context()))
		s.sendError(w, r, id, JSONRPCInternalError, ReasonInternalError, "internal error")
	}
}

// sendResult sends a successful JSON-RPC response.
func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.writeResponse(w, http.StatusOK, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// sendError sends a JSON-RPC error response with HTTP 200.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, id json.RawMessage, code int, reason, message string) {
	s.sendErrorStatus(w, r, http.StatusOK, id, code, reason, message)
}

// sendErrorStatus sends a JSON-RPC error response with the given HTTP status.
func (s *Server) sendErrorStatus(w http.ResponseWriter, r *http.Request, status int, id json.RawMessage, code int, reason, message string) {
	s.writeResponse(w, status, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      nullID(id),
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data: &ErrorData{
				Reason:        reason,
				CorrelationID: correlation.FromContext(r.Context()),
			},
		},
	})
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// nullID renders a missing id as JSON null, as JSON-RPC requires on errors.
func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
