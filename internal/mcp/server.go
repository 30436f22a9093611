package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/taskmcp/taskmcp/internal/correlate"
)

// DefaultMaxInFlight bounds concurrent in-flight stdio requests. Beyond this
// many simultaneously-running requests, the reader stops pulling new frames
// off stdin until a slot frees up — back-pressure by pausing reads, not by
// rejecting work.
const DefaultMaxInFlight = 16

// Server implements the MCP protocol over stdio.
type Server struct {
	registry    *Registry
	info        ServerInfo
	logger      *slog.Logger
	maxInFlight int

	out sync.Mutex // serialises writes to the encoder
}

// NewServer creates an MCP server with the given registry and server info.
func NewServer(registry *Registry, info ServerInfo, logger *slog.Logger) *Server {
	return &Server{
		registry:    registry,
		info:        info,
		logger:      logger,
		maxInFlight: DefaultMaxInFlight,
	}
}

// WithMaxInFlight overrides the in-flight request cap and returns the
// receiver for chaining.
func (s *Server) WithMaxInFlight(n int) *Server {
	if n > 0 {
		s.maxInFlight = n
	}
	return s
}

// Run reads JSON-RPC requests from stdin and writes responses to stdout.
// It blocks until stdin is closed or the context is cancelled.
//
// A single reader loop parses frames off stdin; each request runs on its
// own worker goroutine gated by a semaphore sized maxInFlight. When the
// semaphore is full, acquiring a slot for the next frame blocks, which in
// turn stalls the scanner loop itself — that stall IS the back-pressure.
// Responses are written out in FIFO order of completion, which need not
// match the order requests arrived in.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	// MCP messages can be large (e.g. batch payloads).
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	encoder := json.NewEncoder(os.Stdout)

	s.logger.Info("task-mcp server started", "name", s.info.Name, "version", s.info.Version, "max_in_flight", s.maxInFlight)

	sem := semaphore.NewWeighted(int64(s.maxInFlight))
	var wg sync.WaitGroup

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(line []byte) {
			defer wg.Done()
			defer sem.Release(1)

			reqCtx, corrID := correlate.Ensure(ctx)
			resp := s.handleMessage(reqCtx, line)
			if resp == nil {
				return
			}

			s.out.Lock()
			defer s.out.Unlock()
			if err := encoder.Encode(resp); err != nil {
				s.logger.Error("failed to write response", "error", err, "correlation_id", corrID)
			}
		}(line)
	}
	wg.Wait()

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading stdin: %w", err)
	}

	s.logger.Info("task-mcp server stopped (stdin closed)")
	return nil
}

// handleMessage parses a JSON-RPC request and dispatches to the appropriate handler.
func (s *Server) handleMessage(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error("failed to parse request", "error", err)
		return &Response{
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    ErrCodeParse,
				Message: "Parse error",
				Data:    err.Error(),
			},
		}
	}

	// Notifications (no ID) don't get a response.
	if req.ID == nil && req.Method == "notifications/initialized" {
		s.logger.Info("client initialized")
		return nil
	}
	if req.ID == nil {
		s.logger.Debug("received notification", "method", req.Method)
		return nil
	}

	corrID := correlate.From(ctx)
	s.logger.Debug("handling request", "method", req.Method, "id", string(req.ID), "correlation_id", corrID)

	result, rpcErr := s.dispatch(ctx, &req)
	resp := &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
	}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

// dispatch routes a request to the appropriate handler method.
func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "tools/list":
		return s.handleToolsList()
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	case "resources/list":
		return s.handleResourcesList()
	case "resources/read":
		return s.handleResourcesRead(req.Params)
	default:
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
}

// handleInitialize responds to the MCP handshake.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var initParams InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &RPCError{
				Code:    ErrCodeInvalidParams,
				Message: "Invalid initialize params",
				Data:    err.Error(),
			}
		}
	}

	s.logger.Info("client connecting",
		"client", initParams.ClientInfo.Name,
		"client_version", initParams.ClientInfo.Version,
		"protocol_version", initParams.ProtocolVersion,
	)

	caps := ServerCapability{
		Tools: &ToolsCapability{},
	}
	if s.registry.HasResources() {
		caps.Resources = &ResourcesCapability{}
	}

	return &InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    caps,
		ServerInfo:      s.info,
	}, nil
}

// handleToolsList returns all registered tools.
func (s *Server) handleToolsList() (any, *RPCError) {
	return &ToolsListResult{
		Tools: s.registry.List(),
	}, nil
}

// handleToolsCall dispatches a tool call to the registry.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var callParams ToolsCallParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid tools/call params",
			Data:    err.Error(),
		}
	}

	tool := s.registry.Get(callParams.Name)
	if tool == nil {
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("tool not found: %s", callParams.Name),
		}
	}

	corrID := correlate.From(ctx)
	s.logger.Info("calling tool", "tool", callParams.Name, "correlation_id", corrID)

	result, err := tool.Execute(ctx, callParams.Arguments)
	if err != nil {
		s.logger.Error("tool execution failed", "tool", callParams.Name, "error", err, "correlation_id", corrID)
		if ce, ok := err.(*correlate.Error); ok {
			ce.Bind(ctx)
			return nil, &RPCError{
				Code:    ce.Code.JSONRPCCode(),
				Message: ce.Message,
				Data:    ce,
			}
		}
		return nil, &RPCError{
			Code:    ErrCodeInternal,
			Message: fmt.Sprintf("tool execution failed: %v", err),
		}
	}

	return result, nil
}

// handleResourcesList returns all registered resources.
func (s *Server) handleResourcesList() (any, *RPCError) {
	return &ResourcesListResult{
		Resources: s.registry.ListResources(),
	}, nil
}

// handleResourcesRead returns the content of a specific resource.
func (s *Server) handleResourcesRead(params json.RawMessage) (any, *RPCError) {
	var readParams ResourcesReadParams
	if err := json.Unmarshal(params, &readParams); err != nil {
		return nil, &RPCError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid resources/read params",
			Data:    err.Error(),
		}
	}

	s.logger.Debug("reading resource", "uri", readParams.URI)

	result, err := s.registry.ReadResource(readParams.URI)
	if err != nil {
		if ce, ok := err.(*correlate.Error); ok {
			return nil, &RPCError{Code: ce.Code.JSONRPCCode(), Message: ce.Message, Data: ce}
		}
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("resource read error: %v", err),
		}
	}

	return result, nil
}

// HandleMessage exposes the dispatcher for the HTTP transport, which reuses
// the same request/response handling over a different framing.
func (s *Server) HandleMessage(ctx context.Context, data []byte) *Response {
	reqCtx, _ := correlate.Ensure(ctx)
	return s.handleMessage(reqCtx, data)
}

// Tool returns a registered tool by name, or nil if none is registered
// under that name. The HTTP/SSE transport dispatches tools directly
// through this rather than round-tripping through tools/call framing.
func (s *Server) Tool(name string) Tool {
	return s.registry.Get(name)
}
