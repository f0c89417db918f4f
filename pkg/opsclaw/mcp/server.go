// Package mcp exposes the tool registry to Model Context Protocol clients
// over stdio and SSE.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/tools"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "opsclaw"
	ServerVersion   = "1.0.0"
)

// maxLineBytes bounds one JSON-RPC line on stdio.
const maxLineBytes = 4 << 20

// Server implements the MCP JSON-RPC 2.0 protocol on top of a tool registry.
type Server struct {
	registry *tools.Registry
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// HandlerFunc handles an MCP JSON-RPC request.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// ToolDef describes a tool exposed via MCP.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the result of executing an MCP tool.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a single content item in a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

var errInvalidParams = errors.New("invalid params")

// New creates a server exposing every tool in registry.
func New(registry *tools.Registry, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		logger:   logger.With("component", "mcp"),
		handlers: make(map[string]HandlerFunc),
	}
	s.handlers["initialize"] = s.handleInitialize
	s.handlers["notifications/initialized"] = s.handleInitialized
	s.handlers["tools/list"] = s.handleToolsList
	s.handlers["tools/call"] = s.handleToolsCall
	s.handlers["resources/list"] = s.handleResourcesList
	s.handlers["prompts/list"] = s.handlePromptsList
	s.handlers["ping"] = s.handlePing
	return s
}

// RegisterHandler adds a custom method handler.
func (s *Server) RegisterHandler(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// ServeStdio runs the server over stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("MCP server starting on stdio")
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads newline-delimited JSON-RPC requests from r and writes
// responses to w until r is exhausted or ctx ends.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, &jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
			})
			continue
		}

		if resp := s.handleRequest(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

func (s *Server) write(w io.Writer, resp *jsonRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) handleRequest(ctx context.Context, req *jsonRPCRequest) *jsonRPCResponse {
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	// Notifications (no ID) never get a response.
	if !ok {
		if req.ID == nil {
			return nil
		}
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonRPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	result, err := handler(ctx, req.Params)
	if req.ID == nil {
		return nil
	}
	if err != nil {
		code := codeServerError
		if errors.Is(err, errInvalidParams) {
			code = codeInvalidParams
		}
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonRPCError{Code: code, Message: err.Error()},
		}
	}
	return &jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) handleInitialize(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}, nil
}

func (s *Server) handleInitialized(_ context.Context, _ json.RawMessage) (any, error) {
	s.logger.Info("MCP client initialized")
	return nil, nil
}

func (s *Server) handleToolsList(_ context.Context, _ json.RawMessage) (any, error) {
	defs := s.registry.Definitions()
	out := make([]ToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, ToolDef{
			Name:        d.Function.Name,
			Description: d.Function.Description,
			InputSchema: d.Function.Parameters,
		})
	}
	return map[string]any{"tools": out}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}

	result, err := s.registry.Execute(ctx, req.Name, req.Arguments)
	if err != nil {
		s.logger.Debug("tool call failed", "tool", req.Name, "error", err)
		return &ToolCallResult{
			Content: []ContentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return &ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: result}},
	}, nil
}

func (s *Server) handleResourcesList(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"resources": []any{}}, nil
}

func (s *Server) handlePromptsList(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"prompts": []any{}}, nil
}

func (s *Server) handlePing(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{}, nil
}
