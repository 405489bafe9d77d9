package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/swarmd/internal/log"
)

// ToolHandler is a function that handles a tool call.
// It receives the parsed arguments and returns a result or error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// Server implements an MCP server over newline-delimited stdio or HTTP.
type Server struct {
	info         ImplementationInfo
	instructions string
	tools        map[string]Tool
	handlers     map[string]ToolHandler

	reader io.Reader
	writer io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	initialized bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the server instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// NewServer creates a new MCP server.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info: ImplementationInfo{
			Name:    name,
			Version: version,
		},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RegisterTool registers a tool with its handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatTools, "registered tool", "name", tool.Name)
}

// Serve reads newline-delimited JSON-RPC messages from stdin and writes
// responses to stdout. It returns when stdin closes or Stop is called.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.reader = stdin
	s.writer = stdout
	s.mu.Unlock()

	return s.run()
}

// Handler returns an http.Handler carrying the same JSON-RPC surface for
// MCP-over-HTTP transport. Each POST body holds one request; the response
// body holds the corresponding JSON-RPC response.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request", http.StatusBadRequest)
			return
		}

		response := s.handleRequestBytes(body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(response); err != nil {
			log.Debug(log.CatTools, "failed to write response", "error", err)
		}
	})
}

// handleRequestBytes processes a single JSON-RPC request and returns the
// response bytes. Used by the HTTP transport for synchronous request/response.
func (s *Server) handleRequestBytes(body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		errResp := NewErrorResponse(nil, NewParseError(err.Error()))
		data, _ := json.Marshal(errResp)
		return data
	}

	if len(req.ID) > 0 && string(req.ID) != "null" {
		resp := s.dispatch(&req)
		data, _ := json.Marshal(resp)
		return data
	}

	// Notification: process but don't respond.
	s.handleNotification(&req)
	return []byte("{}")
}

// Stop cancels in-flight tool handlers and ends the serve loop after the
// current message.
func (s *Server) Stop() {
	s.cancel()
}

// run is the main stdio loop.
func (s *Server) run() error {
	scanner := bufio.NewScanner(s.reader)
	// Tool results can carry large payloads; allow up to 1MB per line.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		log.Debug(log.CatTools, "received message", "raw", string(line))

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(NewErrorResponse(nil, NewParseError(err.Error())))
			continue
		}

		// json.RawMessage is []byte; a present, non-null ID marks a request
		// that needs a response, anything else is a notification.
		if len(req.ID) > 0 && string(req.ID) != "null" {
			s.send(s.dispatch(&req))
		} else {
			s.handleNotification(&req)
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatTools, "scanner error", "error", err)
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

// dispatch routes a JSON-RPC request to its method handler and builds the
// response.
func (s *Server) dispatch(req *Request) *Response {
	log.Debug(log.CatTools, "handling request", "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result, rpcErr = s.handleToolsList(req.Params)
	case "tools/call":
		result, rpcErr = s.handleToolsCall(req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

// handleNotification processes a JSON-RPC notification (no response needed).
func (s *Server) handleNotification(req *Request) {
	log.Debug(log.CatTools, "handling notification", "method", req.Method)

	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatTools, "client initialized")

	case "notifications/cancelled":
		log.Debug(log.CatTools, "request cancelled")

	default:
		// Unknown notifications are ignored per the protocol.
		log.Debug(log.CatTools, "unknown notification", "method", req.Method)
	}
}

// handleInitialize processes the initialize request.
func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatTools, "initialize request",
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{
				ListChanged: false, // tool tables are fixed per worker kind
			},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}

	return result, nil
}

// handleToolsList returns the registered tools sorted by name.
func (s *Server) handleToolsList(_ json.RawMessage) (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	return ToolsListResult{Tools: tools}, nil
}

// handleToolsCall invokes a tool and returns its result. Handler errors
// become isError results visible to the LM, never RPC errors.
func (s *Server) handleToolsCall(params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()

	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	start := time.Now()
	result, err := handler(s.ctx, p.Arguments)
	duration := time.Since(start)

	if err != nil {
		log.Info(log.CatTools, "tool call failed", "name", p.Name, "duration", duration, "error", err)
		return ErrorResult(err.Error()), nil
	}

	log.Info(log.CatTools, "tool call complete", "name", p.Name, "duration", duration, "isError", result.IsError)
	return result, nil
}

// send marshals and writes a response as one line on the write side.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatTools, "failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return
	}

	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatTools, "failed to write response", "error", err)
	}
}
