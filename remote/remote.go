// Package remote serves the tool registry over plain HTTP: a small REST
// surface for simple clients, a JSON-RPC endpoint for MCP HTTP
// transports, and authenticated event streams.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/workskong/mcp-abap-adt/config"
	"github.com/workskong/mcp-abap-adt/registry"
	"github.com/workskong/mcp-abap-adt/sse"
)

const (
	serverName      = "mcp-abap-adt"
	serverVersion   = "1.2.0"
	protocolVersion = "2024-11-05"

	shutdownGrace = 5 * time.Second
)

// Server dispatches HTTP tool calls against a registry and fans events
// out to connected streams.
type Server struct {
	reg    *registry.Registry
	cfg    config.Config
	events *sse.Broadcaster
	logger *slog.Logger
}

func NewServer(reg *registry.Registry, cfg config.Config, events *sse.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if events == nil {
		events = sse.NewBroadcaster(logger)
	}
	return &Server{reg: reg, cfg: cfg, events: events, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/", s.handleIdentity)
	r.Post("/", s.handleRPC)
	r.Get("/tools", s.handleTools)
	r.Post("/call", s.handleCall)
	r.Get("/authorize", s.handleAuthorize)
	r.Get("/events", s.requireToken(s.events.ServeHTTP))
	r.Get("/sse", s.requireToken(s.events.ServeHTTP))
	r.Post("/emit", s.requireToken(s.handleEmit))
	return r
}

// Run serves the handler on addr until ctx is canceled, then drains
// in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("remote server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("remote server stopped")
	return ctx.Err()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"name":    serverName + " remote",
		"version": serverVersion,
	})
}

// handleAuthorize answers the probe some MCP clients make during auth
// flows with a page the browser popup can show.
func (s *Server) handleAuthorize(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, "<!doctype html><html><head><title>MCP Authorize</title></head>"+
		"<body>Authorization complete. You may close this window.</body></html>")
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.reg.List()})
}

type callRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing tool name"})
		return
	}
	tool, ok := s.reg.Lookup(req.Name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown tool: " + req.Name})
		return
	}
	if key, ok := missingRequired(tool, req.Arguments); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required parameter: " + key})
		return
	}

	args := s.enrich(req.Arguments, r)
	writeJSON(w, http.StatusOK, s.reg.Call(r.Context(), req.Name, args))
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func rpcResult(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcFailure(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// handleRPC implements the subset of MCP-over-HTTP that inspectors and
// IDE clients exercise. Unrecognized methods succeed with {ok:true} so
// probes do not stall the client.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusInternalServerError, rpcFailure(nil, -32603, "invalid JSON body"))
		return
	}

	switch req.Method {
	case "initialize":
		writeJSON(w, http.StatusOK, rpcResult(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"prompts":   map[string]any{},
				"resources": map[string]any{},
				"logging":   map[string]any{},
			},
			"serverInfo": map[string]any{"name": serverName, "version": serverVersion},
		}))

	case "tools/list":
		writeJSON(w, http.StatusOK, rpcResult(req.ID, map[string]any{"tools": s.reg.List()}))

	case "tools/call":
		tool, ok := s.reg.Lookup(req.Params.Name)
		if !ok {
			writeJSON(w, http.StatusOK, rpcFailure(req.ID, -32601, "Unknown tool: "+req.Params.Name))
			return
		}
		if key, ok := missingRequired(tool, req.Params.Arguments); !ok {
			writeJSON(w, http.StatusOK, rpcFailure(req.ID, -32602, "Missing required parameter: "+key))
			return
		}
		args := s.enrich(req.Params.Arguments, r)
		writeJSON(w, http.StatusOK, rpcResult(req.ID, s.reg.Call(r.Context(), req.Params.Name, args)))

	default:
		writeJSON(w, http.StatusOK, rpcResult(req.ID, map[string]any{"ok": true}))
	}
}

type emitRequest struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	Topic string `json:"topic"`
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Event == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing event name"})
		return
	}
	s.events.Broadcast(req.Event, req.Data, req.Topic)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connected": s.events.ConnectedCount()})
}

// missingRequired checks presence of the schema's required keys and
// returns the first absent one.
func missingRequired(tool registry.Tool, args map[string]any) (string, bool) {
	for _, key := range tool.InputSchema.Required {
		if _, ok := args[key]; !ok {
			return key, false
		}
	}
	return "", true
}

// enrich copies caller identity from the request into the reserved
// credential arguments so each relay call runs as the caller.
// X-Username/X-Password headers win over Basic auth; with neither, the
// globally configured identity applies.
func (s *Server) enrich(args map[string]any, r *http.Request) map[string]any {
	username, password, ok := extractAuthInfo(r)
	if !ok {
		return args
	}
	out := make(map[string]any, len(args)+2)
	for k, v := range args {
		out[k] = v
	}
	out[registry.ArgUsername] = username
	out[registry.ArgPassword] = password
	return out
}

func extractAuthInfo(r *http.Request) (username, password string, ok bool) {
	username = r.Header.Get("X-Username")
	password = r.Header.Get("X-Password")
	if username != "" && password != "" {
		return username, password, true
	}
	if u, p, ok := r.BasicAuth(); ok && u != "" && p != "" {
		return u, p, true
	}
	return "", "", false
}

// requireToken gates event endpoints behind the shared secret unless
// auth is explicitly disabled.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthDisabled() {
		return true
	}
	token := s.cfg.SSETokenOrDefault()
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[len("bearer "):]) == token
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q == token
	}
	return false
}

// IsShutdown reports whether err is the normal outcome of a canceled
// Run.
func IsShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed)
}
