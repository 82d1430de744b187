// Package registry holds the static tool table and dispatches tool
// calls: name lookup, required-argument validation, credential-override
// extraction, and panic containment around handlers.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/workskong/mcp-abap-adt/adt"
	"github.com/workskong/mcp-abap-adt/config"
	"github.com/workskong/mcp-abap-adt/envelope"
)

// Reserved argument keys carrying per-request SAP credentials. They are
// stripped from the argument map before the handler runs.
const (
	ArgUsername = "_sapUsername"
	ArgPassword = "_sapPassword"
	ArgClient   = "_sapClient"
	ArgLanguage = "_sapLanguage"
)

// Property is one JSON-Schema property of a tool's input.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Schema is the JSON-Schema-shaped input contract of a tool. Validation
// is presence-only: Required keys must exist in the argument map.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Handler executes one tool call and returns an envelope. Handlers
// never return Go errors; failures travel inside the envelope.
type Handler func(ctx context.Context, call Call) envelope.Result

// Call is a validated tool invocation: cleaned arguments plus any
// credential overrides extracted from the reserved keys.
type Call struct {
	Args      map[string]any
	Overrides config.Overrides
}

// String returns the named argument as a string, or "" when absent or
// not a string.
func (c Call) String(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

// Int returns the named argument as an int, accepting the float64 that
// JSON decoding produces. Returns fallback when absent or non-numeric.
func (c Call) Int(key string, fallback int) int {
	switch v := c.Args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// Tool is one named, schema-described callable unit.
type Tool struct {
	Name        string
	Description string
	InputSchema Schema
	Handler     Handler
}

// Info is the handler-free view of a tool served to listing endpoints.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
}

// Registry is the ordered, immutable tool table shared by the stdio and
// HTTP dispatch surfaces.
type Registry struct {
	tools  []Tool
	index  map[string]int
	logger *slog.Logger
}

// New builds the registry for the given dependencies. The tool set is
// fixed at construction.
func New(resolver *config.Resolver, client *adt.Client, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	svc := &service{
		resolver:   resolver,
		client:     client,
		normalizer: envelope.NewNormalizer(logger),
	}
	return FromTools(svc.tools(), logger)
}

// FromTools builds a registry from an explicit tool list.
func FromTools(tools []Tool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	index := make(map[string]int, len(tools))
	for i, t := range tools {
		index[t.Name] = i
	}
	return &Registry{tools: tools, index: index, logger: logger}
}

// List returns every tool's name, description and input schema in
// registration order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	i, ok := r.index[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// SchemaJSON marshals a tool's input schema for transports that want
// raw JSON.
func (t Tool) SchemaJSON() json.RawMessage {
	b, err := json.Marshal(t.InputSchema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return b
}

// Call validates and executes one tool invocation. It never panics and
// never returns a Go error; every outcome is an envelope.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (result envelope.Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "tool panic", "tool", name, "panic", rec)
			result = envelope.Failure(envelope.CodeInternal, fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
		r.logger.InfoContext(ctx, "tool call",
			"tool", name,
			"is_error", result.IsError,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	tool, ok := r.Lookup(name)
	if !ok {
		return envelope.Failure(envelope.CodeMethodNotFound, fmt.Sprintf("Unknown tool: %s", name))
	}

	if args == nil {
		args = map[string]any{}
	}
	for _, key := range tool.InputSchema.Required {
		if v, present := args[key]; !present || v == nil {
			return envelope.Failure(envelope.CodeInvalidParams, fmt.Sprintf("Missing required parameter: %s", key))
		}
	}

	return tool.Handler(ctx, splitOverrides(args))
}

// splitOverrides moves the reserved credential keys out of the argument
// map into a config.Overrides.
func splitOverrides(args map[string]any) Call {
	cleaned := make(map[string]any, len(args))
	var over config.Overrides
	for k, v := range args {
		switch k {
		case ArgUsername:
			over.Username, _ = v.(string)
		case ArgPassword:
			over.Password, _ = v.(string)
		case ArgClient:
			over.Client, _ = v.(string)
		case ArgLanguage:
			over.Language, _ = v.(string)
		default:
			cleaned[k] = v
		}
	}
	return Call{Args: cleaned, Overrides: over}
}
