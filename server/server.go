// Package server exposes the tool registry as an MCP server over stdio.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/workskong/mcp-abap-adt/envelope"
	"github.com/workskong/mcp-abap-adt/registry"
)

type Options struct {
	// Name is the MCP server implementation name. Default: "mcp-abap-adt".
	Name string
	// Version is the MCP server implementation version. Default: "1.0.0".
	Version string
}

// NewMCPServer registers every tool of reg on a fresh MCP server. Tool
// schemas pass through verbatim; results are the registry's envelopes
// mapped onto MCP content.
func NewMCPServer(reg *registry.Registry, logger *slog.Logger, opts ...Options) *mcp.Server {
	name := "mcp-abap-adt"
	version := "1.0.0"
	if len(opts) > 0 {
		if opts[0].Name != "" {
			name = opts[0].Name
		}
		if opts[0].Version != "" {
			version = opts[0].Version
		}
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, &mcp.ServerOptions{Logger: logger})

	for _, info := range reg.List() {
		tool, ok := reg.Lookup(info.Name)
		if !ok {
			continue
		}
		toolName := info.Name
		srv.AddTool(&mcp.Tool{
			Name:        toolName,
			Description: info.Description,
			InputSchema: tool.SchemaJSON(),
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args map[string]any
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					res := envelope.Failure(envelope.CodeInvalidParams, fmt.Sprintf("invalid arguments: %v", err))
					return toCallToolResult(res), nil
				}
			}
			return toCallToolResult(reg.Call(ctx, toolName, args)), nil
		})
	}
	return srv
}

func toCallToolResult(res envelope.Result) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(res.Content))
	for _, seg := range res.Content {
		content = append(content, &mcp.TextContent{Text: seg.Text})
	}
	return &mcp.CallToolResult{IsError: res.IsError, Content: content}
}

// RunStdio serves MCP on stdin/stdout until ctx is canceled.
func RunStdio(ctx context.Context, reg *registry.Registry, logger *slog.Logger, opts ...Options) error {
	srv := NewMCPServer(reg, logger, opts...)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("run mcp stdio server: %w", err)
	}
	return nil
}
