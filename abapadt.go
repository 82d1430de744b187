// Package abapadt is an MCP server exposing SAP ABAP development
// artifacts through the ADT REST API.
package abapadt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/workskong/mcp-abap-adt/adt"
	"github.com/workskong/mcp-abap-adt/config"
	"github.com/workskong/mcp-abap-adt/registry"
	"github.com/workskong/mcp-abap-adt/remote"
	"github.com/workskong/mcp-abap-adt/server"
	"github.com/workskong/mcp-abap-adt/sse"
)

type Config struct {
	// Resolver supplies SAP connection settings. If nil, the default
	// config file plus environment overrides are used.
	Resolver *config.Resolver

	// Client relays requests to the ADT endpoint. If nil, one is built
	// from the loaded configuration.
	Client *adt.Client

	// Logger is the structured logger shared by all components. If nil,
	// a discard logger is used.
	Logger *slog.Logger

	// Name overrides the MCP server implementation name (default: "mcp-abap-adt").
	Name string

	// Version overrides the MCP server implementation version (default: "1.0.0").
	Version string
}

// New builds the tool registry from cfg.
func New(cfg Config) (*registry.Registry, error) {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = config.NewResolver()
	}

	client := cfg.Client
	if client == nil {
		global, err := resolver.Global()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		opts := []adt.Option{adt.WithTimeout(global.TimeoutOrDefault())}
		if global.TLSInsecure() {
			opts = append(opts, adt.WithInsecureTLS())
		}
		client = adt.NewClient(cfg.Logger, opts...)
	}

	return registry.New(resolver, client, cfg.Logger), nil
}

// RunStdio creates a server from cfg and runs it over stdin/stdout.
// The stdio surface serves one fixed SAP identity, so unresolvable
// credentials fail here rather than on the first tool call.
func RunStdio(ctx context.Context, cfg Config) error {
	if cfg.Resolver == nil {
		cfg.Resolver = config.NewResolver()
	}
	if _, err := cfg.Resolver.Resolve(config.Overrides{}); err != nil {
		return err
	}

	reg, err := New(cfg)
	if err != nil {
		return err
	}
	return server.RunStdio(ctx, reg, cfg.Logger, server.Options{
		Name:    cfg.Name,
		Version: cfg.Version,
	})
}

// RunRemote creates a server from cfg and serves the HTTP dispatch
// surface on the configured port.
func RunRemote(ctx context.Context, cfg Config) error {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = config.NewResolver()
	}
	cfg.Resolver = resolver

	global, err := resolver.Global()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg, err := New(cfg)
	if err != nil {
		return err
	}

	events := sse.NewBroadcaster(cfg.Logger)
	srv := remote.NewServer(reg, global, events, cfg.Logger)
	addr := fmt.Sprintf(":%d", global.PortOrDefault())
	return srv.Run(ctx, addr)
}
