// Command mcp-abap-adt runs the MCP server as a stdio subprocess, or as
// an HTTP service with "serve".
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	abapadt "github.com/workskong/mcp-abap-adt"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		logger.Error("mcp-abap-adt failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return runStdio(ctx, logger)
	}

	switch args[0] {
	case "serve":
		return runRemote(ctx, logger)
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return nil
	case "version", "-v", "--version":
		fmt.Printf("mcp-abap-adt %s\n", version)
		return nil
	default:
		printHelp(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runStdio(ctx context.Context, logger *slog.Logger) error {
	err := abapadt.RunStdio(ctx, abapadt.Config{Logger: logger})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runRemote(ctx context.Context, logger *slog.Logger) error {
	err := abapadt.RunRemote(ctx, abapadt.Config{Logger: logger})
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func printHelp(w io.Writer) {
	_, _ = fmt.Fprintln(w, "mcp-abap-adt - MCP server for SAP ABAP development via ADT")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  mcp-abap-adt           Start MCP server over stdio (default)")
	_, _ = fmt.Fprintln(w, "  mcp-abap-adt serve     Start the HTTP dispatch surface")
	_, _ = fmt.Fprintln(w, "  mcp-abap-adt help      Show this help")
	_, _ = fmt.Fprintln(w, "  mcp-abap-adt version   Show version")
}
