// Package main provides the CLI entry point for the Squire workflow server.
//
// Squire is an MCP server for developer-workflow automation. It speaks
// JSON-RPC over stdio to an agent client, keeps per-workspace personas and
// sessions, runs YAML skills through a step engine, heals failing tool calls
// from learned fix memory, broadcasts progress on a loopback WebSocket bus,
// and fires scheduled skills from cron expressions.
//
// # Basic Usage
//
// Start the server on stdio:
//
//	squire serve
//
// Start with a default persona and every built-in tool module mounted:
//
//	squire serve --agent squire --all
//
// Inspect the installation:
//
//	squire skills list
//	squire config schema
//	squire version
//
// # Environment Variables
//
//   - SQUIRE_HOME: config root (default ~/.squire)
//   - SQUIRE_WS_PORT: event bus WebSocket port override
//   - SQUIRE_TIMEZONE: scheduler timezone (IANA name)
//   - SQUIRE_LOG_LEVEL: log level override (debug, info, warn, error)
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/squirehq/squire/internal/observability"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// exitError carries a process exit code through cobra's error path:
// 2 bad flag, 3 config error, 4 fatal init error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	// Logs go to stderr: stdout is the JSON-RPC channel once serve starts.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: observability.LogLevelFromString(os.Getenv("SQUIRE_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}
