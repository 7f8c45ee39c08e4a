package main

import (
	"github.com/spf13/cobra"
)

// serveOptions are the serve command's flag values.
type serveOptions struct {
	home        string
	agent       string
	tools       string
	all         bool
	noScheduler bool
	wsPort      int
}

// buildServeCmd creates the "serve" command that starts the MCP server.
// This is the primary command for running Squire.
func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server on stdio",
		Long: `Start the MCP server, reading JSON-RPC frames from stdin and writing
responses to stdout. Logs go to stderr.

The server will:
1. Load configuration from the config root (--home, $SQUIRE_HOME, ~/.squire)
2. Seed the config root with starter files on first run
3. Restore workspaces, sessions, and learned fix memory from disk
4. Mount the core tools plus any modules named by --tools or --all
5. Start the loopback WebSocket event bus
6. Start the cron scheduler unless disabled

Graceful shutdown is handled on SIGINT/SIGTERM or stdin EOF.`,
		Example: `  # Start with defaults
  squire serve

  # Start with a default persona for new workspaces
  squire serve --agent squire

  # Mount every built-in tool module and pin the event bus port
  squire serve --all --ws-port 9001

  # Run without scheduled skills
  squire serve --no-scheduler`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.home, "home", "",
		"Config root (default $SQUIRE_HOME or ~/.squire)")
	cmd.Flags().StringVar(&opts.agent, "agent", "",
		"Default persona applied to workspaces that have none")
	cmd.Flags().StringVar(&opts.tools, "tools", "",
		"Comma-separated tool modules to mount at startup")
	cmd.Flags().BoolVar(&opts.all, "all", false,
		"Mount every built-in tool module at startup")
	cmd.Flags().BoolVar(&opts.noScheduler, "no-scheduler", false,
		"Disable the cron scheduler")
	cmd.Flags().IntVar(&opts.wsPort, "ws-port", 0,
		"Event bus WebSocket port (overrides config and $SQUIRE_WS_PORT)")

	return cmd
}
