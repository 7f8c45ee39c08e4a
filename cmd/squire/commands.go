package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "squire",
		Short: "Squire - developer workflow automation server",
		Long: `Squire is an MCP server for developer-workflow automation.

It exposes a tool registry with persona-scoped modules, a YAML skill engine,
self-healing tool calls backed by learned fix memory, a loopback WebSocket
event bus, and a cron scheduler. Agent clients connect over stdio.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error; SilenceErrors
		// leaves error reporting to main's structured logger.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flag parse failures map to exit code 2.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
		buildConfigCmd(),
		buildSkillsCmd(),
	)

	return rootCmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "squire %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// buildSkillsCmd creates the "skills" command group.
func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect installed skills",
	}
	cmd.AddCommand(buildSkillsListCmd())
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var home string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List skills found in the skills directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd, home)
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "Config root (default $SQUIRE_HOME or ~/.squire)")
	return cmd
}
