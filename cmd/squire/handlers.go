package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/squirehq/squire/internal/config"
	"github.com/squirehq/squire/internal/skills"
)

// runConfigSchema prints the reflected configuration schema as JSON.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("reflect config schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// runSkillsList prints the skills found in the configured skills directory.
func runSkillsList(cmd *cobra.Command, home string) error {
	cfg, err := config.LoadFromHome(home)
	if err != nil {
		return &exitError{code: 3, err: fmt.Errorf("load config: %w", err)}
	}

	mgr := skills.NewManager(cfg.SkillsDir())
	if err := mgr.Refresh(cmd.Context()); err != nil {
		return fmt.Errorf("read skills: %w", err)
	}

	list := mgr.List()
	if len(list) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No skills in %s.\n", cfg.SkillsDir())
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tSTEPS\tDESCRIPTION")
	for _, sk := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", sk.Name, sk.Version, len(sk.Steps), sk.Description)
	}
	return w.Flush()
}
