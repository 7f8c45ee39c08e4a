package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// BootstrapFile is one file seeded into the config root on first run.
type BootstrapFile struct {
	Path    string // absolute
	Content string
}

// BootstrapResult reports which files EnsureHome wrote and which already
// existed.
type BootstrapResult struct {
	Created []string
	Skipped []string
}

const starterPersona = `# Starter persona. A persona names the tool modules a workspace works
# with, an optional prompt, and a skill allowlist. Load it with the
# persona_load tool or set persona.default in config.yaml.
name: squire
description: General-purpose starter persona with the built-in modules.
modules:
  - timeutil
  - diagnostics
`

const starterSkill = `# Example skill. Run it with the skill_run tool:
#   {"skill": "hello"}
name: hello
version: "1.0"
description: Report the current time in a friendly sentence.
inputs:
  - name: timezone
    type: string
    description: IANA zone name, e.g. Europe/Berlin.
    default: UTC
steps:
  - id: now
    tool: time_now
    args:
      timezone: "{{ inputs.timezone }}"
  - id: line
    compute: |
      result = "It is " + now.friendly + " (" + now.timezone + ") on " + now.weekday
outputs:
  text: "{{ line }}"
`

const starterSchedules = `# Scheduled skill runs. Jobs fire in scheduler.timezone (or the server
# zone). Edits to this file are picked up without a restart.
#
# jobs:
#   - name: nightly-cleanup
#     cron: "0 3 * * *"
#     skill: cleanup
#     persona: squire
#     inputs:
#       depth: 3
jobs: []
`

const starterConfig = `# Squire configuration. Every key is optional; defaults apply when
# omitted. Run 'squire config schema' for the full schema.

logging:
  level: info
  format: json

# server:
#   ws_port: 8797
#
# persona:
#   default: squire
#
# scheduler:
#   enabled: true
#
# heal:
#   apply_known: false
`

// DefaultBootstrapFiles returns the starter file set for a config root.
func DefaultBootstrapFiles(cfg *Config) []BootstrapFile {
	return []BootstrapFile{
		{Path: filepath.Join(cfg.PersonaDir(), "squire.yaml"), Content: starterPersona},
		{Path: filepath.Join(cfg.SkillsDir(), "hello.yaml"), Content: starterSkill},
		{Path: cfg.ScheduleFile(), Content: starterSchedules},
		{Path: filepath.Join(cfg.Home, "config.yaml"), Content: starterConfig},
	}
}

// EnsureHome creates the config root layout and seeds starter files.
// Existing files are never overwritten, so it is safe on every startup.
func EnsureHome(cfg *Config) (BootstrapResult, error) {
	var result BootstrapResult

	dirs := []string{
		cfg.Home,
		cfg.PersonaDir(),
		cfg.SkillsDir(),
		filepath.Join(cfg.Home, "memory"),
		filepath.Join(cfg.Home, "learned"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return result, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for _, file := range DefaultBootstrapFiles(cfg) {
		if _, err := os.Stat(file.Path); err == nil {
			result.Skipped = append(result.Skipped, file.Path)
			continue
		} else if !os.IsNotExist(err) {
			return result, fmt.Errorf("stat %s: %w", file.Path, err)
		}
		if err := os.WriteFile(file.Path, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("seed %s: %w", file.Path, err)
		}
		result.Created = append(result.Created, file.Path)
	}

	return result, nil
}
