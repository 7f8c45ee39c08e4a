package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  ws_port: 9000
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
persona:
  default: engineer
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.WSPort != DefaultWSPort {
		t.Errorf("ws_port = %d, want %d", cfg.Server.WSPort, DefaultWSPort)
	}
	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %v, want 30s", cfg.Server.HeartbeatInterval)
	}
	if cfg.Store.FlushQuiet != 2*time.Second {
		t.Errorf("flush_quiet = %v, want 2s", cfg.Store.FlushQuiet)
	}
	if cfg.Heal.BlockThreshold != 0.95 || cfg.Heal.WarnThreshold != 0.80 || cfg.Heal.InfoThreshold != 0.50 {
		t.Errorf("heal thresholds = %v/%v/%v, want 0.95/0.80/0.50",
			cfg.Heal.BlockThreshold, cfg.Heal.WarnThreshold, cfg.Heal.InfoThreshold)
	}
	if cfg.Engine.ComputeTimeout != 5*time.Second {
		t.Errorf("compute_timeout = %v, want 5s", cfg.Engine.ComputeTimeout)
	}
	if cfg.Scheduler.SleepGap != 30*time.Second {
		t.Errorf("sleep_gap = %v, want 30s", cfg.Scheduler.SleepGap)
	}
	if cfg.Persona.Default != "engineer" {
		t.Errorf("persona.default = %q, want engineer", cfg.Persona.Default)
	}
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := writeConfig(t, `
engine:
  step_timeout: 45s
store:
  flush_quiet: 500ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.StepTimeout != 45*time.Second {
		t.Errorf("step_timeout = %v, want 45s", cfg.Engine.StepTimeout)
	}
	if cfg.Store.FlushQuiet != 500*time.Millisecond {
		t.Errorf("flush_quiet = %v, want 500ms", cfg.Store.FlushQuiet)
	}
}

func TestLoadValidatesThresholdOrder(t *testing.T) {
	path := writeConfig(t, `
heal:
  block_threshold: 0.6
  warn_threshold: 0.8
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "block_threshold") {
		t.Fatalf("expected block_threshold error, got %v", err)
	}
}

func TestLoadValidatesTimezone(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  timezone: Mars/Olympus_Mons
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "timezone") {
		t.Fatalf("expected timezone error, got %v", err)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("server:\n  ws_port: 9100\nlogging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	main := filepath.Join(dir, "squire.yaml")
	if err := os.WriteFile(main, []byte("$include: base.yaml\nserver:\n  ws_port: 9200\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.WSPort != 9200 {
		t.Errorf("ws_port = %d, want including file to win with 9200", cfg.Server.WSPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug from include", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := Load(a)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SQUIRE_TEST_LEVEL", "warn")
	path := writeConfig(t, `
logging:
  level: ${SQUIRE_TEST_LEVEL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "squire.json5")
	contents := `{
  // loopback event bus port
  server: { ws_port: 9300 },
}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.WSPort != 9300 {
		t.Errorf("ws_port = %d, want 9300", cfg.Server.WSPort)
	}
}

func TestLoadFromHomeWithoutFile(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFromHome(home)
	if err != nil {
		t.Fatalf("LoadFromHome() error = %v", err)
	}
	if cfg.Home != home {
		t.Errorf("home = %q, want %q", cfg.Home, home)
	}
	if cfg.Server.WSPort != DefaultWSPort {
		t.Errorf("ws_port = %d, want default %d", cfg.Server.WSPort, DefaultWSPort)
	}
}

func TestSchedulerEnabledDefaultsTrue(t *testing.T) {
	cfg, err := LoadFromHome(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFromHome() error = %v", err)
	}
	if cfg.Scheduler.Enabled == nil || !*cfg.Scheduler.Enabled {
		t.Errorf("scheduler.enabled default = %v, want true", cfg.Scheduler.Enabled)
	}

	path := writeConfig(t, `
scheduler:
  enabled: false
`)
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.Enabled == nil || *cfg.Scheduler.Enabled {
		t.Errorf("explicit scheduler.enabled = %v, want false", cfg.Scheduler.Enabled)
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := &Config{Home: "/tmp/squire-home"}
	applyDefaults(cfg)

	if got := cfg.SkillsDir(); got != filepath.Join("/tmp/squire-home", "skills") {
		t.Errorf("SkillsDir() = %q", got)
	}
	if got := cfg.PersonaDir(); got != filepath.Join("/tmp/squire-home", "personas") {
		t.Errorf("PersonaDir() = %q", got)
	}
	if got := cfg.ScheduleFile(); got != filepath.Join("/tmp/squire-home", "schedules.yaml") {
		t.Errorf("ScheduleFile() = %q", got)
	}

	cfg.Skills.Dir = "/elsewhere/skills"
	if got := cfg.SkillsDir(); got != "/elsewhere/skills" {
		t.Errorf("SkillsDir() override = %q", got)
	}
}

func TestJSONSchemaIncludesFields(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, want := range []string{"ws_port", "block_threshold", "flush_quiet"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "squire.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
