// Package config loads and validates the Squire server configuration.
//
// Configuration is read from <home>/config.yaml (or config.json5); both
// formats support environment variable expansion and $include directives.
// Every field has a default so a missing file yields a runnable server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultWSPort is the loopback WebSocket port for the event bus.
const DefaultWSPort = 8797

// Config is the main configuration structure for Squire.
type Config struct {
	Home      string          `yaml:"home,omitempty"`
	Server    ServerConfig    `yaml:"server"`
	Persona   PersonaConfig   `yaml:"persona"`
	Skills    SkillsConfig    `yaml:"skills"`
	Heal      HealConfig      `yaml:"heal"`
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the event bus listener. The bus binds loopback
// only; Host exists so tests can bind port 0.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	WSPort            int           `yaml:"ws_port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// PersonaConfig configures persona resolution.
type PersonaConfig struct {
	// Default is the persona applied to workspaces that have none yet.
	Default string `yaml:"default"`

	// Dir overrides the persona manifest directory (default <home>/personas).
	Dir string `yaml:"dir,omitempty"`
}

// SkillsConfig configures skill loading.
type SkillsConfig struct {
	// Dir overrides the skill directory (default <home>/skills).
	Dir string `yaml:"dir,omitempty"`

	// WatchDebounceMs delays re-reads after file change bursts.
	WatchDebounceMs int `yaml:"watch_debounce_ms"`
}

// HealConfig configures the auto-heal pipeline thresholds.
type HealConfig struct {
	// ApplyKnown allows high-confidence fix records to be applied
	// automatically as remediations.
	ApplyKnown bool `yaml:"apply_known"`

	// ApplyThreshold is the minimum fix-record confidence for ApplyKnown.
	ApplyThreshold float64 `yaml:"apply_threshold"`

	// BlockThreshold blocks a call when a matching usage pattern is at or
	// above this confidence.
	BlockThreshold float64 `yaml:"block_threshold"`

	// WarnThreshold attaches a warning hint.
	WarnThreshold float64 `yaml:"warn_threshold"`

	// InfoThreshold attaches an informational hint.
	InfoThreshold float64 `yaml:"info_threshold"`

	// PatternCacheTTL bounds staleness of the per-tool pattern cache.
	PatternCacheTTL time.Duration `yaml:"pattern_cache_ttl"`

	// PatternCacheSize bounds the per-tool pattern cache entries.
	PatternCacheSize int `yaml:"pattern_cache_size"`

	// OptimizeInterval schedules the prune/decay/merge maintenance pass.
	OptimizeInterval time.Duration `yaml:"optimize_interval"`

	// Cluster is the hint passed to remediation actions that target a
	// specific environment, e.g. which VPN or credential set to refresh.
	Cluster string `yaml:"cluster"`
}

// EngineConfig configures skill execution.
type EngineConfig struct {
	// ComputeTimeout bounds a single compute step evaluation.
	ComputeTimeout time.Duration `yaml:"compute_timeout"`

	// StepTimeout is the default per-step deadline when a step declares none.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// Parallelism caps concurrent steps within a parallel group.
	Parallelism int `yaml:"parallelism"`
}

// StoreConfig configures the persistent store.
type StoreConfig struct {
	// FlushQuiet is the write-behind quiet window; writes within it coalesce.
	FlushQuiet time.Duration `yaml:"flush_quiet"`

	// CacheSize bounds the read cache entries.
	CacheSize int `yaml:"cache_size"`
}

// SchedulerConfig configures the cron scheduler.
type SchedulerConfig struct {
	// Enabled toggles scheduled runs. Absent means enabled; a pointer keeps
	// an explicit `enabled: false` distinguishable from an omitted key.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Timezone is the IANA zone cron expressions evaluate in.
	Timezone string `yaml:"timezone"`

	// TickInterval is how often due jobs are checked.
	TickInterval time.Duration `yaml:"tick_interval"`

	// SleepGap is the wall-clock jump treated as machine sleep;
	// missed runs inside the gap are skipped, not replayed.
	SleepGap time.Duration `yaml:"sleep_gap"`

	// File overrides the schedule document (default <home>/schedules.yaml).
	File string `yaml:"file,omitempty"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultHome returns the per-user config root, honoring SQUIRE_HOME.
func DefaultHome() string {
	if env := os.Getenv("SQUIRE_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".squire"
	}
	return filepath.Join(home, ".squire")
}

// Load reads the configuration file at path, resolving includes and
// expanding environment variables, then applies defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, cfg.Validate()
}

// LoadFromHome loads <home>/config.yaml or <home>/config.json5 if either
// exists; otherwise it returns the default configuration rooted at home.
func LoadFromHome(home string) (*Config, error) {
	if home == "" {
		home = DefaultHome()
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json5", "config.json"} {
		path := filepath.Join(home, name)
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			if err != nil {
				return nil, err
			}
			if cfg.Home == "" {
				cfg.Home = home
			}
			return cfg, nil
		}
	}
	cfg := &Config{Home: home}
	applyDefaults(cfg)
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Server.WSPort < 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("server.ws_port %d out of range", c.Server.WSPort)
	}
	if c.Heal.BlockThreshold < c.Heal.WarnThreshold {
		return fmt.Errorf("heal.block_threshold %.2f below warn_threshold %.2f",
			c.Heal.BlockThreshold, c.Heal.WarnThreshold)
	}
	if c.Heal.WarnThreshold < c.Heal.InfoThreshold {
		return fmt.Errorf("heal.warn_threshold %.2f below info_threshold %.2f",
			c.Heal.WarnThreshold, c.Heal.InfoThreshold)
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

// PersonaDir resolves the persona manifest directory.
func (c *Config) PersonaDir() string {
	if c.Persona.Dir != "" {
		return c.Persona.Dir
	}
	return filepath.Join(c.Home, "personas")
}

// SkillsDir resolves the skill document directory.
func (c *Config) SkillsDir() string {
	if c.Skills.Dir != "" {
		return c.Skills.Dir
	}
	return filepath.Join(c.Home, "skills")
}

// ScheduleFile resolves the scheduler job document.
func (c *Config) ScheduleFile() string {
	if c.Scheduler.File != "" {
		return c.Scheduler.File
	}
	return filepath.Join(c.Home, "schedules.yaml")
}

func applyDefaults(cfg *Config) {
	if cfg.Home == "" {
		cfg.Home = DefaultHome()
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.WSPort == 0 {
		cfg.Server.WSPort = DefaultWSPort
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Skills.WatchDebounceMs == 0 {
		cfg.Skills.WatchDebounceMs = 250
	}
	if cfg.Heal.ApplyThreshold == 0 {
		cfg.Heal.ApplyThreshold = 0.85
	}
	if cfg.Heal.BlockThreshold == 0 {
		cfg.Heal.BlockThreshold = 0.95
	}
	if cfg.Heal.WarnThreshold == 0 {
		cfg.Heal.WarnThreshold = 0.80
	}
	if cfg.Heal.InfoThreshold == 0 {
		cfg.Heal.InfoThreshold = 0.50
	}
	if cfg.Heal.PatternCacheTTL == 0 {
		cfg.Heal.PatternCacheTTL = 5 * time.Minute
	}
	if cfg.Heal.PatternCacheSize == 0 {
		cfg.Heal.PatternCacheSize = 1000
	}
	if cfg.Heal.OptimizeInterval == 0 {
		cfg.Heal.OptimizeInterval = time.Hour
	}
	if cfg.Engine.ComputeTimeout == 0 {
		cfg.Engine.ComputeTimeout = 5 * time.Second
	}
	if cfg.Engine.StepTimeout == 0 {
		cfg.Engine.StepTimeout = 60 * time.Second
	}
	if cfg.Engine.Parallelism == 0 {
		cfg.Engine.Parallelism = 4
	}
	if cfg.Store.FlushQuiet == 0 {
		cfg.Store.FlushQuiet = 2 * time.Second
	}
	if cfg.Store.CacheSize == 0 {
		cfg.Store.CacheSize = 1000
	}
	if cfg.Scheduler.Enabled == nil {
		on := true
		cfg.Scheduler.Enabled = &on
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = time.Second
	}
	if cfg.Scheduler.SleepGap == 0 {
		cfg.Scheduler.SleepGap = 30 * time.Second
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = os.Getenv("SQUIRE_TIMEZONE")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
