package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/squirehq/squire/internal/bus"
	"github.com/squirehq/squire/internal/config"
	"github.com/squirehq/squire/internal/engine"
	"github.com/squirehq/squire/internal/heal"
	"github.com/squirehq/squire/internal/observability"
	"github.com/squirehq/squire/internal/persona"
	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/scheduler"
	"github.com/squirehq/squire/internal/server"
	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/internal/workspace"
)

// runServe implements the serve command: it wires every subsystem together
// and runs the stdio transport until EOF or a shutdown signal.
func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting squire",
		"version", version,
		"commit", commit,
		"home", cfg.Home,
	)

	seeded, err := config.EnsureHome(cfg)
	if err != nil {
		return &exitError{code: 4, err: fmt.Errorf("prepare config root: %w", err)}
	}
	if len(seeded.Created) > 0 {
		logger.Info("seeded config root", "created", seeded.Created)
	}

	metrics := observability.NewMetrics()

	st, err := store.New(cfg.Home,
		store.WithLogger(logger),
		store.WithFlushQuiet(cfg.Store.FlushQuiet),
		store.WithCacheSize(cfg.Store.CacheSize),
	)
	if err != nil {
		return &exitError{code: 4, err: fmt.Errorf("open store: %w", err)}
	}

	// The bus needs the engine's active count and the engine needs the bus;
	// the closure defers the lookup until the engine exists.
	var eng *engine.Engine
	eventBus := bus.New(
		bus.WithLogger(logger),
		bus.WithMetrics(metrics),
		bus.WithHeartbeatInterval(cfg.Server.HeartbeatInterval),
		bus.WithActiveExecutions(func() int {
			if eng == nil {
				return 0
			}
			return eng.ActiveCount()
		}),
	)

	healer := heal.New(st, cfg.Heal,
		heal.WithLogger(logger),
		heal.WithMetrics(metrics),
		heal.WithPublisher(eventBus),
	)

	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithDecorators(healer.Decorators()...),
	)

	workspaces, err := workspace.NewRegistry(ctx, st, workspace.WithLogger(logger))
	if err != nil {
		return &exitError{code: 4, err: fmt.Errorf("restore workspaces: %w", err)}
	}

	skillMgr := skills.NewManager(cfg.SkillsDir(),
		skills.WithLogger(logger),
		skills.WithDebounce(time.Duration(cfg.Skills.WatchDebounceMs)*time.Millisecond),
	)
	if err := skillMgr.Refresh(ctx); err != nil {
		return &exitError{code: 4, err: fmt.Errorf("load skills: %w", err)}
	}

	eng = engine.New(reg, eventBus, cfg.Engine,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	)

	catalog, err := server.BuiltinCatalog(healer)
	if err != nil {
		return &exitError{code: 4, err: fmt.Errorf("assemble tool catalog: %w", err)}
	}

	// Persona switches fan out to the WebSocket bus and, once the transport
	// exists, to MCP list_changed notifications.
	notifier := &server.ListChangedNotifier{}
	personas := persona.NewLoader(st, reg, workspaces, catalog,
		persona.WithLogger(logger),
		persona.WithPublisher(server.Fanout{eventBus, notifier}),
	)

	srv := server.New(server.Deps{
		Registry:       reg,
		Engine:         eng,
		Skills:         skillMgr,
		Personas:       personas,
		Workspaces:     workspaces,
		Store:          st,
		Healer:         healer,
		DefaultPersona: cfg.Persona.Default,
		Version:        version,
		ConfigView:     configView(cfg),
	}, server.WithLogger(logger))
	if err := srv.RegisterCore(); err != nil {
		return &exitError{code: 4, err: fmt.Errorf("register core tools: %w", err)}
	}

	if err := mountModules(reg, catalog, opts.tools, opts.all); err != nil {
		return &exitError{code: 4, err: err}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := skillMgr.Watch(ctx); err != nil {
		logger.Warn("skill watching unavailable", "error", err)
	}
	go healer.Optimizer().Start(ctx)

	transport := server.NewStdio(os.Stdin, os.Stdout, srv, server.WithStdioLogger(logger))
	notifier.Transport = transport

	if err := eventBus.Listen(cfg.Server.Host, cfg.Server.WSPort); err != nil {
		return &exitError{code: 4, err: fmt.Errorf("event bus listen: %w", err)}
	}
	logger.Info("event bus listening", "addr", eventBus.Addr())

	var sched *scheduler.Scheduler
	if *cfg.Scheduler.Enabled && !opts.noScheduler {
		sched = scheduler.New(st, srv, cfg.Scheduler,
			scheduler.WithLogger(logger),
			scheduler.WithMetrics(metrics),
		)
		if err := sched.Start(ctx); err != nil {
			return &exitError{code: 4, err: fmt.Errorf("start scheduler: %w", err)}
		}
		logger.Info("scheduler started", "jobs", len(sched.Jobs()))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- transport.Serve(ctx) }()

	logger.Info("squire ready",
		"default_persona", cfg.Persona.Default,
		"skills", len(skillMgr.List()),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler stop", "error", err)
		}
	}
	if err := eventBus.Close(shutdownCtx); err != nil {
		logger.Warn("event bus close", "error", err)
	}
	if err := skillMgr.Close(); err != nil {
		logger.Warn("skill watcher close", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Warn("store close", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("transport: %w", serveErr)
	}
	logger.Info("squire stopped")
	return nil
}

// loadServeConfig resolves the effective configuration from the config root,
// then applies environment and flag overrides (flags win).
func loadServeConfig(opts serveOptions) (*config.Config, error) {
	cfg, err := config.LoadFromHome(opts.home)
	if err != nil {
		return nil, &exitError{code: 3, err: fmt.Errorf("load config: %w", err)}
	}

	if env := os.Getenv("SQUIRE_WS_PORT"); env != "" {
		port, err := strconv.Atoi(env)
		if err != nil {
			return nil, &exitError{code: 3, err: fmt.Errorf("SQUIRE_WS_PORT %q: %w", env, err)}
		}
		cfg.Server.WSPort = port
	}
	if env := os.Getenv("SQUIRE_LOG_LEVEL"); env != "" {
		cfg.Logging.Level = env
	}

	if opts.agent != "" {
		cfg.Persona.Default = opts.agent
	}
	if opts.wsPort != 0 {
		cfg.Server.WSPort = opts.wsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: 3, err: fmt.Errorf("config: %w", err)}
	}
	return cfg, nil
}

// mountModules loads catalog modules named by --tools (or all of them for
// --all) into the registry. Personas replace this surface on first switch.
func mountModules(reg *registry.Registry, catalog persona.StaticCatalog, csv string, all bool) error {
	var names []string
	switch {
	case all:
		names = catalog.Names()
	case csv != "":
		for _, name := range strings.Split(csv, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}

	for _, name := range names {
		m, err := catalog.Resolve(name)
		if err != nil {
			return fmt.Errorf("mount module %q: %w", name, err)
		}
		if err := reg.LoadModule(m); err != nil {
			return fmt.Errorf("mount module %q: %w", name, err)
		}
	}
	return nil
}

// configView is the read-only snapshot exposed to skill templates under the
// `config` root.
func configView(cfg *config.Config) map[string]any {
	return map[string]any{
		"home":            cfg.Home,
		"ws_port":         cfg.Server.WSPort,
		"default_persona": cfg.Persona.Default,
		"timezone":        cfg.Scheduler.Timezone,
		"cluster":         cfg.Heal.Cluster,
	}
}
