package persona

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/internal/workspace"
	"github.com/squirehq/squire/pkg/models"
)

// Catalog resolves module names to installable tool sets. Tool
// implementations live outside the core; the catalog is the seam they plug
// into.
type Catalog interface {
	// Resolve returns the named module or a not_found error.
	Resolve(name string) (registry.Module, error)

	// Names lists every module the catalog can resolve, sorted.
	Names() []string
}

// StaticCatalog is a Catalog over a fixed table.
type StaticCatalog map[string]registry.Module

func (c StaticCatalog) Resolve(name string) (registry.Module, error) {
	m, ok := c[name]
	if !ok {
		return registry.Module{}, models.NewToolError(models.KindNotFound, "unknown tool module %q", name)
	}
	return m, nil
}

func (c StaticCatalog) Names() []string {
	out := make([]string, 0, len(c))
	for name := range c {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Publisher receives tools_changed events after a committed switch.
type Publisher interface {
	Publish(ev models.Event)
}

// Loader switches the registry between personas. Switches stage the full
// tool view first and commit with one atomic swap, so no caller ever
// observes a partial persona. Switches on the same workspace are serialized.
type Loader struct {
	st         *store.Store
	reg        *registry.Registry
	workspaces *workspace.Registry
	catalog    Catalog
	publisher  Publisher
	logger     *slog.Logger

	mu      sync.Mutex
	perWS   map[string]*sync.Mutex
	current string // persona now live in the registry
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger.With("component", "persona")
		}
	}
}

// WithPublisher wires tools_changed announcements.
func WithPublisher(p Publisher) Option {
	return func(l *Loader) { l.publisher = p }
}

// NewLoader creates a persona loader over the given registry and catalog.
func NewLoader(st *store.Store, reg *registry.Registry, workspaces *workspace.Registry, catalog Catalog, opts ...Option) *Loader {
	l := &Loader{
		st:         st,
		reg:        reg,
		workspaces: workspaces,
		catalog:    catalog,
		logger:     slog.Default().With("component", "persona"),
		perWS:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Current returns the persona live in the registry, or empty before the
// first switch.
func (l *Loader) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Get loads a manifest by name.
func (l *Loader) Get(ctx context.Context, name string) (*Manifest, error) {
	return LoadManifest(ctx, l.st, name)
}

// List enumerates all personas.
func (l *Loader) List(ctx context.Context) ([]*Manifest, error) {
	return ListManifests(ctx, l.st)
}

// Allowlist returns the skill allowlist of the live persona, or nil when no
// persona is active or the persona allows everything.
func (l *Loader) Allowlist(ctx context.Context) []string {
	name := l.Current()
	if name == "" {
		return nil
	}
	m, err := LoadManifest(ctx, l.st, name)
	if err != nil {
		l.logger.Warn("live persona manifest unreadable", "persona", name, "error", err)
		return nil
	}
	return m.SkillAllowlist
}

// Switch makes the named persona live for a workspace: resolve its modules,
// stage the complete non-core view, swap atomically, record the persona on
// the workspace, and announce tools_changed. Core tools are never touched.
func (l *Loader) Switch(ctx context.Context, workspaceURI, name string) (*Manifest, error) {
	wsMu := l.workspaceMutex(workspaceURI)
	wsMu.Lock()
	defer wsMu.Unlock()

	manifest, err := LoadManifest(ctx, l.st, name)
	if err != nil {
		return nil, err
	}

	var view []*registry.Tool
	for _, modName := range manifest.UniqueModules() {
		mod, err := l.catalog.Resolve(modName)
		if err != nil {
			return nil, models.WrapToolError(err).
				WithHint("module required by persona "+name, models.HintFromDebugTool)
		}
		for _, tool := range mod.Tools {
			if tool.Core {
				return nil, models.NewToolError(models.KindValidation,
					"module %q declares core tool %q; core tools are registered at startup", modName, tool.Name)
			}
			staged := *tool
			if staged.Module == "" {
				staged.Module = modName
			}
			view = append(view, &staged)
		}
	}

	names, err := l.reg.Swap(view)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = name
	l.mu.Unlock()

	if l.workspaces != nil && workspaceURI != "" {
		if err := l.workspaces.SetPersona(ctx, workspaceURI, name); err != nil {
			l.logger.Warn("persona persisted on workspace failed", "workspace", workspaceURI, "error", err)
		}
	}

	toolCount := len(l.reg.List(registry.Filter{}))
	l.logger.Info("persona switched",
		"persona", name,
		"workspace", workspaceURI,
		"modules", len(manifest.UniqueModules()),
		"swapped", len(names),
		"tools", toolCount)

	if l.publisher != nil {
		l.publisher.Publish(models.NewEvent(models.EventToolsChanged, "", models.ToolsChangedData{
			Persona:   name,
			ToolCount: toolCount,
		}))
	}

	return manifest, nil
}

// EnsureFor applies the workspace's recorded persona, falling back to the
// given default when the workspace has none. A persona already live is not
// re-applied.
func (l *Loader) EnsureFor(ctx context.Context, workspaceURI, defaultPersona string) error {
	name := ""
	if l.workspaces != nil && workspaceURI != "" {
		name = l.workspaces.Persona(workspaceURI)
	}
	if name == "" {
		name = defaultPersona
	}
	if name == "" || name == l.Current() {
		return nil
	}
	_, err := l.Switch(ctx, workspaceURI, name)
	return err
}

func (l *Loader) workspaceMutex(uri string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.perWS[uri]
	if !ok {
		mu = &sync.Mutex{}
		l.perWS[uri] = mu
	}
	return mu
}
