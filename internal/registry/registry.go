// Package registry manages the tool catalog: registration, module
// load/unload, schema validation of arguments, and the decorator chain that
// wraps every invocation.
package registry

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/squirehq/squire/pkg/models"
)

// Call is a single tool invocation as seen by handlers and decorators.
type Call struct {
	Tool      string
	Args      models.Args
	Workspace string // workspace URI, empty outside a workspace
	Session   string // session id, empty outside a session
	Execution string // skill execution id when invoked by the engine
	StepID    string // skill step id when invoked by the engine
}

// Invoker executes a tool call.
type Invoker func(ctx context.Context, call Call) (any, error)

// Decorator wraps tool invocation with cross-cutting behavior. Decorators
// run in configuration order: the first configured decorator observes the
// call first and the handler's result last.
type Decorator interface {
	Wrap(next Invoker) Invoker
}

// Tool is a callable unit exposed to agents and skills.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON Schema for the tool's arguments. Empty means the
	// tool accepts anything.
	Schema []byte
	// Module groups tools that load and unload together.
	Module string
	// Core tools are always present and cannot be unregistered or swapped
	// out by persona changes.
	Core    bool
	Handler Invoker
}

// Module is a named set of tools registered and unregistered as one unit.
type Module struct {
	Name  string
	Tools []*Tool
}

// Filter narrows List results.
type Filter struct {
	// Module restricts results to one module; empty matches all.
	Module string
}

type entry struct {
	tool   Tool
	invoke Invoker
	schema *jsonschema.Schema
}

// Registry is a thread-safe tool catalog.
type Registry struct {
	log   *slog.Logger
	chain []Decorator

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.log = logger.With("component", "registry")
		}
	}
}

// WithDecorators sets the invocation decorator chain.
func WithDecorators(decorators ...Decorator) Option {
	return func(r *Registry) {
		r.chain = decorators
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:     slog.Default().With("component", "registry"),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Registering a name that already exists is a
// conflict; tools are never silently replaced.
func (r *Registry) Register(tool *Tool) error {
	e, err := r.buildEntry(tool)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tool.Name]; exists {
		return models.NewToolError(models.KindConflict, "tool %q is already registered", tool.Name)
	}
	r.entries[tool.Name] = e
	return nil
}

// Unregister removes a tool by name. Core tools are protected.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return models.NewToolError(models.KindNotFound, "tool %q is not registered", name)
	}
	if e.tool.Core {
		return models.NewToolError(models.KindProtected, "tool %q is a core tool and cannot be unregistered", name)
	}
	delete(r.entries, name)
	return nil
}

// Get returns a copy of the tool definition.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// List returns tool definitions matching the filter, sorted by name.
func (r *Registry) List(filter Filter) []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.entries))
	for _, e := range r.entries {
		if filter.Module != "" && e.tool.Module != filter.Module {
			continue
		}
		out = append(out, e.tool)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates arguments against the tool's schema and runs the
// decorated handler. Handler panics surface as internal tool errors rather
// than tearing down the server.
func (r *Registry) Invoke(ctx context.Context, call Call) (result any, err error) {
	r.mu.RLock()
	e, ok := r.entries[call.Tool]
	r.mu.RUnlock()
	if !ok {
		return nil, models.NewToolError(models.KindNotFound, "tool %q is not registered", call.Tool)
	}

	if e.schema != nil {
		if verr := validateArgs(e.schema, call.Args); verr != nil {
			return nil, verr
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked",
				"tool", call.Tool,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = models.NewToolError(models.KindInternal, "tool %s panicked: %v", call.Tool, rec)
		}
	}()

	result, err = e.invoke(ctx, call)
	if err != nil {
		return nil, models.WrapToolError(err)
	}
	return result, nil
}

// LoadModule registers every tool in the module or none of them. Tool
// Module fields are overwritten with the module's name.
func (r *Registry) LoadModule(m Module) error {
	if strings.TrimSpace(m.Name) == "" {
		return models.NewToolError(models.KindValidation, "module name is required")
	}

	staged := make(map[string]*entry, len(m.Tools))
	for _, tool := range m.Tools {
		tool.Module = m.Name
		e, err := r.buildEntry(tool)
		if err != nil {
			return err
		}
		if _, dup := staged[tool.Name]; dup {
			return models.NewToolError(models.KindConflict, "module %q declares tool %q twice", m.Name, tool.Name)
		}
		staged[tool.Name] = e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range staged {
		if _, exists := r.entries[name]; exists {
			return models.NewToolError(models.KindConflict, "tool %q is already registered", name)
		}
	}
	for name, e := range staged {
		r.entries[name] = e
	}
	return nil
}

// UnloadModule removes the module's tools, skipping core tools, and returns
// how many were removed.
func (r *Registry) UnloadModule(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for toolName, e := range r.entries {
		if e.tool.Module != name || e.tool.Core {
			continue
		}
		delete(r.entries, toolName)
		removed++
	}
	return removed
}

// Snapshot returns the current non-core tools, sorted by name. Persona
// loading stages a replacement view from this.
func (r *Registry) Snapshot() []*Tool {
	r.mu.RLock()
	out := make([]*Tool, 0, len(r.entries))
	for _, e := range r.entries {
		if e.tool.Core {
			continue
		}
		tool := e.tool
		out = append(out, &tool)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Swap atomically replaces every non-core tool with the given view. The
// view is validated in full before anything changes, so a failed swap
// leaves the registry untouched. Returns the names now live in the
// non-core portion.
func (r *Registry) Swap(view []*Tool) ([]string, error) {
	staged := make(map[string]*entry, len(view))
	for _, tool := range view {
		if tool.Core {
			return nil, models.NewToolError(models.KindValidation, "swap view must not contain core tool %q", tool.Name)
		}
		e, err := r.buildEntry(tool)
		if err != nil {
			return nil, err
		}
		if _, dup := staged[tool.Name]; dup {
			return nil, models.NewToolError(models.KindConflict, "swap view declares tool %q twice", tool.Name)
		}
		staged[tool.Name] = e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range staged {
		if existing, ok := r.entries[name]; ok && existing.tool.Core {
			return nil, models.NewToolError(models.KindConflict, "tool %q would shadow a core tool", name)
		}
	}

	names := make([]string, 0, len(staged))
	for toolName, e := range r.entries {
		if !e.tool.Core {
			delete(r.entries, toolName)
		}
	}
	for name, e := range staged {
		r.entries[name] = e
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Registry) buildEntry(tool *Tool) (*entry, error) {
	if tool == nil || strings.TrimSpace(tool.Name) == "" {
		return nil, models.NewToolError(models.KindValidation, "tool name is required")
	}
	if tool.Handler == nil {
		return nil, models.NewToolError(models.KindValidation, "tool %q has no handler", tool.Name)
	}
	schema, err := compileSchema(tool.Schema)
	if err != nil {
		return nil, models.NewToolError(models.KindValidation, "tool %q has an invalid schema: %v", tool.Name, err)
	}

	invoke := tool.Handler
	for i := len(r.chain) - 1; i >= 0; i-- {
		invoke = r.chain[i].Wrap(invoke)
	}
	return &entry{tool: *tool, invoke: invoke, schema: schema}, nil
}
