// Package workspace tracks workspaces and their sessions. One registry
// serves the whole process; its state persists as a single JSON document
// through the store, written debounced and flushed on shutdown.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/pkg/models"
)

// stateDoc is the persisted shape of the registry.
type stateDoc struct {
	Workspaces map[string]*Workspace `json:"workspaces"`
}

// Registry maps workspace URIs to their durable state. All mutating methods
// persist through the store before returning; accessors return deep copies
// so callers never share memory with the registry.
type Registry struct {
	st     *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "workspace")
		}
	}
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry loads the persisted registry state. A missing state file
// starts empty; a corrupt one is logged and starts empty rather than
// blocking startup.
func NewRegistry(ctx context.Context, st *store.Store, opts ...Option) (*Registry, error) {
	r := &Registry{
		st:         st,
		logger:     slog.Default().With("component", "workspace"),
		now:        time.Now,
		workspaces: make(map[string]*Workspace),
	}
	for _, opt := range opts {
		opt(r)
	}

	doc, err := st.Read(ctx, StateFile)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		var state stateDoc
		if derr := decodeAs(doc, &state); derr != nil {
			r.logger.Warn("workspace state unreadable, starting empty", "error", derr)
		} else if state.Workspaces != nil {
			r.workspaces = state.Workspaces
		}
	}

	r.logger.Info("workspace registry loaded", "workspaces", len(r.workspaces))
	return r, nil
}

// GetOrCreate returns the workspace for uri, creating it on first reference.
func (r *Registry) GetOrCreate(ctx context.Context, uri string) (*Workspace, error) {
	if uri == "" {
		return nil, models.NewToolError(models.KindValidation, "workspace uri is required")
	}

	r.mu.Lock()
	ws, ok := r.workspaces[uri]
	if !ok {
		ws = &Workspace{URI: uri, Sessions: make(map[string]*Session)}
		r.workspaces[uri] = ws
	}
	out := ws.clone()
	r.mu.Unlock()

	if !ok {
		r.logger.Info("workspace created", "uri", uri)
		if err := r.persist(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get returns the workspace for uri, or not_found.
func (r *Registry) Get(uri string) (*Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[uri]
	if !ok {
		return nil, models.NewToolError(models.KindNotFound, "workspace %q is not registered", uri)
	}
	return ws.clone(), nil
}

// List returns all workspaces sorted by URI.
func (r *Registry) List() []*Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, ws.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// StartSession creates or resumes a session in the workspace and makes it
// active. A known sessionID resumes (resumed=true, updated_at bumped); an
// unknown or empty one creates a session, keeping a caller-supplied id so
// clients can pick stable identifiers.
func (r *Registry) StartSession(ctx context.Context, uri, name, sessionID, personaOverride string) (*Session, bool, error) {
	if _, err := r.GetOrCreate(ctx, uri); err != nil {
		return nil, false, err
	}

	now := r.now().UTC()

	r.mu.Lock()
	ws := r.workspaces[uri]
	sess, resumed := ws.Sessions[sessionID]
	if resumed {
		sess.record(now, "session_resumed", "")
		if name != "" {
			sess.Name = name
		}
		if personaOverride != "" {
			sess.PersonaOverride = personaOverride
		}
	} else {
		id := sessionID
		if id == "" {
			id = uuid.NewString()
		}
		sess = &Session{
			ID:              id,
			Name:            name,
			CreatedAt:       now,
			UpdatedAt:       now,
			PersonaOverride: personaOverride,
		}
		sess.record(now, "session_started", "")
		ws.Sessions[sess.ID] = sess
	}
	ws.ActiveSession = sess.ID
	out := sess.clone()
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, false, err
	}
	return out, resumed, nil
}

// SwitchSession makes a known session the workspace's active one.
func (r *Registry) SwitchSession(ctx context.Context, uri, sessionID string) error {
	r.mu.Lock()
	ws, ok := r.workspaces[uri]
	if !ok {
		r.mu.Unlock()
		return models.NewToolError(models.KindNotFound, "workspace %q is not registered", uri)
	}
	sess, ok := ws.Sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return models.NewToolError(models.KindNotFound, "session %q is not in workspace %q", sessionID, uri)
	}
	ws.ActiveSession = sessionID
	sess.record(r.now().UTC(), "session_switched", "")
	r.mu.Unlock()

	return r.persist(ctx)
}

// Session returns one session by id. An empty id resolves the workspace's
// active session.
func (r *Registry) Session(uri, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.workspaces[uri]
	if !ok {
		return nil, models.NewToolError(models.KindNotFound, "workspace %q is not registered", uri)
	}
	id := sessionID
	if id == "" {
		id = ws.ActiveSession
	}
	if id == "" {
		return nil, models.NewToolError(models.KindNotFound, "workspace %q has no active session", uri)
	}
	sess, ok := ws.Sessions[id]
	if !ok {
		return nil, models.NewToolError(models.KindNotFound, "session %q is not in workspace %q", id, uri)
	}
	return sess.clone(), nil
}

// Sessions returns every session in the workspace, newest first.
func (r *Registry) Sessions(uri string) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, ok := r.workspaces[uri]
	if !ok {
		return nil, models.NewToolError(models.KindNotFound, "workspace %q is not registered", uri)
	}
	out := make([]*Session, 0, len(ws.Sessions))
	for _, sess := range ws.Sessions {
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetPersona records the workspace's active persona.
func (r *Registry) SetPersona(ctx context.Context, uri, persona string) error {
	if _, err := r.GetOrCreate(ctx, uri); err != nil {
		return err
	}
	r.mu.Lock()
	r.workspaces[uri].Persona = persona
	r.mu.Unlock()
	return r.persist(ctx)
}

// Persona returns the workspace's active persona, or empty.
func (r *Registry) Persona(uri string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ws, ok := r.workspaces[uri]; ok {
		return ws.Persona
	}
	return ""
}

// RecordActivity appends to a session's bounded activity log. Unknown
// sessions are a no-op so instrumentation never fails a tool call.
func (r *Registry) RecordActivity(ctx context.Context, uri, sessionID, action, detail string) {
	recorded := false
	r.mu.Lock()
	if ws, ok := r.workspaces[uri]; ok {
		if sess, ok := ws.Sessions[sessionID]; ok {
			sess.record(r.now().UTC(), action, detail)
			recorded = true
		}
	}
	r.mu.Unlock()

	if recorded {
		if err := r.persist(ctx); err != nil {
			r.logger.Warn("activity persist failed", "error", err)
		}
	}
}

// UpdateContext mutates a workspace's development context fields under the
// registry lock and persists the result.
func (r *Registry) UpdateContext(ctx context.Context, uri string, mutate func(*Workspace)) error {
	if _, err := r.GetOrCreate(ctx, uri); err != nil {
		return err
	}
	r.mu.Lock()
	mutate(r.workspaces[uri])
	r.mu.Unlock()
	return r.persist(ctx)
}

// persist snapshots the whole registry into the state document. Writes are
// debounced; the store flushes on shutdown.
func (r *Registry) persist(ctx context.Context) error {
	r.mu.RLock()
	state := stateDoc{Workspaces: make(map[string]*Workspace, len(r.workspaces))}
	for uri, ws := range r.workspaces {
		state.Workspaces[uri] = ws.clone()
	}
	r.mu.RUnlock()

	// Round-trip through JSON so the store sees plain maps, matching what a
	// reload produces.
	var doc any
	raw, err := json.Marshal(state)
	if err != nil {
		return models.NewToolError(models.KindInternal, "encode workspace state: %v", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.NewToolError(models.KindInternal, "encode workspace state: %v", err)
	}
	return r.st.WriteDebounced(ctx, StateFile, doc)
}

// decodeAs reinterprets a store document as a typed value through a JSON
// round-trip; store reads normalize timestamps to RFC3339 strings.
func decodeAs(doc, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
