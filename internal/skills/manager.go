package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/squirehq/squire/pkg/models"
)

// entry is one discovered skill file. Broken files keep their parse error so
// invocation reports it instead of "not found".
type entry struct {
	skill *Skill
	err   error
	path  string
	mtime time.Time
	size  int64
}

// Manager loads skill documents from a directory and keeps them fresh: a
// fsnotify watcher triggers debounced rescans, and every Get re-checks the
// file's mtime so invocation always sees current content.
type Manager struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration
	onChange func()

	mu      sync.RWMutex
	entries map[string]*entry // by skill name

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "skills")
		}
	}
}

// WithDebounce sets the watch debounce window.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// WithOnChange registers a callback fired after a rescan changes the loaded
// set. Used to refresh listings exposed to clients.
func WithOnChange(fn func()) Option {
	return func(m *Manager) { m.onChange = fn }
}

// NewManager creates a manager over dir. Call Refresh to load, Watch to keep
// the set current.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:      dir,
		logger:   slog.Default().With("component", "skills"),
		debounce: 250 * time.Millisecond,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the directory the manager loads from.
func (m *Manager) Dir() string { return m.dir }

// Refresh rescans the skills directory. Files that fail to parse are kept as
// broken entries and logged; they do not block other skills.
func (m *Manager) Refresh(ctx context.Context) error {
	dirents, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.replaceAll(nil)
			return nil
		}
		return models.NewToolError(models.KindIO, "read skills dir %s: %v", m.dir, err)
	}

	fresh := make(map[string]*entry)
	for _, de := range dirents {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if de.IsDir() || !isSkillFile(de.Name()) {
			continue
		}
		path := filepath.Join(m.dir, de.Name())
		ent := m.loadFile(path)
		name := ent.name()
		if prior, dup := fresh[name]; dup {
			m.logger.Warn("duplicate skill name, keeping first",
				"skill", name, "kept", prior.path, "ignored", path)
			continue
		}
		fresh[name] = ent
	}

	m.replaceAll(fresh)
	return nil
}

// Get returns the named skill, re-reading its file when it changed on disk.
// Unknown names are not_found; broken files return their load error.
func (m *Manager) Get(name string) (*Skill, error) {
	m.mu.RLock()
	ent, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return nil, models.NewToolError(models.KindNotFound, "skill %q is not loaded", name)
	}

	if info, err := os.Stat(ent.path); err == nil {
		if !info.ModTime().Equal(ent.mtime) || info.Size() != ent.size {
			reloaded := m.loadFile(ent.path)
			m.mu.Lock()
			// The file may have been renamed to a different skill; keep the
			// slot keyed by the requested name only when it still matches.
			if reloaded.name() == name {
				m.entries[name] = reloaded
				ent = reloaded
			}
			m.mu.Unlock()
		}
	}

	if ent.err != nil {
		return nil, ent.err
	}
	return ent.skill, nil
}

// List returns all loaded skills sorted by name. Broken files are skipped.
func (m *Manager) List() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Skill, 0, len(m.entries))
	for _, ent := range m.entries {
		if ent.err == nil {
			out = append(out, ent.skill)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListAllowed filters List through a persona allowlist. An empty allowlist
// permits everything.
func (m *Manager) ListAllowed(allowlist []string) []*Skill {
	all := m.List()
	if len(allowlist) == 0 {
		return all
	}
	out := all[:0]
	for _, sk := range all {
		if Allowed(sk.Name, allowlist) {
			out = append(out, sk)
		}
	}
	return out
}

// Allowed reports whether a skill name passes an allowlist. Empty allowlists
// permit everything.
func Allowed(name string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if allowed == name {
			return true
		}
	}
	return false
}

// Watch starts a fsnotify watcher on the skills directory. Changes trigger a
// debounced Refresh. Safe to call once; Close stops it.
func (m *Manager) Watch(ctx context.Context) error {
	m.watchMu.Lock()
	if m.watcher != nil {
		m.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watchMu.Unlock()
		return err
	}
	m.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	m.watchMu.Unlock()

	if err := watcher.Add(m.dir); err != nil {
		m.logger.Warn("watch skills dir failed, relying on per-get rereads",
			"dir", m.dir, "error", err)
	}

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher if one is running.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleRefresh := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if err := m.Refresh(context.Background()); err != nil {
				m.logger.Warn("skill rescan failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isSkillFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleRefresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("skill watch error", "error", err)
		}
	}
}

func (m *Manager) loadFile(path string) *entry {
	ent := &entry{path: path}
	if info, err := os.Stat(path); err == nil {
		ent.mtime = info.ModTime()
		ent.size = info.Size()
	}
	sk, err := ParseFile(path)
	if err != nil {
		ent.err = err
		m.logger.Warn("skill failed to load", "path", path, "error", err)
		return ent
	}
	ent.skill = sk
	return ent
}

func (m *Manager) replaceAll(fresh map[string]*entry) {
	if fresh == nil {
		fresh = make(map[string]*entry)
	}

	m.mu.Lock()
	changed := len(fresh) != len(m.entries)
	if !changed {
		for name, ent := range fresh {
			prior, ok := m.entries[name]
			if !ok || !prior.mtime.Equal(ent.mtime) || prior.size != ent.size {
				changed = true
				break
			}
		}
	}
	m.entries = fresh
	m.mu.Unlock()

	if changed {
		m.logger.Info("skills loaded", "count", len(fresh))
		if m.onChange != nil {
			m.onChange()
		}
	}
}

// name keys the entry: the declared skill name, or the file stem for files
// that failed to parse.
func (e *entry) name() string {
	if e.skill != nil {
		return e.skill.Name
	}
	base := filepath.Base(e.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isSkillFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
