// Package store persists Squire state as YAML and JSON documents under the
// config root. Writes are atomic, serialized per document, and optionally
// write-behind so bursts of updates coalesce into a single disk write.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/itchyny/gojq"
	"gopkg.in/yaml.v3"

	"github.com/squirehq/squire/pkg/models"
)

const (
	// DefaultFlushQuiet is the write-behind quiet window. A debounced write
	// lands on disk once no further write to the same document arrives
	// within this window.
	DefaultFlushQuiet = 2 * time.Second

	// DefaultCacheSize bounds the parsed-document cache.
	DefaultCacheSize = 1000

	queryCacheSize = 128

	filePerm = os.FileMode(0o644)
	dirPerm  = os.FileMode(0o755)
)

var errClosed = models.NewToolError(models.KindInternal, "store is closed")

type cacheEntry struct {
	modTime time.Time
	size    int64
	doc     any
}

// Store reads and writes documents under a root directory. Document paths
// are root-relative, slash-separated, and addressed by extension: .yaml and
// .yml decode as YAML, .json as JSON.
type Store struct {
	root      string
	log       *slog.Logger
	quiet     time.Duration
	cacheSize int

	locks   *lockTable
	cache   *lru.Cache[string, cacheEntry]
	queries *lru.Cache[string, *gojq.Code]

	mu     sync.Mutex
	dirty  map[string]any
	timers map[string]*time.Timer
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for background flush warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger.With("component", "store")
		}
	}
}

// WithFlushQuiet sets the write-behind quiet window.
func WithFlushQuiet(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.quiet = d
		}
	}
}

// WithCacheSize bounds the parsed-document cache.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}

	s := &Store{
		root:      dir,
		log:       slog.Default().With("component", "store"),
		quiet:     DefaultFlushQuiet,
		cacheSize: DefaultCacheSize,
		locks:     newLockTable(),
		dirty:     make(map[string]any),
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.cache, err = lru.New[string, cacheEntry](s.cacheSize); err != nil {
		return nil, err
	}
	if s.queries, err = lru.New[string, *gojq.Code](queryCacheSize); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the directory the store is rooted at.
func (s *Store) Root() string {
	return s.root
}

// Read returns the document at rel. A pending debounced write is returned
// as-is so callers observe their own writes before the flush lands. Missing
// documents report models.ErrNotFound.
func (s *Store) Read(ctx context.Context, rel string) (any, error) {
	path, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	if doc, ok := s.dirty[path]; ok {
		s.mu.Unlock()
		return deepCopy(doc), nil
	}
	s.mu.Unlock()

	return s.readLocked(path, rel)
}

// Write persists doc at rel synchronously, replacing any pending debounced
// write for the same document.
func (s *Store) Write(ctx context.Context, rel string, doc any) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	release, err := s.locks.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	if err := s.clearPending(path); err != nil {
		return err
	}
	return s.flushLocked(ctx, path, rel, deepCopy(doc))
}

// WriteDebounced records doc as the pending content of rel and schedules a
// flush once writes go quiet. Back-to-back calls reset the window so bursts
// coalesce into one disk write. Reads of rel observe the pending document.
func (s *Store) WriteDebounced(ctx context.Context, rel string, doc any) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.dirty[path] = deepCopy(doc)
	if t, ok := s.timers[path]; ok {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(s.quiet, func() {
		s.flushPath(path, rel)
	})
	return nil
}

// Update performs a read-modify-write under the document lock, setting the
// dotted pointer to value. Missing documents start from an empty map.
func (s *Store) Update(ctx context.Context, rel, pointer string, value any) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	release, err := s.locks.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.currentLocked(path, rel)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	updated, err := setPointer(doc, pointer, deepCopy(value))
	if err != nil {
		return models.NewToolError(models.KindValidation, "update %s: %v", rel, err)
	}
	if err := s.clearPending(path); err != nil {
		return err
	}
	return s.flushLocked(ctx, path, rel, updated)
}

// Append appends item to the list at listPointer, creating the document or
// the list when missing.
func (s *Store) Append(ctx context.Context, rel, listPointer string, item any) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	release, err := s.locks.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.currentLocked(path, rel)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	existing, _ := getPointer(doc, listPointer)
	list, isList := existing.([]any)
	if existing != nil && !isList {
		return models.NewToolError(models.KindValidation, "append %s: %q is not a list", rel, listPointer)
	}
	list = append(list, deepCopy(item))
	updated, err := setPointer(doc, listPointer, list)
	if err != nil {
		return models.NewToolError(models.KindValidation, "append %s: %v", rel, err)
	}
	if err := s.clearPending(path); err != nil {
		return err
	}
	return s.flushLocked(ctx, path, rel, updated)
}

// Query runs a jq expression against the document at rel and returns every
// value it produces. Compiled queries are cached by source text.
func (s *Store) Query(ctx context.Context, rel, query string) ([]any, error) {
	code, err := s.compileQuery(query)
	if err != nil {
		return nil, models.NewToolError(models.KindParse, "invalid query %q: %v", query, err)
	}
	doc, err := s.Read(ctx, rel)
	if err != nil {
		return nil, err
	}

	var out []any
	iter := code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := v.(error); isErr {
			return nil, models.NewToolError(models.KindUsage, "query %q: %v", query, qerr)
		}
		out = append(out, v)
	}
	return out, nil
}

// List returns the root-relative paths of documents directly under relDir,
// sorted. A missing directory is an empty listing, not an error.
func (s *Store) List(ctx context.Context, relDir string) ([]string, error) {
	path, err := s.resolve(relDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, models.NewToolError(models.KindIO, "list %s: %v", relDir, err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			out = append(out, filepath.ToSlash(filepath.Join(relDir, e.Name())))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Flush forces all pending debounced writes to disk.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	pending := s.takePendingLocked()
	s.mu.Unlock()

	return s.flushAll(ctx, pending)
}

// Close flushes pending writes and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.takePendingLocked()
	s.mu.Unlock()

	return s.flushAll(context.Background(), pending)
}

// takePendingLocked drains the dirty map and stops timers. Caller holds s.mu.
func (s *Store) takePendingLocked() map[string]any {
	pending := make(map[string]any, len(s.dirty))
	for path, doc := range s.dirty {
		pending[path] = doc
		delete(s.dirty, path)
	}
	for path, t := range s.timers {
		t.Stop()
		delete(s.timers, path)
	}
	return pending
}

func (s *Store) flushAll(ctx context.Context, pending map[string]any) error {
	var firstErr error
	for path, doc := range pending {
		release, err := s.locks.Acquire(ctx, path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		err = s.flushLocked(ctx, path, s.relOf(path), doc)
		release()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushPath flushes one pending document. Called from a debounce timer.
func (s *Store) flushPath(path, rel string) {
	release, err := s.locks.Acquire(context.Background(), path)
	if err != nil {
		return
	}
	defer release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	doc, ok := s.dirty[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.dirty, path)
	delete(s.timers, path)
	s.mu.Unlock()

	if err := s.flushLocked(context.Background(), path, rel, doc); err != nil {
		s.log.Warn("debounced flush failed", "path", rel, "error", err)
	}
}

// flushLocked writes doc to disk. Caller holds the per-path lock. The OS
// advisory lock guards against other processes writing the same document.
func (s *Store) flushLocked(ctx context.Context, path, rel string, doc any) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return models.NewToolError(models.KindIO, "mkdir for %s: %v", rel, err)
	}
	data, err := encodeDoc(doc, path)
	if err != nil {
		return models.NewToolError(models.KindParse, "encode %s: %v", rel, err)
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return models.NewToolError(models.KindIO, "lock %s: %v", rel, err)
	}
	if locked {
		defer func() {
			if err := fl.Unlock(); err != nil {
				s.log.Warn("flock release failed", "path", rel, "error", err)
			}
		}()
	}

	s.cache.Remove(path)
	if err := writeFileAtomic(path, data, filePerm); err != nil {
		return models.NewToolError(models.KindIO, "write %s: %v", rel, err)
	}
	if info, err := os.Stat(path); err == nil {
		s.cache.Add(path, cacheEntry{modTime: info.ModTime(), size: info.Size(), doc: deepCopy(doc)})
	}
	return nil
}

// currentLocked returns the pending or on-disk document. Caller holds the
// per-path lock.
func (s *Store) currentLocked(path, rel string) (any, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	if doc, ok := s.dirty[path]; ok {
		s.mu.Unlock()
		return deepCopy(doc), nil
	}
	s.mu.Unlock()
	return s.readLocked(path, rel)
}

// readLocked reads and decodes the document at path, consulting the
// (path, mtime, size) cache. Caller holds the per-path lock.
func (s *Store) readLocked(path, rel string) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotFound, rel)
		}
		return nil, models.NewToolError(models.KindIO, "stat %s: %v", rel, err)
	}
	if entry, ok := s.cache.Get(path); ok &&
		entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
		return deepCopy(entry.doc), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewToolError(models.KindIO, "read %s: %v", rel, err)
	}
	doc, err := decodeDoc(data, path)
	if err != nil {
		return nil, models.NewToolError(models.KindParse, "parse %s: %v", rel, err)
	}
	s.cache.Add(path, cacheEntry{modTime: info.ModTime(), size: info.Size(), doc: deepCopy(doc)})
	return doc, nil
}

// clearPending drops any debounced write for path so a synchronous write
// cannot be overwritten later by stale pending content.
func (s *Store) clearPending(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	delete(s.dirty, path)
	if t, ok := s.timers[path]; ok {
		t.Stop()
		delete(s.timers, path)
	}
	return nil
}

// resolve maps a root-relative document path to an absolute one, rejecting
// traversal outside the root.
func (s *Store) resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", models.NewToolError(models.KindValidation, "document path is required")
	}
	if filepath.IsAbs(rel) {
		return "", models.NewToolError(models.KindValidation, "document path %q must be relative", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", models.NewToolError(models.KindValidation, "document path %q escapes the store root", rel)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Store) relOf(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (s *Store) compileQuery(src string) (*gojq.Code, error) {
	if code, ok := s.queries.Get(src); ok {
		return code, nil
	}
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, err
	}
	s.queries.Add(src, code)
	return code, nil
}

func decodeDoc(data []byte, path string) (any, error) {
	var doc any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	return normalizeDoc(doc), nil
}

func encodeDoc(doc any, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.MarshalIndent(doc, "", "  ")
	default:
		return yaml.Marshal(doc)
	}
}
