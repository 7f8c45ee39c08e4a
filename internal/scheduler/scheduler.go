// Package scheduler fires skills on cron schedules read from a schedules
// document in the config root. Missed runs during machine sleep are skipped,
// never replayed.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/squirehq/squire/internal/config"
	"github.com/squirehq/squire/internal/observability"
	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/pkg/models"
)

// ScheduleFile is the default schedules document, relative to the store root.
const ScheduleFile = "schedules.yaml"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Job is one scheduled skill invocation plus its runtime state.
type Job struct {
	Name    string         `json:"name"`
	Cron    string         `json:"cron"`
	Skill   string         `json:"skill"`
	Persona string         `json:"persona,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Enabled bool           `json:"enabled"`

	LastRun   time.Time `json:"last_run,omitzero"`
	NextRun   time.Time `json:"next_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`

	schedule cron.Schedule
}

// Runner executes a due job's skill. The scheduler hands it a dedicated
// session id and expects a synchronous outcome.
type Runner interface {
	RunJob(ctx context.Context, job Job, sessionID string) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job Job, sessionID string) error

// RunJob implements Runner.
func (f RunnerFunc) RunJob(ctx context.Context, job Job, sessionID string) error {
	return f(ctx, job, sessionID)
}

// Scheduler ticks over the job set and fires due jobs. The schedules file is
// re-read when it changes: a fsnotify watcher catches edits quickly and a
// per-tick mtime check covers watcher gaps.
type Scheduler struct {
	st      *store.Store
	runner  Runner
	cfg     config.SchedulerConfig
	file    string // store-relative
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	loc     *time.Location

	mu       sync.Mutex
	jobs     []*Job
	mtime    time.Time
	size     int64
	lastTick time.Time
	started  bool
	wg       sync.WaitGroup

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler over the store's schedules document. Call Reload
// to load jobs, Start to begin ticking.
func New(st *store.Store, runner Runner, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SleepGap <= 0 {
		cfg.SleepGap = 30 * time.Second
	}
	s := &Scheduler{
		st:     st,
		runner: runner,
		cfg:    cfg,
		file:   cfg.File,
		logger: slog.Default().With("component", "scheduler"),
		now:    time.Now,
		loc:    time.Local,
	}
	if s.file == "" {
		s.file = ScheduleFile
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			s.logger.Warn("unknown timezone, using local", "timezone", cfg.Timezone, "error", err)
		} else {
			s.loc = loc
		}
	}
	return s
}

// path is the absolute location of the schedules document.
func (s *Scheduler) path() string {
	return filepath.Join(s.st.Root(), filepath.FromSlash(s.file))
}

// Reload reads the schedules document and replaces the job set wholesale.
// A missing file clears all jobs. Runtime state does not survive a reload.
func (s *Scheduler) Reload(ctx context.Context) error {
	var stamp time.Time
	var size int64
	if info, err := os.Stat(s.path()); err == nil {
		stamp = info.ModTime()
		size = info.Size()
	}

	doc, err := s.st.Read(ctx, s.file)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.replaceJobs(nil, stamp, size)
			return nil
		}
		return err
	}

	var sd scheduleDoc
	if err := decodeAs(doc, &sd); err != nil {
		return models.NewToolError(models.KindParse, "decode %s: %v", s.file, err)
	}

	now := s.now().In(s.loc)
	jobs := make([]*Job, 0, len(sd.Jobs))
	seen := make(map[string]struct{}, len(sd.Jobs))
	for _, spec := range sd.Jobs {
		job, err := buildJob(spec, now)
		if err != nil {
			s.logger.Warn("job skipped", "job", spec.Name, "error", err)
			continue
		}
		if _, dup := seen[job.Name]; dup {
			s.logger.Warn("duplicate job name, keeping first", "job", job.Name)
			continue
		}
		seen[job.Name] = struct{}{}
		jobs = append(jobs, job)
	}

	s.replaceJobs(jobs, stamp, size)
	return nil
}

func (s *Scheduler) replaceJobs(jobs []*Job, mtime time.Time, size int64) {
	s.mu.Lock()
	s.jobs = jobs
	s.mtime = mtime
	s.size = size
	s.mu.Unlock()
	s.logger.Info("schedules loaded", "jobs", len(jobs))
}

// Start begins the tick loop and the file watcher. It returns immediately;
// the loop stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.lastTick = s.now().In(s.loc)
	s.mu.Unlock()

	s.watch(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop and watcher to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()
	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires due jobs immediately and reports how many ran. Tests drive
// the scheduler with this instead of waiting on ticks.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx, s.now().In(s.loc))
}

// Jobs returns a snapshot of the job set.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := *job
		if job.Inputs != nil {
			inputs := make(map[string]any, len(job.Inputs))
			for k, v := range job.Inputs {
				inputs[k] = v
			}
			j.Inputs = inputs
		}
		out = append(out, j)
	}
	return out
}

func (s *Scheduler) tick(ctx context.Context) {
	s.maybeReload(ctx)

	now := s.now().In(s.loc)
	s.mu.Lock()
	last := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	// A wall-clock jump past the gap means the machine slept. Runs that
	// came due inside the gap are skipped, not replayed.
	if !last.IsZero() && now.Sub(last) > s.cfg.SleepGap {
		skipped := s.skipMissed(now)
		s.logger.Info("wake after sleep, missed runs skipped",
			"slept", now.Sub(last).Round(time.Second), "skipped", skipped)
		return
	}

	s.runDue(ctx, now)
}

// maybeReload re-reads the schedules file when its mtime or size changed.
// This backstops the watcher for filesystems that deliver no events.
func (s *Scheduler) maybeReload(ctx context.Context) {
	info, err := os.Stat(s.path())
	if err != nil {
		return
	}
	s.mu.Lock()
	changed := !info.ModTime().Equal(s.mtime) || info.Size() != s.size
	s.mu.Unlock()
	if !changed {
		return
	}
	if err := s.Reload(ctx); err != nil {
		s.logger.Warn("schedule reload failed", "error", err)
	}
}

func (s *Scheduler) skipMissed(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	skipped := 0
	for _, job := range s.jobs {
		if !job.Enabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		job.NextRun = job.schedule.Next(now)
		skipped++
	}
	return skipped
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		job.LastRun = now
		job.NextRun = job.schedule.Next(now)
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		sessionID := fmt.Sprintf("cron-%s-%d", job.Skill, now.Unix())
		err := s.runner.RunJob(ctx, *job, sessionID)

		status := "ok"
		s.mu.Lock()
		if err != nil {
			job.LastError = err.Error()
			status = "error"
		} else {
			job.LastError = ""
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordScheduledRun(job.Name, status)
		}
		if err != nil {
			s.logger.Warn("scheduled run failed", "job", job.Name, "skill", job.Skill, "error", err)
		} else {
			s.logger.Info("scheduled run finished", "job", job.Name, "skill", job.Skill, "session", sessionID)
		}
	}
	return len(due)
}

// watch starts a fsnotify watcher on the schedules file's directory.
func (s *Scheduler) watch(ctx context.Context) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("schedule watcher unavailable, relying on per-tick stat", "error", err)
		return
	}
	if err := watcher.Add(filepath.Dir(s.path())); err != nil {
		s.logger.Warn("watch schedules dir failed, relying on per-tick stat", "error", err)
		_ = watcher.Close()
		return
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher)
}

func (s *Scheduler) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.watchWg.Done()

	target := filepath.Base(s.path())
	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := s.Reload(context.Background()); err != nil {
				s.logger.Warn("schedule reload failed", "error", err)
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
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("schedule watch error", "error", err)
		}
	}
}

type scheduleDoc struct {
	Jobs []jobSpec `json:"jobs"`
}

type jobSpec struct {
	Name    string         `json:"name"`
	Cron    string         `json:"cron"`
	Skill   string         `json:"skill"`
	Persona string         `json:"persona"`
	Inputs  map[string]any `json:"inputs"`
	Enabled *bool          `json:"enabled"` // omitted means enabled
}

func buildJob(spec jobSpec, now time.Time) (*Job, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("job name is required")
	}
	if strings.TrimSpace(spec.Skill) == "" {
		return nil, errors.New("job skill is required")
	}
	if strings.TrimSpace(spec.Cron) == "" {
		return nil, errors.New("job cron expression is required")
	}
	schedule, err := cronParser.Parse(spec.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec.Cron, err)
	}

	job := &Job{
		Name:     name,
		Cron:     spec.Cron,
		Skill:    spec.Skill,
		Persona:  spec.Persona,
		Inputs:   spec.Inputs,
		Enabled:  spec.Enabled == nil || *spec.Enabled,
		schedule: schedule,
	}
	if job.Enabled {
		job.NextRun = schedule.Next(now)
	}
	return job, nil
}

// decodeAs re-encodes a store document into a typed value.
func decodeAs(doc, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
