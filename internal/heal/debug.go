package heal

import (
	"context"
	"sync"
	"time"

	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/pkg/models"
)

// CallRecord is one observed invocation kept in memory for failure reports.
type CallRecord struct {
	Tool       string           `json:"tool"`
	Workspace  string           `json:"workspace,omitempty"`
	Session    string           `json:"session,omitempty"`
	Execution  string           `json:"execution,omitempty"`
	StepID     string           `json:"step_id,omitempty"`
	Args       models.Args      `json:"args"`
	Start      time.Time        `json:"start"`
	DurationMs int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
	Kind       models.ErrorKind `json:"kind,omitempty"`
}

const defaultRecorderLimit = 20

// Recorder is the innermost decorator: it keeps the last invocations of
// each tool, raw handler outcomes before any heal enrichment, so debug_tool
// can reconstruct recent behavior. Never persisted.
type Recorder struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	records map[string][]CallRecord
}

// NewRecorder keeps up to limit records per tool; limit <= 0 uses the
// default of 20.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = defaultRecorderLimit
	}
	return &Recorder{limit: limit, now: time.Now, records: make(map[string][]CallRecord)}
}

func (r *Recorder) Wrap(next registry.Invoker) registry.Invoker {
	return func(ctx context.Context, call registry.Call) (any, error) {
		start := r.now()
		result, err := next(ctx, call)

		rec := CallRecord{
			Tool:       call.Tool,
			Workspace:  call.Workspace,
			Session:    call.Session,
			Execution:  call.Execution,
			StepID:     call.StepID,
			Args:       call.Args.Clone(),
			Start:      start.UTC(),
			DurationMs: r.now().Sub(start).Milliseconds(),
		}
		if err != nil {
			te := models.WrapToolError(err)
			rec.Error = te.Message
			rec.Kind = te.Kind
		}
		r.push(rec)
		return result, err
	}
}

func (r *Recorder) push(rec CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.records[rec.Tool], rec)
	if len(list) > r.limit {
		list = list[len(list)-r.limit:]
	}
	r.records[rec.Tool] = list
}

// Recent returns up to n records for a tool, newest first. n <= 0 means
// everything retained.
func (r *Recorder) Recent(tool string, n int) []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.records[tool]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]CallRecord, 0, n)
	for i := len(list) - 1; i >= len(list)-n; i-- {
		out = append(out, list[i])
	}
	return out
}
