package engine

import (
	"time"

	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/pkg/models"
)

// Status is the execution state machine.
type Status string

const (
	StatusInit       Status = "init"
	StatusValidating Status = "validating"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus tracks one step through its lifecycle. healing marks the
// backoff wait between retry attempts.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepHealing StepStatus = "healing"
	StepSkipped StepStatus = "skipped"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// StepResult is the record of one step's execution.
type StepResult struct {
	StepID     string            `json:"step_id"`
	Status     StepStatus        `json:"status"`
	Started    time.Time         `json:"started,omitzero"`
	Ended      time.Time         `json:"ended,omitzero"`
	DurationMs int64             `json:"duration_ms"`
	Result     any               `json:"result,omitempty"`
	Error      *models.ToolError `json:"error,omitempty"`
	Retries    int               `json:"retries"`
}

// Request carries everything one skill execution needs.
type Request struct {
	Skill        *skills.Skill
	Inputs       models.Args
	WorkspaceURI string
	SessionID    string

	// Config is the read-only configuration snapshot templates see under
	// the `config` root.
	Config map[string]any
}

// Result is the terminal outcome of one execution.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	SkillName   string                 `json:"skill_name"`
	Status      Status                 `json:"status"`
	Outputs     map[string]any         `json:"outputs,omitempty"`
	Steps       map[string]*StepResult `json:"steps,omitempty"`
	Error       *models.ToolError      `json:"error,omitempty"`
	FailedStep  string                 `json:"failed_step_id,omitempty"`
	DurationMs  int64                  `json:"duration_ms"`
}

// Counts tallies terminal step states for completion events.
func (r *Result) Counts() (completed, skipped, failed int) {
	for _, sr := range r.Steps {
		switch sr.Status {
		case StepSuccess:
			completed++
		case StepSkipped:
			skipped++
		case StepFailed:
			failed++
		}
	}
	return
}
