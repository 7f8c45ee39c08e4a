package skills

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/squirehq/squire/pkg/models"
)

// Reserved template roots that step ids and bindings must not shadow.
var reservedNames = map[string]struct{}{
	"inputs":         {},
	"config":         {},
	"session":        {},
	"confirm_answer": {},
	"result":         {},
}

// InputSpec declares one named skill input with optional constraints.
type InputSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type,omitempty"` // string|int|float|bool|list|map (empty = any)
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Default     any    `yaml:"default,omitempty"`
	Pattern     string `yaml:"pattern,omitempty"` // regex, string inputs only
	Enum        []any  `yaml:"enum,omitempty"`
}

// ConfirmSpec gates a step on an operator answer. It may sit on the step
// itself or in the skill-level confirmations list (bound by step id).
type ConfirmSpec struct {
	Step           string                 `yaml:"step,omitempty"`
	Message        string                 `yaml:"message"`
	Options        []models.ConfirmOption `yaml:"options,omitempty"`
	Default        string                 `yaml:"default,omitempty"`
	TimeoutSeconds int                    `yaml:"timeout_s,omitempty"`
}

// Step is one unit of work inside a skill. Exactly one of Tool or Compute is
// set, except for a bare confirmation step which has neither.
type Step struct {
	ID            string         `yaml:"id"`
	Description   string         `yaml:"description,omitempty"`
	Tool          string         `yaml:"tool,omitempty"`
	Args          map[string]any `yaml:"args,omitempty"`
	Compute       string         `yaml:"compute,omitempty"`
	Condition     string         `yaml:"condition,omitempty"`
	DependsOn     []string       `yaml:"depends_on,omitempty"`
	OnError       string         `yaml:"on_error,omitempty"` // fail|continue|retry:N
	TimeoutSecs   int            `yaml:"timeout_s,omitempty"`
	OutputBinding string         `yaml:"output_binding,omitempty"`
	CacheTTLSecs  int            `yaml:"cache_ttl,omitempty"`
	ParallelGroup int            `yaml:"parallel_group,omitempty"`
	Loop          string         `yaml:"loop,omitempty"`
	LoopVar       string         `yaml:"loop_var,omitempty"`
	Confirm       *ConfirmSpec   `yaml:"confirm,omitempty"`
}

// Kind reports what the step executes: "tool", "compute", or "confirm" for a
// bare confirmation gate.
func (s *Step) Kind() string {
	switch {
	case s.Tool != "":
		return "tool"
	case s.Compute != "":
		return "compute"
	default:
		return "confirm"
	}
}

// Binding returns the name the step's result is published under.
func (s *Step) Binding() string {
	if s.OutputBinding != "" {
		return s.OutputBinding
	}
	return s.ID
}

// ErrorMode is the step failure policy.
type ErrorMode string

const (
	ErrorFail     ErrorMode = "fail"
	ErrorContinue ErrorMode = "continue"
	ErrorRetry    ErrorMode = "retry"
)

// ErrorPolicy is the parsed form of a step's on_error field.
type ErrorPolicy struct {
	Mode    ErrorMode
	Retries int // extra attempts, retry mode only
}

// ParseErrorPolicy parses "fail", "continue", or "retry:N". Empty means fail.
func ParseErrorPolicy(raw string) (ErrorPolicy, error) {
	switch {
	case raw == "" || raw == string(ErrorFail):
		return ErrorPolicy{Mode: ErrorFail}, nil
	case raw == string(ErrorContinue):
		return ErrorPolicy{Mode: ErrorContinue}, nil
	case strings.HasPrefix(raw, "retry:"):
		n, err := strconv.Atoi(strings.TrimPrefix(raw, "retry:"))
		if err != nil || n < 1 {
			return ErrorPolicy{}, fmt.Errorf("on_error retry count %q must be a positive integer", strings.TrimPrefix(raw, "retry:"))
		}
		return ErrorPolicy{Mode: ErrorRetry, Retries: n}, nil
	default:
		return ErrorPolicy{}, fmt.Errorf("on_error %q is not fail, continue, or retry:N", raw)
	}
}

// Skill is an immutable workflow definition loaded from a YAML document.
// Re-reads replace the whole value; nothing mutates a loaded skill.
type Skill struct {
	Name          string         `yaml:"name"`
	Version       string         `yaml:"version,omitempty"`
	Description   string         `yaml:"description,omitempty"`
	Inputs        []InputSpec    `yaml:"inputs,omitempty"`
	Steps         []*Step        `yaml:"steps"`
	Outputs       map[string]any `yaml:"outputs,omitempty"`
	Confirmations []ConfirmSpec  `yaml:"confirmations,omitempty"`

	// Path is the source file, set by the loader.
	Path string `yaml:"-"`
}

// Step returns the step with the given id.
func (s *Skill) Step(id string) *Step {
	for _, st := range s.Steps {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// BindingNames returns every name a step result can be published under:
// each step id plus any distinct output_binding.
func (s *Skill) BindingNames() []string {
	names := make([]string, 0, len(s.Steps))
	seen := make(map[string]struct{}, len(s.Steps))
	for _, st := range s.Steps {
		for _, n := range []string{st.ID, st.Binding()} {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	return names
}

// ConfirmFor resolves the confirmation gating a step: the step's own confirm
// block wins over a skill-level entry bound to its id.
func (s *Skill) ConfirmFor(step *Step) *ConfirmSpec {
	if step.Confirm != nil {
		return step.Confirm
	}
	for i := range s.Confirmations {
		if s.Confirmations[i].Step == step.ID {
			return &s.Confirmations[i]
		}
	}
	return nil
}

// InputSummary is the wire shape of an input spec in skill_list results.
type InputSummary struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Summary is the wire shape of a skill in skill_list results.
type Summary struct {
	Name        string         `json:"name"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Inputs      []InputSummary `json:"inputs,omitempty"`
	Steps       int            `json:"steps"`
}

// Summarize builds the listing shape for a loaded skill.
func (s *Skill) Summarize() Summary {
	sum := Summary{
		Name:        s.Name,
		Version:     s.Version,
		Description: s.Description,
		Steps:       len(s.Steps),
	}
	for _, in := range s.Inputs {
		sum.Inputs = append(sum.Inputs, InputSummary{
			Name:        in.Name,
			Type:        in.Type,
			Description: in.Description,
			Required:    in.Required,
			Default:     in.Default,
		})
	}
	return sum
}
