// Package heal implements the auto-heal pipeline wrapped around every tool
// invocation: failure classification, remediation actions, fix memory,
// usage-pattern prechecks, and the background pattern optimizer.
//
// The pipeline only ever enriches failures. A healed call returns the retried
// result; an unhealed call returns the original error with hints attached.
// The error kind is never upgraded or replaced.
package heal

import (
	"time"
)

// FailureType is the top-level classification of a tool failure.
type FailureType string

const (
	// FailureInfrastructure covers environment faults: network, auth, timeout.
	FailureInfrastructure FailureType = "infrastructure"

	// FailureUsage covers the tool being invoked incorrectly.
	FailureUsage FailureType = "usage"

	// FailureUnknown is everything the rule sets don't recognize.
	FailureUnknown FailureType = "unknown"
)

// InfraCategory narrows an infrastructure failure.
type InfraCategory string

const (
	InfraNetwork InfraCategory = "network"
	InfraAuth    InfraCategory = "auth"
	InfraTimeout InfraCategory = "timeout"
)

// UsageCategory narrows a usage failure. Values are persisted in
// usage_patterns.yaml and must stay stable.
type UsageCategory string

const (
	UsageIncorrectParameter  UsageCategory = "INCORRECT_PARAMETER"
	UsageParameterFormat     UsageCategory = "PARAMETER_FORMAT"
	UsageMissingPrerequisite UsageCategory = "MISSING_PREREQUISITE"
	UsageWorkflowSequence    UsageCategory = "WORKFLOW_SEQUENCE"
	UsageWrongTool           UsageCategory = "WRONG_TOOL"
)

// Classification is the classifier's verdict on one failure.
type Classification struct {
	Type  FailureType
	Infra InfraCategory // set when Type is infrastructure
	Usage UsageCategory // set when Type is usage

	// MatchedPhrase is the rule fragment that fired, used to seed fix
	// memory after a successful remediation.
	MatchedPhrase string

	// Extracted fields for usage failures. Empty when not recognized.
	Parameter    string
	Expected     string
	Prerequisite string
}

// FixRecord is one remembered failure and its remediation, persisted in
// learned/tool_fixes.yaml. Confidence grows with observations.
type FixRecord struct {
	ToolName     string    `yaml:"tool_name" json:"tool_name"`
	ErrorPattern string    `yaml:"error_pattern" json:"error_pattern"`
	RootCause    string    `yaml:"root_cause" json:"root_cause"`
	FixText      string    `yaml:"fix_text" json:"fix_text"`
	Confidence   float64   `yaml:"confidence" json:"confidence"`
	Observations int       `yaml:"observations" json:"observations"`
	FirstSeen    time.Time `yaml:"first_seen" json:"first_seen"`
	LastSeen     time.Time `yaml:"last_seen" json:"last_seen"`
}

// PreventionStats tracks how a usage pattern's warnings played out.
type PreventionStats struct {
	// Shown counts warnings surfaced to callers.
	Shown int `yaml:"shown" json:"shown"`

	// Prevented counts warned calls that then succeeded.
	Prevented int `yaml:"prevented" json:"prevented"`

	// Failed counts warned calls that failed anyway.
	Failed int `yaml:"failed" json:"failed"`

	// FalsePositive counts warnings explicitly dismissed as wrong.
	FalsePositive int `yaml:"false_positive" json:"false_positive"`
}

// SuccessRate is the fraction of warned calls that went on to succeed.
// With no outcomes yet it is a neutral 0.5.
func (p PreventionStats) SuccessRate() float64 {
	total := p.Prevented + p.Failed
	if total == 0 {
		return 0.5
	}
	return float64(p.Prevented) / float64(total)
}

// UsagePattern is one learned misuse of a tool, persisted in
// learned/usage_patterns.yaml.
type UsagePattern struct {
	ID       string        `yaml:"id" json:"id"`
	Tool     string        `yaml:"tool" json:"tool"`
	Category UsageCategory `yaml:"category" json:"category"`

	// Match is a regex tested against the rendered call context. Empty
	// matches every call, leaving validation rules to decide.
	Match string `yaml:"match" json:"match"`

	// Cause is a short description of what goes wrong.
	Cause string `yaml:"cause" json:"cause"`

	// PreventionText is the hint surfaced when the pattern fires.
	PreventionText string `yaml:"prevention_text" json:"prevention_text"`

	// ValidationRules are predicates over the call arguments. All must
	// hold for the pattern to fire. Evaluation errors count as no match.
	ValidationRules []string `yaml:"validation_rules,omitempty" json:"validation_rules,omitempty"`

	Confidence   float64         `yaml:"confidence" json:"confidence"`
	Observations int             `yaml:"observations" json:"observations"`
	Prevention   PreventionStats `yaml:"prevention_stats" json:"prevention_stats"`

	Created    time.Time `yaml:"created" json:"created"`
	LastSeen   time.Time `yaml:"last_seen" json:"last_seen"`
	LastActive time.Time `yaml:"last_active" json:"last_active"`
}

// fixesDoc is the on-disk shape of learned/tool_fixes.yaml.
type fixesDoc struct {
	Fixes []FixRecord `yaml:"fixes" json:"fixes"`
}

// PreventionTotals aggregates prevention outcomes across all patterns.
type PreventionTotals struct {
	Shown         int `yaml:"shown" json:"shown"`
	Prevented     int `yaml:"prevented" json:"prevented"`
	Failed        int `yaml:"failed" json:"failed"`
	FalsePositive int `yaml:"false_positive" json:"false_positive"`
}

// patternsDoc is the on-disk shape of learned/usage_patterns.yaml. The doc
// carries a last_optimized stamp so confidence decay stays idempotent across
// frequent optimizer passes.
type patternsDoc struct {
	Patterns      []UsagePattern   `yaml:"patterns" json:"patterns"`
	Stats         PreventionTotals `yaml:"stats" json:"stats"`
	LastOptimized time.Time        `yaml:"last_optimized,omitempty" json:"last_optimized,omitempty"`
}

// Paths of the learned-knowledge documents relative to the store root.
const (
	fixesPath    = "learned/tool_fixes.yaml"
	patternsPath = "learned/usage_patterns.yaml"
)

// confidenceCeiling is the maximum any learned confidence can reach.
const confidenceCeiling = 0.95

// newConfidence is the starting confidence for freshly learned records.
const newConfidence = 0.5
