// Package models provides domain types shared across the Squire server:
// the error taxonomy, tool argument maps, and the live event stream model.
package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for registry and store operations.
var (
	// ErrNotFound indicates a requested document, tool, or record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a name collision on registration.
	ErrDuplicate = errors.New("already registered")

	// ErrProtected indicates an attempt to remove a core tool.
	ErrProtected = errors.New("protected")

	// ErrCancelled indicates the surrounding execution was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// ErrorKind categorizes a failure for retry logic, auto-heal routing, and the
// MCP error contract. The kind is the structured part of every error returned
// to a caller; hints are informational only.
type ErrorKind string

const (
	// KindValidation indicates arguments failed schema or input validation.
	KindValidation ErrorKind = "validation"

	// KindNotFound indicates a missing tool, skill, session, or document.
	KindNotFound ErrorKind = "not_found"

	// KindConflict indicates a name collision or concurrent modification.
	KindConflict ErrorKind = "conflict"

	// KindProtected indicates an operation on a protected core tool.
	KindProtected ErrorKind = "protected"

	// KindUsage indicates the tool was invoked incorrectly (learned patterns).
	KindUsage ErrorKind = "usage"

	// KindAuth indicates an authentication or authorization failure.
	KindAuth ErrorKind = "auth"

	// KindNetwork indicates a connectivity failure.
	KindNetwork ErrorKind = "network"

	// KindTimeout indicates a deadline was exceeded.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled indicates the execution was cancelled.
	KindCancelled ErrorKind = "cancelled"

	// KindIO indicates a persistent store read/write failure.
	KindIO ErrorKind = "io"

	// KindParse indicates malformed YAML/JSON input.
	KindParse ErrorKind = "parse"

	// KindInternal indicates a bug: a recovered panic or broken invariant.
	KindInternal ErrorKind = "internal"
)

// IsRetryable returns true if this kind suggests retrying may succeed.
// Network and timeout failures are transient; everything else is not.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// HintSource identifies where a fix hint came from.
type HintSource string

const (
	HintFromFixMemory    HintSource = "fix_memory"
	HintFromUsagePattern HintSource = "usage_pattern"
	HintFromDebugTool    HintSource = "debug_tool"
)

// FixHint is an informational remediation suggestion attached to a ToolError.
type FixHint struct {
	Text   string     `json:"text" yaml:"text"`
	Source HintSource `json:"source" yaml:"source"`
}

// ToolError is the structured failure produced by tools and enriched by the
// auto-heal pipeline. The Kind is contractual; Hints never change semantics.
type ToolError struct {
	// Kind categorizes the failure.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Raw preserves the original error text before classification.
	Raw string `json:"raw,omitempty"`

	// Hints carries remediation suggestions from fix memory, usage
	// patterns, or the debug tool. Informational only.
	Hints []FixHint `json:"hints,omitempty"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// WithHint appends a hint and returns the error for chaining.
func (e *ToolError) WithHint(text string, source HintSource) *ToolError {
	e.Hints = append(e.Hints, FixHint{Text: text, Source: source})
	return e
}

// NewToolError creates a ToolError with the given kind and message.
func NewToolError(kind ErrorKind, format string, args ...any) *ToolError {
	msg := fmt.Sprintf(format, args...)
	return &ToolError{Kind: kind, Message: msg, Raw: msg}
}

// WrapToolError converts an arbitrary error into a ToolError, preserving an
// existing ToolError unchanged. Nil yields nil.
func WrapToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	kind := KindInternal
	switch {
	case errors.Is(err, ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, ErrDuplicate):
		kind = KindConflict
	case errors.Is(err, ErrProtected):
		kind = KindProtected
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &ToolError{Kind: kind, Message: err.Error(), Raw: err.Error()}
}
