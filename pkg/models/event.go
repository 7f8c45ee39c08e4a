package models

import (
	"time"
)

// EventType identifies the kind of live execution event.
type EventType string

const (
	// Skill lifecycle
	EventSkillStarted   EventType = "skill_started"
	EventSkillCompleted EventType = "skill_completed"
	EventSkillFailed    EventType = "skill_failed"

	// Step lifecycle
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepSkipped   EventType = "step_skipped"

	// Auto-heal
	EventAutoHealTriggered EventType = "auto_heal_triggered"

	// Confirmation rendezvous
	EventConfirmationRequired EventType = "confirmation_required"
	EventConfirmationAnswer   EventType = "confirmation_answer"

	// Server status
	EventToolsChanged EventType = "tools_changed"
	EventHeartbeat    EventType = "heartbeat"
)

// Topic groups event types for subscription filtering.
type Topic string

const (
	TopicAll           Topic = "all"
	TopicSkills        Topic = "skills"
	TopicSteps         Topic = "steps"
	TopicConfirmations Topic = "confirmations"
	TopicStatus        Topic = "status"
)

// TopicFor returns the subscription topic an event type belongs to.
func TopicFor(t EventType) Topic {
	switch t {
	case EventSkillStarted, EventSkillCompleted, EventSkillFailed:
		return TopicSkills
	case EventStepStarted, EventStepCompleted, EventStepSkipped, EventAutoHealTriggered:
		return TopicSteps
	case EventConfirmationRequired, EventConfirmationAnswer:
		return TopicConfirmations
	default:
		return TopicStatus
	}
}

// Event is the envelope for every frame on the execution bus. One event is
// serialized per WebSocket frame; events are append-only during a run and
// never persisted.
type Event struct {
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	WorkspaceURI string    `json:"workspace_uri,omitempty"`
	Data         any       `json:"data"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, executionID string, data any) Event {
	return Event{
		Type:        t,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		Data:        data,
	}
}

// StepSummary describes one step in a skill_started announcement.
type StepSummary struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Tool string `json:"tool,omitempty"`
}

// SkillStartedData is the payload for skill_started.
type SkillStartedData struct {
	SkillName string        `json:"skill_name"`
	Inputs    Args          `json:"inputs"`
	Steps     []StepSummary `json:"steps"`
}

// StepStartedData is the payload for step_started.
type StepStartedData struct {
	StepID    string `json:"step_id"`
	StepIndex int    `json:"step_index"`
	StepType  string `json:"step_type"`
	ToolName  string `json:"tool_name,omitempty"`
	Args      Args   `json:"args,omitempty"`
}

// StepCompletedData is the payload for step_completed.
type StepCompletedData struct {
	StepID     string `json:"step_id"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	Result     any    `json:"result,omitempty"`
}

// StepSkippedData is the payload for step_skipped.
type StepSkippedData struct {
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

// AutoHealTriggeredData is the payload for auto_heal_triggered.
type AutoHealTriggeredData struct {
	StepID      string `json:"step_id,omitempty"`
	FailureType string `json:"failure_type"`
	Action      string `json:"action"`
	RetryCount  int    `json:"retry_count"`
	MaxRetries  int    `json:"max_retries"`
}

// ConfirmOption is one selectable answer in a confirmation prompt.
type ConfirmOption struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// ConfirmationRequiredData is the payload for confirmation_required.
type ConfirmationRequiredData struct {
	ConfirmationID string          `json:"confirmation_id"`
	StepID         string          `json:"step_id"`
	Message        string          `json:"message"`
	Options        []ConfirmOption `json:"options"`
	Default        string          `json:"default,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// ConfirmationAnswerData is the client→server payload resolving a confirmation.
type ConfirmationAnswerData struct {
	ConfirmationID string `json:"confirmation_id"`
	Answer         string `json:"answer"`
}

// SkillCompletedData is the payload for skill_completed.
type SkillCompletedData struct {
	SkillName      string         `json:"skill_name"`
	Success        bool           `json:"success"`
	DurationMs     int64          `json:"duration_ms"`
	Outputs        map[string]any `json:"outputs"`
	StepsCompleted int            `json:"steps_completed"`
	StepsSkipped   int            `json:"steps_skipped"`
	StepsFailed    int            `json:"steps_failed"`
}

// SkillFailedData is the payload for skill_failed.
type SkillFailedData struct {
	SkillName      string         `json:"skill_name"`
	Error          string         `json:"error"`
	FailedStepID   string         `json:"failed_step_id,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
	PartialOutputs map[string]any `json:"partial_outputs,omitempty"`
}

// ToolsChangedData is the payload for tools_changed.
type ToolsChangedData struct {
	Persona   string `json:"persona"`
	ToolCount int    `json:"tool_count"`
}

// HeartbeatData is the payload for heartbeat.
type HeartbeatData struct {
	ServerStatus     string `json:"server_status"`
	ActiveExecutions int    `json:"active_executions"`
	ConnectedClients int    `json:"connected_clients"`
}
