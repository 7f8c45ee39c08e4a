package workspace

import (
	"time"
)

// StateFile is the registry snapshot document, relative to the store root.
const StateFile = "workspace_states.json"

// maxActivity bounds each session's activity log.
const maxActivity = 100

// ActivityEntry is one line in a session's bounded activity log.
type ActivityEntry struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// Session is one named working context inside a workspace. Sessions are
// resumable by id and never deleted implicitly.
type Session struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	PersonaOverride string          `json:"persona_override,omitempty"`
	Activity        []ActivityEntry `json:"activity,omitempty"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Activity = append([]ActivityEntry(nil), s.Activity...)
	return &out
}

// record appends to the activity log, trimming the oldest entries past the
// bound.
func (s *Session) record(at time.Time, action, detail string) {
	s.Activity = append(s.Activity, ActivityEntry{Time: at, Action: action, Detail: detail})
	if n := len(s.Activity); n > maxActivity {
		s.Activity = append(s.Activity[:0], s.Activity[n-maxActivity:]...)
	}
	s.UpdatedAt = at
}

// Workspace is the durable state for one workspace URI: development context,
// the active persona, and every session ever started.
type Workspace struct {
	URI           string              `json:"uri"`
	Persona       string              `json:"persona,omitempty"`
	Project       string              `json:"project,omitempty"`
	ActiveIssue   string              `json:"active_issue,omitempty"`
	ActiveBranch  string              `json:"active_branch,omitempty"`
	ActiveMR      string              `json:"active_mr,omitempty"`
	ActiveSession string              `json:"active_session,omitempty"`
	Sessions      map[string]*Session `json:"sessions,omitempty"`
}

func (w *Workspace) clone() *Workspace {
	if w == nil {
		return nil
	}
	out := *w
	out.Sessions = make(map[string]*Session, len(w.Sessions))
	for id, sess := range w.Sessions {
		out.Sessions[id] = sess.clone()
	}
	return &out
}

// StateSummary is the compact context block session_start returns.
type StateSummary struct {
	Project      string `json:"project,omitempty"`
	ActiveIssue  string `json:"active_issue,omitempty"`
	ActiveBranch string `json:"active_branch,omitempty"`
	ActiveMR     string `json:"active_mr,omitempty"`
	Sessions     int    `json:"sessions"`
}

// Summary builds the state summary for a workspace.
func (w *Workspace) Summary() StateSummary {
	return StateSummary{
		Project:      w.Project,
		ActiveIssue:  w.ActiveIssue,
		ActiveBranch: w.ActiveBranch,
		ActiveMR:     w.ActiveMR,
		Sessions:     len(w.Sessions),
	}
}
