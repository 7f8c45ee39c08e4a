// Package toolkit is the SDK tool modules are built with. A module bundles
// named tools behind JSON-schema'd arguments; the server installs modules
// into its registry when a persona or the --tools flag asks for them.
//
// Tool implementations live outside the core server. The toolkit keeps them
// decoupled: authors depend only on this package and pkg/models.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/squirehq/squire/pkg/models"
)

// Meta carries the invocation context the server knows about. Fields are
// empty when the call arrives outside a workspace, session, or skill run.
type Meta struct {
	Workspace string
	Session   string
	Execution string
	StepID    string
}

// Handler executes one tool call. Failures should be models.ToolError values
// so callers get a structured kind; plain errors are classified as internal.
type Handler func(ctx context.Context, args models.Args, meta Meta) (any, error)

// Tool describes one tool contributed by a module.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON Schema for the tool's arguments. Nil accepts
	// anything.
	Schema json.RawMessage

	Handler Handler
}

// Module is a named set of tools installed and removed together.
type Module struct {
	Name  string
	Tools []Tool
}

// Validate checks the module is installable: a name, at least one tool,
// unique tool names, handlers present, and schemas that compile.
func (m Module) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("module name is required")
	}
	if len(m.Tools) == 0 {
		return fmt.Errorf("module %s declares no tools", m.Name)
	}

	seen := make(map[string]struct{}, len(m.Tools))
	for _, t := range m.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("module %s has a tool without a name", m.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("module %s declares tool %s twice", m.Name, t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.Handler == nil {
			return fmt.Errorf("tool %s has no handler", t.Name)
		}
		if len(t.Schema) > 0 {
			if _, err := compileSchema(t.Schema); err != nil {
				return fmt.Errorf("tool %s schema: %w", t.Name, err)
			}
		}
	}
	return nil
}

// DecodeArgs re-encodes loose arguments into a typed parameter struct.
// Unknown keys are ignored; schema validation is the place to reject them.
func DecodeArgs(args models.Args, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
