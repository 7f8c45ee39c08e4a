package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/squirehq/squire/internal/engine"
	"github.com/squirehq/squire/internal/heal"
	"github.com/squirehq/squire/internal/persona"
	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/internal/workspace"
	"github.com/squirehq/squire/pkg/models"
)

// Deps are the subsystems the server mediates between.
type Deps struct {
	Registry   *registry.Registry
	Engine     *engine.Engine
	Skills     *skills.Manager
	Personas   *persona.Loader
	Workspaces *workspace.Registry
	Store      *store.Store
	Healer     *heal.Healer

	// DefaultPersona is applied to workspaces that have none recorded.
	DefaultPersona string

	// Version is reported in the initialize handshake.
	Version string

	// ConfigView is the read-only configuration snapshot skill templates see
	// under the `config` root.
	ConfigView map[string]any
}

// Server implements the MCP method set over the tool registry. One Server
// serves the whole process; it is safe for concurrent requests.
type Server struct {
	reg        *registry.Registry
	engine     *engine.Engine
	skills     *skills.Manager
	personas   *persona.Loader
	workspaces *workspace.Registry
	st         *store.Store
	healer     *heal.Healer
	logger     *slog.Logger

	defaultPersona string
	version        string
	configView     map[string]any
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.With("component", "server")
		}
	}
}

// New creates a Server over the given subsystems.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		reg:            deps.Registry,
		engine:         deps.Engine,
		skills:         deps.Skills,
		personas:       deps.Personas,
		workspaces:     deps.Workspaces,
		st:             deps.Store,
		healer:         deps.Healer,
		logger:         slog.Default().With("component", "server"),
		defaultPersona: deps.DefaultPersona,
		version:        deps.Version,
		configView:     deps.ConfigView,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterCore mounts the always-present control tools on the registry.
func (s *Server) RegisterCore() error {
	return s.reg.LoadModule(s.coreModule())
}

// Handle implements the transport Handler.
func (s *Server) Handle(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	switch method {
	case "initialize":
		return s.initialize(params)
	case "notifications/initialized":
		return nil, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return s.listTools(), nil
	case "tools/call":
		return s.callTool(ctx, params)
	default:
		return nil, &Error{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method %q is not supported", method)}
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

func (s *Server) initialize(params json.RawMessage) (any, *Error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid initialize params: %v", err)}
		}
	}
	s.logger.Info("client initialized",
		"client", p.ClientInfo.Name,
		"client_version", p.ClientInfo.Version,
		"protocol", p.ProtocolVersion)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{ListChanged: true}},
		ServerInfo:      ServerInfo{Name: "squire", Version: s.version},
	}, nil
}

func (s *Server) listTools() ListToolsResult {
	tools := s.reg.List(registry.Filter{})
	out := make([]*ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		schema := json.RawMessage(tool.Schema)
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, &ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return ListToolsResult{Tools: out}
}

// callContext is the workspace/session routing block carried under the
// "context" key of tool arguments.
type callContext struct {
	WorkspaceURI string `json:"workspace_uri"`
	SessionID    string `json:"session_id"`
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid tools/call params: %v", err)}
	}
	if p.Name == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "tool name is required"}
	}

	args, err := models.DecodeArgs(p.Arguments)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	cc := extractContext(args)

	// The workspace's recorded persona is made live before the tool
	// resolves. A failed switch is logged, not fatal: core tools work
	// without a persona and module tools fail not_found downstream.
	if cc.WorkspaceURI != "" {
		if perr := s.personas.EnsureFor(ctx, cc.WorkspaceURI, s.defaultPersona); perr != nil {
			s.logger.Warn("persona ensure failed",
				"workspace", cc.WorkspaceURI, "tool", p.Name, "error", perr)
		}
	}

	if _, ok := s.reg.Get(p.Name); !ok {
		return nil, &Error{Code: ErrCodeToolNotFound, Message: fmt.Sprintf("tool %q is not registered", p.Name)}
	}

	result, err := s.reg.Invoke(ctx, registry.Call{
		Tool:      p.Name,
		Args:      args,
		Workspace: cc.WorkspaceURI,
		Session:   cc.SessionID,
	})

	if cc.WorkspaceURI != "" && cc.SessionID != "" {
		s.workspaces.RecordActivity(ctx, cc.WorkspaceURI, cc.SessionID, "tool_call", p.Name)
	}

	if err != nil {
		return errorResult(models.WrapToolError(err)), nil
	}
	return successResult(result)
}

// extractContext pops the routing block out of the arguments so tool schemas
// never see it.
func extractContext(args models.Args) callContext {
	var cc callContext
	raw, ok := args["context"]
	if !ok {
		return cc
	}
	delete(args, "context")
	if m, ok := raw.(map[string]any); ok {
		if v, ok := m["workspace_uri"].(string); ok {
			cc.WorkspaceURI = v
		}
		if v, ok := m["session_id"].(string); ok {
			cc.SessionID = v
		}
	}
	return cc
}

func successResult(result any) (any, *Error) {
	payload, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return errorResult(models.NewToolError(models.KindInternal, "encode result: %v", err)), nil
	}
	return ToolCallResult{
		Content: []ToolResultContent{{Type: "text", Text: string(payload)}},
	}, nil
}

func errorResult(te *models.ToolError) ToolCallResult {
	payload, err := json.Marshal(map[string]any{"error": te})
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":{"kind":"internal","message":%q}}`, te.Message))
	}
	return ToolCallResult{
		Content: []ToolResultContent{{Type: "text", Text: string(payload)}},
		IsError: true,
	}
}

// Fanout publishes events to several sinks; persona switches reach both the
// WebSocket bus and the MCP notification channel through one Publisher.
type Fanout []persona.Publisher

// Publish implements persona.Publisher.
func (f Fanout) Publish(ev models.Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}

// ListChangedNotifier adapts the stdio transport to the persona publisher
// seam: tools_changed events become tools/list_changed notifications.
type ListChangedNotifier struct {
	Transport *Stdio
}

// Publish implements persona.Publisher.
func (n ListChangedNotifier) Publish(ev models.Event) {
	if ev.Type != models.EventToolsChanged || n.Transport == nil {
		return
	}
	if err := n.Transport.Notify("notifications/tools/list_changed", nil); err != nil {
		slog.Default().Warn("list_changed notify failed", "error", err)
	}
}
