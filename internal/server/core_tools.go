package server

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/squirehq/squire/internal/engine"
	"github.com/squirehq/squire/internal/heal"
	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/pkg/models"
)

// coreModule is the always-present control surface. Every tool here is
// protected: persona switches swap module tools around them, never these.
func (s *Server) coreModule() registry.Module {
	return registry.Module{
		Name: "core",
		Tools: []*registry.Tool{
			s.personaLoadTool(),
			s.personaListTool(),
			s.sessionStartTool(),
			s.sessionInfoTool(),
			s.sessionListTool(),
			s.sessionSwitchTool(),
			s.skillRunTool(),
			s.skillCancelTool(),
			s.skillListTool(),
			s.debugToolTool(),
			s.learnToolFixTool(),
			s.checkKnownIssuesTool(),
			s.memoryReadTool(),
			s.memoryWriteTool(),
			s.memoryUpdateTool(),
			s.memoryAppendTool(),
			s.memoryQueryTool(),
		},
	}
}

// objectSchema marshals a JSON-schema document, falling back to the
// permissive object schema when encoding fails.
func objectSchema(doc map[string]any) []byte {
	payload, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{"type":"object"}`)
	}
	return payload
}

func (s *Server) personaLoadTool() *registry.Tool {
	return &registry.Tool{
		Name:        "persona_load",
		Description: "Switch the live persona: resolve its tool modules and swap them in atomically.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Persona manifest name.",
				},
			},
			"required": []string{"name"},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			name := call.Args.String("name")
			if name == "" {
				return nil, models.NewToolError(models.KindValidation, "name is required")
			}
			manifest, err := s.personas.Switch(ctx, call.Workspace, name)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"persona":    manifest.Name,
				"modules":    manifest.UniqueModules(),
				"tool_count": len(s.reg.List(registry.Filter{})),
			}, nil
		},
	}
}

func (s *Server) personaListTool() *registry.Tool {
	return &registry.Tool{
		Name:        "persona_list",
		Description: "Enumerate available personas and report which one is live.",
		Core:        true,
		Schema:      objectSchema(map[string]any{"type": "object", "properties": map[string]any{}}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			manifests, err := s.personas.List(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"personas": manifests,
				"current":  s.personas.Current(),
			}, nil
		},
	}
}

func (s *Server) sessionStartTool() *registry.Tool {
	return &registry.Tool{
		Name:        "session_start",
		Description: "Create or resume a session in the calling workspace and make it active.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Human-readable session name.",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Known id to resume; unknown or empty ids create a session.",
				},
				"agent": map[string]any{
					"type":        "string",
					"description": "Persona to make live for this session.",
				},
			},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			if call.Workspace == "" {
				return nil, models.NewToolError(models.KindValidation, "context.workspace_uri is required")
			}
			agent := call.Args.String("agent")
			if agent != "" {
				if _, err := s.personas.Switch(ctx, call.Workspace, agent); err != nil {
					return nil, err
				}
			}
			sess, resumed, err := s.workspaces.StartSession(ctx, call.Workspace,
				call.Args.String("name"), call.Args.String("session_id"), agent)
			if err != nil {
				return nil, err
			}
			ws, err := s.workspaces.Get(call.Workspace)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"session_id":    sess.ID,
				"resumed":       resumed,
				"persona":       s.personas.Current(),
				"project":       ws.Project,
				"state_summary": ws.Summary(),
			}, nil
		},
	}
}

func (s *Server) sessionInfoTool() *registry.Tool {
	return &registry.Tool{
		Name:        "session_info",
		Description: "Read one session; omitting session_id reads the workspace's active session.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session id; empty resolves the active session.",
				},
			},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			if call.Workspace == "" {
				return nil, models.NewToolError(models.KindValidation, "context.workspace_uri is required")
			}
			sess, err := s.workspaces.Session(call.Workspace, call.Args.String("session_id"))
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
	}
}

func (s *Server) sessionListTool() *registry.Tool {
	return &registry.Tool{
		Name:        "session_list",
		Description: "List every session in the calling workspace, newest first.",
		Core:        true,
		Schema:      objectSchema(map[string]any{"type": "object", "properties": map[string]any{}}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			if call.Workspace == "" {
				return nil, models.NewToolError(models.KindValidation, "context.workspace_uri is required")
			}
			if _, err := s.workspaces.GetOrCreate(ctx, call.Workspace); err != nil {
				return nil, err
			}
			sessions, err := s.workspaces.Sessions(call.Workspace)
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
		},
	}
}

func (s *Server) sessionSwitchTool() *registry.Tool {
	return &registry.Tool{
		Name:        "session_switch",
		Description: "Make a known session the workspace's active one.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session to activate.",
				},
			},
			"required": []string{"session_id"},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			if call.Workspace == "" {
				return nil, models.NewToolError(models.KindValidation, "context.workspace_uri is required")
			}
			id := call.Args.String("session_id")
			if id == "" {
				return nil, models.NewToolError(models.KindValidation, "session_id is required")
			}
			if err := s.workspaces.SwitchSession(ctx, call.Workspace, id); err != nil {
				return nil, err
			}
			return map[string]any{"active_session": id}, nil
		},
	}
}

func (s *Server) skillRunTool() *registry.Tool {
	return &registry.Tool{
		Name:        "skill_run",
		Description: "Execute a loaded skill to a terminal state and return its result.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Skill name.",
				},
				"inputs_json": map[string]any{
					"description": "Skill inputs: a JSON object or its string encoding.",
				},
			},
			"required": []string{"name"},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			name := call.Args.String("name")
			if name == "" {
				return nil, models.NewToolError(models.KindValidation, "name is required")
			}
			inputs, err := decodeInputs(call.Args["inputs_json"])
			if err != nil {
				return nil, err
			}
			if allow := s.personas.Allowlist(ctx); !skills.Allowed(name, allow) {
				return nil, models.NewToolError(models.KindAuth,
					"persona %q does not allow skill %q", s.personas.Current(), name)
			}
			sk, err := s.skills.Get(name)
			if err != nil {
				return nil, err
			}
			res, rerr := s.engine.Run(ctx, engine.Request{
				Skill:        sk,
				Inputs:       inputs,
				WorkspaceURI: call.Workspace,
				SessionID:    call.Session,
				Config:       s.configView,
			})
			if rerr != nil {
				return nil, rerr
			}
			// Failed and cancelled runs come back as results too: the error
			// with its kind and hints sits inside, next to the step record.
			return res, nil
		},
	}
}

// decodeInputs accepts skill inputs as a JSON object or its string encoding.
func decodeInputs(raw any) (models.Args, error) {
	switch v := raw.(type) {
	case nil:
		return models.Args{}, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return models.Args{}, nil
		}
		var out models.Args
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, models.NewToolError(models.KindParse, "inputs_json does not parse: %v", err)
		}
		return out, nil
	case map[string]any:
		return models.Args(v), nil
	case models.Args:
		return v, nil
	default:
		return nil, models.NewToolError(models.KindValidation,
			"inputs_json must be a JSON object or its string encoding, got %T", raw)
	}
}

func (s *Server) skillCancelTool() *registry.Tool {
	return &registry.Tool{
		Name:        "skill_cancel",
		Description: "Trip the cancellation token of a running skill execution.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"execution_id": map[string]any{
					"type":        "string",
					"description": "Execution to cancel.",
				},
			},
			"required": []string{"execution_id"},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			id := call.Args.String("execution_id")
			if id == "" {
				return nil, models.NewToolError(models.KindValidation, "execution_id is required")
			}
			if err := s.engine.Cancel(id); err != nil {
				return nil, err
			}
			return map[string]any{"execution_id": id, "cancelled": true}, nil
		},
	}
}

func (s *Server) skillListTool() *registry.Tool {
	return &registry.Tool{
		Name:        "skill_list",
		Description: "List loaded skills with their input specs, honoring the persona's allowlist.",
		Core:        true,
		Schema:      objectSchema(map[string]any{"type": "object", "properties": map[string]any{}}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			allow := s.personas.Allowlist(ctx)
			list := s.skills.ListAllowed(allow)
			summaries := make([]skills.Summary, 0, len(list))
			for _, sk := range list {
				summaries = append(summaries, sk.Summarize())
			}
			return map[string]any{"skills": summaries, "count": len(summaries)}, nil
		},
	}
}

func (s *Server) debugToolTool() *registry.Tool {
	return &registry.Tool{
		Name:        "debug_tool",
		Description: "Report a tool's registration, recent invocations, and remembered fixes for an error.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool_name": map[string]any{
					"type":        "string",
					"description": "Tool to inspect.",
				},
				"error_message": map[string]any{
					"type":        "string",
					"description": "Failure text to match against fix memory.",
				},
			},
			"required": []string{"tool_name"},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			name := call.Args.String("tool_name")
			if name == "" {
				return nil, models.NewToolError(models.KindValidation, "tool_name is required")
			}

			report := map[string]any{"registered": false}
			if tool, ok := s.reg.Get(name); ok {
				report["registered"] = true
				report["tool"] = map[string]any{
					"name":        tool.Name,
					"module":      tool.Module,
					"description": tool.Description,
					"core":        tool.Core,
				}
				if len(tool.Schema) > 0 {
					report["schema"] = json.RawMessage(tool.Schema)
				}
			}

			errMsg := call.Args.String("error_message")
			var fixes []heal.FixRecord
			if errMsg != "" {
				fixes = s.healer.Fixes.Lookup(ctx, name, errMsg)
			} else {
				all, err := s.healer.Fixes.Matching(ctx, name, "")
				if err != nil {
					return nil, err
				}
				fixes = all
			}
			hints := make([]models.FixHint, 0, len(fixes))
			for _, rec := range fixes {
				hints = append(hints, models.FixHint{
					Text:   fmt.Sprintf("known fix (confidence %.2f): %s", rec.Confidence, rec.FixText),
					Source: models.HintFromDebugTool,
				})
			}
			report["known_fixes"] = fixes
			report["hints"] = hints
			report["recent_calls"] = s.healer.Recorder.Recent(name, 5)
			return report, nil
		},
	}
}

func (s *Server) learnToolFixTool() *registry.Tool {
	return &registry.Tool{
		Name:        "learn_tool_fix",
		Description: "Record or reinforce a fix for a tool failure pattern.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool_name": map[string]any{
					"type":        "string",
					"description": "Tool the fix applies to.",
				},
				"error_pattern": map[string]any{
					"type":        "string",
					"description": "Regular expression matched against error text.",
				},
				"root_cause": map[string]any{
					"type":        "string",
					"description": "What actually went wrong.",
				},
				"fix_description": map[string]any{
					"type":        "string",
					"description": "How to resolve it.",
				},
			},
			"required": []string{"tool_name", "error_pattern"},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			rec, err := s.healer.Fixes.Learn(ctx, heal.FixRecord{
				ToolName:     call.Args.String("tool_name"),
				ErrorPattern: call.Args.String("error_pattern"),
				RootCause:    call.Args.String("root_cause"),
				FixText:      call.Args.String("fix_description"),
			})
			if err != nil {
				return nil, err
			}
			return rec, nil
		},
	}
}

func (s *Server) checkKnownIssuesTool() *registry.Tool {
	return &registry.Tool{
		Name:        "check_known_issues",
		Description: "Return remembered fixes, optionally filtered by tool and error text.",
		Core:        true,
		Schema: objectSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool_name": map[string]any{
					"type":        "string",
					"description": "Restrict to one tool.",
				},
				"error_text": map[string]any{
					"type":        "string",
					"description": "Restrict to fixes whose pattern matches this text.",
				},
			},
		}),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			fixes, err := s.healer.Fixes.Matching(ctx,
				call.Args.String("tool_name"), call.Args.String("error_text"))
			if err != nil {
				return nil, err
			}
			if fixes == nil {
				fixes = []heal.FixRecord{}
			}
			return map[string]any{"fixes": fixes, "count": len(fixes)}, nil
		},
	}
}

func (s *Server) memoryReadTool() *registry.Tool {
	return &registry.Tool{
		Name:        "memory_read",
		Description: "Read a memory document.",
		Core:        true,
		Schema:      memoryKeySchema(nil, "key"),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			rel, err := memoryPath(call.Args.String("key"))
			if err != nil {
				return nil, err
			}
			doc, err := s.st.Read(ctx, rel)
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": call.Args.String("key"), "value": doc}, nil
		},
	}
}

func (s *Server) memoryWriteTool() *registry.Tool {
	return &registry.Tool{
		Name:        "memory_write",
		Description: "Replace a memory document.",
		Core:        true,
		Schema: memoryKeySchema(map[string]any{
			"value": map[string]any{
				"description": "Document content.",
			},
		}, "key"),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			rel, err := memoryPath(call.Args.String("key"))
			if err != nil {
				return nil, err
			}
			value, ok := call.Args["value"]
			if !ok {
				return nil, models.NewToolError(models.KindValidation, "value is required")
			}
			if err := s.st.Write(ctx, rel, value); err != nil {
				return nil, err
			}
			return map[string]any{"key": call.Args.String("key"), "written": true}, nil
		},
	}
}

func (s *Server) memoryUpdateTool() *registry.Tool {
	return &registry.Tool{
		Name:        "memory_update",
		Description: "Set one value inside a memory document by dotted pointer.",
		Core:        true,
		Schema: memoryKeySchema(map[string]any{
			"pointer": map[string]any{
				"type":        "string",
				"description": "Dotted path inside the document, e.g. plan.steps.",
			},
			"value": map[string]any{
				"description": "Value to set at the pointer.",
			},
		}, "key", "pointer"),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			rel, err := memoryPath(call.Args.String("key"))
			if err != nil {
				return nil, err
			}
			pointer := call.Args.String("pointer")
			if pointer == "" {
				return nil, models.NewToolError(models.KindValidation, "pointer is required")
			}
			value, ok := call.Args["value"]
			if !ok {
				return nil, models.NewToolError(models.KindValidation, "value is required")
			}
			if err := s.st.Update(ctx, rel, pointer, value); err != nil {
				return nil, err
			}
			return map[string]any{"key": call.Args.String("key"), "pointer": pointer, "updated": true}, nil
		},
	}
}

func (s *Server) memoryAppendTool() *registry.Tool {
	return &registry.Tool{
		Name:        "memory_append",
		Description: "Append an item to a list inside a memory document.",
		Core:        true,
		Schema: memoryKeySchema(map[string]any{
			"pointer": map[string]any{
				"type":        "string",
				"description": "Dotted path of the list inside the document.",
			},
			"item": map[string]any{
				"description": "Item to append.",
			},
		}, "key", "pointer"),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			rel, err := memoryPath(call.Args.String("key"))
			if err != nil {
				return nil, err
			}
			pointer := call.Args.String("pointer")
			if pointer == "" {
				return nil, models.NewToolError(models.KindValidation, "pointer is required")
			}
			item, ok := call.Args["item"]
			if !ok {
				return nil, models.NewToolError(models.KindValidation, "item is required")
			}
			if err := s.st.Append(ctx, rel, pointer, item); err != nil {
				return nil, err
			}
			return map[string]any{"key": call.Args.String("key"), "pointer": pointer, "appended": true}, nil
		},
	}
}

func (s *Server) memoryQueryTool() *registry.Tool {
	return &registry.Tool{
		Name:        "memory_query",
		Description: "Run a jq expression against a memory document.",
		Core:        true,
		Schema: memoryKeySchema(map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "jq expression, e.g. .items[] | select(.open).",
			},
		}, "key", "query"),
		Handler: func(ctx context.Context, call registry.Call) (any, error) {
			rel, err := memoryPath(call.Args.String("key"))
			if err != nil {
				return nil, err
			}
			query := call.Args.String("query")
			if query == "" {
				return nil, models.NewToolError(models.KindValidation, "query is required")
			}
			results, err := s.st.Query(ctx, rel, query)
			if err != nil {
				return nil, err
			}
			if results == nil {
				results = []any{}
			}
			return map[string]any{"results": results, "count": len(results)}, nil
		},
	}
}

// memoryKeySchema builds the schema shared by the memory tools: a key plus
// optional extra properties.
func memoryKeySchema(extra map[string]any, required ...string) []byte {
	props := map[string]any{
		"key": map[string]any{
			"type":        "string",
			"description": "Document key, relative to the memory root, e.g. state/current_work.",
		},
	}
	for name, prop := range extra {
		props[name] = prop
	}
	return objectSchema(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
}

// memoryPath maps a memory key to its store-relative document path. Bare
// keys land under memory/ and default to YAML; keys already rooted there
// pass through unchanged.
func memoryPath(key string) (string, error) {
	if key == "" {
		return "", models.NewToolError(models.KindValidation, "key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", models.NewToolError(models.KindValidation,
			"key %q must be a relative path without traversal", key)
	}
	rel := key
	if !strings.HasPrefix(rel, "memory/") {
		rel = "memory/" + rel
	}
	if path.Ext(rel) == "" {
		rel += ".yaml"
	}
	return rel, nil
}
