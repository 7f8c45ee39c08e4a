package server

import (
	"context"

	"github.com/squirehq/squire/internal/heal"
	"github.com/squirehq/squire/internal/persona"
	"github.com/squirehq/squire/internal/registry"
	"github.com/squirehq/squire/internal/tools/timeutil"
	"github.com/squirehq/squire/pkg/toolkit"
)

// FromToolkit adapts an SDK tool module to the registry's shape. Handlers
// receive the call's routing fields through toolkit.Meta.
func FromToolkit(m toolkit.Module) (registry.Module, error) {
	if err := m.Validate(); err != nil {
		return registry.Module{}, err
	}
	out := registry.Module{Name: m.Name, Tools: make([]*registry.Tool, 0, len(m.Tools))}
	for _, tool := range m.Tools {
		handler := tool.Handler
		out.Tools = append(out.Tools, &registry.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      []byte(tool.Schema),
			Module:      m.Name,
			Handler: func(ctx context.Context, call registry.Call) (any, error) {
				return handler(ctx, call.Args, toolkit.Meta{
					Workspace: call.Workspace,
					Session:   call.Session,
					Execution: call.Execution,
					StepID:    call.StepID,
				})
			},
		})
	}
	return out, nil
}

// diagnosticsModule exposes heal_stats. It is not part of the protected core:
// personas opt in by declaring the diagnostics module.
func diagnosticsModule(healer *heal.Healer) registry.Module {
	return registry.Module{
		Name: "diagnostics",
		Tools: []*registry.Tool{
			{
				Name:        "heal_stats",
				Description: "Aggregate counters over fix memory, usage patterns, and prevented calls.",
				Schema:      objectSchema(map[string]any{"type": "object", "properties": map[string]any{}}),
				Handler: func(ctx context.Context, call registry.Call) (any, error) {
					return healer.Stats(ctx)
				},
			},
		},
	}
}

// BuiltinCatalog assembles the modules shipped with the server. Personas
// reference them by name; the CLI mounts them at startup via --tools/--all.
func BuiltinCatalog(healer *heal.Healer) (persona.StaticCatalog, error) {
	tk, err := FromToolkit(timeutil.Module())
	if err != nil {
		return nil, err
	}
	return persona.StaticCatalog{
		timeutil.ModuleName: tk,
		"diagnostics":       diagnosticsModule(healer),
	}, nil
}
