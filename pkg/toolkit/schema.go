package toolkit

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a JSON Schema from a parameter struct's json tags. The
// schema is inlined (no $ref section) so MCP clients get a self-contained
// document.
func SchemaFor(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	schema := r.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return raw, nil
}

// MustSchemaFor is SchemaFor for package-level tool declarations; it panics
// on reflection failure, which only a malformed parameter struct can cause.
func MustSchemaFor(v any) json.RawMessage {
	raw, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return raw
}
