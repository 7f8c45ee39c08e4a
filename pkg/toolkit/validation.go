package toolkit

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/squirehq/squire/pkg/models"
)

// ValidateArgs checks arguments against a raw JSON Schema. A nil schema
// accepts anything. Violations surface as validation ToolErrors so handlers
// can return them unchanged.
func ValidateArgs(schema json.RawMessage, args models.Args) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return models.NewToolError(models.KindInternal, "invalid tool schema: %v", err)
	}

	// Round-trip so the validator sees plain JSON values.
	raw, err := json.Marshal(args)
	if err != nil {
		return models.NewToolError(models.KindValidation, "encode arguments: %v", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return models.NewToolError(models.KindValidation, "decode arguments: %v", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return models.NewToolError(models.KindValidation, "invalid arguments: %v", err)
	}
	return nil
}

var schemaCache sync.Map

// compileSchema compiles and caches a schema by its source text.
func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
