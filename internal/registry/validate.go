package registry

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/squirehq/squire/pkg/models"
)

var schemaCache sync.Map

// compileSchema compiles and caches a JSON schema by its source text. An
// empty schema means the tool accepts any arguments.
func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.params.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateArgs checks args against a compiled parameter schema. Nil args
// validate as an empty object so tools with no required parameters can be
// called bare.
func validateArgs(schema *jsonschema.Schema, args models.Args) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return models.NewToolError(models.KindValidation, "encode arguments: %v", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return models.NewToolError(models.KindValidation, "decode arguments: %v", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	if err := schema.Validate(decoded); err != nil {
		return models.NewToolError(models.KindValidation, "invalid arguments: %v", err)
	}
	return nil
}
