package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema for config.yaml, reflected from the
// Config struct's yaml field tags with the root object inlined so editors can
// validate the document directly. `squire config schema` prints it. The
// schema rejects unknown keys, matching the loader's strict decode.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			ExpandedStruct: true,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "Squire configuration"
		schema.Description = "Schema for config.yaml in the Squire config root. Every key is optional; omitted keys take built-in defaults."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
