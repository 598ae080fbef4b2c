package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://github.com/haasonsaas/huddle/schema/config.json"

// durationPattern matches what time.ParseDuration accepts, e.g. 500ms or 1m30s.
const durationPattern = `^(0|([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$`

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of the huddle config file, keyed by
// the yaml field names. Durations are strings and $include is allowed at
// the top level.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		schemaJSON, schemaErr = json.MarshalIndent(reflectSchema(), "", "  ")
	})
	return schemaJSON, schemaErr
}

func reflectSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:   "yaml",
		ExpandedStruct: true,
		Mapper:         mapSchemaType,
	}
	schema := r.Reflect(&Config{})
	schema.ID = schemaID
	schema.Title = "huddle configuration"
	schema.Properties.Set(includeKey, &jsonschema.Schema{
		Description: "Config files merged underneath this one.",
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	})
	return schema
}

var durationType = reflect.TypeOf(time.Duration(0))

func mapSchemaType(t reflect.Type) *jsonschema.Schema {
	if t == durationType {
		return &jsonschema.Schema{Type: "string", Pattern: durationPattern}
	}
	return nil
}
