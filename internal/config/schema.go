package config

import (
	"encoding/json"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://github.com/haasonsaas/stepengine/config.schema.json"

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of the configuration file, as printed
// by `stepengine config schema`.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			Mapper:                     mapType,
		}
		schema := r.Reflect(&Config{})
		schema.ID = schemaID
		schema.Title = "stepengine configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// durationPattern matches the strings time.ParseDuration accepts.
const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// mapType describes durations the way they are written in YAML ("250ms")
// instead of as nanosecond integers.
func mapType(t reflect.Type) *jsonschema.Schema {
	if t == reflect.TypeOf(time.Duration(0)) {
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     durationPattern,
			Description: "Duration such as 250ms or 10s",
		}
	}
	return nil
}

// JSONSchemaExtend bounds the version field to the formats this build reads.
func (Config) JSONSchemaExtend(s *jsonschema.Schema) {
	if prop, ok := s.Properties.Get("version"); ok {
		prop.Minimum = json.Number("0")
		prop.Maximum = json.Number(strconv.Itoa(CurrentVersion))
		prop.Description = "Configuration format version; omitted means current"
	}
}

// JSONSchemaExtend requires a DSN for the SQL drivers, mirroring Validate.
func (LedgerConfig) JSONSchemaExtend(s *jsonschema.Schema) {
	driver := jsonschema.NewProperties()
	driver.Set("driver", &jsonschema.Schema{Enum: []any{"postgres", "sqlite"}})
	s.If = &jsonschema.Schema{Properties: driver, Required: []string{"driver"}}
	s.Then = &jsonschema.Schema{Required: []string{"dsn"}}
}
