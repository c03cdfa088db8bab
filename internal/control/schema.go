package control

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// commandSchemas holds one compiled JSON Schema per command that takes
// params, grounded on the teacher's MapSnapshot schema validation
// (backend/orchestrator/internal/api/seg_maps_http.go's
// gojsonschema.NewSchema + Validate(NewBytesLoader(...)) shape), inlined
// here as string loaders rather than loaded from a schema file since
// there is no bundled schemas/ directory for this daemon.
var commandSchemas = map[string]*gojsonschema.Schema{}

func init() {
	defs := map[string]string{
		"set_config": `{
			"type": "object",
			"required": ["key", "value"],
			"properties": {
				"key":   {"type": "string"},
				"value": {"type": "string"}
			},
			"additionalProperties": false
		}`,
		"list_events": `{
			"type": "object",
			"properties": {
				"max": {"type": "integer", "minimum": 1, "maximum": 10000}
			},
			"additionalProperties": false
		}`,
	}

	for command, def := range defs {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def))
		if err != nil {
			panic(fmt.Sprintf("control: invalid built-in schema for %q: %v", command, err))
		}
		commandSchemas[command] = schema
	}
}

// validateParams tightens spec.md §9's Open Question: every command's
// params, when present, must be a JSON object, and a command with a
// registered schema must additionally satisfy it. A command with no
// registered schema and no declared params (status, reload_rules,
// shutdown, list_rules, validate_rules) accepts absent params or any JSON
// object; the object's fields are not checked.
func validateParams(command string, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}

	doc := gojsonschema.NewBytesLoader(raw)
	objResult, err := gojsonschema.Validate(gojsonschema.NewStringLoader(`{"type":"object"}`), doc)
	if err != nil {
		return fmt.Errorf("validate params shape: %w", err)
	}
	if !objResult.Valid() {
		return fmt.Errorf("params must be a JSON object")
	}

	schema, ok := commandSchemas[command]
	if !ok {
		return nil
	}

	result, err := schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("validate params: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%v", msgs)
	}
	return nil
}
