package agent

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

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

// validateInput checks input against the tool's schema plus its semantic
// validator when present. Returns the list of violations; empty means
// valid.
func validateInput(tool Tool, input json.RawMessage) []string {
	var violations []string

	if schema := tool.Schema(); len(schema) > 0 {
		compiled, err := compileSchema(schema)
		if err != nil {
			violations = append(violations, "tool schema does not compile: "+err.Error())
		} else {
			var decoded any
			if err := json.Unmarshal(input, &decoded); err != nil {
				violations = append(violations, "input is not valid JSON: "+err.Error())
			} else if err := compiled.Validate(decoded); err != nil {
				violations = append(violations, err.Error())
			}
		}
	}

	if len(violations) == 0 {
		if v, ok := tool.(Validator); ok {
			violations = append(violations, v.ValidateInput(input)...)
		}
	}
	return violations
}
