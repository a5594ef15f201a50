package execlog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentwire/loom/pkg/domain/errors"
)

// Direction distinguishes a layer's input schema from its output schema
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// ContractTable holds compiled JSON schemas keyed by (layer, direction).
// When a table is loaded, contract payloads on log entries are validated
// before insertion.
type ContractTable struct {
	schemas map[Layer]map[Direction]*jsonschema.Schema
}

// LoadContracts compiles the given schema documents. Keys missing from
// the table are simply not validated.
func LoadContracts(raw map[Layer]map[Direction]json.RawMessage) (*ContractTable, error) {
	table := &ContractTable{schemas: make(map[Layer]map[Direction]*jsonschema.Schema)}
	compiler := jsonschema.NewCompiler()

	for layer, directions := range raw {
		for direction, schemaJSON := range directions {
			uri := fmt.Sprintf("loom://contracts/%s/%s.json", layer, direction)
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
			if err != nil {
				return nil, errors.New(errors.CodeConfigurationInvalid, "execlog",
					fmt.Sprintf("contract schema (%s, %s) is not valid JSON", layer, direction), err)
			}
			if err := compiler.AddResource(uri, doc); err != nil {
				return nil, errors.New(errors.CodeConfigurationInvalid, "execlog",
					fmt.Sprintf("contract schema (%s, %s) could not be registered", layer, direction), err)
			}
			compiled, err := compiler.Compile(uri)
			if err != nil {
				return nil, errors.New(errors.CodeConfigurationInvalid, "execlog",
					fmt.Sprintf("contract schema (%s, %s) failed to compile", layer, direction), err)
			}
			if table.schemas[layer] == nil {
				table.schemas[layer] = make(map[Direction]*jsonschema.Schema)
			}
			table.schemas[layer][direction] = compiled
		}
	}
	return table, nil
}

// Validate checks payload against the schema for (layer, direction). A nil
// payload or an absent schema passes; a schema mismatch fails with
// ContractValidationError.
func (t *ContractTable) Validate(layer Layer, direction Direction, payload json.RawMessage) error {
	if t == nil || len(payload) == 0 {
		return nil
	}
	directions, ok := t.schemas[layer]
	if !ok {
		return nil
	}
	schema, ok := directions[direction]
	if !ok {
		return nil
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return errors.New(errors.CodeContractValidation, "execlog",
			fmt.Sprintf("contract %s payload for layer %s is not valid JSON", direction, layer), err)
	}
	if err := schema.Validate(instance); err != nil {
		return errors.New(errors.CodeContractValidation, "execlog",
			fmt.Sprintf("contract %s payload for layer %s violates its schema", direction, layer), err)
	}
	return nil
}
