package execlog

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed contracts/*.json
var contractFS embed.FS

// DefaultContracts loads the built-in contract schemas for the step and
// agent_task layers. Orchestrator and workflow layers carry free-form
// payloads and are not validated.
func DefaultContracts() (*ContractTable, error) {
	raw := make(map[Layer]map[Direction]json.RawMessage)
	for _, entry := range []struct {
		layer     Layer
		direction Direction
		file      string
	}{
		{LayerStep, DirectionInput, "contracts/step_input.json"},
		{LayerStep, DirectionOutput, "contracts/step_output.json"},
		{LayerAgentTask, DirectionInput, "contracts/agent_task_input.json"},
		{LayerAgentTask, DirectionOutput, "contracts/agent_task_output.json"},
	} {
		data, err := contractFS.ReadFile(entry.file)
		if err != nil {
			return nil, fmt.Errorf("embedded contract %s: %w", entry.file, err)
		}
		if raw[entry.layer] == nil {
			raw[entry.layer] = make(map[Direction]json.RawMessage)
		}
		raw[entry.layer][entry.direction] = data
	}
	return LoadContracts(raw)
}
