// Package registry provides read access to workflow definitions and agent
// personas stored in the embedded database. Definitions are loaded per
// call; the store is the sole source of truth between requests.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	stderrors "errors"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/store"
)

// Phase is a design-time declaration of one unit of work within a workflow
type Phase struct {
	PhaseName     string   `json:"phase_name"`
	AgentName     string   `json:"agent_name"`
	Description   string   `json:"description,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	AllowParallel bool     `json:"allow_parallel,omitempty"`
}

// WorkflowDefinition is a named, ordered set of phases
type WorkflowDefinition struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Phases      []Phase  `json:"phases"`
	Complexity  string   `json:"complexity,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Triggers    []string `json:"triggers,omitempty"`
}

// AgentPersona is the markdown persona a caller assumes during a step
type AgentPersona struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
}

// Registry reads workflow definitions and agent personas
type Registry struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a registry backed by the given store
func New(st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: logger.With("component", "registry"),
	}
}

type workflowRow struct {
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Phases      string         `db:"phases"`
	Complexity  sql.NullString `db:"complexity"`
	Tags        sql.NullString `db:"tags"`
	Triggers    sql.NullString `db:"triggers"`
}

// GetWorkflow loads a workflow by name, validates that it has phases, and
// rejects definitions whose dependency graph contains a cycle or refers to
// an unknown phase.
func (r *Registry) GetWorkflow(ctx context.Context, name string) (*WorkflowDefinition, error) {
	var row workflowRow
	err := r.store.Get(ctx, &row,
		"SELECT name, description, phases, complexity, tags, triggers FROM workflows WHERE name = ?", name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeWorkflowNotFound, "registry", "workflow %q is not registered", name)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "registry", "failed to load workflow "+name, err)
	}

	def := &WorkflowDefinition{
		Name:        row.Name,
		Description: row.Description,
		Complexity:  row.Complexity.String,
	}
	if err := json.Unmarshal([]byte(row.Phases), &def.Phases); err != nil {
		return nil, errors.New(errors.CodeInternalError, "registry", "workflow "+name+" has a malformed phase list", err)
	}
	if row.Tags.Valid && row.Tags.String != "" {
		json.Unmarshal([]byte(row.Tags.String), &def.Tags)
	}
	if row.Triggers.Valid && row.Triggers.String != "" {
		json.Unmarshal([]byte(row.Triggers.String), &def.Triggers)
	}

	if len(def.Phases) == 0 {
		return nil, errors.Newf(errors.CodeNoPhases, "registry", "workflow %q declares no phases", name)
	}
	if err := validateDependencies(def); err != nil {
		return nil, err
	}
	return def, nil
}

// ListWorkflows returns all definitions, optionally filtered by complexity
// or a trigger keyword.
func (r *Registry) ListWorkflows(ctx context.Context, complexity, trigger string) ([]WorkflowDefinition, error) {
	var rows []workflowRow
	if err := r.store.Select(ctx, &rows,
		"SELECT name, description, phases, complexity, tags, triggers FROM workflows ORDER BY name"); err != nil {
		return nil, errors.New(errors.CodeStoreError, "registry", "failed to list workflows", err)
	}

	defs := make([]WorkflowDefinition, 0, len(rows))
	for _, row := range rows {
		def := WorkflowDefinition{
			Name:        row.Name,
			Description: row.Description,
			Complexity:  row.Complexity.String,
		}
		if err := json.Unmarshal([]byte(row.Phases), &def.Phases); err != nil {
			r.logger.Warn("skipping workflow with malformed phases", "workflow", row.Name, "error", err)
			continue
		}
		if row.Tags.Valid && row.Tags.String != "" {
			json.Unmarshal([]byte(row.Tags.String), &def.Tags)
		}
		if row.Triggers.Valid && row.Triggers.String != "" {
			json.Unmarshal([]byte(row.Triggers.String), &def.Triggers)
		}

		if complexity != "" && def.Complexity != complexity {
			continue
		}
		if trigger != "" && !containsFold(def.Triggers, trigger) {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// GetAgent loads an agent persona by name
func (r *Registry) GetAgent(ctx context.Context, name string) (*AgentPersona, error) {
	var agent AgentPersona
	err := r.store.Get(ctx, &agent,
		"SELECT name, description, content FROM agents WHERE name = ?", name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeAgentNotFound, "registry", "agent %q is not registered", name)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "registry", "failed to load agent "+name, err)
	}
	return &agent, nil
}

// SaveWorkflow upserts a workflow definition. This is the minimal write
// path used by the content sync and by test fixtures.
func (r *Registry) SaveWorkflow(ctx context.Context, def WorkflowDefinition) error {
	phases, err := json.Marshal(def.Phases)
	if err != nil {
		return errors.New(errors.CodeInternalError, "registry", "failed to encode phases", err)
	}
	tags, _ := json.Marshal(def.Tags)
	triggers, _ := json.Marshal(def.Triggers)

	return r.store.Exec(ctx, `
		INSERT INTO workflows (name, description, phases, complexity, tags, triggers, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			phases = excluded.phases,
			complexity = excluded.complexity,
			tags = excluded.tags,
			triggers = excluded.triggers,
			updated_at = excluded.updated_at`,
		def.Name, def.Description, string(phases), def.Complexity,
		string(tags), string(triggers), time.Now().UTC())
}

// SaveAgent upserts an agent persona
func (r *Registry) SaveAgent(ctx context.Context, agent AgentPersona) error {
	return r.store.Exec(ctx, `
		INSERT INTO agents (name, description, content, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		agent.Name, agent.Description, agent.Content, time.Now().UTC())
}

// validateDependencies runs Kahn's algorithm over the phase graph and
// rejects cycles and references to undeclared phases.
func validateDependencies(def *WorkflowDefinition) error {
	inDegree := make(map[string]int, len(def.Phases))
	dependents := make(map[string][]string)
	for _, phase := range def.Phases {
		if _, ok := inDegree[phase.PhaseName]; !ok {
			inDegree[phase.PhaseName] = 0
		}
	}
	for _, phase := range def.Phases {
		for _, dep := range phase.DependsOn {
			if _, ok := inDegree[dep]; !ok {
				return errors.Newf(errors.CodeCyclicDependencies, "registry",
					"workflow %q: phase %q depends on undeclared phase %q", def.Name, phase.PhaseName, dep)
			}
			dependents[dep] = append(dependents[dep], phase.PhaseName)
			inDegree[phase.PhaseName]++
		}
	}

	queue := make([]string, 0, len(inDegree))
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed != len(inDegree) {
		return errors.Newf(errors.CodeCyclicDependencies, "registry",
			"workflow %q has a dependency cycle", def.Name)
	}
	return nil
}

// StartingPhase returns the first declared phase with no dependencies
func (def *WorkflowDefinition) StartingPhase() (*Phase, error) {
	for i := range def.Phases {
		if len(def.Phases[i].DependsOn) == 0 {
			return &def.Phases[i], nil
		}
	}
	return nil, errors.Newf(errors.CodeNoStartingPhase, "registry",
		"workflow %q has no phase without dependencies", def.Name)
}

// PhaseByName returns the named phase, or nil
func (def *WorkflowDefinition) PhaseByName(name string) *Phase {
	for i := range def.Phases {
		if def.Phases[i].PhaseName == name {
			return &def.Phases[i]
		}
	}
	return nil
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
