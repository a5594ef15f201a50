package registry

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background(), store.MigrateOptions{Timeout: time.Minute}))

	return New(st, logger)
}

func TestGetWorkflowRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	def := WorkflowDefinition{
		Name:        "code-review",
		Description: "Structured review of a change",
		Phases: []Phase{
			{PhaseName: "analyze", AgentName: "analyzer"},
			{PhaseName: "review", AgentName: "reviewer", DependsOn: []string{"analyze"}},
		},
		Complexity: "medium",
		Tags:       []string{"quality"},
		Triggers:   []string{"review", "pr"},
	}
	require.NoError(t, reg.SaveWorkflow(ctx, def))

	loaded, err := reg.GetWorkflow(ctx, "code-review")
	require.NoError(t, err)
	assert.Equal(t, def.Name, loaded.Name)
	assert.Equal(t, def.Phases, loaded.Phases)
	assert.Equal(t, def.Complexity, loaded.Complexity)
	assert.Equal(t, def.Triggers, loaded.Triggers)
}

func TestGetWorkflowNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.GetWorkflow(context.Background(), "missing")
	assert.True(t, errors.HasCode(err, errors.CodeWorkflowNotFound), "got %v", err)
}

func TestGetWorkflowRejectsEmptyPhaseList(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SaveWorkflow(ctx, WorkflowDefinition{Name: "hollow", Phases: []Phase{}}))

	_, err := reg.GetWorkflow(ctx, "hollow")
	assert.True(t, errors.HasCode(err, errors.CodeNoPhases), "got %v", err)
}

func TestGetWorkflowRejectsCycle(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SaveWorkflow(ctx, WorkflowDefinition{
		Name: "looped",
		Phases: []Phase{
			{PhaseName: "a", AgentName: "agent", DependsOn: []string{"b"}},
			{PhaseName: "b", AgentName: "agent", DependsOn: []string{"a"}},
		},
	}))

	_, err := reg.GetWorkflow(ctx, "looped")
	assert.True(t, errors.HasCode(err, errors.CodeCyclicDependencies), "got %v", err)
}

func TestGetWorkflowRejectsUndeclaredDependency(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SaveWorkflow(ctx, WorkflowDefinition{
		Name: "dangling",
		Phases: []Phase{
			{PhaseName: "a", AgentName: "agent", DependsOn: []string{"ghost"}},
		},
	}))

	_, err := reg.GetWorkflow(ctx, "dangling")
	assert.True(t, errors.HasCode(err, errors.CodeCyclicDependencies), "got %v", err)
}

func TestListWorkflowsFilters(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SaveWorkflow(ctx, WorkflowDefinition{
		Name:       "simple-fix",
		Phases:     []Phase{{PhaseName: "fix", AgentName: "fixer"}},
		Complexity: "low",
		Triggers:   []string{"bugfix"},
	}))
	require.NoError(t, reg.SaveWorkflow(ctx, WorkflowDefinition{
		Name:       "deep-audit",
		Phases:     []Phase{{PhaseName: "audit", AgentName: "auditor"}},
		Complexity: "high",
		Triggers:   []string{"security", "audit"},
	}))

	all, err := reg.ListWorkflows(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	low, err := reg.ListWorkflows(ctx, "low", "")
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "simple-fix", low[0].Name)

	// Trigger matching is case-insensitive
	audits, err := reg.ListWorkflows(ctx, "", "SECURITY")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "deep-audit", audits[0].Name)
}

func TestGetAgent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SaveAgent(ctx, AgentPersona{
		Name:    "analyzer",
		Content: "# Analyzer\nYou examine repositories.",
	}))

	agent, err := reg.GetAgent(ctx, "analyzer")
	require.NoError(t, err)
	assert.Contains(t, agent.Content, "examine repositories")

	_, err = reg.GetAgent(ctx, "phantom")
	assert.True(t, errors.HasCode(err, errors.CodeAgentNotFound), "got %v", err)
}

func TestStartingPhase(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "ordered",
		Phases: []Phase{
			{PhaseName: "late", AgentName: "agent", DependsOn: []string{"early"}},
			{PhaseName: "early", AgentName: "agent"},
			{PhaseName: "also-free", AgentName: "agent"},
		},
	}

	// First declared phase without dependencies wins
	starting, err := def.StartingPhase()
	require.NoError(t, err)
	assert.Equal(t, "early", starting.PhaseName)
}

func TestStartingPhaseNoneAvailable(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "gridlock",
		Phases: []Phase{
			{PhaseName: "a", AgentName: "agent", DependsOn: []string{"b"}},
			{PhaseName: "b", AgentName: "agent", DependsOn: []string{"a"}},
		},
	}

	_, err := def.StartingPhase()
	assert.True(t, errors.HasCode(err, errors.CodeNoStartingPhase), "got %v", err)
}

func TestSaveWorkflowUpserts(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SaveWorkflow(ctx, WorkflowDefinition{
		Name:   "evolving",
		Phases: []Phase{{PhaseName: "v1", AgentName: "agent"}},
	}))
	require.NoError(t, reg.SaveWorkflow(ctx, WorkflowDefinition{
		Name:   "evolving",
		Phases: []Phase{{PhaseName: "v2", AgentName: "agent"}},
	}))

	loaded, err := reg.GetWorkflow(ctx, "evolving")
	require.NoError(t, err)
	require.Len(t, loaded.Phases, 1)
	assert.Equal(t, "v2", loaded.Phases[0].PhaseName)
}
