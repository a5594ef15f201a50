package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/store"
)

// executionTransitions is the only permissible execution-state graph.
// Terminal states have no entry. idle can only start running; paused and
// timeout can come back to running; escalated can resolve any direction.
var executionTransitions = map[ExecutionState][]ExecutionState{
	StateIdle:      {StateRunning},
	StateRunning:   {StateCompleted, StateFailed, StatePaused, StateAbandoned, StateDiverged, StateTimeout, StateEscalated},
	StatePaused:    {StateRunning, StateAbandoned},
	StateTimeout:   {StateRunning, StateFailed},
	StateEscalated: {StateRunning, StateCompleted, StateFailed},
}

// stepTransitions is the only permissible step-status graph
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepRunning, StepSkipped},
	StepRunning: {StepCompleted, StepFailed},
}

func executionTransitionAllowed(from, to ExecutionState) bool {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func stepTransitionAllowed(from, to StepStatus) bool {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateMachine enforces execution and step transitions against the store.
// Callers are responsible for wrapping transitions in a store transaction
// so the execution row and its step rows move together.
type StateMachine struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStateMachine creates a state machine bound to the store
func NewStateMachine(st *store.Store, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		store:  st,
		logger: logger.With("component", "state_machine"),
		now:    time.Now,
	}
}

// WithClock overrides the machine clock, for tests
func (m *StateMachine) WithClock(now func() time.Time) *StateMachine {
	m.now = now
	return m
}

// LoadExecution reads one execution row
func (m *StateMachine) LoadExecution(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	err := m.store.Get(ctx, &exec, "SELECT * FROM executions WHERE execution_id = ?", executionID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeExecutionNotFound, "state_machine", "execution %q does not exist", executionID)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "state_machine", "failed to load execution "+executionID, err)
	}
	return &exec, nil
}

// LoadStep reads one step row by (execution, step name)
func (m *StateMachine) LoadStep(ctx context.Context, executionID, stepName string) (*Step, error) {
	var step Step
	err := m.store.Get(ctx, &step,
		"SELECT * FROM steps WHERE execution_id = ? AND step_name = ?", executionID, stepName)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeNotFound, "state_machine",
			"step %q of execution %q does not exist", stepName, executionID)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "state_machine", "failed to load step "+stepName, err)
	}
	return &step, nil
}

// TransitionExecution moves an execution to target after validating the
// in-store current state. Terminal targets stamp completed_at, compute
// duration_ms, and null current_step_name; the first move to running
// stamps started_at.
func (m *StateMachine) TransitionExecution(ctx context.Context, executionID string, target ExecutionState, reason string) (*Execution, error) {
	exec, err := m.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if !executionTransitionAllowed(exec.State, target) {
		return nil, errors.Newf(errors.CodeInvalidTransition, "state_machine",
			"execution %q cannot move %s -> %s", executionID, exec.State, target)
	}

	now := m.now().UTC()
	exec.UpdatedAt = now

	if target == StateRunning && !exec.StartedAt.Valid {
		exec.StartedAt = sql.NullTime{Time: now, Valid: true}
	}
	if target.IsTerminal() {
		exec.CompletedAt = sql.NullTime{Time: now, Valid: true}
		duration := int64(0)
		if exec.StartedAt.Valid {
			duration = now.Sub(exec.StartedAt.Time).Milliseconds()
			if duration < 0 {
				duration = 0
			}
		}
		exec.DurationMS = sql.NullInt64{Int64: duration, Valid: true}
		exec.CurrentStepName = sql.NullString{}
	}

	prev := exec.State
	exec.State = target

	if err := m.store.Exec(ctx, `
		UPDATE executions
		SET state = ?, current_step_name = ?, started_at = ?, updated_at = ?, completed_at = ?, duration_ms = ?
		WHERE execution_id = ?`,
		exec.State, exec.CurrentStepName, exec.StartedAt, exec.UpdatedAt,
		exec.CompletedAt, exec.DurationMS, executionID); err != nil {
		return nil, errors.New(errors.CodeStoreError, "state_machine", "failed to persist execution transition", err)
	}

	m.logger.Info("execution transitioned",
		"execution_id", executionID, "from", prev, "to", target, "reason", reason)
	return exec, nil
}

// ClearCurrentStep nulls the execution's current step pointer
func (m *StateMachine) ClearCurrentStep(ctx context.Context, executionID string) error {
	if err := m.store.Exec(ctx,
		"UPDATE executions SET current_step_name = NULL, updated_at = ? WHERE execution_id = ?",
		m.now().UTC(), executionID); err != nil {
		return errors.New(errors.CodeStoreError, "state_machine", "failed to clear current step", err)
	}
	return nil
}

// SetCurrentStep updates the execution's current step pointer
func (m *StateMachine) SetCurrentStep(ctx context.Context, executionID, stepName string) error {
	if err := m.store.Exec(ctx,
		"UPDATE executions SET current_step_name = ?, updated_at = ? WHERE execution_id = ?",
		stepName, m.now().UTC(), executionID); err != nil {
		return errors.New(errors.CodeStoreError, "state_machine", "failed to update current step", err)
	}
	return nil
}

// TransitionStep moves a step to target. Moving to running verifies every
// depends_on step is completed; moving to a terminal status stamps
// completed_at, computes duration_ms, clears the token, and records output.
func (m *StateMachine) TransitionStep(ctx context.Context, executionID, stepName string, target StepStatus, output *StepOutput) (*Step, error) {
	step, err := m.LoadStep(ctx, executionID, stepName)
	if err != nil {
		return nil, err
	}

	if !stepTransitionAllowed(step.Status, target) {
		return nil, errors.Newf(errors.CodeInvalidTransition, "state_machine",
			"step %q cannot move %s -> %s", stepName, step.Status, target)
	}

	if target == StepRunning {
		if err := m.requireDependenciesCompleted(ctx, step); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	if target == StepRunning {
		step.StartedAt = sql.NullTime{Time: now, Valid: true}
	}
	if target.IsTerminal() {
		step.CompletedAt = sql.NullTime{Time: now, Valid: true}
		duration := int64(0)
		if step.StartedAt.Valid {
			duration = now.Sub(step.StartedAt.Time).Milliseconds()
			if duration < 0 {
				duration = 0
			}
		}
		step.DurationMS = sql.NullInt64{Int64: duration, Valid: true}
		step.Token = sql.NullString{}
		if output != nil {
			encoded, err := json.Marshal(output)
			if err != nil {
				return nil, errors.New(errors.CodeInternalError, "state_machine", "failed to encode step output", err)
			}
			step.Output = sql.NullString{String: string(encoded), Valid: true}
		}
	}
	step.Status = target

	if err := m.store.Exec(ctx, `
		UPDATE steps
		SET status = ?, started_at = ?, completed_at = ?, duration_ms = ?, output = ?, token = ?
		WHERE execution_id = ? AND step_name = ?`,
		step.Status, step.StartedAt, step.CompletedAt, step.DurationMS,
		step.Output, step.Token, executionID, stepName); err != nil {
		return nil, errors.New(errors.CodeStoreError, "state_machine", "failed to persist step transition", err)
	}

	return step, nil
}

// requireDependenciesCompleted fails with DependenciesNotMet unless every
// declared dependency of step is completed.
func (m *StateMachine) requireDependenciesCompleted(ctx context.Context, step *Step) error {
	deps := step.Dependencies()
	if len(deps) == 0 {
		return nil
	}
	completed, err := m.completedStepNames(ctx, step.ExecutionID)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if !completed[dep] {
			return errors.Newf(errors.CodeDependenciesNotMet, "state_machine",
				"step %q requires %q to be completed first", step.StepName, dep)
		}
	}
	return nil
}

func (m *StateMachine) completedStepNames(ctx context.Context, executionID string) (map[string]bool, error) {
	var names []string
	if err := m.store.Select(ctx, &names,
		"SELECT step_name FROM steps WHERE execution_id = ? AND status = 'completed'", executionID); err != nil {
		return nil, errors.New(errors.CodeStoreError, "state_machine", "failed to list completed steps", err)
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set, nil
}
