package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/execlog"
	"github.com/agentwire/loom/pkg/registry"
	"github.com/agentwire/loom/pkg/telemetry"
)

// Start begins a new execution of the named workflow. The starting phase
// is the first declared phase without dependencies; its agent persona is
// resolved before any row is written so a missing agent never leaves an
// orphaned execution behind.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*StepHandoff, error) {
	def, err := e.registry.GetWorkflow(ctx, req.WorkflowName)
	if err != nil {
		return nil, err
	}
	starting, err := def.StartingPhase()
	if err != nil {
		return nil, err
	}
	agent, err := e.registry.GetAgent(ctx, starting.AgentName)
	if err != nil {
		return nil, err
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	tok, err := e.tokens.Issue(executionID, starting.PhaseName)
	if err != nil {
		return nil, err
	}

	err = e.store.WithTx(ctx, func(txCtx context.Context, _ *sqlx.Tx) error {
		var existing int
		if err := e.store.Get(txCtx, &existing,
			"SELECT COUNT(*) FROM executions WHERE execution_id = ?", executionID); err != nil {
			return errors.New(errors.CodeStoreError, "engine", "failed to check execution id", err)
		}
		if existing > 0 {
			return errors.Newf(errors.CodeDuplicateExecution, "engine",
				"execution id %q is already in use", executionID)
		}

		if err := e.insertExecution(txCtx, executionID, req); err != nil {
			return err
		}
		if err := e.insertRunningStep(txCtx, executionID, starting, tok); err != nil {
			return err
		}
		if _, err := e.machine.TransitionExecution(txCtx, executionID, StateRunning, "workflow started"); err != nil {
			return err
		}
		return e.machine.SetCurrentStep(txCtx, executionID, starting.PhaseName)
	})
	if err != nil {
		return nil, err
	}

	e.recordEvent(ctx, telemetry.Event{
		EventType:   telemetry.EventWorkflowStarted,
		ExecutionID: executionID,
		StepName:    starting.PhaseName,
		AgentName:   starting.AgentName,
		Metadata:    map[string]interface{}{"workflow": req.WorkflowName},
	})
	e.logStep(ctx, execlog.LogRequest{
		ExecutionID: executionID,
		Layer:       execlog.LayerWorkflow,
		LayerID:     "start",
		Message:     fmt.Sprintf("workflow %s started at phase %s", req.WorkflowName, starting.PhaseName),
	})

	return &StepHandoff{
		ExecutionID:   executionID,
		WorkflowState: string(StateRunning),
		StepName:      starting.PhaseName,
		AgentName:     starting.AgentName,
		AgentContent:  agent.Content,
		Token:         tok,
	}, nil
}

// Advance completes the step named by the token and hands back the next
// one. The token's step must match the execution's current step; this
// comparison, made against committed store state, is the replay defense.
func (e *Engine) Advance(ctx context.Context, tok string, output StepOutput) (*StepHandoff, error) {
	payload, err := e.tokens.Validate(tok, e.now())
	if err != nil {
		if errors.HasCode(err, errors.CodeTokenExpired) {
			e.recordEvent(ctx, telemetry.Event{
				EventType:   telemetry.EventTokenExpired,
				ExecutionID: payload.ExecutionID,
				StepName:    payload.StepName,
			})
		}
		return nil, err
	}

	var (
		result      *StepHandoff
		deferredErr error
		completedID string
	)

	txErr := e.store.WithTx(ctx, func(txCtx context.Context, _ *sqlx.Tx) error {
		exec, err := e.machine.LoadExecution(txCtx, payload.ExecutionID)
		if err != nil {
			return err
		}
		if exec.State.IsTerminal() {
			return errors.Newf(errors.CodeAlreadyTerminal, "engine",
				"execution %q already reached terminal state %s", exec.ExecutionID, exec.State)
		}
		if exec.State != StateRunning {
			return errors.Newf(errors.CodeNotRunnable, "engine",
				"execution %q is %s and cannot advance", exec.ExecutionID, exec.State)
		}
		if exec.CurrentStep() != payload.StepName {
			return errors.Newf(errors.CodeTokenStepMismatch, "engine",
				"token refers to step %q but execution %q is at %q",
				payload.StepName, exec.ExecutionID, exec.CurrentStep())
		}

		step, err := e.machine.LoadStep(txCtx, exec.ExecutionID, payload.StepName)
		if err != nil {
			return err
		}
		if step.Status != StepRunning {
			return errors.Newf(errors.CodeStepNotRunning, "engine",
				"step %q is %s, not running", step.StepName, step.Status)
		}
		if step.Token.Valid && step.Token.String != tok {
			// A fresh token was minted (e.g. on resume); the presented one
			// is stale even though the step name still matches.
			return errors.Newf(errors.CodeTokenStepMismatch, "engine",
				"token for step %q has been superseded", step.StepName)
		}

		completed, err := e.machine.TransitionStep(txCtx, exec.ExecutionID, step.StepName, StepCompleted, &output)
		if err != nil {
			return err
		}
		completedID = completed.StepID

		if escalated, err := e.checkEscalation(txCtx, exec.ExecutionID); err != nil {
			return err
		} else if escalated {
			result = &StepHandoff{
				ExecutionID:   exec.ExecutionID,
				WorkflowState: string(StateEscalated),
				Message:       "finding thresholds exceeded; resume after review",
			}
			return nil
		}

		def, err := e.registry.GetWorkflow(txCtx, exec.WorkflowName)
		if err != nil {
			return err
		}
		next, err := e.nextPhase(txCtx, exec.ExecutionID, def)
		if err != nil {
			return err
		}
		if next == nil {
			if _, err := e.machine.TransitionExecution(txCtx, exec.ExecutionID, StateCompleted, "all phases completed"); err != nil {
				return err
			}
			result = &StepHandoff{
				ExecutionID:   exec.ExecutionID,
				WorkflowState: string(StateCompleted),
			}
			return nil
		}

		agent, err := e.registry.GetAgent(txCtx, next.AgentName)
		if err != nil {
			if errors.HasCode(err, errors.CodeAgentNotFound) {
				// The run cannot continue; fail it visibly rather than
				// stalling, and keep the failure transition committed.
				if _, ferr := e.machine.TransitionExecution(txCtx, exec.ExecutionID, StateFailed,
					"agent "+next.AgentName+" missing mid-workflow"); ferr != nil {
					return ferr
				}
				deferredErr = err
				return nil
			}
			return err
		}

		nextToken, err := e.tokens.Issue(exec.ExecutionID, next.PhaseName)
		if err != nil {
			return err
		}
		if err := e.insertRunningStep(txCtx, exec.ExecutionID, next, nextToken); err != nil {
			return err
		}
		if err := e.machine.SetCurrentStep(txCtx, exec.ExecutionID, next.PhaseName); err != nil {
			return err
		}

		result = &StepHandoff{
			ExecutionID:   exec.ExecutionID,
			WorkflowState: string(StateRunning),
			StepName:      next.PhaseName,
			AgentName:     next.AgentName,
			AgentContent:  agent.Content,
			Token:         nextToken,
		}
		return nil
	})
	if txErr != nil {
		if errors.HasCode(txErr, errors.CodeTokenStepMismatch) {
			e.recordEvent(ctx, telemetry.Event{
				EventType:   telemetry.EventTokenStepMismatch,
				ExecutionID: payload.ExecutionID,
				StepName:    payload.StepName,
			})
		}
		return nil, txErr
	}

	e.recordEvent(ctx, telemetry.Event{
		EventType:   telemetry.EventStepCompleted,
		ExecutionID: payload.ExecutionID,
		StepName:    payload.StepName,
	})
	e.logStep(ctx, execlog.LogRequest{
		ExecutionID: payload.ExecutionID,
		Layer:       execlog.LayerStep,
		LayerID:     completedID,
		Message:     fmt.Sprintf("step %s completed: %s", payload.StepName, output.Summary),
	})

	if deferredErr != nil {
		e.recordEvent(ctx, telemetry.Event{
			EventType:   telemetry.EventExecutionFailed,
			ExecutionID: payload.ExecutionID,
		})
		return nil, deferredErr
	}

	switch result.WorkflowState {
	case string(StateCompleted):
		e.recordEvent(ctx, telemetry.Event{
			EventType:   telemetry.EventWorkflowCompleted,
			ExecutionID: payload.ExecutionID,
		})
	case string(StateEscalated):
		e.recordEvent(ctx, telemetry.Event{
			EventType:   telemetry.EventExecutionEscalated,
			ExecutionID: payload.ExecutionID,
		})
	}
	return result, nil
}

// nextPhase picks the earliest declared phase that has no step row yet and
// whose dependencies are all completed. A nil result means the workflow
// has no runnable phase left and is complete.
func (e *Engine) nextPhase(ctx context.Context, executionID string, def *registry.WorkflowDefinition) (*registry.Phase, error) {
	var existing []struct {
		StepName string     `db:"step_name"`
		Status   StepStatus `db:"status"`
	}
	if err := e.store.Select(ctx, &existing,
		"SELECT step_name, status FROM steps WHERE execution_id = ?", executionID); err != nil {
		return nil, errors.New(errors.CodeStoreError, "engine", "failed to list steps", err)
	}

	created := make(map[string]bool, len(existing))
	completedSet := make(map[string]bool)
	for _, row := range existing {
		created[row.StepName] = true
		if row.Status == StepCompleted {
			completedSet[row.StepName] = true
		}
	}

	for i := range def.Phases {
		phase := &def.Phases[i]
		if created[phase.PhaseName] {
			continue
		}
		satisfied := true
		for _, dep := range phase.DependsOn {
			if !completedSet[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			return phase, nil
		}
	}
	return nil, nil
}

// checkEscalation transitions the execution to escalated when finding
// thresholds are breached. Blockers are critical plus high findings.
func (e *Engine) checkEscalation(ctx context.Context, executionID string) (bool, error) {
	if e.findings == nil {
		return false, nil
	}
	limits := e.limits
	if limits.CriticalFindings <= 0 && limits.HighFindings <= 0 && limits.TotalBlockers <= 0 {
		return false, nil
	}

	counts, err := e.findings.CountsBySeverity(ctx, executionID)
	if err != nil {
		return false, err
	}
	critical := counts["critical"]
	high := counts["high"]

	breached := (limits.CriticalFindings > 0 && critical >= limits.CriticalFindings) ||
		(limits.HighFindings > 0 && high >= limits.HighFindings) ||
		(limits.TotalBlockers > 0 && critical+high >= limits.TotalBlockers)
	if !breached {
		return false, nil
	}

	if _, err := e.machine.TransitionExecution(ctx, executionID, StateEscalated, "finding thresholds exceeded"); err != nil {
		return false, err
	}
	if err := e.machine.ClearCurrentStep(ctx, executionID); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) insertExecution(ctx context.Context, executionID string, req StartRequest) error {
	var metadata interface{}
	if req.Metadata != nil {
		encoded, err := json.Marshal(req.Metadata)
		if err != nil {
			return errors.New(errors.CodeInvalidParameter, "engine", "execution metadata is not encodable", err)
		}
		metadata = string(encoded)
	}
	var timeout interface{}
	if req.TimeoutMS != nil {
		timeout = *req.TimeoutMS
	}
	var project interface{}
	if req.ProjectID != nil {
		project = *req.ProjectID
	}

	if err := e.store.Exec(ctx, `
		INSERT INTO executions (execution_id, workflow_name, state, project_id, updated_at, metadata, timeout_ms)
		VALUES (?, ?, 'idle', ?, ?, ?, ?)`,
		executionID, req.WorkflowName, project, e.now().UTC(), metadata, timeout); err != nil {
		return errors.New(errors.CodeStoreError, "engine", "failed to create execution", err)
	}
	return nil
}

// insertRunningStep creates a step directly in the running status with
// its continuation token attached, satisfying the token-step coupling
// invariant from the first observable instant.
func (e *Engine) insertRunningStep(ctx context.Context, executionID string, phase *registry.Phase, tok string) error {
	var deps interface{}
	if len(phase.DependsOn) > 0 {
		encoded, _ := json.Marshal(phase.DependsOn)
		deps = string(encoded)
	}
	now := e.now().UTC()

	if err := e.store.Exec(ctx, `
		INSERT INTO steps (step_id, execution_id, step_name, agent_name, status, depends_on, started_at, token)
		VALUES (?, ?, ?, ?, 'running', ?, ?, ?)`,
		uuid.NewString(), executionID, phase.PhaseName, phase.AgentName, deps, now, tok); err != nil {
		return errors.New(errors.CodeStoreError, "engine", "failed to create step "+phase.PhaseName, err)
	}
	return nil
}
