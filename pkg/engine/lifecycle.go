package engine

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/telemetry"
)

// CheckTimeouts transitions every running execution whose age exceeds its
// timeout_ms into the timeout state and returns the transitioned ids.
// Per-execution failures are logged and do not abort the sweep; a second
// sweep finding no newly-eligible rows returns empty.
func (e *Engine) CheckTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	var candidates []struct {
		ExecutionID string    `db:"execution_id"`
		StartedAt   time.Time `db:"started_at"`
		TimeoutMS   int64     `db:"timeout_ms"`
	}
	err := e.store.Select(ctx, &candidates, `
		SELECT execution_id, started_at, timeout_ms FROM executions
		WHERE state = 'running' AND timeout_ms IS NOT NULL AND started_at IS NOT NULL`)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "engine", "failed to scan for timed-out executions", err)
	}

	var transitioned []string
	for _, candidate := range candidates {
		if now.Sub(candidate.StartedAt) <= time.Duration(candidate.TimeoutMS)*time.Millisecond {
			continue
		}
		executionID := candidate.ExecutionID
		err := e.store.WithTx(ctx, func(txCtx context.Context, _ *sqlx.Tx) error {
			_, err := e.machine.TransitionExecution(txCtx, executionID, StateTimeout, "exceeded timeout")
			return err
		})
		if err != nil {
			e.logger.Warn("timeout transition failed", "execution_id", executionID, "error", err)
			continue
		}
		transitioned = append(transitioned, executionID)
		e.recordEvent(ctx, telemetry.Event{
			EventType:   telemetry.EventExecutionTimeout,
			ExecutionID: executionID,
		})
	}
	return transitioned, nil
}

// Resume moves a timed-out or escalated execution back to running. A fresh
// token is always minted; the pre-suspension token is never reinstated.
// When the execution has no live current step (escalation clears it), the
// next ready phase is started.
func (e *Engine) Resume(ctx context.Context, executionID string) (*StepHandoff, error) {
	var result *StepHandoff

	err := e.store.WithTx(ctx, func(txCtx context.Context, _ *sqlx.Tx) error {
		exec, err := e.machine.LoadExecution(txCtx, executionID)
		if err != nil {
			return err
		}
		if exec.State != StateTimeout && exec.State != StateEscalated {
			return errors.Newf(errors.CodeNotResumable, "engine",
				"execution %q is %s; only timeout or escalated executions can resume", executionID, exec.State)
		}

		if _, err := e.machine.TransitionExecution(txCtx, executionID, StateRunning, "resumed"); err != nil {
			return err
		}

		if exec.CurrentStep() != "" {
			step, err := e.machine.LoadStep(txCtx, executionID, exec.CurrentStep())
			if err != nil {
				return err
			}
			fresh, err := e.tokens.Issue(executionID, step.StepName)
			if err != nil {
				return err
			}
			if err := e.store.Exec(txCtx,
				"UPDATE steps SET token = ? WHERE execution_id = ? AND step_name = ?",
				fresh, executionID, step.StepName); err != nil {
				return errors.New(errors.CodeStoreError, "engine", "failed to store fresh token", err)
			}
			agent, err := e.registry.GetAgent(txCtx, step.AgentName)
			if err != nil {
				return err
			}
			result = &StepHandoff{
				ExecutionID:   executionID,
				WorkflowState: string(StateRunning),
				StepName:      step.StepName,
				AgentName:     step.AgentName,
				AgentContent:  agent.Content,
				Token:         fresh,
			}
			return nil
		}

		// No live step: the execution was escalated after completing one.
		// Start the next ready phase, or finish if none remains.
		def, err := e.registry.GetWorkflow(txCtx, exec.WorkflowName)
		if err != nil {
			return err
		}
		next, err := e.nextPhase(txCtx, executionID, def)
		if err != nil {
			return err
		}
		if next == nil {
			if _, err := e.machine.TransitionExecution(txCtx, executionID, StateCompleted, "no phases left after resume"); err != nil {
				return err
			}
			result = &StepHandoff{ExecutionID: executionID, WorkflowState: string(StateCompleted)}
			return nil
		}

		agent, err := e.registry.GetAgent(txCtx, next.AgentName)
		if err != nil {
			return err
		}
		tok, err := e.tokens.Issue(executionID, next.PhaseName)
		if err != nil {
			return err
		}
		if err := e.insertRunningStep(txCtx, executionID, next, tok); err != nil {
			return err
		}
		if err := e.machine.SetCurrentStep(txCtx, executionID, next.PhaseName); err != nil {
			return err
		}
		result = &StepHandoff{
			ExecutionID:   executionID,
			WorkflowState: string(StateRunning),
			StepName:      next.PhaseName,
			AgentName:     next.AgentName,
			AgentContent:  agent.Content,
			Token:         tok,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.recordEvent(ctx, telemetry.Event{
		EventType:   telemetry.EventExecutionResumed,
		ExecutionID: executionID,
		StepName:    result.StepName,
	})
	return result, nil
}

// ReadySteps returns pending steps whose dependencies are all completed.
// The sequential path never creates pending steps, but a parallel
// scheduler can consume this directly.
func (e *Engine) ReadySteps(ctx context.Context, executionID string) ([]Step, error) {
	var steps []Step
	if err := e.store.Select(ctx, &steps,
		"SELECT * FROM steps WHERE execution_id = ? AND status = 'pending'", executionID); err != nil {
		return nil, errors.New(errors.CodeStoreError, "engine", "failed to list pending steps", err)
	}

	completed, err := e.machine.completedStepNames(ctx, executionID)
	if err != nil {
		return nil, err
	}

	ready := make([]Step, 0, len(steps))
	for _, step := range steps {
		ok := true
		for _, dep := range step.Dependencies() {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready, nil
}

// IncompleteExecutions lists executions that have not reached a terminal
// state, oldest first. Used for cross-restart resumption.
func (e *Engine) IncompleteExecutions(ctx context.Context) ([]Execution, error) {
	var execs []Execution
	err := e.store.Select(ctx, &execs, `
		SELECT * FROM executions
		WHERE state NOT IN ('completed', 'failed', 'abandoned', 'diverged')
		ORDER BY updated_at`)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "engine", "failed to list incomplete executions", err)
	}
	return execs, nil
}
