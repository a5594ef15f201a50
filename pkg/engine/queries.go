package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentwire/loom/pkg/domain/errors"
)

// CurrentStepView is the get-current-step result for an active execution
type CurrentStepView struct {
	ExecutionID   string     `json:"execution_id"`
	WorkflowState string     `json:"workflow_state"`
	CurrentStep   string     `json:"current_step,omitempty"`
	StepStatus    StepStatus `json:"step_status,omitempty"`
	AgentName     string     `json:"agent_name,omitempty"`
	AgentContent  string     `json:"agent_content,omitempty"`
	Token         string     `json:"token,omitempty"`
	Progress      string     `json:"progress,omitempty"`
	Instructions  string     `json:"instructions,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// CurrentStep returns the live step of an execution together with the
// persona, the stored token, and caller-facing instructions. Executions
// without an active step get a state message instead.
func (e *Engine) CurrentStep(ctx context.Context, executionID string) (*CurrentStepView, error) {
	exec, err := e.machine.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	view := &CurrentStepView{
		ExecutionID:   executionID,
		WorkflowState: string(exec.State),
	}
	if exec.State.IsTerminal() || exec.CurrentStep() == "" {
		view.Message = fmt.Sprintf("execution is %s; no active step", exec.State)
		return view, nil
	}

	step, err := e.machine.LoadStep(ctx, executionID, exec.CurrentStep())
	if err != nil {
		return nil, err
	}
	agent, err := e.registry.GetAgent(ctx, step.AgentName)
	if err != nil {
		return nil, err
	}

	def, err := e.registry.GetWorkflow(ctx, exec.WorkflowName)
	if err != nil {
		return nil, err
	}
	counts, err := e.stepCounts(ctx, executionID)
	if err != nil {
		return nil, err
	}

	view.CurrentStep = step.StepName
	view.StepStatus = step.Status
	view.AgentName = step.AgentName
	view.AgentContent = agent.Content
	view.Token = step.Token.String
	view.Progress = fmt.Sprintf("%d/%d phases completed", counts.Completed, len(def.Phases))

	description := ""
	if phase := def.PhaseByName(step.StepName); phase != nil {
		description = phase.Description
	}
	view.Instructions = buildInstructions(step.StepName, description)

	return view, nil
}

// buildInstructions assembles the caller-facing protocol reminder for a step
func buildInstructions(stepName, description string) string {
	text := fmt.Sprintf("Assume the persona in agent_content and perform step %q.", stepName)
	if description != "" {
		text += " " + description
	}
	text += " When done, call advance_step with this token and a structured output summary."
	return text
}

// Status returns the full status view of an execution including step
// counts by status.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := e.machine.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	counts, err := e.stepCounts(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &ExecutionStatus{
		ExecutionID:  exec.ExecutionID,
		WorkflowName: exec.WorkflowName,
		State:        exec.State,
		CurrentStep:  exec.CurrentStep(),
		StartedAt:    nullableTime(exec.StartedAt),
		UpdatedAt:    exec.UpdatedAt,
		CompletedAt:  nullableTime(exec.CompletedAt),
		DurationMS:   nullableInt(exec.DurationMS),
		Steps:        *counts,
	}, nil
}

// StepHistory returns ordered step summaries for an execution
func (e *Engine) StepHistory(ctx context.Context, executionID string) ([]StepSummary, error) {
	if _, err := e.machine.LoadExecution(ctx, executionID); err != nil {
		return nil, err
	}

	var steps []Step
	if err := e.store.Select(ctx, &steps,
		"SELECT * FROM steps WHERE execution_id = ? ORDER BY started_at, step_id", executionID); err != nil {
		return nil, errors.New(errors.CodeStoreError, "engine", "failed to list steps", err)
	}

	history := make([]StepSummary, 0, len(steps))
	for _, step := range steps {
		summary := StepSummary{
			StepName:    step.StepName,
			AgentName:   step.AgentName,
			Status:      step.Status,
			StartedAt:   nullableTime(step.StartedAt),
			CompletedAt: nullableTime(step.CompletedAt),
			DurationMS:  nullableInt(step.DurationMS),
		}
		if step.Output.Valid && step.Output.String != "" {
			var output StepOutput
			if err := json.Unmarshal([]byte(step.Output.String), &output); err == nil {
				summary.Summary = output.Summary
			}
		}
		history = append(history, summary)
	}
	return history, nil
}

func (e *Engine) stepCounts(ctx context.Context, executionID string) (*StatusCounts, error) {
	var rows []struct {
		Status StepStatus `db:"status"`
		Count  int        `db:"count"`
	}
	if err := e.store.Select(ctx, &rows,
		"SELECT status, COUNT(*) AS count FROM steps WHERE execution_id = ? GROUP BY status", executionID); err != nil {
		return nil, errors.New(errors.CodeStoreError, "engine", "failed to count steps", err)
	}

	counts := &StatusCounts{}
	for _, row := range rows {
		switch row.Status {
		case StepPending:
			counts.Pending = row.Count
		case StepRunning:
			counts.Running = row.Count
		case StepCompleted:
			counts.Completed = row.Count
		case StepFailed:
			counts.Failed = row.Count
		case StepSkipped:
			counts.Skipped = row.Count
		}
	}
	return counts, nil
}
