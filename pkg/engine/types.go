// Package engine implements the workflow core: the execution/step state
// machine, the step sequencer, and the lifecycle manager. All mutable
// state lives in the store; the engine holds no cross-request caches.
package engine

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ExecutionState is the caller-visible state of an execution
type ExecutionState string

const (
	StateIdle      ExecutionState = "idle"
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateTimeout   ExecutionState = "timeout"
	StateEscalated ExecutionState = "escalated"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateAbandoned ExecutionState = "abandoned"
	StateDiverged  ExecutionState = "diverged"
)

// IsTerminal reports whether the state has no outgoing transitions
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAbandoned, StateDiverged:
		return true
	}
	return false
}

// StepStatus is the status of a single step within an execution
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step status has no outgoing transitions
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Execution is one run of a workflow from start to terminal state
type Execution struct {
	ExecutionID     string         `db:"execution_id" json:"execution_id"`
	WorkflowName    string         `db:"workflow_name" json:"workflow_name"`
	State           ExecutionState `db:"state" json:"state"`
	CurrentStepName sql.NullString `db:"current_step_name" json:"-"`
	ProjectID       sql.NullInt64  `db:"project_id" json:"-"`
	StartedAt       sql.NullTime   `db:"started_at" json:"-"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
	CompletedAt     sql.NullTime   `db:"completed_at" json:"-"`
	DurationMS      sql.NullInt64  `db:"duration_ms" json:"-"`
	Metadata        sql.NullString `db:"metadata" json:"-"`
	TimeoutMS       sql.NullInt64  `db:"timeout_ms" json:"-"`
}

// CurrentStep returns the current step name, or "" when unset
func (e *Execution) CurrentStep() string {
	return e.CurrentStepName.String
}

// Step is the runtime instance of a phase within one execution
type Step struct {
	StepID      string         `db:"step_id" json:"step_id"`
	ExecutionID string         `db:"execution_id" json:"execution_id"`
	StepName    string         `db:"step_name" json:"step_name"`
	AgentName   string         `db:"agent_name" json:"agent_name"`
	Status      StepStatus     `db:"status" json:"status"`
	DependsOn   sql.NullString `db:"depends_on" json:"-"`
	StartedAt   sql.NullTime   `db:"started_at" json:"-"`
	CompletedAt sql.NullTime   `db:"completed_at" json:"-"`
	DurationMS  sql.NullInt64  `db:"duration_ms" json:"-"`
	Output      sql.NullString `db:"output" json:"-"`
	Token       sql.NullString `db:"token" json:"-"`
}

// Dependencies decodes the step's depends_on list
func (s *Step) Dependencies() []string {
	if !s.DependsOn.Valid || s.DependsOn.String == "" {
		return nil
	}
	var deps []string
	if err := json.Unmarshal([]byte(s.DependsOn.String), &deps); err != nil {
		return nil
	}
	return deps
}

// StepOutput is the structured result a caller reports when advancing
type StepOutput struct {
	Summary      string   `json:"summary"`
	ArtifactIDs  []string `json:"artifact_ids,omitempty"`
	FindingIDs   []string `json:"finding_ids,omitempty"`
	NextStepHint string   `json:"next_step_hint,omitempty"`
}

// StartRequest carries the inputs of the start-workflow operation
type StartRequest struct {
	WorkflowName string
	ExecutionID  string
	ProjectID    *int64
	Metadata     map[string]interface{}
	TimeoutMS    *int64
}

// StepHandoff is what the caller needs to perform the next step: the
// persona to assume and the token required to advance past it.
type StepHandoff struct {
	ExecutionID   string `json:"execution_id"`
	WorkflowState string `json:"workflow_state"`
	StepName      string `json:"step_name,omitempty"`
	AgentName     string `json:"agent_name,omitempty"`
	AgentContent  string `json:"agent_content,omitempty"`
	Token         string `json:"token,omitempty"`
	Message       string `json:"message,omitempty"`
}

// StatusCounts aggregates step statuses for an execution
type StatusCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ExecutionStatus is the full status view of one execution
type ExecutionStatus struct {
	ExecutionID  string         `json:"execution_id"`
	WorkflowName string         `json:"workflow_name"`
	State        ExecutionState `json:"state"`
	CurrentStep  string         `json:"current_step,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DurationMS   *int64         `json:"duration_ms,omitempty"`
	Steps        StatusCounts   `json:"steps"`
}

// StepSummary is one row of a step history listing
type StepSummary struct {
	StepName    string     `json:"step_name"`
	AgentName   string     `json:"agent_name"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	Summary     string     `json:"summary,omitempty"`
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullableInt(i sql.NullInt64) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}
