// Package telemetry records append-only operational events in the store.
// Recording is best-effort: a telemetry failure is logged and never fails
// the primary operation.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/store"
)

// Event types emitted by the core
const (
	EventWorkflowStarted    = "workflow_started"
	EventWorkflowCompleted  = "workflow_completed"
	EventStepCompleted      = "step_completed"
	EventTokenExpired       = "token_expired"
	EventTokenStepMismatch  = "token_step_mismatch"
	EventExecutionTimeout   = "execution_timeout"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionEscalated = "execution_escalated"
	EventExecutionFailed    = "execution_failed"
)

// Limit bounds for list queries
const (
	MinListLimit     = 1
	MaxListLimit     = 1000
	DefaultListLimit = 100
)

// Event is one telemetry record
type Event struct {
	ID          int64                  `db:"id" json:"id"`
	EventType   string                 `db:"event_type" json:"event_type"`
	ExecutionID string                 `db:"execution_id" json:"execution_id,omitempty"`
	StepName    string                 `db:"step_name" json:"step_name,omitempty"`
	AgentName   string                 `db:"agent_name" json:"agent_name,omitempty"`
	Metadata    map[string]interface{} `db:"-" json:"metadata,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
}

// Recorder appends telemetry events
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a telemetry recorder
func NewRecorder(st *store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		logger: logger.With("component", "telemetry"),
		now:    time.Now,
	}
}

// Record appends an event. Failures are swallowed after logging so the
// caller's primary operation is never aborted by telemetry.
func (r *Recorder) Record(ctx context.Context, event Event) {
	var metadata interface{}
	if event.Metadata != nil {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			r.logger.Warn("dropping unencodable telemetry metadata",
				"event_type", event.EventType, "error", err)
		} else {
			metadata = string(encoded)
		}
	}

	err := r.store.Exec(ctx, `
		INSERT INTO telemetry_events (event_type, execution_id, step_name, agent_name, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullIfEmpty(event.ExecutionID),
		nullIfEmpty(event.StepName),
		nullIfEmpty(event.AgentName),
		metadata,
		r.now().UTC())
	if err != nil {
		r.logger.Warn("failed to record telemetry event",
			"event_type", event.EventType, "execution_id", event.ExecutionID, "error", err)
	}
}

// ListFilter narrows a telemetry listing
type ListFilter struct {
	ExecutionID string
	EventType   string
	Limit       int
}

// List returns events newest first. The limit is clamped to [1, 1000]
// and defaults to 100 when unset.
func (r *Recorder) List(ctx context.Context, filter ListFilter) ([]Event, error) {
	limit := filter.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < MinListLimit {
		limit = MinListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := "SELECT id, event_type, coalesce(execution_id, '') AS execution_id, coalesce(step_name, '') AS step_name, coalesce(agent_name, '') AS agent_name, coalesce(metadata, '') AS metadata, created_at FROM telemetry_events"
	args := []interface{}{}
	where := ""
	if filter.ExecutionID != "" {
		where = " WHERE execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if filter.EventType != "" {
		if where == "" {
			where = " WHERE event_type = ?"
		} else {
			where += " AND event_type = ?"
		}
		args = append(args, filter.EventType)
	}
	query += where + " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var rows []struct {
		ID          int64     `db:"id"`
		EventType   string    `db:"event_type"`
		ExecutionID string    `db:"execution_id"`
		StepName    string    `db:"step_name"`
		AgentName   string    `db:"agent_name"`
		Metadata    string    `db:"metadata"`
		CreatedAt   time.Time `db:"created_at"`
	}
	if err := r.store.Select(ctx, &rows, query, args...); err != nil {
		return nil, errors.New(errors.CodeStoreError, "telemetry", "failed to list events", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		event := Event{
			ID:          row.ID,
			EventType:   row.EventType,
			ExecutionID: row.ExecutionID,
			StepName:    row.StepName,
			AgentName:   row.AgentName,
			CreatedAt:   row.CreatedAt,
		}
		if row.Metadata != "" {
			json.Unmarshal([]byte(row.Metadata), &event.Metadata)
		}
		events = append(events, event)
	}
	return events, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
