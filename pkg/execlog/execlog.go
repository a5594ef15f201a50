// Package execlog is the append-only structured execution log. Entries
// are keyed by (execution_id, layer, layer_id); logging the same key twice
// returns the original row untouched, which keeps retried observations
// causally clean across sessions.
package execlog

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

// Layer identifies which part of the stack produced an entry
type Layer string

const (
	LayerOrchestrator Layer = "orchestrator"
	LayerWorkflow     Layer = "workflow"
	LayerStep         Layer = "step"
	LayerAgentTask    Layer = "agent_task"
)

// Entry is one execution log record
type Entry struct {
	ID             int64          `db:"id" json:"id"`
	ExecutionID    string         `db:"execution_id" json:"execution_id"`
	Layer          Layer          `db:"layer" json:"layer"`
	LayerID        string         `db:"layer_id" json:"layer_id"`
	LogLevel       string         `db:"log_level" json:"log_level"`
	Message        string         `db:"message" json:"message"`
	Context        sql.NullString `db:"context" json:"-"`
	ContractInput  sql.NullString `db:"contract_input" json:"-"`
	ContractOutput sql.NullString `db:"contract_output" json:"-"`
	Timestamp      time.Time      `db:"timestamp" json:"timestamp"`
}

// LogRequest carries the fields of a new entry
type LogRequest struct {
	ExecutionID    string
	Layer          Layer
	LayerID        string
	LogLevel       string
	Message        string
	Context        map[string]interface{}
	ContractInput  json.RawMessage
	ContractOutput json.RawMessage
}

// Logger writes and queries execution log entries
type Logger struct {
	store     *store.Store
	contracts *ContractTable
	logger    *slog.Logger
	now       func() time.Time
}

// NewLogger creates an execution logger. contracts may be nil, in which
// case no schema validation is applied.
func NewLogger(st *store.Store, contracts *ContractTable, logger *slog.Logger) *Logger {
	return &Logger{
		store:     st,
		contracts: contracts,
		logger:    logger.With("component", "execlog"),
		now:       time.Now,
	}
}

// Log inserts an entry unless one already exists for the same
// (execution_id, layer, layer_id); in that case the existing row is
// returned unchanged. If a contract table is loaded, contract payloads
// are validated before any row is written.
func (l *Logger) Log(ctx context.Context, req LogRequest) (*Entry, error) {
	if req.ExecutionID == "" || req.Layer == "" || req.LayerID == "" {
		return nil, errors.New(errors.CodeMissingParameter, "execlog",
			"execution_id, layer, and layer_id are required", nil)
	}
	if req.LogLevel == "" {
		req.LogLevel = "info"
	}

	if l.contracts != nil {
		if err := l.contracts.Validate(req.Layer, DirectionInput, req.ContractInput); err != nil {
			return nil, err
		}
		if err := l.contracts.Validate(req.Layer, DirectionOutput, req.ContractOutput); err != nil {
			return nil, err
		}
	}

	var contextJSON interface{}
	if req.Context != nil {
		encoded, err := json.Marshal(req.Context)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidParameter, "execlog", "log context is not encodable", err)
		}
		contextJSON = string(encoded)
	}

	err := l.store.Exec(ctx, `
		INSERT INTO execution_logs
			(execution_id, layer, layer_id, log_level, message, context, contract_input, contract_output, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, layer, layer_id) DO NOTHING`,
		req.ExecutionID, req.Layer, req.LayerID, req.LogLevel, req.Message,
		contextJSON, rawOrNil(req.ContractInput), rawOrNil(req.ContractOutput), l.now().UTC())
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "execlog", "failed to insert log entry", err)
	}

	return l.get(ctx, req.ExecutionID, req.Layer, req.LayerID)
}

func (l *Logger) get(ctx context.Context, executionID string, layer Layer, layerID string) (*Entry, error) {
	var entry Entry
	err := l.store.Get(ctx, &entry, `
		SELECT * FROM execution_logs
		WHERE execution_id = ? AND layer = ? AND layer_id = ?`,
		executionID, layer, layerID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeNotFound, "execlog",
			"log entry (%s, %s, %s) not found", executionID, layer, layerID)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "execlog", "failed to read log entry", err)
	}
	return &entry, nil
}

// QueryFilter narrows a log listing
type QueryFilter struct {
	Layer    Layer
	LogLevel string
	Limit    int
}

// Query returns entries for an execution in insertion order
func (l *Logger) Query(ctx context.Context, executionID string, filter QueryFilter) ([]Entry, error) {
	query := "SELECT * FROM execution_logs WHERE execution_id = ?"
	args := []interface{}{executionID}
	if filter.Layer != "" {
		query += " AND layer = ?"
		args = append(args, filter.Layer)
	}
	if filter.LogLevel != "" {
		query += " AND log_level = ?"
		args = append(args, filter.LogLevel)
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var entries []Entry
	if err := l.store.Select(ctx, &entries, query, args...); err != nil {
		return nil, errors.New(errors.CodeStoreError, "execlog", "failed to query log entries", err)
	}
	return entries, nil
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
