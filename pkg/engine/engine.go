package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentwire/loom/pkg/execlog"
	"github.com/agentwire/loom/pkg/registry"
	"github.com/agentwire/loom/pkg/store"
	"github.com/agentwire/loom/pkg/telemetry"
	"github.com/agentwire/loom/pkg/token"
)

// TelemetryRecorder is the best-effort event sink the engine emits to
type TelemetryRecorder interface {
	Record(ctx context.Context, event telemetry.Event)
}

// ExecutionLogger appends idempotent execution log entries
type ExecutionLogger interface {
	Log(ctx context.Context, req execlog.LogRequest) (*execlog.Entry, error)
}

// FindingCounter reports finding counts for escalation checks
type FindingCounter interface {
	CountsBySeverity(ctx context.Context, executionID string) (map[string]int, error)
}

// EscalationLimits are the thresholds that force an execution into the
// escalated state. A zero limit disables that check.
type EscalationLimits struct {
	CriticalFindings int
	HighFindings     int
	TotalBlockers    int
}

// Engine drives workflow executions
type Engine struct {
	store     *store.Store
	machine   *StateMachine
	registry  *registry.Registry
	tokens    *token.Service
	telemetry TelemetryRecorder
	execLog   ExecutionLogger
	findings  FindingCounter
	limits    EscalationLimits
	logger    *slog.Logger
	now       func() time.Time
}

// Config carries the engine's collaborators
type Config struct {
	Store     *store.Store
	Registry  *registry.Registry
	Tokens    *token.Service
	Telemetry TelemetryRecorder
	ExecLog   ExecutionLogger
	Findings  FindingCounter
	Limits    EscalationLimits
	Logger    *slog.Logger
}

// New assembles the engine
func New(cfg Config) *Engine {
	return &Engine{
		store:     cfg.Store,
		machine:   NewStateMachine(cfg.Store, cfg.Logger),
		registry:  cfg.Registry,
		tokens:    cfg.Tokens,
		telemetry: cfg.Telemetry,
		execLog:   cfg.ExecLog,
		findings:  cfg.Findings,
		limits:    cfg.Limits,
		logger:    cfg.Logger.With("component", "engine"),
		now:       time.Now,
	}
}

// WithClock overrides the engine clock (and the state machine's), for tests
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.machine.WithClock(now)
	return e
}

// StateMachine exposes the transition layer for direct use and tests
func (e *Engine) StateMachine() *StateMachine {
	return e.machine
}

func (e *Engine) recordEvent(ctx context.Context, event telemetry.Event) {
	if e.telemetry != nil {
		e.telemetry.Record(ctx, event)
	}
}

func (e *Engine) logStep(ctx context.Context, req execlog.LogRequest) {
	if e.execLog == nil {
		return
	}
	if _, err := e.execLog.Log(ctx, req); err != nil {
		e.logger.Warn("execution log append failed",
			"execution_id", req.ExecutionID, "layer", req.Layer, "layer_id", req.LayerID, "error", err)
	}
}
