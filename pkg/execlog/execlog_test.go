package execlog

import (
	"context"
	"encoding/json"
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

func newTestLogger(t *testing.T, contracts *ContractTable) *Logger {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background(), store.MigrateOptions{Timeout: time.Minute}))

	// Log entries reference an execution row
	require.NoError(t, st.Exec(context.Background(), `
		INSERT INTO executions (execution_id, workflow_name, state, updated_at)
		VALUES ('exec-1', 'review', 'running', ?)`, time.Now().UTC()))

	return NewLogger(st, contracts, logger)
}

func TestLogAndQuery(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	entry, err := l.Log(ctx, LogRequest{
		ExecutionID: "exec-1",
		Layer:       LayerStep,
		LayerID:     "step-1",
		Message:     "analysis started",
		Context:     map[string]interface{}{"attempt": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "info", entry.LogLevel)
	assert.Equal(t, "analysis started", entry.Message)

	entries, err := l.Query(ctx, "exec-1", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLogIsIdempotentPerKey(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	first, err := l.Log(ctx, LogRequest{
		ExecutionID: "exec-1",
		Layer:       LayerStep,
		LayerID:     "step-1",
		Message:     "original message",
	})
	require.NoError(t, err)

	// Same key, different message: the original row wins
	second, err := l.Log(ctx, LogRequest{
		ExecutionID: "exec-1",
		Layer:       LayerStep,
		LayerID:     "step-1",
		Message:     "retried message",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "original message", second.Message)

	entries, err := l.Query(ctx, "exec-1", QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLogDistinctLayersShareLayerID(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	_, err := l.Log(ctx, LogRequest{ExecutionID: "exec-1", Layer: LayerWorkflow, LayerID: "x", Message: "a"})
	require.NoError(t, err)
	_, err = l.Log(ctx, LogRequest{ExecutionID: "exec-1", Layer: LayerStep, LayerID: "x", Message: "b"})
	require.NoError(t, err)

	entries, err := l.Query(ctx, "exec-1", QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLogRequiresKeyFields(t *testing.T) {
	l := newTestLogger(t, nil)

	_, err := l.Log(context.Background(), LogRequest{Layer: LayerStep, LayerID: "s", Message: "m"})
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter), "got %v", err)
}

func TestQueryFilters(t *testing.T) {
	l := newTestLogger(t, nil)
	ctx := context.Background()

	_, err := l.Log(ctx, LogRequest{ExecutionID: "exec-1", Layer: LayerWorkflow, LayerID: "w1", LogLevel: "info", Message: "started"})
	require.NoError(t, err)
	_, err = l.Log(ctx, LogRequest{ExecutionID: "exec-1", Layer: LayerStep, LayerID: "s1", LogLevel: "error", Message: "step blew up"})
	require.NoError(t, err)

	steps, err := l.Query(ctx, "exec-1", QueryFilter{Layer: LayerStep})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "step blew up", steps[0].Message)

	errorsOnly, err := l.Query(ctx, "exec-1", QueryFilter{LogLevel: "error"})
	require.NoError(t, err)
	assert.Len(t, errorsOnly, 1)

	limited, err := l.Query(ctx, "exec-1", QueryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestContractValidation(t *testing.T) {
	contracts, err := DefaultContracts()
	require.NoError(t, err)
	l := newTestLogger(t, contracts)
	ctx := context.Background()

	// Conforming output passes
	_, err = l.Log(ctx, LogRequest{
		ExecutionID:    "exec-1",
		Layer:          LayerStep,
		LayerID:        "good",
		Message:        "step done",
		ContractOutput: json.RawMessage(`{"summary": "all good"}`),
	})
	require.NoError(t, err)

	// Output missing the required summary is rejected before insertion
	_, err = l.Log(ctx, LogRequest{
		ExecutionID:    "exec-1",
		Layer:          LayerStep,
		LayerID:        "bad",
		Message:        "step done",
		ContractOutput: json.RawMessage(`{"unexpected": true}`),
	})
	assert.True(t, errors.HasCode(err, errors.CodeContractValidation), "got %v", err)

	entries, err := l.Query(ctx, "exec-1", QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestContractValidationSkipsUncoveredLayers(t *testing.T) {
	contracts, err := DefaultContracts()
	require.NoError(t, err)
	l := newTestLogger(t, contracts)

	// The workflow layer has no schema; arbitrary payloads pass
	_, err = l.Log(context.Background(), LogRequest{
		ExecutionID:    "exec-1",
		Layer:          LayerWorkflow,
		LayerID:        "free-form",
		Message:        "anything goes",
		ContractOutput: json.RawMessage(`{"whatever": [1, 2, 3]}`),
	})
	require.NoError(t, err)
}
