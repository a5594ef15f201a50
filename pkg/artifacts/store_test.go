package artifacts

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

func newTestArtifacts(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background(), store.MigrateOptions{Timeout: time.Minute}))

	require.NoError(t, st.Exec(context.Background(), `
		INSERT INTO executions (execution_id, workflow_name, state, updated_at)
		VALUES ('exec-1', 'review', 'running', ?)`, time.Now().UTC()))

	return New(st, logger)
}

func TestSaveAndGetTextArtifact(t *testing.T) {
	s := newTestArtifacts(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, StoreRequest{
		ExecutionID:  "exec-1",
		StepName:     "analyze",
		ArtifactType: TypeReport,
		Name:         "analysis.md",
		Content:      []byte("# Findings\nNothing alarming."),
		ContentType:  "text/markdown",
		Metadata:     map[string]interface{}{"lines": float64(2)},
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ArtifactID)

	loaded, err := s.Get(ctx, saved.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, saved.Content, loaded.Content)
	assert.Equal(t, "text/markdown", loaded.ContentType)
	assert.Equal(t, int64(len(saved.Content)), loaded.SizeBytes)
	assert.Equal(t, saved.Metadata, loaded.Metadata)
}

func TestBinaryContentRoundTrip(t *testing.T) {
	s := newTestArtifacts(t)
	ctx := context.Background()

	// Invalid UTF-8 forces the base64 path
	binary := []byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0xfe, 0x00, 0x01}

	saved, err := s.Save(ctx, StoreRequest{
		ExecutionID:  "exec-1",
		StepName:     "capture",
		ArtifactType: TypeFile,
		Name:         "screenshot.png",
		Content:      binary,
		ContentType:  "image/png",
	})
	require.NoError(t, err)

	loaded, err := s.Get(ctx, saved.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, binary, loaded.Content)
	assert.Equal(t, int64(len(binary)), loaded.SizeBytes)
}

func TestSaveRejectsUnknownType(t *testing.T) {
	s := newTestArtifacts(t)

	_, err := s.Save(context.Background(), StoreRequest{
		ExecutionID:  "exec-1",
		StepName:     "analyze",
		ArtifactType: "hologram",
		Name:         "x",
	})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter), "got %v", err)
}

func TestSaveRequiresIdentity(t *testing.T) {
	s := newTestArtifacts(t)

	_, err := s.Save(context.Background(), StoreRequest{
		StepName:     "analyze",
		ArtifactType: TypeData,
		Name:         "x",
	})
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter), "got %v", err)
}

func TestGetMissingArtifact(t *testing.T) {
	s := newTestArtifacts(t)

	_, err := s.Get(context.Background(), "no-such-artifact")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound), "got %v", err)
}

func TestListOmitsContent(t *testing.T) {
	s := newTestArtifacts(t)
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt"} {
		_, err := s.Save(ctx, StoreRequest{
			ExecutionID:  "exec-1",
			StepName:     "analyze",
			ArtifactType: TypeData,
			Name:         name,
			Content:      []byte("content of " + name),
		})
		require.NoError(t, err)
	}
	_, err := s.Save(ctx, StoreRequest{
		ExecutionID:  "exec-1",
		StepName:     "plan",
		ArtifactType: TypeData,
		Name:         "c.txt",
		Content:      []byte("other step"),
	})
	require.NoError(t, err)

	all, err := s.List(ctx, "exec-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	analyzeOnly, err := s.List(ctx, "exec-1", "analyze")
	require.NoError(t, err)
	require.Len(t, analyzeOnly, 2)
	assert.Equal(t, int64(len("content of a.txt")), analyzeOnly[0].SizeBytes)
}
