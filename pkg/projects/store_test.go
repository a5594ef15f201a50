package projects

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/store"
)

func newTestProjects(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background(), store.MigrateOptions{Timeout: time.Minute}))

	return New(st, logger)
}

func TestEnsureCreatesAndRefreshes(t *testing.T) {
	s := newTestProjects(t)
	ctx := context.Background()
	dir := t.TempDir()

	first, err := s.Ensure(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), first.Name)
	assert.Equal(t, dir, first.Path)
	assert.False(t, first.IsGitRepo)

	// A second call resolves to the same association
	second, err := s.Ensure(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnsureDetectsGitRepo(t *testing.T) {
	s := newTestProjects(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))

	project, err := s.Ensure(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, project.IsGitRepo)
}

func TestEnsureRequiresPath(t *testing.T) {
	s := newTestProjects(t)

	_, err := s.Ensure(context.Background(), "")
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter), "got %v", err)
}

func TestGetMissingProject(t *testing.T) {
	s := newTestProjects(t)

	_, err := s.Get(context.Background(), 9999)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound), "got %v", err)
}

func TestListMostRecentlyUsedFirst(t *testing.T) {
	s := newTestProjects(t)
	ctx := context.Background()

	older := t.TempDir()
	newer := t.TempDir()

	olderProject, err := s.Ensure(ctx, older)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.Ensure(ctx, newer)
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer, all[0].Path)

	// Touching the older project moves it to the front
	time.Sleep(10 * time.Millisecond)
	_, err = s.Ensure(ctx, older)
	require.NoError(t, err)

	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, olderProject.ID, all[0].ID)
}
