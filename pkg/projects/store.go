// Package projects tracks project associations used to scope findings.
package projects

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	stderrors "errors"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/store"
)

// Project is one discovered project association
type Project struct {
	ID           int64                  `json:"id"`
	Name         string                 `json:"name"`
	Path         string                 `json:"path"`
	IsGitRepo    bool                   `json:"is_git_repo"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	DiscoveredAt time.Time              `json:"discovered_at"`
	LastUsedAt   time.Time              `json:"last_used_at"`
}

// Store persists project associations
type Store struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a project store
func New(st *store.Store, logger *slog.Logger) *Store {
	return &Store{
		store:  st,
		logger: logger.With("component", "projects"),
		now:    time.Now,
	}
}

type projectRow struct {
	ID           int64          `db:"id"`
	Name         string         `db:"name"`
	Path         string         `db:"path"`
	IsGitRepo    bool           `db:"is_git_repo"`
	Metadata     sql.NullString `db:"metadata"`
	DiscoveredAt time.Time      `db:"discovered_at"`
	LastUsedAt   time.Time      `db:"last_used_at"`
}

// Ensure resolves path to a project association, creating one on first
// use. last_used_at is refreshed on every call; git detection happens at
// discovery time.
func (s *Store) Ensure(ctx context.Context, path string) (*Project, error) {
	if path == "" {
		return nil, errors.New(errors.CodeMissingParameter, "projects", "project path is required", nil)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidParameter, "projects", "project path is not resolvable", err)
	}

	now := s.now().UTC()
	existing, err := s.byPath(ctx, abs)
	if err == nil {
		if uerr := s.store.Exec(ctx,
			"UPDATE project_associations SET last_used_at = ? WHERE id = ?", now, existing.ID); uerr != nil {
			s.logger.Warn("failed to refresh project last_used_at", "path", abs, "error", uerr)
		}
		existing.LastUsedAt = now
		return existing, nil
	}
	if !errors.HasCode(err, errors.CodeNotFound) {
		return nil, err
	}

	isGit := false
	if info, serr := os.Stat(filepath.Join(abs, ".git")); serr == nil && info.IsDir() {
		isGit = true
	}

	project := &Project{
		Name:         filepath.Base(abs),
		Path:         abs,
		IsGitRepo:    isGit,
		DiscoveredAt: now,
		LastUsedAt:   now,
	}
	if err := s.store.Exec(ctx, `
		INSERT INTO project_associations (name, path, is_git_repo, discovered_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)`,
		project.Name, project.Path, project.IsGitRepo, project.DiscoveredAt, project.LastUsedAt); err != nil {
		return nil, errors.New(errors.CodeStoreError, "projects", "failed to create project association", err)
	}

	return s.byPath(ctx, abs)
}

// Get returns one project by id
func (s *Store) Get(ctx context.Context, id int64) (*Project, error) {
	var row projectRow
	err := s.store.Get(ctx, &row, "SELECT * FROM project_associations WHERE id = ?", id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeNotFound, "projects", "project %d does not exist", id)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "projects", "failed to load project", err)
	}
	return rowToProject(row), nil
}

// List returns all project associations, most recently used first
func (s *Store) List(ctx context.Context) ([]Project, error) {
	var rows []projectRow
	if err := s.store.Select(ctx, &rows,
		"SELECT * FROM project_associations ORDER BY last_used_at DESC"); err != nil {
		return nil, errors.New(errors.CodeStoreError, "projects", "failed to list projects", err)
	}
	result := make([]Project, 0, len(rows))
	for _, row := range rows {
		result = append(result, *rowToProject(row))
	}
	return result, nil
}

func (s *Store) byPath(ctx context.Context, path string) (*Project, error) {
	var row projectRow
	err := s.store.Get(ctx, &row, "SELECT * FROM project_associations WHERE path = ?", path)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeNotFound, "projects", "no project at %s", path)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "projects", "failed to load project by path", err)
	}
	return rowToProject(row), nil
}

func rowToProject(row projectRow) *Project {
	project := &Project{
		ID:           row.ID,
		Name:         row.Name,
		Path:         row.Path,
		IsGitRepo:    row.IsGitRepo,
		DiscoveredAt: row.DiscoveredAt,
		LastUsedAt:   row.LastUsedAt,
	}
	if row.Metadata.Valid && row.Metadata.String != "" {
		json.Unmarshal([]byte(row.Metadata.String), &project.Metadata)
	}
	return project
}
