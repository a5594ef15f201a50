// Package findings stores structured observations produced during runs.
// Findings are taggable, searchable (full-text when the store carries
// the fts5 index, substring otherwise), and scoped either to a project
// or globally.
package findings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/store"
)

// Severity levels in increasing order of concern
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var validSeverities = map[string]bool{
	SeverityInfo:     true,
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

// Finding is one stored observation
type Finding struct {
	FindingID   string                 `json:"finding_id"`
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id,omitempty"`
	Severity    string                 `json:"severity"`
	Category    string                 `json:"category"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	IsGlobal    bool                   `json:"is_global"`
	ProjectID   *int64                 `json:"project_id,omitempty"`
	Location    string                 `json:"location,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Filter narrows a findings query
type Filter struct {
	ExecutionID string
	ProjectID   *int64
	Severities  []string
	Category    string
	Tags        []string
	Search      string
	Limit       int
}

// Store persists and queries findings
type Store struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
	fts    bool
}

// New creates a finding store. Search uses the full-text index when the
// store carries one and falls back to substring matching otherwise.
func New(st *store.Store, logger *slog.Logger) *Store {
	return &Store{
		store:  st,
		logger: logger.With("component", "findings"),
		now:    time.Now,
		fts:    st.FullTextSearch(),
	}
}

// Save writes a new finding and returns it with its generated id
func (s *Store) Save(ctx context.Context, finding Finding) (*Finding, error) {
	if finding.ExecutionID == "" || finding.Title == "" || finding.Category == "" {
		return nil, errors.New(errors.CodeMissingParameter, "findings",
			"execution_id, category, and title are required", nil)
	}
	if !validSeverities[finding.Severity] {
		return nil, errors.Newf(errors.CodeInvalidParameter, "findings",
			"unknown severity %q", finding.Severity)
	}

	finding.FindingID = uuid.NewString()
	finding.CreatedAt = s.now().UTC()

	var tags interface{}
	if len(finding.Tags) > 0 {
		encoded, _ := json.Marshal(finding.Tags)
		tags = string(encoded)
	}
	var metadata interface{}
	if finding.Metadata != nil {
		encoded, err := json.Marshal(finding.Metadata)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidParameter, "findings", "metadata is not encodable", err)
		}
		metadata = string(encoded)
	}

	err := s.store.Exec(ctx, `
		INSERT INTO findings
			(finding_id, execution_id, step_id, severity, category, title, description, tags, is_global, project_id, location, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		finding.FindingID, finding.ExecutionID, nullIfEmpty(finding.StepID),
		finding.Severity, finding.Category, finding.Title, finding.Description,
		tags, finding.IsGlobal, finding.ProjectID, nullIfEmpty(finding.Location),
		metadata, finding.CreatedAt)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "findings", "failed to store finding", err)
	}
	return &finding, nil
}

// Get returns one finding by id
func (s *Store) Get(ctx context.Context, findingID string) (*Finding, error) {
	rows, err := s.query(ctx, "WHERE finding_id = ?", []interface{}{findingID}, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Newf(errors.CodeNotFound, "findings", "finding %q does not exist", findingID)
	}
	return &rows[0], nil
}

// Query returns findings matching the filter. The Search phrase is
// matched against title, description, tags, and category.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Finding, error) {
	var clauses []string
	var args []interface{}

	if filter.ExecutionID != "" {
		clauses = append(clauses, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.ProjectID != nil {
		clauses = append(clauses, "project_id = ?")
		args = append(args, *filter.ProjectID)
	}
	if len(filter.Severities) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Severities)), ",")
		clauses = append(clauses, fmt.Sprintf("severity IN (%s)", placeholders))
		for _, severity := range filter.Severities {
			args = append(args, severity)
		}
	}
	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, filter.Category)
	}
	for _, tag := range filter.Tags {
		// tags is a JSON array; match the quoted element
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	if filter.Search != "" {
		clause, searchArgs := s.searchClause(filter.Search)
		clauses = append(clauses, clause)
		args = append(args, searchArgs...)
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	return s.query(ctx, where, args, filter.Limit)
}

// ForProject returns findings scoped to the project: rows whose project_id
// matches OR that are marked global.
func (s *Store) ForProject(ctx context.Context, projectID int64, filter Filter) ([]Finding, error) {
	clauses := []string{"(project_id = ? OR is_global = 1)"}
	args := []interface{}{projectID}

	if len(filter.Severities) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Severities)), ",")
		clauses = append(clauses, fmt.Sprintf("severity IN (%s)", placeholders))
		for _, severity := range filter.Severities {
			args = append(args, severity)
		}
	}
	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Search != "" {
		clause, searchArgs := s.searchClause(filter.Search)
		clauses = append(clauses, clause)
		args = append(args, searchArgs...)
	}

	return s.query(ctx, "WHERE "+strings.Join(clauses, " AND "), args, filter.Limit)
}

// CountsBySeverity aggregates finding counts for an execution
func (s *Store) CountsBySeverity(ctx context.Context, executionID string) (map[string]int, error) {
	var rows []struct {
		Severity string `db:"severity"`
		Count    int    `db:"count"`
	}
	err := s.store.Select(ctx, &rows,
		"SELECT severity, COUNT(*) AS count FROM findings WHERE execution_id = ? GROUP BY severity",
		executionID)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "findings", "failed to count findings", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Severity] = row.Count
	}
	return counts, nil
}

type findingRow struct {
	FindingID   string         `db:"finding_id"`
	ExecutionID string         `db:"execution_id"`
	StepID      sql.NullString `db:"step_id"`
	Severity    string         `db:"severity"`
	Category    string         `db:"category"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	Tags        sql.NullString `db:"tags"`
	IsGlobal    bool           `db:"is_global"`
	ProjectID   sql.NullInt64  `db:"project_id"`
	Location    sql.NullString `db:"location"`
	Metadata    sql.NullString `db:"metadata"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (s *Store) query(ctx context.Context, where string, args []interface{}, limit int) ([]Finding, error) {
	query := "SELECT * FROM findings " + where + " ORDER BY created_at DESC, finding_id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []findingRow
	if err := s.store.Select(ctx, &rows, query, args...); err != nil {
		return nil, errors.New(errors.CodeStoreError, "findings", "failed to query findings", err)
	}

	findings := make([]Finding, 0, len(rows))
	for _, row := range rows {
		finding := Finding{
			FindingID:   row.FindingID,
			ExecutionID: row.ExecutionID,
			StepID:      row.StepID.String,
			Severity:    row.Severity,
			Category:    row.Category,
			Title:       row.Title,
			Description: row.Description,
			IsGlobal:    row.IsGlobal,
			Location:    row.Location.String,
			CreatedAt:   row.CreatedAt,
		}
		if row.ProjectID.Valid {
			id := row.ProjectID.Int64
			finding.ProjectID = &id
		}
		if row.Tags.Valid && row.Tags.String != "" {
			json.Unmarshal([]byte(row.Tags.String), &finding.Tags)
		}
		if row.Metadata.Valid && row.Metadata.String != "" {
			json.Unmarshal([]byte(row.Metadata.String), &finding.Metadata)
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

// searchClause builds the text-search predicate: an fts5 phrase match
// when the store carries the index, a substring scan over the same
// columns when it does not.
func (s *Store) searchClause(phrase string) (string, []interface{}) {
	if s.fts {
		return "rowid IN (SELECT rowid FROM findings_fts WHERE findings_fts MATCH ?)",
			[]interface{}{ftsQuery(phrase)}
	}
	pattern := "%" + escapeLike(phrase) + "%"
	clause := `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR coalesce(tags, '') LIKE ? ESCAPE '\' OR category LIKE ? ESCAPE '\')`
	return clause, []interface{}{pattern, pattern, pattern, pattern}
}

// ftsQuery quotes the user phrase so fts5 treats it as a plain string
// match instead of query syntax.
func ftsQuery(phrase string) string {
	return `"` + strings.ReplaceAll(phrase, `"`, `""`) + `"`
}

// escapeLike neutralizes LIKE wildcards in the user phrase
func escapeLike(phrase string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(phrase)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
