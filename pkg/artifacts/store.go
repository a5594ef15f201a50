// Package artifacts stores immutable blobs produced during a run. Rows
// are written once and never updated; binary content is base64-encoded
// before storage and decoded on read.
package artifacts

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	stderrors "errors"

	"github.com/google/uuid"

	"github.com/agentwire/loom/pkg/domain/errors"
	"github.com/agentwire/loom/pkg/store"
)

// Artifact types accepted by the store
const (
	TypeFile    = "file"
	TypeData    = "data"
	TypeReport  = "report"
	TypeFinding = "finding"
)

const (
	encodingUTF8   = "utf8"
	encodingBase64 = "base64"
)

// Artifact is one stored blob
type Artifact struct {
	ArtifactID   string                 `json:"artifact_id"`
	ExecutionID  string                 `json:"execution_id"`
	StepName     string                 `json:"step_name"`
	ArtifactType string                 `json:"artifact_type"`
	Name         string                 `json:"name"`
	Content      []byte                 `json:"-"`
	ContentType  string                 `json:"content_type"`
	SizeBytes    int64                  `json:"size_bytes"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Summary is an artifact listing row with content omitted
type Summary struct {
	ArtifactID   string    `db:"artifact_id" json:"artifact_id"`
	ExecutionID  string    `db:"execution_id" json:"execution_id"`
	StepName     string    `db:"step_name" json:"step_name"`
	ArtifactType string    `db:"artifact_type" json:"artifact_type"`
	Name         string    `db:"name" json:"name"`
	ContentType  string    `db:"content_type" json:"content_type"`
	SizeBytes    int64     `db:"size_bytes" json:"size_bytes"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// StoreRequest carries the fields of a new artifact
type StoreRequest struct {
	ExecutionID  string
	StepName     string
	ArtifactType string
	Name         string
	Content      []byte
	ContentType  string
	Metadata     map[string]interface{}
}

// Store persists artifacts
type Store struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an artifact store
func New(st *store.Store, logger *slog.Logger) *Store {
	return &Store{
		store:  st,
		logger: logger.With("component", "artifacts"),
		now:    time.Now,
	}
}

// Save writes a new immutable artifact and returns it with its generated id
func (s *Store) Save(ctx context.Context, req StoreRequest) (*Artifact, error) {
	if req.ExecutionID == "" || req.StepName == "" || req.Name == "" {
		return nil, errors.New(errors.CodeMissingParameter, "artifacts",
			"execution_id, step_name, and name are required", nil)
	}
	switch req.ArtifactType {
	case TypeFile, TypeData, TypeReport, TypeFinding:
	default:
		return nil, errors.Newf(errors.CodeInvalidParameter, "artifacts",
			"unknown artifact type %q", req.ArtifactType)
	}
	if req.ContentType == "" {
		req.ContentType = "text/plain"
	}

	encoding := encodingUTF8
	stored := string(req.Content)
	if !utf8.Valid(req.Content) {
		encoding = encodingBase64
		stored = base64.StdEncoding.EncodeToString(req.Content)
	}

	var metadata interface{}
	if req.Metadata != nil {
		encoded, err := encodeMetadata(req.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = encoded
	}

	artifact := &Artifact{
		ArtifactID:   uuid.NewString(),
		ExecutionID:  req.ExecutionID,
		StepName:     req.StepName,
		ArtifactType: req.ArtifactType,
		Name:         req.Name,
		Content:      req.Content,
		ContentType:  req.ContentType,
		SizeBytes:    int64(len(req.Content)),
		Metadata:     req.Metadata,
		CreatedAt:    s.now().UTC(),
	}

	err := s.store.Exec(ctx, `
		INSERT INTO artifacts
			(artifact_id, execution_id, step_name, artifact_type, name, content, content_encoding, content_type, size_bytes, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ArtifactID, artifact.ExecutionID, artifact.StepName, artifact.ArtifactType,
		artifact.Name, stored, encoding, artifact.ContentType, artifact.SizeBytes,
		metadata, artifact.CreatedAt)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "artifacts", "failed to store artifact", err)
	}
	return artifact, nil
}

type artifactRow struct {
	Summary
	Content         string         `db:"content"`
	ContentEncoding string         `db:"content_encoding"`
	Metadata        sql.NullString `db:"metadata"`
}

// Get returns a full artifact with its content decoded to the original bytes
func (s *Store) Get(ctx context.Context, artifactID string) (*Artifact, error) {
	var row artifactRow
	err := s.store.Get(ctx, &row, "SELECT * FROM artifacts WHERE artifact_id = ?", artifactID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.CodeNotFound, "artifacts", "artifact %q does not exist", artifactID)
	}
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "artifacts", "failed to load artifact "+artifactID, err)
	}

	content := []byte(row.Content)
	if row.ContentEncoding == encodingBase64 {
		decoded, err := base64.StdEncoding.DecodeString(row.Content)
		if err != nil {
			return nil, errors.New(errors.CodeInternalError, "artifacts",
				"artifact "+artifactID+" has undecodable content", err)
		}
		content = decoded
	}

	artifact := &Artifact{
		ArtifactID:   row.ArtifactID,
		ExecutionID:  row.ExecutionID,
		StepName:     row.StepName,
		ArtifactType: row.ArtifactType,
		Name:         row.Name,
		Content:      content,
		ContentType:  row.ContentType,
		SizeBytes:    row.SizeBytes,
		CreatedAt:    row.CreatedAt,
	}
	if row.Metadata.Valid && row.Metadata.String != "" {
		decodeMetadata(row.Metadata.String, &artifact.Metadata)
	}
	return artifact, nil
}

func encodeMetadata(metadata map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", errors.New(errors.CodeInvalidParameter, "artifacts", "metadata is not encodable", err)
	}
	return string(encoded), nil
}

func decodeMetadata(raw string, dest *map[string]interface{}) {
	json.Unmarshal([]byte(raw), dest)
}

// List returns artifact summaries for an execution, optionally narrowed
// to one step. Content is omitted.
func (s *Store) List(ctx context.Context, executionID, stepName string) ([]Summary, error) {
	query := `SELECT artifact_id, execution_id, step_name, artifact_type, name, content_type, size_bytes, created_at
		FROM artifacts WHERE execution_id = ?`
	args := []interface{}{executionID}
	if stepName != "" {
		query += " AND step_name = ?"
		args = append(args, stepName)
	}
	query += " ORDER BY created_at, artifact_id"

	var summaries []Summary
	if err := s.store.Select(ctx, &summaries, query, args...); err != nil {
		return nil, errors.New(errors.CodeStoreError, "artifacts", "failed to list artifacts", err)
	}
	return summaries, nil
}
