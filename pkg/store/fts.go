package store

import (
	"context"

	"github.com/agentwire/loom/pkg/domain/errors"
)

// Full-text search over findings rides on an fts5 index maintained by
// triggers. fts5 is an optional sqlite compile feature (the driver only
// includes it under the sqlite_fts5 build tag), so the index lives
// outside the versioned migrations and is reconciled against the linked
// sqlite on every migrate. Binaries without the module degrade to
// substring search in the findings package.

const createFindingsFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS findings_fts USING fts5(
    title,
    description,
    tags,
    category,
    content='findings',
    content_rowid='rowid'
)`

var findingsFTSTriggers = map[string]string{
	"findings_fts_insert": `
CREATE TRIGGER IF NOT EXISTS findings_fts_insert AFTER INSERT ON findings BEGIN
    INSERT INTO findings_fts(rowid, title, description, tags, category)
    VALUES (new.rowid, new.title, new.description, coalesce(new.tags, ''), new.category);
END`,
	"findings_fts_delete": `
CREATE TRIGGER IF NOT EXISTS findings_fts_delete AFTER DELETE ON findings BEGIN
    INSERT INTO findings_fts(findings_fts, rowid, title, description, tags, category)
    VALUES ('delete', old.rowid, old.title, old.description, coalesce(old.tags, ''), old.category);
END`,
	"findings_fts_update": `
CREATE TRIGGER IF NOT EXISTS findings_fts_update AFTER UPDATE ON findings BEGIN
    INSERT INTO findings_fts(findings_fts, rowid, title, description, tags, category)
    VALUES ('delete', old.rowid, old.title, old.description, coalesce(old.tags, ''), old.category);
    INSERT INTO findings_fts(rowid, title, description, tags, category)
    VALUES (new.rowid, new.title, new.description, coalesce(new.tags, ''), new.category);
END`,
}

const countFindingsFTSObjects = `
SELECT COUNT(*) FROM sqlite_master
WHERE name IN ('findings_fts', 'findings_fts_insert', 'findings_fts_delete', 'findings_fts_update')`

// ensureFindingsSearchIndex reconciles the search index with the fts5
// support of the linked sqlite. Runs under the migration lock.
func (s *Store) ensureFindingsSearchIndex(ctx context.Context) error {
	var available int
	if err := s.db.GetContext(ctx, &available, "SELECT sqlite_compileoption_used('ENABLE_FTS5')"); err != nil {
		return errors.New(errors.CodeMigrationError, "store", "failed to probe fts5 support", err)
	}
	if available == 0 {
		// Triggers left behind by an fts5-capable process would fail every
		// findings write here; drop them. The index table itself stays and
		// is rebuilt by the next capable process.
		for name := range findingsFTSTriggers {
			if _, err := s.db.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+name); err != nil {
				return errors.New(errors.CodeMigrationError, "store", "failed to drop search trigger "+name, err)
			}
		}
		s.logger.Info("fts5 unavailable, finding search degrades to substring match", "path", s.path)
		return nil
	}

	var present int
	if err := s.db.GetContext(ctx, &present, countFindingsFTSObjects); err != nil {
		return errors.New(errors.CodeMigrationError, "store", "failed to inspect search index state", err)
	}

	if _, err := s.db.ExecContext(ctx, createFindingsFTS); err != nil {
		return errors.New(errors.CodeMigrationError, "store", "failed to create search index", err)
	}
	for name, ddl := range findingsFTSTriggers {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.New(errors.CodeMigrationError, "store", "failed to create search trigger "+name, err)
		}
	}

	// Rows written while the index or its triggers were absent are not
	// indexed; rebuild whenever any of the four objects was missing.
	if present < 4 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO findings_fts(findings_fts) VALUES ('rebuild')"); err != nil {
			return errors.New(errors.CodeMigrationError, "store", "failed to rebuild search index", err)
		}
	}

	s.ftsEnabled = true
	return nil
}

// FullTextSearch reports whether the findings search index is active on
// this store. When false, finding search degrades to substring matching.
func (s *Store) FullTextSearch() bool {
	return s.ftsEnabled
}
