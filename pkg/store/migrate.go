package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"

	"github.com/agentwire/loom/pkg/domain/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// destructiveMarker tags a migration that drops or rewrites data. Marked
// migrations are never applied automatically.
const destructiveMarker = "-- loom:destructive"

// MigrateOptions controls the migration run
type MigrateOptions struct {
	// Timeout bounds the whole run including lock acquisition
	Timeout time.Duration
	// AllowDestructive permits migrations carrying the destructive marker
	AllowDestructive bool
}

// Migrate applies all pending schema versions in order. Concurrent runs
// against the same store path are serialized by a filesystem lock;
// acquisition retries with exponential backoff until the timeout and the
// process should abort if the final attempt fails.
func (s *Store) Migrate(ctx context.Context, opts MigrateOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	unlock, err := s.acquireMigrationLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if !opts.AllowDestructive {
		if err := rejectDestructivePending(); err != nil {
			return err
		}
	}

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.New(errors.CodeMigrationError, "store", "failed to set migration dialect", err)
	}

	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return errors.New(errors.CodeMigrationError, "store", "migration run failed", err)
	}

	if err := s.ensureFindingsSearchIndex(ctx); err != nil {
		return err
	}

	s.logger.Info("migrations applied", "path", s.path)
	return nil
}

// acquireMigrationLock takes the per-database-path lock by exclusively
// creating a sibling lock file. The returned func releases it.
func (s *Store) acquireMigrationLock(ctx context.Context) (func(), error) {
	lockPath := s.path + ".migrate.lock"

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0 // the context deadline bounds the retries

	attempt := func() error {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("migration lock held: %w", err)
		}
		fmt.Fprintf(f, "pid=%d\n", os.Getpid())
		f.Close()
		return nil
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		return nil, errors.New(errors.CodeMigrationError, "store",
			fmt.Sprintf("could not acquire migration lock %s", lockPath), err)
	}

	return func() {
		if err := os.Remove(lockPath); err != nil {
			s.logger.Error("failed to release migration lock", "path", lockPath, "error", err)
		}
	}, nil
}

// rejectDestructivePending fails if any embedded migration carries the
// destructive marker. Such migrations require an explicit operator opt-in.
func rejectDestructivePending() error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return errors.New(errors.CodeMigrationError, "store", "failed to read embedded migrations", err)
	}
	for _, entry := range entries {
		data, err := fs.ReadFile(migrationFS, "migrations/"+entry.Name())
		if err != nil {
			return errors.New(errors.CodeMigrationError, "store", "failed to read migration "+entry.Name(), err)
		}
		if strings.Contains(string(data), destructiveMarker) {
			return errors.Newf(errors.CodeMigrationError, "store",
				"migration %s is marked destructive and will not be applied automatically", entry.Name())
		}
	}
	return nil
}
