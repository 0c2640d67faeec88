package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// MigrateDirection selects up or down migrations.
type MigrateDirection string

const (
	MigrateUp   MigrateDirection = "up"
	MigrateDown MigrateDirection = "down"
)

// Migrate applies the *.up.sql (or reverts the *.down.sql) files in migrations
// that have not been applied yet, each in its own transaction, and returns the
// versions it touched. steps bounds the count; 0 means all.
func (s *Store) Migrate(ctx context.Context, migrations fs.FS, direction MigrateDirection, steps int) ([]string, error) {
	var suffix string
	switch direction {
	case MigrateUp:
		suffix = ".up.sql"
	case MigrateDown:
		suffix = ".down.sql"
	default:
		return nil, fmt.Errorf("unknown migration direction: %s", direction)
	}

	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	files, err := fs.Glob(migrations, "*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)
	if direction == MigrateDown {
		sort.Sort(sort.Reverse(sort.StringSlice(files)))
	}

	var done []string
	for _, file := range files {
		version := strings.TrimSuffix(file, suffix)
		if applied[version] == (direction == MigrateUp) {
			continue
		}
		if steps > 0 && len(done) >= steps {
			break
		}

		content, err := fs.ReadFile(migrations, file)
		if err != nil {
			return done, fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		if err := s.applyMigration(ctx, version, string(content), direction); err != nil {
			return done, fmt.Errorf("migration %s: %w", file, err)
		}
		done = append(done, version)
	}
	return done, nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, version, sql string, direction MigrateDirection) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}

	if direction == MigrateUp {
		_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
	} else {
		_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
	}
	if err != nil {
		return fmt.Errorf("failed to update migrations table: %w", err)
	}
	return tx.Commit(ctx)
}
