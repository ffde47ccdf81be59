package store

import (
	"fmt"
	"time"
)

// migration represents a single schema migration step.
type migration struct {
	Version int
	SQL     string
}

// migrations is the ordered list of all migrations. Version 1 creates the
// initial schema.
var migrations = []migration{
	{
		Version: 1,
		SQL:     schemaRequests,
	},
}

// migrate brings the database up to the latest schema version. Each
// migration runs in its own transaction.
func (s *Store) migrate() error {
	if _, err := s.writer.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// currentVersion returns the highest applied migration version, or 0 when
// none has been applied yet.
func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.writer.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// applyMigration runs one migration inside a transaction and records it.
func (s *Store) applyMigration(m migration) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}
