package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Frames and deliveries",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Capture transitions",
		Up:          migrationV2Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS frames (
    frame           INTEGER PRIMARY KEY,
    timestamp_ns    INTEGER NOT NULL,
    methods         INTEGER NOT NULL,
    captures        INTEGER NOT NULL,
    failures        INTEGER NOT NULL,
    frame_events    INTEGER NOT NULL,
    aborted         INTEGER NOT NULL DEFAULT 0,
    duration_ns     INTEGER NOT NULL,
    digest          BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_frames_timestamp ON frames(timestamp_ns);

CREATE TABLE IF NOT EXISTS deliveries (
    frame           INTEGER NOT NULL REFERENCES frames(frame) ON DELETE CASCADE,
    ordinal         INTEGER NOT NULL,
    method_id       INTEGER NOT NULL,
    handler_id      INTEGER NOT NULL,
    rank            INTEGER NOT NULL,
    distance        REAL NOT NULL,
    via_capture     INTEGER NOT NULL DEFAULT 0,
    captured        INTEGER NOT NULL DEFAULT 0,
    latency_ns      INTEGER NOT NULL,
    error           TEXT,
    PRIMARY KEY (frame, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_method ON deliveries(method_id, frame);
CREATE INDEX IF NOT EXISTS idx_deliveries_handler ON deliveries(handler_id, frame);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS capture_transitions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    frame           INTEGER NOT NULL,
    kind            TEXT NOT NULL CHECK (kind IN ('requested', 'captured', 'released', 'cleared')),
    method_id       INTEGER NOT NULL,
    handler_id      INTEGER NOT NULL,
    reason          TEXT,
    timestamp_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_method ON capture_transitions(method_id, id);
CREATE INDEX IF NOT EXISTS idx_transitions_frame ON capture_transitions(frame);
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// MigrationStatus describes which migrations a database has.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: migrations[len(migrations)-1].Version,
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true
		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// MigrationStatus reports which migrations the journal has.
func (s *Store) MigrationStatus() (*MigrationStatus, error) {
	return GetMigrationStatus(s.db)
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"frames",
		"deliveries",
		"capture_transitions",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
