package store

import (
	"fmt"

	"go.uber.org/zap"
)

// Schema versions:
// v1: tasks, samples, leaderboard_cache, audit_log
// v2: leaderboard_cache.quarantine_reason for moderation notes
const CurrentSchemaVersion = 2

// schemaSQLite is the base schema for SQLite. Timestamps are stored as
// DATETIME in UTC; booleans as 0/1 integers.
var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS schema_versions (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id       TEXT PRIMARY KEY,
		kind          TEXT NOT NULL DEFAULT 'evaluation',
		fingerprint   TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','STARTED','SUCCESS','FAILURE','CANCELLED')),
		progress      INTEGER NOT NULL DEFAULT 0,
		revision      INTEGER NOT NULL DEFAULT 1,
		cached        INTEGER NOT NULL DEFAULT 0,
		plan_snapshot TEXT,
		result        TEXT,
		error_kind    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL,
		started_at    DATETIME,
		completed_at  DATETIME
	)`,
	// One live evaluation per fingerprint. The dispatcher also serializes
	// submissions per fingerprint; this index is the cross-process backstop.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_inflight
		ON tasks(fingerprint)
		WHERE status IN ('PENDING','STARTED') AND kind = 'evaluation'`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,

	`CREATE TABLE IF NOT EXISTS samples (
		task_id       TEXT NOT NULL,
		fingerprint   TEXT NOT NULL,
		model_name    TEXT NOT NULL,
		sample_index  INTEGER NOT NULL,
		prompt        TEXT NOT NULL DEFAULT '',
		answer        TEXT NOT NULL DEFAULT '',
		correctness   REAL NOT NULL,
		skill_label   TEXT NOT NULL DEFAULT '',
		target_label  TEXT NOT NULL DEFAULT '',
		subject_label TEXT NOT NULL DEFAULT '',
		task_label    TEXT NOT NULL DEFAULT '',
		dataset_name  TEXT NOT NULL DEFAULT '',
		metadata      TEXT,
		created_at    DATETIME NOT NULL,
		PRIMARY KEY (task_id, model_name, sample_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_fingerprint ON samples(fingerprint)`,

	`CREATE TABLE IF NOT EXISTS leaderboard_cache (
		row_id            INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint       TEXT NOT NULL,
		model_name        TEXT NOT NULL,
		language          TEXT NOT NULL,
		subject_type      TEXT NOT NULL,
		task_type         TEXT NOT NULL,
		score             REAL NOT NULL,
		sample_count      INTEGER NOT NULL DEFAULT 0,
		evaluator_version TEXT NOT NULL DEFAULT '',
		source_task_id    TEXT NOT NULL DEFAULT '',
		quarantined       INTEGER NOT NULL DEFAULT 0,
		quarantine_reason TEXT NOT NULL DEFAULT '',
		last_updated      DATETIME NOT NULL,
		UNIQUE (fingerprint, model_name, language, subject_type, task_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_model ON leaderboard_cache(model_name)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_updated ON leaderboard_cache(last_updated)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		action      TEXT NOT NULL,
		resource    TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		detail      TEXT,
		created_at  DATETIME NOT NULL
	)`,
}

// schemaPostgres mirrors schemaSQLite with PostgreSQL column types.
var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS schema_versions (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id       TEXT PRIMARY KEY,
		kind          TEXT NOT NULL DEFAULT 'evaluation',
		fingerprint   TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','STARTED','SUCCESS','FAILURE','CANCELLED')),
		progress      INTEGER NOT NULL DEFAULT 0,
		revision      BIGINT NOT NULL DEFAULT 1,
		cached        BOOLEAN NOT NULL DEFAULT FALSE,
		plan_snapshot TEXT,
		result        TEXT,
		error_kind    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_inflight
		ON tasks(fingerprint)
		WHERE status IN ('PENDING','STARTED') AND kind = 'evaluation'`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,

	`CREATE TABLE IF NOT EXISTS samples (
		task_id       TEXT NOT NULL,
		fingerprint   TEXT NOT NULL,
		model_name    TEXT NOT NULL,
		sample_index  INTEGER NOT NULL,
		prompt        TEXT NOT NULL DEFAULT '',
		answer        TEXT NOT NULL DEFAULT '',
		correctness   DOUBLE PRECISION NOT NULL,
		skill_label   TEXT NOT NULL DEFAULT '',
		target_label  TEXT NOT NULL DEFAULT '',
		subject_label TEXT NOT NULL DEFAULT '',
		task_label    TEXT NOT NULL DEFAULT '',
		dataset_name  TEXT NOT NULL DEFAULT '',
		metadata      TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (task_id, model_name, sample_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_samples_fingerprint ON samples(fingerprint)`,

	`CREATE TABLE IF NOT EXISTS leaderboard_cache (
		row_id            BIGSERIAL PRIMARY KEY,
		fingerprint       TEXT NOT NULL,
		model_name        TEXT NOT NULL,
		language          TEXT NOT NULL,
		subject_type      TEXT NOT NULL,
		task_type         TEXT NOT NULL,
		score             DOUBLE PRECISION NOT NULL,
		sample_count      INTEGER NOT NULL DEFAULT 0,
		evaluator_version TEXT NOT NULL DEFAULT '',
		source_task_id    TEXT NOT NULL DEFAULT '',
		quarantined       BOOLEAN NOT NULL DEFAULT FALSE,
		quarantine_reason TEXT NOT NULL DEFAULT '',
		last_updated      TIMESTAMPTZ NOT NULL,
		UNIQUE (fingerprint, model_name, language, subject_type, task_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_model ON leaderboard_cache(model_name)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_updated ON leaderboard_cache(last_updated)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id          BIGSERIAL PRIMARY KEY,
		action      TEXT NOT NULL,
		resource    TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		detail      TEXT,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
}

// columnMigration adds a column to databases created before it existed.
type columnMigration struct {
	version int
	table   string
	column  string
	def     string
}

// pendingMigrations lists column adds for databases older than the base
// schema above. The base schema already includes them, so fresh databases
// skip straight to CurrentSchemaVersion.
var pendingMigrations = []columnMigration{
	{2, "leaderboard_cache", "quarantine_reason", "TEXT NOT NULL DEFAULT ''"},
}

// migrate creates the base schema and applies any pending column adds.
func (s *Store) migrate() error {
	schema := schemaSQLite
	if s.dialect == dialectPostgres {
		schema = schemaPostgres
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	applied := 0
	for _, m := range pendingMigrations {
		if s.columnExists(m.table, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
		}
		s.logger.Info("migration applied",
			zap.Int("version", m.version),
			zap.String("table", m.table),
			zap.String("column", m.column))
		applied++
	}

	if _, err := s.db.Exec(
		s.rebind(`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`),
		CurrentSchemaVersion, s.now(),
	); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if applied > 0 {
		s.logger.Info("schema migrations complete", zap.Int("applied", applied))
	}
	return nil
}

// columnExists reports whether table.column is present, using the dialect's
// introspection mechanism.
func (s *Store) columnExists(table, column string) bool {
	if s.dialect == dialectPostgres {
		var n int
		err := s.db.Get(&n, s.rebind(
			`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?`),
			table, column)
		return err == nil && n > 0
	}

	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// SchemaVersion returns the highest recorded schema version.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	if err := s.db.Get(&v, `SELECT COALESCE(MAX(version), 0) FROM schema_versions`); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
