package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is one forward-only schema step.
type migration struct {
	version int
	name    string
	stmts   []string
}

// Timestamps are TEXT in a fixed-width UTC layout (see FormatTime) so that
// string comparison in SQL matches chronological order.
var migrations = []migration{
	{
		version: 1,
		name:    "messages",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id                      TEXT PRIMARY KEY,
				chat_jid                TEXT NOT NULL,
				sender                  TEXT NOT NULL,
				content                 TEXT,
				timestamp               TEXT NOT NULL,
				is_from_me              INTEGER NOT NULL DEFAULT 0,
				created_at              TEXT NOT NULL,
				processing_status       INTEGER NOT NULL DEFAULT 0,
				processing_started_at   TEXT,
				processing_completed_at TEXT,
				retry_count             INTEGER NOT NULL DEFAULT 0,
				synced_at               TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat_timestamp ON messages(chat_jid, timestamp DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_processing ON messages(processing_status, timestamp)`,
		},
	},
	{
		version: 2,
		name:    "chat_sessions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS chat_sessions (
				session_id    TEXT PRIMARY KEY,
				user_jid      TEXT NOT NULL,
				chat_jid      TEXT NOT NULL,
				context       TEXT NOT NULL DEFAULT '[]',
				created_at    TEXT NOT NULL,
				expires_at    TEXT NOT NULL,
				last_activity TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON chat_sessions(expires_at)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user_chat ON chat_sessions(user_jid, chat_jid)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON chat_sessions(last_activity DESC)`,
		},
	},
	{
		version: 3,
		name:    "app_state",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS app_state (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 4,
		name:    "config_sessions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS config_sessions (
				chat_jid              TEXT PRIMARY KEY,
				current_step          TEXT NOT NULL,
				selected_entity_index INTEGER,
				selected_option       INTEGER,
				created_at            TEXT NOT NULL,
				updated_at            TEXT NOT NULL
			)`,
		},
	},
}

// LatestVersion is the schema version after all migrations are applied.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrator handles schema migrations for SQLite.
type Migrator struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMigrator creates a new SQLite migrator.
func NewMigrator(db *sql.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger}
}

// CurrentVersion returns the current schema version, 0 for a fresh file.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// NeedsMigration returns true if the schema is behind LatestVersion.
func (m *Migrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < LatestVersion(), nil
}

// Migrate applies every migration newer than the recorded version. Each
// step runs in its own transaction together with its version row.
func (m *Migrator) Migrate(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", mig.version, err)
		}
		for _, stmt := range mig.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration %d (%s): %w", mig.version, mig.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", mig.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", mig.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", mig.version, err)
		}

		m.logger.Info("schema migration applied", "version", mig.version, "name", mig.name)
	}

	return nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	return nil
}
