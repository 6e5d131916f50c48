// Package database – sqlite.go opens the bot's SQLite store and keeps its
// schema current. The store holds inbound/outbound messages with their
// processing state, conversation sessions, and small key/value app state.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultPath is used when neither config nor environment name a database.
const DefaultPath = "store/whatsapp_bot.db"

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a processing state change is not
	// allowed from the row's current state.
	ErrInvalidTransition = errors.New("invalid processing state transition")
)

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int // milliseconds
	ForeignKeys bool
}

// DB wraps the SQLite connection shared by the message store, the claim
// manager and the session manager.
type DB struct {
	conn     *sql.DB
	config   SQLiteConfig
	migrator *Migrator
	logger   *slog.Logger

	// now is the clock used for every timestamp written by this package.
	now func() time.Time
}

// Open opens or creates the database and applies pending migrations.
// Write transactions are started with BEGIN IMMEDIATE (_txlock=immediate) so
// a claim takes the write lock before it reads candidates.
func Open(config SQLiteConfig, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d&_txlock=immediate",
		config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		dsn += "&_foreign_keys=ON"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{
		conn:   conn,
		config: config,
		logger: logger.With("component", "database"),
		now:    time.Now,
	}
	db.migrator = NewMigrator(conn, db.logger)

	if err := db.migrator.Migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// SQL exposes the underlying connection pool.
func (d *DB) SQL() *sql.DB {
	return d.conn
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.config.Path
}

// Migrator returns the schema migrator.
func (d *DB) Migrator() *Migrator {
	return d.migrator
}

// SetClock replaces the clock used for written timestamps.
func (d *DB) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	d.now = now
}

// Now returns the current time of the store's clock in UTC.
func (d *DB) Now() time.Time {
	return d.now().UTC()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// WithTx runs fn inside a transaction, rolling back on error.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := d.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}
