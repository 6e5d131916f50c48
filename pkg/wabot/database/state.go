package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known app_state keys.
const (
	KeyConfigHash     = "config_hash"
	KeyLastConnected  = "whatsapp_last_connected"
	KeyLastVitality   = "last_vitality_sent"
	KeyLastCleanupRun = "last_cleanup"
)

// GetState returns the value stored under key. ok is false when the key
// has never been written.
func (d *DB) GetState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = d.conn.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read app state %q: %w", key, err)
	}
	return value, true, nil
}

// SetState stores value under key.
func (d *DB) SetState(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := d.conn.ExecContext(ctx, `
			INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, FormatTime(d.Now()))
		if err != nil {
			return fmt.Errorf("write app state %q: %w", key, err)
		}
		return nil
	})
}

// ConfigHash returns the hash of the last applied configuration.
func (d *DB) ConfigHash(ctx context.Context) (string, error) {
	v, _, err := d.GetState(ctx, KeyConfigHash)
	return v, err
}

// SetConfigHash records the hash of the configuration just applied.
func (d *DB) SetConfigHash(ctx context.Context, hash string) error {
	return d.SetState(ctx, KeyConfigHash, hash)
}

// SetStateTime stores t under key in the store's time layout.
func (d *DB) SetStateTime(ctx context.Context, key string, t time.Time) error {
	return d.SetState(ctx, key, FormatTime(t))
}

// StateTime reads a timestamp written by SetStateTime. The zero time is
// returned for a missing key.
func (d *DB) StateTime(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := d.GetState(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return ParseTime(v)
}
