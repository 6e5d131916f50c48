package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// Stats summarizes the store's contents.
type Stats struct {
	TotalMessages  int
	ByStatus       map[Status]int
	ActiveSessions int
	TotalSessions  int
	SizeBytes      int64
	LastConnected  time.Time
	SchemaVersion  int
}

// DeleteMessagesBefore removes messages ingested before cutoff and returns
// how many were deleted.
func (d *DB) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, FormatTime(cutoff))
		if err != nil {
			return fmt.Errorf("delete old messages: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CleanupOldMessages deletes messages older than retentionDays.
func (d *DB) CleanupOldMessages(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := d.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := d.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("old messages deleted", "count", n, "retention_days", retentionDays)
	}
	return n, nil
}

// CompleteOutstanding marks every pending or claimed message completed and
// drops all sessions. It backs the fresh-start option, which skips whatever
// arrived while the bot was down.
func (d *DB) CompleteOutstanding(ctx context.Context) (messages, sessions int64, err error) {
	err = d.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET processing_status = ?, processing_completed_at = ?
			WHERE processing_status IN (?, ?)`,
			int(StatusCompleted), FormatTime(d.Now()), int(StatusPending), int(StatusClaimed))
		if err != nil {
			return fmt.Errorf("complete outstanding messages: %w", err)
		}
		if messages, err = res.RowsAffected(); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM chat_sessions`)
		if err != nil {
			return fmt.Errorf("clear sessions: %w", err)
		}
		sessions, err = res.RowsAffected()
		return err
	})
	return messages, sessions, err
}

// Reset deletes all messages, sessions and config menu state. Schema and
// app state are kept.
func (d *DB) Reset(ctx context.Context) error {
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"messages", "chat_sessions", "config_sessions"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset database: %w", err)
	}
	d.logger.Warn("database reset: all messages and sessions deleted")
	return nil
}

// Vacuum reclaims free pages.
func (d *DB) Vacuum(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Stats collects counts for the stats command.
func (d *DB) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: make(map[Status]int)}

	rows, err := d.conn.QueryContext(ctx, `SELECT processing_status, COUNT(*) FROM messages GROUP BY processing_status`)
	if err != nil {
		return st, fmt.Errorf("count messages: %w", err)
	}
	for rows.Next() {
		var s, n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan message count: %w", err)
		}
		st.ByStatus[Status(s)] = n
		st.TotalMessages += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("count messages: %w", err)
	}

	now := FormatTime(d.Now())
	err = d.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0)
		FROM chat_sessions`, now).Scan(&st.TotalSessions, &st.ActiveSessions)
	if err != nil {
		return st, fmt.Errorf("count sessions: %w", err)
	}

	if st.LastConnected, err = d.StateTime(ctx, KeyLastConnected); err != nil {
		return st, err
	}
	if st.SchemaVersion, err = d.migrator.CurrentVersion(ctx); err != nil {
		return st, err
	}
	if info, err := os.Stat(d.config.Path); err == nil {
		st.SizeBytes = info.Size()
	}
	return st, nil
}
