// Package database – messages.go is the durable message queue. Rows are
// written by the transport on ingestion and moved through their processing
// states by the claim manager and the orchestrator.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one persisted chat message with its processing state.
type Message struct {
	ID          string
	ChatJID     string
	Sender      string
	Content     string
	HasContent  bool
	Timestamp   time.Time
	IsFromMe    bool
	CreatedAt   time.Time
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	SyncedAt    time.Time
}

// NewMessage describes a message handed over by the transport.
type NewMessage struct {
	ID        string
	ChatJID   string
	Sender    string
	Content   *string
	Timestamp time.Time
	IsFromMe  bool
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const messageColumns = `id, chat_jid, sender, content, timestamp, is_from_me, created_at,
	processing_status, processing_started_at, processing_completed_at, retry_count, synced_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                               Message
		content, startedAt, completedAt sql.NullString
		synced                          sql.NullString
		timestamp, createdAt            string
		fromMe, status                  int
	)
	if err := row.Scan(&m.ID, &m.ChatJID, &m.Sender, &content, &timestamp, &fromMe, &createdAt,
		&status, &startedAt, &completedAt, &m.RetryCount, &synced); err != nil {
		return Message{}, err
	}

	m.Content, m.HasContent = content.String, content.Valid
	m.IsFromMe = fromMe != 0
	m.Status = Status(status)

	var err error
	if m.Timestamp, err = ParseTime(timestamp); err != nil {
		return Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	if m.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst *time.Time
	}{{startedAt, &m.StartedAt}, {completedAt, &m.CompletedAt}, {synced, &m.SyncedAt}} {
		if !f.src.Valid || f.src.String == "" {
			continue
		}
		if *f.dst, err = ParseTime(f.src.String); err != nil {
			return Message{}, fmt.Errorf("message %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// Upsert stores a message if its id is new and reports whether it was
// inserted. For an existing id only synced_at is refreshed; content and
// processing state are left untouched.
func (d *DB) Upsert(ctx context.Context, msg NewMessage) (bool, error) {
	if msg.ID == "" {
		return false, errors.New("upsert message: empty id")
	}
	now := FormatTime(d.Now())

	var content any
	if msg.Content != nil {
		content = *msg.Content
	}
	fromMe := 0
	if msg.IsFromMe {
		fromMe = 1
	}

	var inserted bool
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages
				(id, chat_jid, sender, content, timestamp, is_from_me, created_at,
				 processing_status, retry_count, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			msg.ID, msg.ChatJID, msg.Sender, content, FormatTime(msg.Timestamp), fromMe, now,
			int(StatusPending), now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if n > 0 {
			inserted = true
			return nil
		}
		inserted = false
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET synced_at = ? WHERE id = ?`, now, msg.ID); err != nil {
			return fmt.Errorf("refresh synced_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return inserted, nil
}

// Get returns the message with id, or ErrNotFound.
func (d *DB) Get(ctx context.Context, id string) (Message, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// Status returns the persisted processing state of id.
func (d *DB) Status(ctx context.Context, id string) (Status, error) {
	var s int
	err := d.conn.QueryRowContext(ctx, `SELECT processing_status FROM messages WHERE id = ?`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read status of %s: %w", id, err)
	}
	return Status(s), nil
}

// MarkCompleted moves id to Completed. Completing a completed message is a
// no-op; completing a terminally failed one returns ErrInvalidTransition.
func (d *DB) MarkCompleted(ctx context.Context, id string) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		var s int
		err := tx.QueryRowContext(ctx, `SELECT processing_status FROM messages WHERE id = ?`, id).Scan(&s)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read status of %s: %w", id, err)
		}
		current := Status(s)
		next, err := current.Complete()
		if err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if current == next {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET processing_status = ?, processing_completed_at = ?
			WHERE id = ?`, int(next), FormatTime(d.Now()), id)
		if err != nil {
			return fmt.Errorf("mark %s completed: %w", id, err)
		}
		return nil
	})
}

// MarkFailed records a failed run of id. The message returns to Pending while
// its retry counter is below maxRetries, otherwise it becomes FailedTerminal.
// The resulting state is returned.
func (d *DB) MarkFailed(ctx context.Context, id string, maxRetries int) (Status, error) {
	var next Status
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		var s, retries int
		err := tx.QueryRowContext(ctx, `SELECT processing_status, retry_count FROM messages WHERE id = ?`, id).
			Scan(&s, &retries)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read status of %s: %w", id, err)
		}

		next, err = Status(s).Fail(retries, maxRetries)
		if err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}

		if next == StatusPending {
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET processing_status = ?, processing_started_at = NULL
				WHERE id = ?`, int(next), id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET processing_status = ?, processing_completed_at = ?
				WHERE id = ?`, int(next), FormatTime(d.Now()), id)
		}
		if err != nil {
			return fmt.Errorf("mark %s failed: %w", id, err)
		}
		return nil
	})
	return next, err
}

// HasUnprocessedAfter reports whether the chat holds a received message that
// is still pending or claimed and is newer than after. A non-empty sender
// narrows the check to that sender.
func (d *DB) HasUnprocessedAfter(ctx context.Context, chatJID string, after time.Time, sender string) (bool, error) {
	query := `SELECT 1 FROM messages
		WHERE chat_jid = ? AND processing_status IN (?, ?) AND is_from_me = 0 AND timestamp > ?`
	args := []any{chatJID, int(StatusPending), int(StatusClaimed), FormatTime(after)}
	if sender != "" {
		query += ` AND sender = ?`
		args = append(args, sender)
	}
	query += ` LIMIT 1`

	var one int
	err := d.conn.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check unprocessed after: %w", err)
	}
	return true, nil
}

// QueryForClaim returns the ids eligible for a claim at the store's current
// time, oldest event first.
func (d *DB) QueryForClaim(ctx context.Context, limit int, timeout time.Duration, maxRetries int) ([]string, error) {
	return queryForClaim(ctx, d.conn, d.Now(), limit, timeout, maxRetries)
}

func queryForClaim(ctx context.Context, q querier, now time.Time, limit int, timeout time.Duration, maxRetries int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	cutoff := FormatTime(now.Add(-timeout))

	rows, err := q.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE processing_status = ?
		   OR (processing_status = ?
		       AND processing_started_at IS NOT NULL
		       AND processing_started_at < ?
		       AND retry_count < ?)
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`,
		int(StatusPending), int(StatusClaimed), cutoff, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query claim candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecentMessages returns up to limit messages of a chat, newest first.
func (d *DB) RecentMessages(ctx context.Context, chatJID string, limit int) ([]Message, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE chat_jid = ? ORDER BY timestamp DESC LIMIT ?`, chatJID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
