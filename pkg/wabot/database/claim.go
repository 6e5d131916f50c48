package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// ClaimOptions bounds one claim.
type ClaimOptions struct {
	// Limit is the maximum number of messages claimed at once.
	Limit int
	// Timeout after which a claimed but unfinished message may be re-claimed.
	Timeout time.Duration
	// MaxRetries is the retry ceiling for re-claiming timed-out messages.
	MaxRetries int
}

// ClaimManager hands out exclusive, time-bounded claims on pending messages.
type ClaimManager struct {
	db     *DB
	logger *slog.Logger
}

// NewClaimManager creates a claim manager over db.
func NewClaimManager(db *DB, logger *slog.Logger) *ClaimManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimManager{db: db, logger: logger.With("component", "claims")}
}

// Claim selects eligible messages and moves them to Claimed in a single
// write transaction: timed-out claims that used their last retry become
// FailedTerminal, then candidates are selected, stamped with the claim time,
// their retry counter incremented, and the full rows re-read before commit.
// Any error rolls the whole batch back.
func (c *ClaimManager) Claim(ctx context.Context, opts ClaimOptions) ([]Message, error) {
	var (
		claimed   []Message
		exhausted []string
	)
	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		claimed, exhausted = nil, nil
		now := c.db.Now()

		var err error
		exhausted, err = failExhausted(ctx, tx, now, opts.Timeout, opts.MaxRetries)
		if err != nil {
			return err
		}

		ids, err := queryForClaim(ctx, tx, now, opts.Limit, opts.Timeout, opts.MaxRetries)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		args := make([]any, 0, len(ids)+4)
		args = append(args, int(StatusClaimed), FormatTime(now), int(StatusPending), int(StatusClaimed))
		for _, id := range ids {
			args = append(args, id)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET processing_status = ?, processing_started_at = ?, retry_count = retry_count + 1
			WHERE processing_status IN (?, ?) AND id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark claimed: %w", err)
		}

		idArgs := args[4:]
		rows, err := tx.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE id IN (`+placeholders(len(ids))+`)
			ORDER BY timestamp ASC, id ASC`, idArgs...)
		if err != nil {
			return fmt.Errorf("read claimed rows: %w", err)
		}
		defer rows.Close()

		claimed, err = collectMessages(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}

	if len(exhausted) > 0 {
		c.logger.Error("abandoned claims reached the retry limit, marked failed",
			"count", len(exhausted), "ids", exhausted, "max_retries", opts.MaxRetries)
	}
	if len(claimed) > 0 {
		c.logger.Debug("messages claimed", "count", len(claimed))
	}
	return claimed, nil
}

// failExhausted moves timed-out claims whose retry counter reached maxRetries
// to FailedTerminal and returns their ids.
func failExhausted(ctx context.Context, tx *sql.Tx, now time.Time, timeout time.Duration, maxRetries int) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE processing_status = ?
		  AND processing_started_at IS NOT NULL
		  AND processing_started_at < ?
		  AND retry_count >= ?
		ORDER BY timestamp ASC, id ASC`,
		int(StatusClaimed), FormatTime(now.Add(-timeout)), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("query exhausted claims: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan exhausted claim: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query exhausted claims: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+3)
	args = append(args, int(StatusFailedTerminal), FormatTime(now), int(StatusClaimed))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET processing_status = ?, processing_completed_at = ?
		WHERE processing_status = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("mark exhausted claims failed: %w", err)
	}
	return ids, nil
}
