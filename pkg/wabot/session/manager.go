package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

// Session is a window of remembered context for a participant in a chat.
type Session struct {
	ID           string
	UserJID      string
	ChatJID      string
	Context      []Entry
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// Expired reports whether the session has expired at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Manager owns the chat_sessions table.
type Manager struct {
	db     *database.DB
	logger *slog.Logger
}

// NewManager creates a session manager on db.
func NewManager(db *database.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, logger: logger.With("component", "sessions")}
}

const sessionColumns = `session_id, user_jid, chat_jid, context, created_at, expires_at, last_activity`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s                          Session
		raw                        string
		created, expires, lastSeen string
	)
	if err := row.Scan(&s.ID, &s.UserJID, &s.ChatJID, &raw, &created, &expires, &lastSeen); err != nil {
		return Session{}, err
	}
	var err error
	if s.CreatedAt, err = database.ParseTime(created); err != nil {
		return Session{}, fmt.Errorf("session %s: %w", s.ID, err)
	}
	if s.ExpiresAt, err = database.ParseTime(expires); err != nil {
		return Session{}, fmt.Errorf("session %s: %w", s.ID, err)
	}
	if s.LastActivity, err = database.ParseTime(lastSeen); err != nil {
		return Session{}, fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.Context = decodeContext(raw)
	return s, nil
}

// decodeContext treats unreadable context as empty.
func decodeContext(raw string) []Entry {
	entries := []Entry{}
	if strings.TrimSpace(raw) == "" {
		return entries
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return []Entry{}
	}
	return entries
}

// GetOrCreate returns the live session of participant (or any alias) in
// chat at now. Candidates are examined newest first; expired ones met before
// the first live session are deleted. When nothing is live a new session is
// created with its expiry computed from now.
func (m *Manager) GetOrCreate(ctx context.Context, participant, chat string, p Policy, aliases []string, now time.Time) (Session, error) {
	candidates := candidateUsers(participant, aliases)
	now = now.UTC()

	var out Session
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, len(candidates)+1)
		for _, c := range candidates {
			args = append(args, c)
		}
		args = append(args, chat)

		rows, err := tx.QueryContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions
			WHERE user_jid IN (`+placeholders(len(candidates))+`) AND chat_jid = ?
			ORDER BY created_at DESC`, args...)
		if err != nil {
			return fmt.Errorf("query sessions: %w", err)
		}
		var (
			found   bool
			expired []string
		)
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if !s.Expired(now) {
				out, found = s, true
				break
			}
			expired = append(expired, s.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("query sessions: %w", err)
		}

		for _, id := range expired {
			if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE session_id = ?`, id); err != nil {
				return fmt.Errorf("delete expired session: %w", err)
			}
		}
		if found {
			return nil
		}

		expiresAt, err := p.Expiry(now)
		if err != nil {
			return err
		}
		out = Session{
			ID:           fmt.Sprintf("%s_%s_%d", participant, chat, now.Unix()),
			UserJID:      participant,
			ChatJID:      chat,
			Context:      []Entry{},
			CreatedAt:    now,
			ExpiresAt:    expiresAt,
			LastActivity: now,
		}
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO chat_sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, '[]', ?, ?, ?)`,
			out.ID, out.UserJID, out.ChatJID, database.FormatTime(out.CreatedAt),
			database.FormatTime(out.ExpiresAt), database.FormatTime(out.LastActivity))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		m.logger.Debug("session created", "session_id", out.ID, "expires_at", out.ExpiresAt)
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("get or create session: %w", err)
	}
	return out, nil
}

// Context returns the stored context of a session. A missing session has an
// empty context.
func (m *Manager) Context(ctx context.Context, sessionID string) ([]Entry, error) {
	var raw string
	err := m.db.SQL().QueryRowContext(ctx, `SELECT context FROM chat_sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session context: %w", err)
	}
	return decodeContext(raw), nil
}

// Update stores entries as the session's context, sets last activity to
// now and recomputes the expiry from now.
func (m *Manager) Update(ctx context.Context, sessionID string, entries []Entry, p Policy, now time.Time) error {
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode session context: %w", err)
	}
	expiresAt, err := p.Expiry(now)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE chat_sessions
			SET context = ?, last_activity = ?, expires_at = ?
			WHERE session_id = ?`,
			string(raw), database.FormatTime(now), database.FormatTime(expiresAt), sessionID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
}

// PruneExpired deletes every session whose expiry has passed and returns
// the number removed.
func (m *Manager) PruneExpired(ctx context.Context) (int64, error) {
	var n int64
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE expires_at <= ?`,
			database.FormatTime(m.db.Now()))
		if err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired sessions deleted", "count", n)
	}
	return n, nil
}

// ResetIfStale deletes the newest session of participant (or any alias) in
// chat when its last activity is more than staleAfter ago, so the next
// message starts fresh. It reports whether a session was deleted.
func (m *Manager) ResetIfStale(ctx context.Context, participant, chat string, aliases []string, staleAfter time.Duration) (bool, error) {
	candidates := candidateUsers(participant, aliases)
	args := make([]any, 0, len(candidates)+1)
	for _, c := range candidates {
		args = append(args, c)
	}
	args = append(args, chat)

	var deleted bool
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		deleted = false
		var id, lastSeen string
		err := tx.QueryRowContext(ctx, `SELECT session_id, last_activity FROM chat_sessions
			WHERE user_jid IN (`+placeholders(len(candidates))+`) AND chat_jid = ?
			ORDER BY created_at DESC LIMIT 1`, args...).Scan(&id, &lastSeen)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read latest session: %w", err)
		}
		last, err := database.ParseTime(lastSeen)
		if err != nil {
			return nil
		}
		if m.db.Now().Sub(last) <= staleAfter {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete stale session: %w", err)
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reset stale session: %w", err)
	}
	if deleted {
		m.logger.Info("stale session reset", "chat", chat, "stale_after", staleAfter)
	}
	return deleted, nil
}

// candidateUsers is participant followed by its distinct non-empty aliases.
func candidateUsers(participant string, aliases []string) []string {
	candidates := []string{participant}
	for _, a := range aliases {
		if a == "" || slices.Contains(candidates, a) {
			continue
		}
		candidates = append(candidates, a)
	}
	return candidates
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
