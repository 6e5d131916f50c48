package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MenuState is the persisted position of an in-chat configuration dialog.
// EntityIndex and Option are -1 while unset.
type MenuState struct {
	ChatJID     string
	Step        string
	EntityIndex int
	Option      int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MenuState returns the open dialog for chatJID, or ErrNotFound.
func (d *DB) MenuState(ctx context.Context, chatJID string) (MenuState, error) {
	var (
		st                 MenuState
		entity, option     sql.NullInt64
		createdAt, updated string
	)
	err := d.conn.QueryRowContext(ctx, `
		SELECT chat_jid, current_step, selected_entity_index, selected_option, created_at, updated_at
		FROM config_sessions WHERE chat_jid = ?`, chatJID).
		Scan(&st.ChatJID, &st.Step, &entity, &option, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return MenuState{}, fmt.Errorf("config session %s: %w", chatJID, ErrNotFound)
	}
	if err != nil {
		return MenuState{}, fmt.Errorf("read config session: %w", err)
	}

	st.EntityIndex, st.Option = -1, -1
	if entity.Valid {
		st.EntityIndex = int(entity.Int64)
	}
	if option.Valid {
		st.Option = int(option.Int64)
	}
	if st.CreatedAt, err = ParseTime(createdAt); err != nil {
		return MenuState{}, err
	}
	if st.UpdatedAt, err = ParseTime(updated); err != nil {
		return MenuState{}, err
	}
	return st, nil
}

// SaveMenuState creates or replaces the dialog state of st.ChatJID.
func (d *DB) SaveMenuState(ctx context.Context, st MenuState) error {
	now := FormatTime(d.Now())
	nullable := func(v int) any {
		if v < 0 {
			return nil
		}
		return v
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := d.conn.ExecContext(ctx, `
			INSERT INTO config_sessions
				(chat_jid, current_step, selected_entity_index, selected_option, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_jid) DO UPDATE SET
				current_step = excluded.current_step,
				selected_entity_index = excluded.selected_entity_index,
				selected_option = excluded.selected_option,
				updated_at = excluded.updated_at`,
			st.ChatJID, st.Step, nullable(st.EntityIndex), nullable(st.Option), now, now)
		if err != nil {
			return fmt.Errorf("save config session: %w", err)
		}
		return nil
	})
}

// DeleteMenuState closes the dialog of chatJID. Deleting a missing dialog is
// not an error.
func (d *DB) DeleteMenuState(ctx context.Context, chatJID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := d.conn.ExecContext(ctx, `DELETE FROM config_sessions WHERE chat_jid = ?`, chatJID); err != nil {
			return fmt.Errorf("delete config session: %w", err)
		}
		return nil
	})
}
