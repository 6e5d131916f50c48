// Package channels defines the transport contract the bot sends through and
// the bookkeeping shared by every transport: sends are recorded in the
// message store under a synthetic id so the processing loop recognizes
// them as the bot's own when they come back as incoming messages.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

// SentPrefix starts the id of every message the bot itself sent.
const SentPrefix = "sent_"

var (
	// ErrChannelDisconnected is returned when sending on a channel that is
	// not connected.
	ErrChannelDisconnected = errors.New("channel is not connected")

	// ErrSendFailed is returned when the transport rejected a message.
	ErrSendFailed = errors.New("failed to send message")
)

// Sender delivers text to a chat.
type Sender interface {
	Send(ctx context.Context, chatJID, text string) error
}

// Channel is a transport the bot runs on.
type Channel interface {
	Sender

	// Name returns the channel identifier.
	Name() string

	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// IsConnected reports whether sends can currently succeed.
	IsConnected() bool
}

// MessageStore is the part of the message store a transport writes to.
type MessageStore interface {
	Upsert(ctx context.Context, msg database.NewMessage) (bool, error)
}

// NewSentID returns a fresh id for an outgoing message sent at t.
func NewSentID(t time.Time) string {
	return fmt.Sprintf("%s%d_%s", SentPrefix, t.Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// IsSentID reports whether id was produced by NewSentID.
func IsSentID(id string) bool {
	return strings.HasPrefix(id, SentPrefix)
}

// RecordSent stores an outgoing message so it is never answered.
func RecordSent(ctx context.Context, store MessageStore, selfJID, chatJID, text string, t time.Time) (string, error) {
	id := NewSentID(t)
	content := text
	_, err := store.Upsert(ctx, database.NewMessage{
		ID:        id,
		ChatJID:   chatJID,
		Sender:    selfJID,
		Content:   &content,
		Timestamp: t,
		IsFromMe:  true,
	})
	if err != nil {
		return "", fmt.Errorf("record sent message: %w", err)
	}
	return id, nil
}

// BareUser returns the user part of a JID ("972501234567@s.whatsapp.net"
// becomes "972501234567"). Device suffixes are dropped.
func BareUser(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
