// Package whatsapp – events.go turns whatsmeow events into message store
// rows and connection state changes.
package whatsapp

import (
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggedOut    ConnectionState = "logged_out"
	StateBanned       ConnectionState = "banned"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.HistorySync:
		w.handleHistorySync(evt)

	case *events.Connected:
		w.handleConnected()

	case *events.Disconnected:
		w.handleDisconnected()

	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		w.logger.Error("stream replaced, another client connected with this session")

	case *events.LoggedOut:
		w.setState(StateLoggedOut)
		w.connected.Store(false)
		w.logger.Error("logged out, run: wabot whatsapp link",
			"reason", evt.Reason.String(), "on_connect", evt.OnConnect)

	case *events.TemporaryBan:
		w.setState(StateBanned)
		w.connected.Store(false)
		w.logger.Error("temporary ban", "code", evt.Code.String(), "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		w.errorCount.Add(1)
		w.logger.Warn("keep-alive timeout", "error_count", evt.ErrorCount)
		// Three misses in a row usually means a half-open connection.
		if evt.ErrorCount >= 3 && w.getState() == StateConnected {
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.errorCount.Store(0)
		w.logger.Info("keep-alive restored")

	case *events.ConnectFailure:
		w.setState(StateDisconnected)
		w.connected.Store(false)
		permanent := evt.PermanentDisconnectDescription()
		w.logger.Error("connect failure",
			"reason", evt.Reason.String(), "message", evt.Message, "permanent", permanent)
		if permanent == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.PairSuccess:
		w.logger.Info("device paired", "jid", evt.ID.String(), "platform", evt.Platform)
	}
}

func (w *WhatsApp) handleConnected() {
	now := w.now()
	w.setState(StateConnected)
	w.connected.Store(true)
	w.errorCount.Store(0)
	w.reconnectAttempts.Store(0)
	w.UpdateLastMsgTime()

	w.logger.Info("connected", "jid", w.clientJID())

	if w.store != nil {
		if err := w.store.SetStateTime(w.ctx, database.KeyLastConnected, now); err != nil {
			w.logger.Warn("failed to record connection time", "error", err)
		}
	}
}

func (w *WhatsApp) handleDisconnected() {
	previous := w.getState()
	w.setState(StateDisconnected)
	w.connected.Store(false)
	w.logger.Warn("disconnected", "previous", string(previous))

	if previous == StateConnected && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// handleMessageEvt stores a live message.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	w.UpdateLastMsgTime()
	if msg, ok := w.toNewMessage(evt); ok {
		if w.ingest(msg) {
			w.logger.Debug("message stored", "id", msg.ID, "chat", msg.ChatJID, "from_me", msg.IsFromMe)
		}
	}
}

// handleHistorySync stores synced messages newer than the lookback window.
func (w *WhatsApp) handleHistorySync(evt *events.HistorySync) {
	if w.client == nil || evt.Data == nil {
		return
	}
	cutoff := w.now().Add(-w.lookbackWindow())

	stored := 0
	for _, conv := range evt.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			parsed, err := w.client.ParseWebMessage(chat, hm.GetMessage())
			if err != nil || parsed.Info.Timestamp.Before(cutoff) {
				continue
			}
			if msg, ok := w.toNewMessage(parsed); ok && w.ingest(msg) {
				stored++
			}
		}
	}
	if stored > 0 {
		w.logger.Info("history sync stored messages", "count", stored)
	}
}

// toNewMessage converts an event into a store row. ok is false for chats
// the filter rejects and for status broadcasts.
func (w *WhatsApp) toNewMessage(evt *events.Message) (database.NewMessage, bool) {
	if evt == nil || evt.Info.Chat.Server == types.BroadcastServer {
		return database.NewMessage{}, false
	}

	chat := w.resolveJID(evt.Info.Chat)
	if !w.accepts(chat) {
		return database.NewMessage{}, false
	}

	msg := database.NewMessage{
		ID:        string(evt.Info.ID),
		ChatJID:   chat,
		Sender:    channels.BareUser(w.resolveJID(evt.Info.Sender)),
		Timestamp: evt.Info.Timestamp,
		IsFromMe:  evt.Info.IsFromMe,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = w.now()
	}
	if text, ok := messageText(evt.Message); ok {
		msg.Content = &text
	}
	return msg, true
}

// resolveJID maps a LID to the phone number JID when the mapping is known
// and drops the device part.
func (w *WhatsApp) resolveJID(jid types.JID) string {
	if jid.Server == types.HiddenUserServer && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
			jid = alt
		}
	}
	return jid.ToNonAD().String()
}

// messageText extracts the text of a message. ok is false for messages
// without text, such as stickers or reactions.
func messageText(m *waE2E.Message) (string, bool) {
	if m == nil {
		return "", false
	}
	if m.Conversation != nil {
		return m.GetConversation(), true
	}
	if ext := m.ExtendedTextMessage; ext != nil {
		return ext.GetText(), true
	}
	if img := m.ImageMessage; img != nil && img.GetCaption() != "" {
		return img.GetCaption(), true
	}
	if vid := m.VideoMessage; vid != nil && vid.GetCaption() != "" {
		return vid.GetCaption(), true
	}
	if doc := m.DocumentMessage; doc != nil && doc.GetCaption() != "" {
		return doc.GetCaption(), true
	}
	return "", false
}

// ---------- Helpers ----------

// parseJID converts a string JID to types.JID.
// Accepts "5511999999999", "+55 11 99999-9999",
// "5511999999999@s.whatsapp.net" or group ids like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 7 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// UpdateLastMsgTime records activity for the health monitor.
func (w *WhatsApp) UpdateLastMsgTime() {
	w.lastMsg.Store(time.Now())
}

func (w *WhatsApp) getLastMsgTime() time.Time {
	if v := w.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}
