// Package whatsapp implements the WhatsApp transport using whatsmeow, a
// native Go WhatsApp Web API library.
//
// The transport has two jobs. Incoming text messages of the chats the bot
// watches are written to the message store as they arrive (and from history
// sync, within a lookback window), where the processing loop claims them.
// Outgoing replies are sent as plain text and recorded in the same store
// under a synthetic id.
//
// Features:
//   - QR code login with persistent session
//   - LID to phone number resolution for chats and senders
//   - Automatic reconnection with backoff
//   - Proactive health monitoring
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// sendTimeout bounds a single send.
const sendTimeout = 30 * time.Second

// Store is the part of the bot database the transport writes to.
type Store interface {
	channels.MessageStore
	SetStateTime(ctx context.Context, key string, t time.Time) error
}

// QREvent represents a QR code event sent to observers.
type QREvent struct {
	// Type is "code", "success", "timeout" or "error".
	Type    string
	Code    string
	Message string
}

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	store  Store
	logger *slog.Logger
	now    func() time.Time

	// accept decides which chats are ingested. nil accepts all.
	acceptMu sync.RWMutex
	accept   func(chatJID string) bool
	lookback time.Duration

	connected         atomic.Bool
	state             atomic.Value // ConnectionState
	lastMsg           atomic.Value // time.Time
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp transport. store may be nil, in which case nothing
// is ingested or recorded.
func New(cfg Config, store Store, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "wabot"
	}

	w := &WhatsApp{
		cfg:      cfg,
		store:    store,
		logger:   logger.With("component", "whatsapp"),
		now:      time.Now,
		lookback: 24 * time.Hour,
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.setState(StateDisconnected)
	return w
}

// SetFilter sets the predicate selecting the chats whose messages are
// ingested.
func (w *WhatsApp) SetFilter(accept func(chatJID string) bool) {
	w.acceptMu.Lock()
	defer w.acceptMu.Unlock()
	w.accept = accept
}

// SetLookback sets how far back history sync messages are ingested.
func (w *WhatsApp) SetLookback(d time.Duration) {
	w.acceptMu.Lock()
	defer w.acceptMu.Unlock()
	w.lookback = d
}

func (w *WhatsApp) accepts(chatJID string) bool {
	w.acceptMu.RLock()
	defer w.acceptMu.RUnlock()
	return w.accept == nil || w.accept(chatJID)
}

func (w *WhatsApp) lookbackWindow() time.Duration {
	w.acceptMu.RLock()
	defer w.acceptMu.RUnlock()
	return w.lookback
}

// ---------- State Management ----------

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// GetState returns the current connection state.
func (w *WhatsApp) GetState() ConnectionState {
	return w.getState()
}

// SelfJID is the operator's own chat JID.
func (w *WhatsApp) SelfJID() string {
	return strings.TrimLeft(w.cfg.PhoneNumber, "+") + "@" + types.DefaultUserServer
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// ---------- QR Code Subscription ----------

// SubscribeQR registers a channel to receive QR code events. Returns an
// unsubscribe function.
func (w *WhatsApp) SubscribeQR() (<-chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrObserversMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	w.qrObserversMu.Unlock()

	return ch, func() {
		w.qrObserversMu.Lock()
		defer w.qrObserversMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()
	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
			// Observer too slow, skip.
		}
	}
}

// ---------- Channel Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the session store and connects. Without a linked device
// the QR login runs in the background and codes are delivered to
// SubscribeQR observers.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	container, err := openContainer(w.ctx, w.cfg.SessionDB, w.logger)
	if err != nil {
		w.setState(StateDisconnected)
		return err
	}

	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, newLogAdapter(w.logger, "client"))
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("no linked device, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("QR login failed", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	w.logger.Info("connecting with existing session", "jid", w.clientJID())
	w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
	return nil
}

// WaitConnected blocks until the connection is up, ctx is done, or timeout
// elapses.
func (w *WhatsApp) WaitConnected(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for !w.connected.Load() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for whatsapp connection: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Disconnect closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.logger.Info("disconnected")
	return nil
}

// Send sends text to chatJID and records it in the store.
func (w *WhatsApp) Send(ctx context.Context, chatJID, text string) error {
	if !w.connected.Load() || w.client == nil {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(chatJID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", chatJID, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, err = w.client.SendMessage(sendCtx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}

	if w.store != nil {
		if _, err := channels.RecordSent(ctx, w.store, w.SelfJID(), jid.String(), text, w.now()); err != nil {
			w.logger.Warn("failed to record sent message", "chat", jid.String(), "error", err)
		}
	}
	return nil
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// NeedsQR returns true if no device is linked yet.
func (w *WhatsApp) NeedsQR() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

// ---------- Internal ----------

// openContainer opens the whatsmeow device store.
func openContainer(ctx context.Context, path string, logger *slog.Logger) (*sqlstore.Container, error) {
	if path == "" {
		path = DefaultConfig().SessionDB
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path),
		newLogAdapter(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	return container, nil
}

// loginWithQR drives the QR login flow, forwarding codes to observers.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.setState(StateWaitingQR)
				w.notifyQR(QREvent{Type: "code", Code: evt.Code,
					Message: "Scan the QR code with WhatsApp to link your device"})
			case "success":
				w.logger.Info("login successful")
				w.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked successfully"})
				w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
				return nil
			case "timeout":
				w.setState(StateDisconnected)
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect reconnects with linear backoff until it succeeds, the
// context ends, or MaxReconnectAttempts is reached.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		w.logger.Debug("reconnect already in progress, skipping")
		return
	}
	defer w.reconnectGuard.Store(false)

	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("max reconnect attempts reached", "attempts", attempts)
			w.setState(StateDisconnected)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff()*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		// Clear stale websocket state before reconnecting.
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("reconnect attempt failed, will retry", "attempt", attempts, "error", err)
			continue
		}
		// The Connected event updates the state.
		return
	}
}

// ingest stores one message and reports whether it was new.
func (w *WhatsApp) ingest(msg database.NewMessage) bool {
	if w.store == nil {
		return false
	}
	inserted, err := w.store.Upsert(w.ctx, msg)
	if err != nil {
		w.errorCount.Add(1)
		w.logger.Error("failed to store message", "id", msg.ID, "chat", msg.ChatJID, "error", err)
		return false
	}
	return inserted
}
