// Package console is a terminal transport: lines typed at the prompt are
// written to the message store as messages in a chat, and replies sent to
// any chat are printed. It lets the processing loop be exercised without a
// WhatsApp connection.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

// Console implements channels.Channel on a terminal.
type Console struct {
	store   channels.MessageStore
	selfJID string
	out     io.Writer
	now     func() time.Time

	mu      sync.Mutex
	chatJID string
	sender  string
	seq     atomic.Int64

	connected atomic.Bool
}

// New creates a console transport writing to store. Typed lines go to the
// self chat as the operator until /chat selects another one.
func New(store channels.MessageStore, selfJID string, out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{
		store:   store,
		selfJID: selfJID,
		out:     out,
		now:     time.Now,
		chatJID: selfJID,
		sender:  channels.BareUser(selfJID),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect marks the console as ready.
func (c *Console) Connect(context.Context) error {
	c.connected.Store(true)
	return nil
}

// Disconnect marks the console as closed.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	return nil
}

// IsConnected reports whether Connect was called.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Chat returns the chat typed lines go to and the sender they come from.
func (c *Console) Chat() (chatJID, sender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatJID, c.sender
}

// SetChat directs typed lines to chatJID as sender. An empty sender means
// the operator.
func (c *Console) SetChat(chatJID, sender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatJID = chatJID
	c.sender = sender
	if sender == "" {
		c.sender = channels.BareUser(c.selfJID)
	}
}

// Send prints text and records it as sent.
func (c *Console) Send(ctx context.Context, chatJID, text string) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if _, err := fmt.Fprintf(c.out, "[bot -> %s]\n%s\n", chatJID, text); err != nil {
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	if _, err := channels.RecordSent(ctx, c.store, c.selfJID, chatJID, text, c.now()); err != nil {
		return err
	}
	return nil
}

// Ingest stores text as a new message in the current chat and returns its
// id.
func (c *Console) Ingest(ctx context.Context, text string) (string, error) {
	chat, sender := c.Chat()
	now := c.now()
	id := fmt.Sprintf("console_%d_%d", now.UnixNano(), c.seq.Add(1))
	content := text
	_, err := c.store.Upsert(ctx, database.NewMessage{
		ID:        id,
		ChatJID:   chat,
		Sender:    sender,
		Content:   &content,
		Timestamp: now,
		IsFromMe:  sender == channels.BareUser(c.selfJID),
	})
	if err != nil {
		return "", fmt.Errorf("store console message: %w", err)
	}
	return id, nil
}

// Run reads lines until EOF, /quit, or ctx is done.
//
// Commands:
//
//	/chat <jid> [sender]  type into another chat, optionally as someone else
//	/self                 back to the self chat
//	/quit                 leave
func (c *Console) Run(ctx context.Context, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/self":
			c.SetChat(c.selfJID, "")
		case strings.HasPrefix(line, "/chat"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				fmt.Fprintln(c.out, "usage: /chat <jid> [sender]")
				continue
			}
			sender := ""
			if len(fields) > 2 {
				sender = fields[2]
			}
			c.SetChat(fields[1], sender)
		default:
			if _, err := c.Ingest(ctx, line); err != nil {
				fmt.Fprintln(c.out, "error:", err)
			}
			continue
		}
		rl.SetPrompt(c.prompt())
	}
}

func (c *Console) prompt() string {
	chat, sender := c.Chat()
	return fmt.Sprintf("%s@%s> ", sender, chat)
}
