// Package agent runs the processing loop: it claims stored messages, decides
// whether each one gets a reply, asks the completion provider for it and
// keeps the conversation's session memory up to date.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/llm"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/session"
)

// Completer produces a reply for a system prompt and messages.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, messages []llm.Message) (string, error)
}

// CompleterFactory builds the completer for a provider configuration.
type CompleterFactory func(cfg config.PerplexityConfig) Completer

// Options configures an Orchestrator.
type Options struct {
	DB     *database.DB
	Sender channels.Sender
	Config *config.Config

	// ConfigPath enables the in-chat configuration menu of the self chat.
	ConfigPath string

	// NewCompleter defaults to the Perplexity client.
	NewCompleter CompleterFactory

	// Interval overrides polling.interval_seconds when positive.
	Interval time.Duration

	Logger *slog.Logger
}

// snapshot is the configuration-derived state of one load. It is replaced
// as a whole, never modified.
type snapshot struct {
	cfg       *config.Config
	dir       *config.Directory
	completer Completer
}

// Orchestrator is the per-message decision pipeline and the loop that
// drives it.
type Orchestrator struct {
	db       *database.DB
	claims   *database.ClaimManager
	sessions *session.Manager
	sender   channels.Sender
	menu     *ConfigMenu
	watcher  *config.ConfigWatcher
	logger   *slog.Logger

	newCompleter CompleterFactory
	interval     time.Duration
	state        atomic.Pointer[snapshot]

	// cycleMu admits one claim-and-process cycle at a time.
	cycleMu sync.Mutex
	wg      sync.WaitGroup

	// lastReply is the last reply sent per chat, for echo suppression.
	lastMu    sync.Mutex
	lastReply map[string]string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator and applies opts.Config.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.NewCompleter
	if factory == nil {
		factory = func(cfg config.PerplexityConfig) Completer { return llm.New(cfg, logger) }
	}

	o := &Orchestrator{
		db:           opts.DB,
		claims:       database.NewClaimManager(opts.DB, logger),
		sessions:     session.NewManager(opts.DB, logger),
		sender:       opts.Sender,
		logger:       logger.With("component", "agent"),
		newCompleter: factory,
		interval:     opts.Interval,
		lastReply:    make(map[string]string),
		now:          time.Now,
		sleep:        sleepContext,
	}
	if opts.ConfigPath != "" {
		o.menu = NewConfigMenu(opts.DB, opts.ConfigPath, logger)
	}
	o.ApplyConfig(opts.Config)
	return o
}

// SetWatcher makes every cycle start by checking for a changed
// configuration. The watcher's onChange should be ApplyConfig.
func (o *Orchestrator) SetWatcher(w *config.ConfigWatcher) { o.watcher = w }

// ApplyConfig swaps in cfg together with the policy directory and the
// completion client built from it.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.state.Store(&snapshot{
		cfg:       cfg,
		dir:       config.NewDirectory(cfg),
		completer: o.newCompleter(cfg.Perplexity),
	})
	o.logger.Info("configuration applied",
		"conversations", o.current().dir.Len(),
		"model", cfg.Perplexity.Model)
}

// Config returns the configuration in use.
func (o *Orchestrator) Config() *config.Config { return o.current().cfg }

// Directory returns the policy directory in use.
func (o *Orchestrator) Directory() *config.Directory { return o.current().dir }

func (o *Orchestrator) current() *snapshot { return o.state.Load() }

func (o *Orchestrator) pollInterval() time.Duration {
	if o.interval > 0 {
		return o.interval
	}
	return time.Duration(o.current().cfg.Polling.IntervalSeconds) * time.Second
}

// Run starts a cycle every polling interval until ctx is done, then waits
// for the cycle in flight. Ticks that find a cycle running are dropped.
// In-flight messages are not cancelled by ctx.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycleCtx := context.WithoutCancel(ctx)
	o.logger.Info("processing loop started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			o.logger.Info("processing loop stopped")
			return
		case <-ticker.C:
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.RunCycle(cycleCtx)
			}()
			if next := o.pollInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				o.logger.Info("polling interval changed", "interval", interval)
			}
		}
	}
}

// RunCycle claims a batch and processes it. It returns the number of
// messages claimed, and false when another cycle was already running.
func (o *Orchestrator) RunCycle(ctx context.Context) (int, bool) {
	if !o.cycleMu.TryLock() {
		o.logger.Debug("cycle in progress, skipping")
		return 0, false
	}
	defer o.cycleMu.Unlock()

	if o.watcher != nil {
		o.watcher.MaybeReload(ctx)
	}

	p := o.current().cfg.Polling
	msgs, err := o.claims.Claim(ctx, database.ClaimOptions{
		Limit:      p.MaxConcurrentMessages,
		Timeout:    time.Duration(p.ProcessingTimeoutSeconds) * time.Second,
		MaxRetries: p.MaxRetries,
	})
	if err != nil {
		o.logger.Error("claim failed", "error", err)
		return 0, true
	}
	if len(msgs) == 0 {
		return 0, true
	}

	o.logger.Info("processing messages", "count", len(msgs))
	for _, msg := range msgs {
		o.handle(ctx, msg, p.MaxRetries)
	}
	return len(msgs), true
}

// handle processes one claimed message and records the outcome.
func (o *Orchestrator) handle(ctx context.Context, msg database.Message, maxRetries int) {
	if err := o.process(ctx, msg); err != nil {
		status, mErr := o.db.MarkFailed(ctx, msg.ID, maxRetries)
		if mErr != nil {
			o.logger.Error("failed to record failure", "id", msg.ID, "error", mErr, "cause", err)
			return
		}
		if status == database.StatusFailedTerminal {
			o.logger.Error("message failed permanently", "id", msg.ID, "chat", msg.ChatJID,
				"retries", msg.RetryCount, "error", err)
			return
		}
		o.logger.Warn("message failed, will retry", "id", msg.ID, "chat", msg.ChatJID,
			"retries", msg.RetryCount, "error", err)
		return
	}
	if err := o.db.MarkCompleted(ctx, msg.ID); err != nil {
		o.logger.Error("failed to mark message completed", "id", msg.ID, "error", err)
	}
}

// process runs the pipeline, converting a panic into an error.
func (o *Orchestrator) process(ctx context.Context, msg database.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing message %s: %v", msg.ID, r)
		}
	}()
	return o.processMessage(ctx, msg)
}

// processMessage decides whether msg gets a reply and sends it. A nil
// return completes the message, replied to or not.
func (o *Orchestrator) processMessage(ctx context.Context, msg database.Message) error {
	log := o.logger.With("id", msg.ID, "chat", msg.ChatJID)

	status, err := o.db.Status(ctx, msg.ID)
	if err != nil {
		return err
	}
	if status == database.StatusCompleted {
		log.Info("message already completed, skipping")
		return nil
	}

	snap := o.current()
	selfJID := snap.dir.SelfJID()
	isSelf := snap.dir.IsSelf(msg.ChatJID)

	if isBotOriginated(msg, selfJID) {
		log.Debug("skipping bot-originated message")
		return nil
	}
	if !isSelf && msg.IsFromMe && o.isLastReply(msg.ChatJID, msg.Content) {
		log.Info("skipping echo of own reply")
		return nil
	}

	conv, ok := snap.dir.Lookup(msg.ChatJID)
	if !ok {
		log.Debug("chat not active, skipping")
		return nil
	}
	if !msg.HasContent || strings.TrimSpace(msg.Content) == "" {
		log.Debug("message has no text, skipping")
		return nil
	}

	content := msg.Content
	participant := msg.Sender
	var aliases []string

	if conv.Kind == config.KindSelf {
		participant = selfJID
		aliases = []string{channels.BareUser(selfJID)}

		if o.menu != nil {
			reply, handled, err := o.menu.Handle(ctx, snap.cfg, msg.ChatJID, content)
			if err != nil {
				return fmt.Errorf("config menu: %w", err)
			}
			if handled {
				if err := o.sender.Send(ctx, msg.ChatJID, reply); err != nil {
					return fmt.Errorf("send config menu reply: %w", err)
				}
				o.rememberReply(msg.ChatJID, reply)
				return nil
			}
		}

		if reset, err := o.sessions.ResetIfStale(ctx, participant, msg.ChatJID, aliases, conv.StaleAfter); err != nil {
			log.Warn("failed to check stale self session", "error", err)
		} else if reset {
			log.Info("stale self session reset")
		}
	} else {
		if conv.HeyBot {
			found, rest := CheckWakeWord(content)
			if !found {
				log.Info("no wake word, ignoring")
				return nil
			}
			if strings.TrimSpace(rest) == "" {
				log.Info("nothing after wake word, ignoring")
				return nil
			}
			content = rest
		}

		if conv.ResponseDelay > 0 && !o.waitForHuman(ctx, msg, conv.ResponseDelay) {
			log.Info("newer message arrived within response delay, not replying",
				"delay", conv.ResponseDelay)
			return nil
		}
	}

	prompt := resolvePrompt(conv.Prompt, conv.PromptIsFile, log)
	eventTime := msg.Timestamp.UTC()

	sess, err := o.sessions.GetOrCreate(ctx, participant, msg.ChatJID, conv.Memory, aliases, eventTime)
	if err != nil {
		return err
	}
	entries, err := o.sessions.Context(ctx, sess.ID)
	if err != nil {
		return err
	}
	entries = session.Prune(entries, conv.Memory, eventTime, session.MaxEntries)
	contextText := session.Render(entries)
	augmented := systemPrompt(prompt, contextText)

	if conv.Debug {
		if err := o.sender.Send(ctx, msg.ChatJID, debugMessage(content, augmented, conv.Persona, contextText)); err != nil {
			log.Warn("failed to send debug info", "error", err)
		}
	}

	reply := o.complete(ctx, snap.completer, augmented, msg.Sender, content, log)
	if err := o.sender.Send(ctx, msg.ChatJID, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	o.rememberReply(msg.ChatJID, reply)

	replyTime := o.now().UTC()
	updated := append(slices.Clone(entries),
		session.NewEntry(session.RoleUser, contextUserEntry(msg.Sender, content), eventTime),
		session.NewEntry(session.RoleAssistant, reply, replyTime),
	)
	updated = session.Prune(updated, conv.Memory, replyTime, session.MaxEntries)
	if err := o.sessions.Update(ctx, sess.ID, updated, conv.Memory, replyTime); err != nil {
		log.Warn("failed to update session context", "session_id", sess.ID, "error", err)
	}

	log.Info("message processed", "kind", conv.Kind.String(), "context_entries", len(updated))
	return nil
}

// complete asks the provider for a reply. Provider failures become an
// apology sent to the chat.
func (o *Orchestrator) complete(ctx context.Context, c Completer, prompt, sender, content string, log *slog.Logger) string {
	if strings.TrimSpace(content) == "" {
		return EmptyContentReply
	}
	reply, err := c.Complete(ctx, prompt, []llm.Message{
		{Role: llm.RoleUser, Content: userMessage(sender, content)},
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) {
			log.Error("completion failed", "kind", apiErr.Kind.String(), "error", err)
		} else {
			log.Error("completion failed", "error", err)
		}
		return errorReply(err)
	}
	return reply
}

// isBotOriginated reports whether msg was sent by the bot: a recorded send,
// or a sender carrying the operator's full JID.
func isBotOriginated(msg database.Message, selfJID string) bool {
	if channels.IsSentID(msg.ID) {
		return true
	}
	return selfJID != "" && strings.HasSuffix(msg.Sender, selfJID)
}

func (o *Orchestrator) rememberReply(chat, reply string) {
	o.lastMu.Lock()
	defer o.lastMu.Unlock()
	o.lastReply[chat] = reply
}

func (o *Orchestrator) isLastReply(chat, content string) bool {
	o.lastMu.Lock()
	defer o.lastMu.Unlock()
	last, ok := o.lastReply[chat]
	return ok && last != "" && last == content
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
