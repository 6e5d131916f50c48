package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/agent"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels/whatsapp"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/scheduler"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/session"
)

// watchInterval is how often the config watcher re-hashes the file between
// file system events.
const watchInterval = 5 * time.Second

// newServeCmd creates the `wabot serve` command that runs the bot.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp and answer monitored chats",
		Long: `Connect to WhatsApp, store incoming messages of monitored chats and
answer them. Without a linked device a QR code is printed first.

Examples:
  wabot serve
  wabot serve --config ./config.yaml --polling-interval 2
  wabot serve --dry-run --no-vitality`,
		RunE: runServe,
	}

	f := cmd.Flags()
	f.Bool("reset-db", false, "delete all messages and sessions before starting")
	f.Bool("fresh-start", false, "mark messages left from a previous run as processed")
	f.Bool("no-vitality", false, "do not send the daily vitality message")
	f.Bool("no-polling", false, "store messages but do not process them")
	f.Bool("no-startup-validation", false, "do not send the startup message to self")
	f.Int("polling-interval", 0, "override polling.interval_seconds")
	f.Bool("dry-run", false, "log replies instead of sending them")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	flags := cmd.Flags()
	resetDB, _ := flags.GetBool("reset-db")
	freshStart, _ := flags.GetBool("fresh-start")
	noVitality, _ := flags.GetBool("no-vitality")
	noPolling, _ := flags.GetBool("no-polling")
	noStartup, _ := flags.GetBool("no-startup-validation")
	pollSeconds, _ := flags.GetInt("polling-interval")
	dryRun, _ := flags.GetBool("dry-run")

	// ── Resolve secrets ──
	config.AuditSecrets(cfg, logger)
	if !config.ResolveAPIKey(cfg, logger) {
		logger.Warn("replies will fail until an API key is configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Prepare the store ──
	if resetDB {
		if err := a.db.Reset(ctx); err != nil {
			return err
		}
		logger.Info("database reset")
	}
	if freshStart {
		msgs, sessions, err := a.db.CompleteOutstanding(ctx)
		if err != nil {
			return err
		}
		logger.Info("fresh start: skipped outstanding messages",
			"messages", msgs, "sessions_cleared", sessions)
	}

	// ── Transport ──
	wa := whatsapp.New(cfg.WhatsApp, a.db, logger)
	wa.SetLookback(time.Duration(cfg.Polling.LookbackHours) * time.Hour)

	var sender channels.Sender = wa
	if dryRun {
		sender = &dryRunSender{store: a.db, selfJID: cfg.SelfJID(), logger: logger}
		logger.Info("dry run: replies are logged, not sent")
	}

	// ── Processing ──
	var interval time.Duration
	if pollSeconds > 0 {
		interval = time.Duration(pollSeconds) * time.Second
	}
	orch := agent.New(agent.Options{
		DB:         a.db,
		Sender:     sender,
		Config:     cfg,
		ConfigPath: a.path,
		Interval:   interval,
		Logger:     logger,
	})
	wa.SetFilter(func(chatJID string) bool { return orch.Directory().Monitored(chatJID) })

	sched, err := newHousekeeping(a, sender, !noVitality)
	if err != nil {
		return err
	}

	// ── Config watcher ──
	watcher := config.NewConfigWatcher(a.path, watchInterval, func(next *config.Config) {
		applyFlagOverrides(cmd, next)
		orch.ApplyConfig(next)
		wa.SetLookback(time.Duration(next.Polling.LookbackHours) * time.Hour)
		if err := sched.Configure(next); err != nil {
			logger.Error("failed to reschedule jobs", "error", err)
		}
	}, logger)
	watcher.SetHashStore(a.db)
	watcher.SetLoader(func(path string) (*config.Config, error) {
		next, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		config.ResolveAPIKey(next, logger)
		return next, nil
	})
	if _, err := watcher.Init(ctx); err != nil {
		logger.Warn("failed to record config hash", "error", err)
	}
	orch.SetWatcher(watcher)
	go watcher.Start(ctx)

	// ── Connect ──
	qrEvents, unsubscribe := wa.SubscribeQR()
	go printQREvents(qrEvents, os.Stdout)
	if err := wa.Connect(ctx); err != nil {
		unsubscribe()
		return fmt.Errorf("connecting to WhatsApp: %w", err)
	}
	defer wa.Disconnect()

	if err := wa.WaitConnected(ctx, 10*time.Minute); err != nil {
		unsubscribe()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	unsubscribe()
	logger.Info("WhatsApp connected", "jid", wa.SelfJID())

	if !noStartup {
		if err := sender.Send(ctx, cfg.SelfJID(), startupMessage(time.Now(), len(cfg.MonitoredEntities))); err != nil {
			logger.Warn("failed to send startup message", "error", err)
		}
	}

	// ── Start ──
	runDone := make(chan struct{})
	if noPolling {
		logger.Info("polling disabled, messages are stored only")
		close(runDone)
	} else {
		go func() {
			defer close(runDone)
			orch.Run(ctx)
		}()
	}
	sched.Start(ctx)

	logger.Info("wabot running. Press Ctrl+C to stop.",
		"monitored", orch.Directory().Len(),
		"interval", orch.Config().Polling.IntervalSeconds,
		"model", cfg.Perplexity.Model,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		sched.Stop()
		<-runDone
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timed out after 30s, forcing exit")
	}
	return nil
}

// newHousekeeping builds the scheduler of the vitality and rotation jobs
// for a's configuration.
func newHousekeeping(a *app, sender channels.Sender, vitality bool) (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.db, session.NewManager(a.db, a.logger), sender, a.logger)
	if !vitality {
		sched.DisableVitality()
	}
	if err := sched.Configure(a.cfg); err != nil {
		return nil, err
	}
	return sched, nil
}

func startupMessage(now time.Time, monitored int) string {
	return fmt.Sprintf("🤖 WhatsApp Bot Started\nTimestamp: %s\nStatus: All systems operational\nMonitored entities: %d",
		now.Format(time.DateTime), monitored)
}

// printQREvents renders pairing codes until the subscription is closed.
func printQREvents(events <-chan whatsapp.QREvent, out io.Writer) {
	for evt := range events {
		switch evt.Type {
		case "code":
			fmt.Fprintln(out, "\nScan this QR code in WhatsApp > Linked devices > Link a device:")
			whatsapp.PrintQR(out, evt.Code)
		case "success":
			fmt.Fprintln(out, "Device linked.")
		case "timeout":
			fmt.Fprintln(out, "QR code expired. Restart to get a new one.")
		case "error":
			fmt.Fprintln(out, "Pairing failed:", evt.Message)
		}
	}
}

// dryRunSender logs replies and records them as sent so they are treated
// like real sends everywhere else.
type dryRunSender struct {
	store   channels.MessageStore
	selfJID string
	logger  *slog.Logger
}

func (s *dryRunSender) Send(ctx context.Context, chatJID, text string) error {
	s.logger.Info("dry run: message not sent", "chat", chatJID, "chars", len(text))
	s.logger.Debug("dry run message", "chat", chatJID, "text", text)
	_, err := channels.RecordSent(ctx, s.store, s.selfJID, chatJID, text, time.Now())
	return err
}
