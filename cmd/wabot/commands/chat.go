package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/agent"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels/console"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
)

// newChatCmd creates `wabot chat`, a terminal session against the real
// processing loop without a WhatsApp connection.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot from the terminal",
		Long: `Start a console session. Lines you type are stored as messages in your
own chat (or the chat picked with --chat or /chat) and processed exactly as
WhatsApp messages are, so the configuration can be tried without a phone.

Commands inside the session:
  /chat <jid> [sender]   type into another chat
  /self                  back to your own chat
  /quit                  leave

Examples:
  wabot chat
  wabot chat --chat 120363000000000000@g.us --sender 15550001111`,
		RunE: runChat,
	}
	cmd.Flags().String("chat", "", "chat JID to start in (default: your own chat)")
	cmd.Flags().String("sender", "", "sender number to type as")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	// Keep the prompt readable unless a level was asked for.
	root := cmd.Root().PersistentFlags()
	if !root.Changed("log-level") && !root.Changed("verbose") {
		_ = root.Set("log-level", "warn")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	config.ResolveAPIKey(a.cfg, a.logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	con := console.New(a.db, a.cfg.SelfJID(), os.Stdout)
	if err := con.Connect(ctx); err != nil {
		return err
	}
	defer con.Disconnect()
	if chat, _ := cmd.Flags().GetString("chat"); chat != "" {
		sender, _ := cmd.Flags().GetString("sender")
		con.SetChat(chat, sender)
	}

	orch := agent.New(agent.Options{
		DB:         a.db,
		Sender:     con,
		Config:     a.cfg,
		ConfigPath: a.path,
		Interval:   time.Second,
		Logger:     a.logger,
	})
	watcher := config.NewConfigWatcher(a.path, watchInterval, orch.ApplyConfig, a.logger)
	watcher.SetLoader(func(path string) (*config.Config, error) {
		next, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		applyFlagOverrides(cmd, next)
		config.ResolveAPIKey(next, a.logger)
		return next, nil
	})
	if _, err := watcher.Init(ctx); err != nil {
		a.logger.Warn("failed to hash config", "error", err)
	}
	orch.SetWatcher(watcher)

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		orch.Run(runCtx)
	}()

	fmt.Fprintf(os.Stdout, "Console chat with %d monitored chats. Type /quit to leave.\n", orch.Directory().Len())
	err = con.Run(ctx, historyFile())
	cancel()
	<-runDone
	return err
}

// historyFile is the readline history path, or "" when there is no home
// directory.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".wabot_history")
}
