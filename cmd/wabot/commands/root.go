// Package commands implements the wabot CLI with cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wabot",
		Short: "wabot - WhatsApp auto-reply agent",
		Long: `wabot answers WhatsApp chats you choose with replies from Perplexity.
Incoming messages are stored in SQLite and processed exactly once; each
participant gets a short conversation memory that resets on a schedule.

Examples:
  wabot setup
  wabot whatsapp link
  wabot serve --config ./config.yaml
  wabot chat
  wabot stats`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newChatCmd(),
		newConfigCmd(),
		newStatsCmd(),
		newSendTestCmd(),
		newDBCmd(),
		newWhatsAppCmd(),
	)

	// Global flags.
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to the configuration file")
	pf.BoolP("verbose", "v", false, "enable debug logging")
	pf.String("env-file", "", "load environment variables from this file")
	pf.String("db-path", "", "override the database path")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "also write logs to this file")
	pf.Bool("quiet", false, "only log errors")

	return rootCmd
}

// loadConfig finds, loads and validates the configuration and applies the
// global flag overrides. The resolved path is returned with it.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	flags := cmd.Root().PersistentFlags()

	if envFile, _ := flags.GetString("env-file"); envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, "", err
		}
	}

	path, _ := flags.GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return nil, "", fmt.Errorf("%w: pass --config or run 'wabot setup'", config.ErrNoConfig)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	applyFlagOverrides(cmd, cfg)
	return cfg, path, nil
}

// applyFlagOverrides puts the global flags on top of a loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Root().PersistentFlags()
	if v, _ := flags.GetString("db-path"); v != "" {
		cfg.Database.Path = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, _ := flags.GetString("log-file"); v != "" {
		cfg.Logging.File = v
	}
}

// newLogger builds the process logger from cfg and the global flags. The
// returned closer releases the log file, if any.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	flags := cmd.Root().PersistentFlags()
	verbose, _ := flags.GetBool("verbose")
	quiet, _ := flags.GetBool("quiet")

	level := parseLevel(cfg.Level)
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	closer := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// parseLevel maps a level name to slog; unknown names mean info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openDB opens the bot database named by cfg.
func openDB(cfg *config.Config, logger *slog.Logger) (*database.DB, error) {
	db, err := database.Open(database.SQLiteConfig{
		Path:        cfg.Database.Path,
		JournalMode: "WAL",
		BusyTimeout: 5000,
		ForeignKeys: true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// app is what commands that touch the store share.
type app struct {
	cfg    *config.Config
	path   string
	logger *slog.Logger
	db     *database.DB

	closeLog func()
}

// openApp loads the configuration, builds the logger and opens the
// database.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cmd, cfg.Logging)
	if err != nil {
		return nil, err
	}
	db, err := openDB(cfg, logger)
	if err != nil {
		closeLog()
		return nil, err
	}
	return &app{cfg: cfg, path: path, logger: logger, db: db, closeLog: closeLog}, nil
}

// Close releases the database and the log file.
func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database", "error", err)
	}
	a.closeLog()
}
