package commands

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels/whatsapp"
)

// newWhatsAppCmd creates `wabot whatsapp` for managing the linked device.
func newWhatsAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whatsapp",
		Short: "Manage the linked WhatsApp device",
		Long: `Manage the linked WhatsApp device.

Examples:
  wabot whatsapp link
  wabot whatsapp status
  wabot whatsapp unlink`,
	}
	cmd.AddCommand(
		whatsAppSubcommand("link", "Pair a device by scanning a QR code", whatsapp.Link),
		whatsAppSubcommand("unlink", "Remove the stored device session", whatsapp.Unlink),
		whatsAppSubcommand("status", "Show the pairing status", whatsapp.DeviceStatus),
	)
	return cmd
}

func whatsAppSubcommand(use, short string, run func(ctx context.Context, cfg whatsapp.Config, out io.Writer, logger *slog.Logger) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cmd, cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()
			return run(cmd.Context(), cfg.WhatsApp, cmd.OutOrStdout(), logger)
		},
	}
}
