package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels/whatsapp"
)

// newSendTestCmd creates `wabot send-test MESSAGE`, which sends to the
// operator's own chat and exits.
func newSendTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-test MESSAGE",
		Short: "Send a message to your own chat and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			wa := whatsapp.New(a.cfg.WhatsApp, a.db, a.logger)
			// Nothing is ingested while the test message goes out.
			wa.SetFilter(func(string) bool { return false })
			if err := wa.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to WhatsApp: %w", err)
			}
			defer wa.Disconnect()
			if wa.NeedsQR() {
				return fmt.Errorf("no linked device, run 'wabot whatsapp link' first")
			}
			if err := wa.WaitConnected(ctx, 30*time.Second); err != nil {
				return err
			}

			text := strings.Join(args, " ")
			if err := wa.Send(ctx, a.cfg.SelfJID(), text); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Test message sent to %s\n", a.cfg.SelfJID())
			return nil
		},
	}
}
