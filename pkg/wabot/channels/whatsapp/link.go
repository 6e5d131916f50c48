// Package whatsapp – link.go pairs, unpairs and inspects the linked device
// from the command line.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// logAdapter bridges whatsmeow's waLog.Logger to slog.
type logAdapter struct {
	logger *slog.Logger
	module string
}

func newLogAdapter(logger *slog.Logger, module string) waLog.Logger {
	return &logAdapter{logger: logger, module: module}
}

func (l *logAdapter) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *logAdapter) Infof(msg string, args ...any) {
	// whatsmeow is chatty at info level.
	l.logger.Debug(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *logAdapter) Warnf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *logAdapter) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *logAdapter) Sub(module string) waLog.Logger {
	return &logAdapter{logger: l.logger, module: l.module + "/" + module}
}

// PrintQR renders a pairing code as a half-block QR code.
func PrintQR(out io.Writer, code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, out)
}

// Link pairs a new device. Stale devices are removed first, then the QR
// code is printed to out until it is scanned and the initial sync is done.
func Link(ctx context.Context, cfg Config, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	container, err := openContainer(ctx, cfg.SessionDB, logger)
	if err != nil {
		return err
	}

	old, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing existing devices: %w", err)
	}
	for _, d := range old {
		fmt.Fprintf(out, "Removing stale device: %s\n", deviceJID(d))
		_ = d.Delete(ctx)
	}

	client := whatsmeow.NewClient(container.NewDevice(), newLogAdapter(logger, "client"))

	// The QR "success" event only means the scan was accepted; the client
	// must stay up until Connected to finish the initial sync.
	connectedCh := make(chan struct{}, 1)
	client.AddEventHandler(func(evt any) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case connectedCh <- struct{}{}:
			default:
			}
		}
	})

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer client.Disconnect()

	fmt.Fprintln(out, "Scan the QR code below with your WhatsApp app:")
	fmt.Fprintln(out, "  WhatsApp > Settings > Linked Devices > Link a Device")
	fmt.Fprintln(out)

	for item := range qrChan {
		switch item.Event {
		case "code":
			PrintQR(out, item.Code)
			fmt.Fprintln(out, "\nWaiting for scan...")
		case "success":
			fmt.Fprintln(out, "\nScan accepted, completing initial sync...")
			select {
			case <-connectedCh:
			case <-time.After(30 * time.Second):
				return fmt.Errorf("timed out waiting for initial sync, try again")
			case <-ctx.Done():
				return ctx.Err()
			}
			fmt.Fprintf(out, "Paired successfully! JID: %s\n", client.Store.ID)
			return nil
		case "timeout":
			return fmt.Errorf("QR code expired, run the command again")
		default:
			return fmt.Errorf("pairing failed: %s", item.Event)
		}
	}
	return fmt.Errorf("QR channel closed unexpectedly")
}

// Unlink removes the stored session. The phone keeps listing the device
// until it is removed there too.
func Unlink(ctx context.Context, cfg Config, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(cfg.SessionDB); os.IsNotExist(err) {
		return fmt.Errorf("no WhatsApp session found (no %s)", cfg.SessionDB)
	}
	container, err := openContainer(ctx, cfg.SessionDB, logger)
	if err != nil {
		return err
	}
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no paired devices found")
	}

	for _, device := range devices {
		if err := device.Delete(ctx); err != nil {
			return fmt.Errorf("deleting device %s: %w", deviceJID(device), err)
		}
		fmt.Fprintf(out, "Removed device: %s\n", deviceJID(device))
	}
	fmt.Fprintln(out, "WhatsApp session cleared. Run 'wabot whatsapp link' to re-pair.")
	return nil
}

// DeviceStatus prints the pairing status.
func DeviceStatus(ctx context.Context, cfg Config, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(cfg.SessionDB); os.IsNotExist(err) {
		fmt.Fprintln(out, "Status: Not paired (no session database)")
		return nil
	}
	container, err := openContainer(ctx, cfg.SessionDB, logger)
	if err != nil {
		return err
	}
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "Status: Not paired")
		fmt.Fprintln(out, "Run 'wabot whatsapp link' to pair a device.")
		return nil
	}
	for _, device := range devices {
		fmt.Fprintln(out, "Status: Paired")
		fmt.Fprintf(out, "  JID: %s\n", deviceJID(device))
		if device.PushName != "" {
			fmt.Fprintf(out, "  Name: %s\n", device.PushName)
		}
	}
	return nil
}

func deviceJID(d *store.Device) string {
	if d.ID == nil {
		return "(unknown)"
	}
	return d.ID.String()
}
