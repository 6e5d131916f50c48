package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/session"
)

// newConfigCmd creates `wabot config` for inspecting the configuration.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the configuration",
		Long: `Inspect and validate the configuration.

Examples:
  wabot config validate
  wabot config show
  wabot config set-key`,
	}

	cmd.AddCommand(
		newConfigValidateCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration %s is valid.\n\n", path)
			printSummary(out, cfg)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shown := *cfg
			shown.Perplexity.APIKey = maskSecret(cfg.Perplexity.APIKey)
			data, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the Perplexity API key in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := config.ReadPassword("Perplexity API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no key entered")
			}
			if err := config.StoreAPIKey(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the Perplexity API key from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.DeleteAPIKey(); err != nil {
				return fmt.Errorf("deleting API key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed from the OS keyring.")
			return nil
		},
	}
}

// printSummary writes the settings an operator checks before starting.
func printSummary(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "Phone number:      %s\n", cfg.WhatsApp.PhoneNumber)
	fmt.Fprintf(out, "Self chat:         %s\n", activeLabel(cfg.Self.Active))
	fmt.Fprintf(out, "Response delay:    %ds\n", cfg.ResponseDelay)
	fmt.Fprintf(out, "Polling interval:  %ds\n", cfg.Polling.IntervalSeconds)
	fmt.Fprintf(out, "Session reset:     %s\n", describePolicy(cfg))
	fmt.Fprintf(out, "Model:             %s\n", cfg.Perplexity.Model)
	if cfg.Vitality.Enabled {
		fmt.Fprintf(out, "Vitality:          %s %s\n", cfg.Vitality.Time, cfg.Vitality.Timezone)
	} else {
		fmt.Fprintln(out, "Vitality:          disabled")
	}
	fmt.Fprintf(out, "Monitored entities (%d):\n", len(cfg.MonitoredEntities))
	for _, e := range cfg.MonitoredEntities {
		var flags []string
		if e.HeyBot {
			flags = append(flags, "wake word")
		}
		if e.Debug {
			flags = append(flags, "debug")
		}
		extra := ""
		if len(flags) > 0 {
			extra = " [" + strings.Join(flags, ", ") + "]"
		}
		fmt.Fprintf(out, "  - %-6s %-20s %s (%s)%s\n", e.Type, e.Name, e.Identifier(), activeLabel(e.Active), extra)
	}
}

func describePolicy(cfg *config.Config) string {
	p := cfg.SessionMemory
	switch p.Mode {
	case session.ModeTime:
		return fmt.Sprintf("daily at %s %s", p.ResetTime, p.Timezone)
	case session.ModeDuration:
		if p.ResetMinutes > 0 {
			return fmt.Sprintf("%d minutes after last activity", p.ResetMinutes)
		}
		return fmt.Sprintf("%d hours after last activity", p.ResetHours)
	default:
		return "at midnight " + p.Timezone
	}
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

// maskSecret keeps the first and last characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case config.IsEnvReference(s):
		return s
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}
