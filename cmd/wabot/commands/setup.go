package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/session"
)

// newSetupCmd creates the `wabot setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml: your phone number,
the first chat to monitor, the model and the daily vitality message.
The API key is stored in the OS keyring, never in the file.

Examples:
  wabot setup
  wabot setup --config ./bot.yaml`,
		RunE: runSetup,
	}
}

// setupAnswers collects the wizard fields before they are applied.
type setupAnswers struct {
	Phone        string
	SelfActive   bool
	SelfPrompt   string
	EntityType   string
	EntityName   string
	EntityAddr   string
	EntityPrompt string
	HeyBot       bool
	Model        string
	APIKey       string
	Vitality     bool
	VitalityTime string
	Timezone     string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", path)).
			Value(&overwrite).
			Run()
		if err != nil {
			return err
		}
		if !overwrite {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
	}

	defaults := config.DefaultConfig()
	ans := setupAnswers{
		SelfActive:   true,
		SelfPrompt:   defaults.Self.Prompt,
		EntityType:   config.EntityUser,
		EntityPrompt: "You are a friendly assistant. Keep answers short.",
		Model:        defaults.Perplexity.Model,
		Vitality:     defaults.Vitality.Enabled,
		VitalityTime: defaults.Vitality.Time,
		Timezone:     defaults.Vitality.Timezone,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Your WhatsApp number").
				Description("International format, e.g. +972501234567").
				Value(&ans.Phone).
				Validate(validatePhone),
			huh.NewConfirm().
				Title("Answer messages you send to yourself?").
				Value(&ans.SelfActive),
			huh.NewText().
				Title("Prompt for your own chat").
				Value(&ans.SelfPrompt),
		).Title("You"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("First chat to monitor").
				Options(
					huh.NewOption("A person", config.EntityUser),
					huh.NewOption("A group", config.EntityGroup),
				).
				Value(&ans.EntityType),
			huh.NewInput().
				Title("Name").
				Value(&ans.EntityName).
				Validate(required("name")),
			huh.NewInput().
				Title("Phone number or group JID").
				Description("+15550001111 for a person, 1203630...@g.us for a group").
				Value(&ans.EntityAddr).
				Validate(required("address")),
			huh.NewText().
				Title("Prompt").
				Value(&ans.EntityPrompt),
			huh.NewConfirm().
				Title("Only answer when addressed with \"hey bot\"?").
				Value(&ans.HeyBot),
		).Title("Monitored chat"),

		huh.NewGroup(
			huh.NewInput().
				Title("Perplexity model").
				Value(&ans.Model),
			huh.NewInput().
				Title("Perplexity API key").
				Description("Stored in the OS keyring. Leave empty to use " + config.EnvAPIKey + ".").
				EchoMode(huh.EchoModePassword).
				Value(&ans.APIKey),
		).Title("Provider"),

		huh.NewGroup(
			huh.NewConfirm().
				Title("Send a daily vitality message to yourself?").
				Value(&ans.Vitality),
			huh.NewInput().
				Title("Time (HH:MM)").
				Value(&ans.VitalityTime).
				Validate(func(s string) error {
					_, _, err := session.ParseClock(s)
					return err
				}),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name, e.g. Asia/Jerusalem").
				Value(&ans.Timezone),
		).Title("Vitality"),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
		return err
	}

	cfg := ans.apply(defaults)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	if ans.APIKey != "" {
		if err := config.StoreAPIKey(strings.TrimSpace(ans.APIKey)); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Could not store the API key in the keyring (%v).\n", err)
			fmt.Fprintf(cmd.ErrOrStderr(), "Set %s in your environment or .env instead.\n", config.EnvAPIKey)
		}
	}

	if err := config.SaveConfigToFile(cfg, path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration written to %s.\n\n", path)
	printSummary(out, cfg)
	fmt.Fprintln(out, "\nNext: 'wabot whatsapp link' to pair, then 'wabot serve'.")
	return nil
}

// apply writes the answers onto cfg and returns it.
func (a setupAnswers) apply(cfg *config.Config) *config.Config {
	cfg.WhatsApp.PhoneNumber = normalizePhone(a.Phone)
	cfg.Self.Active = a.SelfActive
	cfg.Self.Prompt = strings.TrimSpace(a.SelfPrompt)

	e := config.Entity{
		Type:   a.EntityType,
		Name:   strings.TrimSpace(a.EntityName),
		Prompt: strings.TrimSpace(a.EntityPrompt),
		Active: true,
		HeyBot: a.HeyBot,
	}
	if e.Type == config.EntityGroup {
		e.JID = strings.TrimSpace(a.EntityAddr)
	} else {
		e.Phone = normalizePhone(a.EntityAddr)
	}
	cfg.MonitoredEntities = []config.Entity{e}

	if m := strings.TrimSpace(a.Model); m != "" {
		cfg.Perplexity.Model = m
	}
	cfg.Perplexity.APIKey = "${" + config.EnvAPIKey + "}"

	cfg.Vitality.Enabled = a.Vitality
	cfg.Vitality.Time = strings.TrimSpace(a.VitalityTime)
	if tz := strings.TrimSpace(a.Timezone); tz != "" {
		cfg.Vitality.Timezone = tz
		cfg.SessionMemory.Timezone = tz
	}
	return cfg
}

// normalizePhone strips spaces, dashes and parentheses and ensures a
// leading "+".
func normalizePhone(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if s != "" && !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	return s
}

func validatePhone(s string) error {
	p := strings.TrimPrefix(normalizePhone(s), "+")
	if len(p) < 8 {
		return errors.New("number seems too short, include the country code")
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return errors.New("only digits are allowed")
		}
	}
	return nil
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
