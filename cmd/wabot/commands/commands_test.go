package commands

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct{ in, want string }{
		{"+972 50-123-4567", "+972501234567"},
		{"15551234567", "+15551234567"},
		{" (555) 123.4567 ", "+5551234567"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizePhone(tt.in); got != tt.want {
			t.Errorf("normalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if err := validatePhone("+1 555 123 4567"); err != nil {
		t.Errorf("validatePhone: %v", err)
	}
	if err := validatePhone("12345"); err == nil {
		t.Error("short number accepted")
	}
	if err := validatePhone("+1555abc4567"); err == nil {
		t.Error("letters accepted")
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"short", "****"},
		{"pplx-1234567890abcd", "pplx****abcd"},
		{"${PERPLEXITY_API_KEY}", "${PERPLEXITY_API_KEY}"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStartupMessage(t *testing.T) {
	got := startupMessage(time.Date(2026, 5, 4, 9, 8, 7, 0, time.UTC), 3)
	want := "🤖 WhatsApp Bot Started\nTimestamp: 2026-05-04 09:08:07\nStatus: All systems operational\nMonitored entities: 3"
	if got != want {
		t.Errorf("startupMessage = %q, want %q", got, want)
	}
}

func TestSetupAnswersApply(t *testing.T) {
	ans := setupAnswers{
		Phone:        "+1 555 123 4567",
		SelfActive:   true,
		SelfPrompt:   "Be brief.",
		EntityType:   config.EntityGroup,
		EntityName:   "Family",
		EntityAddr:   "120363000000000000@g.us",
		EntityPrompt: "Be nice.",
		HeyBot:       true,
		Model:        "sonar",
		Vitality:     true,
		VitalityTime: "08:30",
		Timezone:     "Asia/Jerusalem",
	}
	cfg := ans.apply(config.DefaultConfig())

	if cfg.WhatsApp.PhoneNumber != "+15551234567" {
		t.Errorf("phone = %q", cfg.WhatsApp.PhoneNumber)
	}
	if len(cfg.MonitoredEntities) != 1 {
		t.Fatalf("entities = %d", len(cfg.MonitoredEntities))
	}
	e := cfg.MonitoredEntities[0]
	if e.JID != "120363000000000000@g.us" || e.Phone != "" || !e.HeyBot || !e.Active {
		t.Errorf("entity = %+v", e)
	}
	if cfg.Perplexity.Model != "sonar" || cfg.Perplexity.APIKey != "${"+config.EnvAPIKey+"}" {
		t.Errorf("perplexity = %+v", cfg.Perplexity)
	}
	if cfg.Vitality.Time != "08:30" || cfg.SessionMemory.Timezone != "Asia/Jerusalem" {
		t.Errorf("vitality = %+v, session tz = %q", cfg.Vitality, cfg.SessionMemory.Timezone)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("wizard config does not validate: %v", err)
	}
}

func TestPrintSummary(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WhatsApp.PhoneNumber = "+15551234567"
	cfg.MonitoredEntities = []config.Entity{
		{Type: config.EntityUser, Name: "Alice", Phone: "+15550001111", Active: true, HeyBot: true},
	}
	var buf bytes.Buffer
	printSummary(&buf, cfg)
	out := buf.String()
	for _, want := range []string{
		"Phone number:      +15551234567",
		"Session reset:     daily at 02:00 UTC",
		"Monitored entities (1):",
		"15550001111@s.whatsapp.net (active) [wake word]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStats(t *testing.T) {
	st := database.Stats{
		TotalMessages:  7,
		ByStatus:       map[database.Status]int{database.StatusCompleted: 5, database.StatusPending: 2},
		ActiveSessions: 1,
		TotalSessions:  3,
		SizeBytes:      2048,
	}
	out := renderStats("store/bot.db", st)
	for _, want := range []string{"store/bot.db", "2.0 kB", "1 active / 3 total", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats missing %q:\n%s", want, out)
		}
	}
}

type recordingStore struct{ msgs []database.NewMessage }

func (s *recordingStore) Upsert(_ context.Context, msg database.NewMessage) (bool, error) {
	s.msgs = append(s.msgs, msg)
	return true, nil
}

func TestDryRunSenderRecords(t *testing.T) {
	store := &recordingStore{}
	s := &dryRunSender{store: store, selfJID: "15551234567@s.whatsapp.net", logger: slog.Default()}
	if err := s.Send(context.Background(), "15550001111@s.whatsapp.net", "hi"); err != nil {
		t.Fatal(err)
	}
	if len(store.msgs) != 1 {
		t.Fatalf("recorded %d messages", len(store.msgs))
	}
	m := store.msgs[0]
	if !strings.HasPrefix(m.ID, "sent_") || !m.IsFromMe || m.Sender != "15551234567@s.whatsapp.net" {
		t.Errorf("recorded = %+v", m)
	}
}
