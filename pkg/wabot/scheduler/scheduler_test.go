package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

type fakeStore struct {
	mu        sync.Mutex
	retention int
	deleted   int64
	err       error
	state     map[string]time.Time
}

func (f *fakeStore) CleanupOldMessages(_ context.Context, days int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retention = days
	return f.deleted, f.err
}

func (f *fakeStore) SetStateTime(_ context.Context, key string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		f.state = make(map[string]time.Time)
	}
	f.state[key] = t
	return nil
}

type fakePruner struct {
	pruned int64
	calls  int
}

func (f *fakePruner) PruneExpired(context.Context) (int64, error) {
	f.calls++
	return f.pruned, nil
}

type sent struct{ chat, text string }

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) Send(_ context.Context, chat, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{chat, text})
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.WhatsApp.PhoneNumber = "+15551234567"
	return cfg
}

func newTestScheduler(store *fakeStore, pruner *fakePruner, sender *fakeSender) *Scheduler {
	s := New(store, pruner, sender, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 3, 1, 7, 30, 5, 0, time.UTC) }
	return s
}

func TestVitalitySpec(t *testing.T) {
	tests := []struct {
		clock, tz string
		want      string
		wantErr   bool
	}{
		{"09:00", "UTC", "CRON_TZ=UTC 0 9 * * *", false},
		{"23:45", "Asia/Jerusalem", "CRON_TZ=Asia/Jerusalem 45 23 * * *", false},
		{"7:05", "", "CRON_TZ=UTC 5 7 * * *", false},
		{"24:00", "UTC", "", true},
		{"09:00", "Mars/Olympus", "", true},
		{"nine", "UTC", "", true},
	}
	for _, tt := range tests {
		got, err := VitalitySpec(tt.clock, tt.tz)
		if (err != nil) != tt.wantErr {
			t.Errorf("VitalitySpec(%q, %q) error = %v, wantErr %v", tt.clock, tt.tz, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("VitalitySpec(%q, %q) = %q, want %q", tt.clock, tt.tz, got, tt.want)
		}
	}
}

func TestRotationSpec(t *testing.T) {
	if got := RotationSpec(6); got != "@every 6h" {
		t.Errorf("RotationSpec(6) = %q", got)
	}
	if got := RotationSpec(0); got != "@every 24h" {
		t.Errorf("RotationSpec(0) = %q", got)
	}
}

func TestConfigure(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakePruner{}, &fakeSender{})
	cfg := testConfig()
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	entries := s.Entries()
	if _, ok := entries[JobVitality]; !ok {
		t.Error("vitality job not registered")
	}
	if _, ok := entries[JobRotation]; !ok {
		t.Error("rotation job not registered")
	}

	// Reconfiguring replaces entries instead of adding more.
	cfg.Vitality.Enabled = false
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Errorf("cron entries = %d, want 1", n)
	}
	if _, ok := s.Entries()[JobVitality]; ok {
		t.Error("disabled vitality job still registered")
	}
}

func TestDisableVitality(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakePruner{}, &fakeSender{})
	s.DisableVitality()
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Entries()[JobVitality]; ok {
		t.Error("vitality scheduled despite DisableVitality")
	}
}

func TestConfigureInvalidTime(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakePruner{}, &fakeSender{})
	cfg := testConfig()
	cfg.Vitality.Time = "25:00"
	if err := s.Configure(cfg); err == nil {
		t.Fatal("expected error for invalid vitality time")
	}
}

func TestRunVitality(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	s := newTestScheduler(store, &fakePruner{}, sender)
	cfg := testConfig()
	cfg.Vitality.Timezone = "Asia/Jerusalem"
	cfg.Vitality.Message = "still here"
	if err := s.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	if err := s.RunVitality(context.Background()); err != nil {
		t.Fatalf("RunVitality: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	got := sender.sent[0]
	if got.chat != "15551234567@s.whatsapp.net" {
		t.Errorf("chat = %q", got.chat)
	}
	// 07:30:05 UTC is 09:30:05 in Jerusalem in March.
	if want := "still here\nTimestamp: 2026-03-01 09:30:05"; got.text != want {
		t.Errorf("text = %q, want %q", got.text, want)
	}
	if _, ok := store.state[database.KeyLastVitality]; !ok {
		t.Error("last vitality time not recorded")
	}
}

func TestRunVitalitySendError(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{err: errors.New("not connected")}
	s := newTestScheduler(store, &fakePruner{}, sender)
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	err := s.RunVitality(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("RunVitality error = %v", err)
	}
	if _, ok := store.state[database.KeyLastVitality]; ok {
		t.Error("vitality time recorded for a failed send")
	}
}

func TestRunRotation(t *testing.T) {
	store := &fakeStore{deleted: 12}
	pruner := &fakePruner{pruned: 3}
	s := newTestScheduler(store, pruner, &fakeSender{})
	cfg := testConfig()
	cfg.Rotation.MessagesRetentionDays = 14
	if err := s.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	msgs, sess, err := s.RunRotation(context.Background())
	if err != nil {
		t.Fatalf("RunRotation: %v", err)
	}
	if msgs != 12 || sess != 3 {
		t.Errorf("counts = (%d, %d), want (12, 3)", msgs, sess)
	}
	if store.retention != 14 {
		t.Errorf("retention = %d, want 14", store.retention)
	}
	if _, ok := store.state[database.KeyLastCleanupRun]; !ok {
		t.Error("cleanup time not recorded")
	}
}

func TestRunRotationStopsOnMessageError(t *testing.T) {
	store := &fakeStore{err: errors.New("disk I/O error")}
	pruner := &fakePruner{}
	s := newTestScheduler(store, pruner, &fakeSender{})
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.RunRotation(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if pruner.calls != 0 {
		t.Error("sessions pruned after message rotation failed")
	}
}

func TestRunUnconfigured(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakePruner{}, &fakeSender{})
	if err := s.RunVitality(context.Background()); err == nil {
		t.Error("RunVitality without Configure succeeded")
	}
	if _, _, err := s.RunRotation(context.Background()); err == nil {
		t.Error("RunRotation without Configure succeeded")
	}
}

func TestExecuteSkipsOverlappingRun(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakePruner{}, &fakeSender{})
	release := make(chan struct{})
	started := make(chan struct{})
	var calls int
	var mu sync.Mutex
	job := func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.execute("slow", job)
		close(done)
	}()
	<-started
	s.execute("slow", job)
	close(release)
	<-done

	if calls != 1 {
		t.Errorf("job ran %d times, want 1", calls)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakePruner{}, &fakeSender{})
	if err := s.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	for name, next := range s.Entries() {
		if next.IsZero() {
			t.Errorf("%s has no next run after Start", name)
		}
	}
	s.Stop()
}
