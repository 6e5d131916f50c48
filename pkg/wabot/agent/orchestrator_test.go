package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/llm"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

const (
	selfJID  = "15551234567@s.whatsapp.net"
	selfUser = "15551234567"
	aliceJID = "15550001111@s.whatsapp.net"
	alice    = "15550001111"
	bobJID   = "15550002222@s.whatsapp.net"
	bob      = "15550002222"
	groupJID = "120363000000000000@g.us"
	carol    = "15550003333"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu      sync.Mutex
	t       time.Time
	sleeps  int
	onSleep func(now time.Time)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps++
	now, hook := c.t, c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return nil
}

type sentMsg struct {
	chat, text string
}

// fakeSender records sends in memory and, like the real transports, in the
// message store.
type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMsg
	err   error
	store channels.MessageStore
	now   func() time.Time
}

func (s *fakeSender) Send(ctx context.Context, chat, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMsg{chat, text})
	if s.store != nil {
		if _, err := channels.RecordSent(ctx, s.store, selfJID, chat, text, s.now()); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSender) messages() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.sent...)
}

type completeCall struct {
	system   string
	messages []llm.Message
}

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	panic string
	calls []completeCall
}

func (c *fakeCompleter) Complete(_ context.Context, system string, messages []llm.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, completeCall{system, messages})
	if c.panic != "" {
		panic(c.panic)
	}
	return c.reply, c.err
}

func (c *fakeCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeCompleter) call(i int) completeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

func intPtr(v int) *int { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.WhatsApp.PhoneNumber = "+15551234567"
	cfg.Self.Active = true
	cfg.Self.Debug = false
	cfg.Self.Prompt = "You are my assistant."
	cfg.MonitoredEntities = []config.Entity{
		{Type: config.EntityUser, Name: "Alice", Phone: "+15550001111", Prompt: "Be nice to Alice.", Active: true, ResponseDelay: intPtr(0)},
		{Type: config.EntityGroup, Name: "Team", JID: groupJID, Prompt: "Help the team.", Active: true, HeyBot: true, ResponseDelay: intPtr(0)},
		{Type: config.EntityUser, Name: "Bob", Phone: "+15550002222", Prompt: "Be brief.", Active: true, ResponseDelay: intPtr(5)},
	}
	return cfg
}

type harness struct {
	t      *testing.T
	db     *database.DB
	clock  *fakeClock
	sender *fakeSender
	llm    *fakeCompleter
	o      *Orchestrator
	path   string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	dir := t.TempDir()
	db, err := database.Open(database.SQLiteConfig{Path: filepath.Join(dir, "bot.db")}, nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{t: t0}
	db.SetClock(clock.Now)

	path := filepath.Join(dir, "config.yaml")
	if err := config.SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("save config: %v", err)
	}

	h := &harness{
		t:      t,
		db:     db,
		clock:  clock,
		sender: &fakeSender{store: db, now: clock.Now},
		llm:    &fakeCompleter{reply: "Sure thing."},
		path:   path,
	}
	h.o = New(Options{
		DB:           db,
		Sender:       h.sender,
		Config:       cfg,
		ConfigPath:   path,
		NewCompleter: func(config.PerplexityConfig) Completer { return h.llm },
		Logger:       testLogger(),
	})
	h.o.now = clock.Now
	h.o.sleep = clock.Sleep
	return h
}

func (h *harness) ingest(id, chat, sender, content string, fromMe bool, ts time.Time) {
	h.t.Helper()
	msg := database.NewMessage{ID: id, ChatJID: chat, Sender: sender, Timestamp: ts, IsFromMe: fromMe}
	if content != "" {
		msg.Content = &content
	}
	if _, err := h.db.Upsert(context.Background(), msg); err != nil {
		h.t.Fatalf("ingest %s: %v", id, err)
	}
}

func (h *harness) cycle() int {
	h.t.Helper()
	n, ran := h.o.RunCycle(context.Background())
	if !ran {
		h.t.Fatal("cycle did not run")
	}
	return n
}

func (h *harness) status(id string) database.Status {
	h.t.Helper()
	s, err := h.db.Status(context.Background(), id)
	if err != nil {
		h.t.Fatalf("status %s: %v", id, err)
	}
	return s
}

func TestReplyWithContext(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	h.ingest("A2", aliceJID, alice, "how are you?", false, t0.Add(time.Second))

	if n := h.cycle(); n != 2 {
		t.Fatalf("claimed %d, want 2", n)
	}
	if h.status("A1") != database.StatusCompleted || h.status("A2") != database.StatusCompleted {
		t.Fatalf("statuses = %s, %s", h.status("A1"), h.status("A2"))
	}
	if h.llm.callCount() != 2 {
		t.Fatalf("completer calls = %d, want 2", h.llm.callCount())
	}

	first := h.llm.call(0)
	if first.system != "Be nice to Alice." {
		t.Errorf("first system prompt = %q", first.system)
	}
	if len(first.messages) != 1 || first.messages[0].Role != llm.RoleUser ||
		first.messages[0].Content != "[Message from: 15550001111]\nhello" {
		t.Errorf("first messages = %+v", first.messages)
	}

	second := h.llm.call(1).system
	for _, want := range []string{
		"Be nice to Alice.\n\nConversation context (most recent first):\n",
		"USER: [From: 15550001111] hello",
		"ASSISTANT: Sure thing.",
		"[Message from: phone_number]",
	} {
		if !strings.Contains(second, want) {
			t.Errorf("second system prompt missing %q:\n%s", want, second)
		}
	}

	sent := h.sender.messages()
	if len(sent) != 2 || sent[0].chat != aliceJID || sent[0].text != "Sure thing." {
		t.Errorf("sent = %+v", sent)
	}
}

func TestOwnSendsAreSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	h.cycle()
	if h.llm.callCount() != 1 {
		t.Fatalf("completer calls = %d", h.llm.callCount())
	}

	// The recorded send is claimed on the next cycle and completed silently.
	h.ingest("X1", aliceJID, selfJID, "from my own device", true, t0.Add(time.Second))
	if n := h.cycle(); n != 2 {
		t.Fatalf("claimed %d, want the recorded send and X1", n)
	}
	if h.llm.callCount() != 1 {
		t.Errorf("completer called for bot-originated messages")
	}
	if h.status("X1") != database.StatusCompleted {
		t.Errorf("X1 = %s", h.status("X1"))
	}
}

func TestEchoOfLastReplySuppressed(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.store = nil
	h.llm.reply = "Hi Alice!"
	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	h.cycle()

	// The transport surfaces the reply as an own message with a native id.
	h.ingest("E1", aliceJID, selfUser, "Hi Alice!", true, t0.Add(time.Second))
	h.cycle()

	if h.llm.callCount() != 1 {
		t.Errorf("completer calls = %d, want 1", h.llm.callCount())
	}
	if h.status("E1") != database.StatusCompleted {
		t.Errorf("E1 = %s", h.status("E1"))
	}
}

func TestWakeWordGate(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest("G1", groupJID, carol, "hello everyone", false, t0)
	h.ingest("G2", groupJID, carol, "hey bot", false, t0.Add(time.Second))
	h.ingest("G3", groupJID, carol, "Hey Bot what time is it", false, t0.Add(2*time.Second))
	h.cycle()

	for _, id := range []string{"G1", "G2", "G3"} {
		if h.status(id) != database.StatusCompleted {
			t.Errorf("%s = %s", id, h.status(id))
		}
	}
	if h.llm.callCount() != 1 {
		t.Fatalf("completer calls = %d, want 1", h.llm.callCount())
	}
	if got := h.llm.call(0).messages[0].Content; got != "[Message from: 15550003333]\nwhat time is it" {
		t.Errorf("user message = %q", got)
	}
}

func TestDebounceHumanTakesOver(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest("B1", bobJID, bob, "anyone there?", false, t0)

	var once sync.Once
	h.clock.onSleep = func(now time.Time) {
		if now.Sub(t0) >= 2*time.Second {
			once.Do(func() { h.ingest("B2", bobJID, bob, "never mind", false, now) })
		}
	}
	h.cycle()

	if h.llm.callCount() != 0 {
		t.Errorf("completer called %d times", h.llm.callCount())
	}
	if h.status("B1") != database.StatusCompleted {
		t.Errorf("B1 = %s", h.status("B1"))
	}
	if h.status("B2") != database.StatusPending {
		t.Errorf("B2 = %s, want pending", h.status("B2"))
	}
	if h.clock.sleeps >= 5 {
		t.Errorf("waited %d polls, want early exit", h.clock.sleeps)
	}
	if len(h.sender.messages()) != 0 {
		t.Errorf("sent = %+v", h.sender.messages())
	}
}

func TestDebounceElapsesThenReplies(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest("B1", bobJID, bob, "anyone there?", false, t0)
	h.cycle()

	if h.llm.callCount() != 1 {
		t.Errorf("completer calls = %d, want 1", h.llm.callCount())
	}
	if h.clock.sleeps != 5 {
		t.Errorf("sleeps = %d, want 5 one-second polls", h.clock.sleeps)
	}
}

func TestInactiveOrUnknownChatCompletes(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.MonitoredEntities[0].Active = false
	})
	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	h.ingest("U1", "15559999999@s.whatsapp.net", "15559999999", "hi", false, t0)
	h.ingest("N1", bobJID, bob, "", false, t0)
	h.cycle()

	for _, id := range []string{"A1", "U1", "N1"} {
		if h.status(id) != database.StatusCompleted {
			t.Errorf("%s = %s", id, h.status(id))
		}
	}
	if h.llm.callCount() != 0 {
		t.Errorf("completer calls = %d", h.llm.callCount())
	}
}

func TestProviderFailureSendsApology(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.err = errors.New("upstream exploded")
	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	h.cycle()

	sent := h.sender.messages()
	if len(sent) != 1 || sent[0].text != "Sorry, I encountered an error processing your message: upstream exploded" {
		t.Errorf("sent = %+v", sent)
	}
	if h.status("A1") != database.StatusCompleted {
		t.Errorf("A1 = %s", h.status("A1"))
	}
}

func TestPanicMarksFailedUntilTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.panic = "boom"
	h.ingest("A1", aliceJID, alice, "hello", false, t0)

	maxRetries := h.o.Config().Polling.MaxRetries
	for i := 1; i <= maxRetries; i++ {
		h.cycle()
		want := database.StatusPending
		if i == maxRetries {
			want = database.StatusFailedTerminal
		}
		if got := h.status("A1"); got != want {
			t.Fatalf("after failure %d: status = %s, want %s", i, got, want)
		}
	}
	if n := h.cycle(); n != 0 {
		t.Errorf("terminal message claimed again")
	}
}

func TestSendFailureRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.err = channels.ErrChannelDisconnected
	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	h.cycle()
	if h.status("A1") != database.StatusPending {
		t.Fatalf("A1 = %s, want pending for retry", h.status("A1"))
	}

	h.sender.err = nil
	h.cycle()
	if h.status("A1") != database.StatusCompleted {
		t.Errorf("A1 = %s after recovery", h.status("A1"))
	}
}

func TestIdempotencyGuard(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	msg, err := h.db.Get(context.Background(), "A1")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.db.MarkCompleted(context.Background(), "A1"); err != nil {
		t.Fatal(err)
	}

	h.o.handle(context.Background(), msg, 3)
	if h.llm.callCount() != 0 {
		t.Errorf("completed message processed again")
	}
}

func TestSelfChat(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Self.Debug = true
	})

	h.ingest("S1", selfJID, selfUser, "remember the milk", true, t0)
	h.cycle()
	sent := h.sender.messages()
	if len(sent) != 2 || !strings.HasPrefix(sent[0].text, "** DEBUG INFO **\n[User Entry]: remember the milk") ||
		!strings.Contains(sent[0].text, "[Context]:\nNone") || sent[1].text != "Sure thing." {
		t.Fatalf("sent = %+v", sent)
	}

	// Within the stale window the context carries over.
	h.clock.Advance(30 * time.Second)
	h.ingest("S2", selfJID, selfUser, "what did I say?", true, h.clock.Now())
	h.cycle()
	if got := h.llm.call(1).system; !strings.Contains(got, "remember the milk") {
		t.Errorf("context lost within stale window:\n%s", got)
	}

	// After the stale window the session starts over.
	h.clock.Advance(5 * time.Minute)
	h.ingest("S3", selfJID, selfUser, "fresh start", true, h.clock.Now())
	h.cycle()
	if got := h.llm.call(2).system; got != "You are my assistant." {
		t.Errorf("stale context reused:\n%s", got)
	}

	// Debug and reply sends of three messages become completed sent_ rows.
	h.cycle()
	recent, err := h.db.RecentMessages(context.Background(), selfJID, 20)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range recent {
		if m.Status != database.StatusCompleted {
			t.Errorf("%s = %s", m.ID, m.Status)
		}
	}
	if h.llm.callCount() != 3 {
		t.Errorf("completer calls = %d, want 3", h.llm.callCount())
	}
}

func TestPromptFromFile(t *testing.T) {
	promptPath := filepath.Join(t.TempDir(), "alice.txt")
	if err := os.WriteFile(promptPath, []byte("Prompt from disk."), 0o600); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, func(cfg *config.Config) {
		cfg.MonitoredEntities[0].Prompt = promptPath
	})
	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	h.cycle()
	if got := h.llm.call(0).system; got != "Prompt from disk." {
		t.Errorf("system prompt = %q", got)
	}
}

func TestCycleGate(t *testing.T) {
	h := newHarness(t, nil)
	h.o.cycleMu.Lock()
	if _, ran := h.o.RunCycle(context.Background()); ran {
		t.Error("cycle ran while another held the gate")
	}
	h.o.cycleMu.Unlock()
	if _, ran := h.o.RunCycle(context.Background()); !ran {
		t.Error("cycle skipped with the gate free")
	}
}

func TestApplyConfigSwapsPolicy(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig()
	cfg.MonitoredEntities[0].Active = false
	h.o.ApplyConfig(cfg)

	h.ingest("A1", aliceJID, alice, "hello", false, t0)
	h.cycle()
	if h.llm.callCount() != 0 {
		t.Error("deactivated chat answered")
	}
	if h.o.Directory().Monitored(aliceJID) {
		t.Error("directory still lists deactivated chat")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.o.interval = 10 * time.Millisecond
	h.ingest("A1", aliceJID, alice, "hello", false, t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.o.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for h.status("A1") != database.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatal("message not processed by the loop")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
