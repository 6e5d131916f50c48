package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

func TestConfigTriggers(t *testing.T) {
	for _, s := range []string{"bot config", "bot-config", "bot_config", "BOT CONFIG", "  bot config  "} {
		if !IsConfigTrigger(s) {
			t.Errorf("IsConfigTrigger(%q) = false", s)
		}
	}
	for _, s := range []string{"hello", "", "config"} {
		if IsConfigTrigger(s) {
			t.Errorf("IsConfigTrigger(%q) = true", s)
		}
	}
	for _, s := range []string{"0", "exit", "EXIT", "  exit  "} {
		if !IsExitCommand(s) {
			t.Errorf("IsExitCommand(%q) = false", s)
		}
	}
	for _, s := range []string{"1", "quit", ""} {
		if IsExitCommand(s) {
			t.Errorf("IsExitCommand(%q) = true", s)
		}
	}
}

// say sends text to the self chat and returns the bot's answer.
func (h *harness) say(text string) string {
	h.t.Helper()
	h.clock.Advance(time.Second)
	before := len(h.sender.messages())
	h.ingest(fmt.Sprintf("S%d", h.clock.Now().Unix()), selfJID, selfUser, text, true, h.clock.Now())
	h.cycle()
	sent := h.sender.messages()
	if len(sent) != before+1 {
		h.t.Fatalf("after %q: %d new sends, want 1", text, len(sent)-before)
	}
	return sent[len(sent)-1].text
}

func TestConfigMenuToggle(t *testing.T) {
	h := newHarness(t, nil)

	list := h.say("bot config")
	for _, want := range []string{
		"The bot is now in configuration mode.",
		"[1] User - Alice - Phone: +15550001111",
		"[2] Group - Team - JID: " + groupJID,
		"    Active: Yes | Hey Bot: Yes | Response Delay: 0s | Debug: No",
		"Select an entity to modify [1-3] or type '0' to exit:",
	} {
		if !strings.Contains(list, want) {
			t.Errorf("list missing %q:\n%s", want, list)
		}
	}

	if got := h.say("9"); !strings.HasPrefix(got, "Invalid entity number") {
		t.Errorf("out of range = %q", got)
	}
	if got := h.say("abc"); !strings.HasPrefix(got, "Invalid input") {
		t.Errorf("non-number = %q", got)
	}

	details := h.say("1")
	for _, want := range []string{"You chose to modify: Alice (User)", "3. Change Debug to Yes", "4. Set Response Delay (currently 0s)"} {
		if !strings.Contains(details, want) {
			t.Errorf("details missing %q:\n%s", want, details)
		}
	}

	done := h.say("3")
	if !strings.Contains(done, "- Debug: Yes <- Changed") || !strings.Contains(done, "Configuration saved to config.yaml") {
		t.Errorf("update reply:\n%s", done)
	}

	saved, err := config.Load(h.path)
	if err != nil {
		t.Fatalf("reload saved config: %v", err)
	}
	if !saved.MonitoredEntities[0].Debug {
		t.Error("debug toggle not saved")
	}
	if _, err := h.db.MenuState(context.Background(), selfJID); err == nil {
		t.Error("dialog still open after update")
	}
	if h.llm.callCount() != 0 {
		t.Errorf("completer called %d times during dialog", h.llm.callCount())
	}
}

func TestConfigMenuDelay(t *testing.T) {
	h := newHarness(t, nil)
	h.say("bot config")
	h.say("3")
	if got := h.say("4"); !strings.HasPrefix(got, "Current response delay is 5s.") {
		t.Errorf("delay prompt = %q", got)
	}
	if got := h.say("301"); !strings.HasPrefix(got, "Invalid delay.") {
		t.Errorf("out of range = %q", got)
	}

	// Zero is a delay here, not an exit.
	done := h.say("0")
	if !strings.Contains(done, "- Response Delay: 0s <- Changed") {
		t.Errorf("update reply:\n%s", done)
	}
	saved, err := config.Load(h.path)
	if err != nil {
		t.Fatal(err)
	}
	if d := saved.MonitoredEntities[2].ResponseDelay; d == nil || *d != 0 {
		t.Errorf("saved delay = %v", d)
	}
}

func TestConfigMenuExit(t *testing.T) {
	h := newHarness(t, nil)
	h.say("bot config")
	if got := h.say("exit"); !strings.HasPrefix(got, "Exited configuration mode") {
		t.Errorf("exit reply = %q", got)
	}
	_, err := h.db.MenuState(context.Background(), selfJID)
	if err == nil {
		t.Fatal("dialog still open")
	}

	// Outside the dialog messages go to the provider again.
	h.say("hello")
	if h.llm.callCount() != 1 {
		t.Errorf("completer calls = %d, want 1", h.llm.callCount())
	}
}

func TestConfigMenuStaleEntity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	err := h.db.SaveMenuState(ctx, database.MenuState{ChatJID: selfJID, Step: stepEntitySelect, EntityIndex: 7, Option: -1})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.say("1"); !strings.Contains(got, "no longer exists") {
		t.Errorf("stale dialog reply = %q", got)
	}
}
