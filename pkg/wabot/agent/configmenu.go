package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/config"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

// Dialog steps.
const (
	stepList         = "list"
	stepEntitySelect = "entity_select"
	stepDelayInput   = "delay_input"
)

// Menu options of the entity step.
const (
	optionActive = iota + 1
	optionHeyBot
	optionDebug
	optionDelay
)

const maxMenuDelay = 300

// MenuStore persists the dialog position per chat.
type MenuStore interface {
	MenuState(ctx context.Context, chatJID string) (database.MenuState, error)
	SaveMenuState(ctx context.Context, st database.MenuState) error
	DeleteMenuState(ctx context.Context, chatJID string) error
}

// ConfigMenu is the configuration dialog of the self chat. It edits the
// monitored entities and saves the configuration file; the config watcher
// applies the change.
type ConfigMenu struct {
	store  MenuStore
	path   string
	logger *slog.Logger
}

// NewConfigMenu creates a dialog that saves to path.
func NewConfigMenu(store MenuStore, path string, logger *slog.Logger) *ConfigMenu {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigMenu{store: store, path: path, logger: logger.With("component", "config-menu")}
}

// IsConfigTrigger reports whether message opens the dialog.
func IsConfigTrigger(message string) bool {
	switch strings.ToLower(strings.TrimSpace(message)) {
	case "bot config", "bot-config", "bot_config":
		return true
	}
	return false
}

// IsExitCommand reports whether message leaves the dialog.
func IsExitCommand(message string) bool {
	switch strings.ToLower(strings.TrimSpace(message)) {
	case "0", "exit":
		return true
	}
	return false
}

// Handle answers message when it opens the dialog or a dialog is open in
// chat. handled is false when the message is not part of a dialog.
func (m *ConfigMenu) Handle(ctx context.Context, cfg *config.Config, chat, message string) (reply string, handled bool, err error) {
	if IsConfigTrigger(message) {
		err := m.store.SaveMenuState(ctx, database.MenuState{ChatJID: chat, Step: stepList, EntityIndex: -1, Option: -1})
		if err != nil {
			return "", true, err
		}
		m.logger.Info("configuration mode opened", "chat", chat)
		return listEntities(cfg), true, nil
	}

	st, err := m.store.MenuState(ctx, chat)
	if errors.Is(err, database.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", true, err
	}

	// In the delay step "0" is a value; only "exit" leaves.
	input := strings.TrimSpace(message)
	if IsExitCommand(input) && !(st.Step == stepDelayInput && input == "0") {
		if err := m.store.DeleteMenuState(ctx, chat); err != nil {
			return "", true, err
		}
		m.logger.Info("configuration mode closed", "chat", chat)
		return "Exited configuration mode. Continue chatting normally.", true, nil
	}

	switch st.Step {
	case stepList:
		reply, err = m.selectEntity(ctx, cfg, st, input)
	case stepEntitySelect:
		reply, err = m.selectOption(ctx, cfg, st, input)
	case stepDelayInput:
		reply, err = m.setDelay(ctx, cfg, st, input)
	default:
		reply = "Invalid session state. Type 'bot config' to restart or '0' to exit."
	}
	return reply, true, err
}

func (m *ConfigMenu) selectEntity(ctx context.Context, cfg *config.Config, st database.MenuState, input string) (string, error) {
	n := len(cfg.MonitoredEntities)
	num, err := strconv.Atoi(input)
	if err != nil {
		return fmt.Sprintf("Invalid input. Please enter a number (1-%d) or '0' to exit.", n), nil
	}
	idx := num - 1
	if idx < 0 || idx >= n {
		return fmt.Sprintf("Invalid entity number. Please select 1-%d or type '0' to exit.", n), nil
	}

	st.Step, st.EntityIndex, st.Option = stepEntitySelect, idx, -1
	if err := m.store.SaveMenuState(ctx, st); err != nil {
		return "", err
	}

	e := cfg.MonitoredEntities[idx]
	delay := effectiveDelay(cfg, e)
	lines := []string{"You chose to modify: " + entityTitle(e), entityAddress(e), "", "Current settings:"}
	lines = append(lines,
		"- Active: "+yesNo(e.Active),
		"- Hey Bot: "+yesNo(e.HeyBot),
		"- Debug: "+yesNo(e.Debug),
		fmt.Sprintf("- Response Delay: %ds", delay),
		"",
		"What would you like to modify:",
		fmt.Sprintf("%d. Change Active to %s", optionActive, yesNo(!e.Active)),
		fmt.Sprintf("%d. Change Hey Bot to %s", optionHeyBot, yesNo(!e.HeyBot)),
		fmt.Sprintf("%d. Change Debug to %s", optionDebug, yesNo(!e.Debug)),
		fmt.Sprintf("%d. Set Response Delay (currently %ds)", optionDelay, delay),
		"",
		fmt.Sprintf("Select an option [1-%d] or type '0' to exit:", optionDelay),
	)
	return strings.Join(lines, "\n"), nil
}

func (m *ConfigMenu) selectOption(ctx context.Context, cfg *config.Config, st database.MenuState, input string) (string, error) {
	option, err := strconv.Atoi(input)
	if err != nil {
		return "Invalid input. Please enter a number (1-4) or '0' to exit.", nil
	}
	if option < optionActive || option > optionDelay {
		return "Invalid option. Please select 1-4 or type '0' to exit.", nil
	}
	if st.EntityIndex < 0 || st.EntityIndex >= len(cfg.MonitoredEntities) {
		return m.staleDialog(ctx, st.ChatJID)
	}

	if option == optionDelay {
		st.Step, st.Option = stepDelayInput, option
		if err := m.store.SaveMenuState(ctx, st); err != nil {
			return "", err
		}
		delay := effectiveDelay(cfg, cfg.MonitoredEntities[st.EntityIndex])
		return fmt.Sprintf("Current response delay is %ds.\nEnter new delay in seconds (0-%d) or type 'exit' to cancel:",
			delay, maxMenuDelay), nil
	}

	updated, err := m.update(cfg, st.EntityIndex, option, 0)
	if err != nil {
		return "Failed to update configuration: " + err.Error(), nil
	}
	if err := m.store.DeleteMenuState(ctx, st.ChatJID); err != nil {
		return "", err
	}
	return m.updatedText(updated, st.EntityIndex, option), nil
}

func (m *ConfigMenu) setDelay(ctx context.Context, cfg *config.Config, st database.MenuState, input string) (string, error) {
	delay, err := strconv.Atoi(input)
	if err != nil {
		return fmt.Sprintf("Invalid input. Please enter a number (0-%d) or type 'exit' to cancel.", maxMenuDelay), nil
	}
	if delay < 0 || delay > maxMenuDelay {
		return fmt.Sprintf("Invalid delay. Please enter a value between 0 and %d seconds or type 'exit' to cancel.", maxMenuDelay), nil
	}
	if st.EntityIndex < 0 || st.EntityIndex >= len(cfg.MonitoredEntities) {
		return m.staleDialog(ctx, st.ChatJID)
	}

	updated, err := m.update(cfg, st.EntityIndex, optionDelay, delay)
	if err != nil {
		return "Failed to update configuration: " + err.Error(), nil
	}
	if err := m.store.DeleteMenuState(ctx, st.ChatJID); err != nil {
		return "", err
	}
	return m.updatedText(updated, st.EntityIndex, optionDelay), nil
}

func (m *ConfigMenu) staleDialog(ctx context.Context, chat string) (string, error) {
	if err := m.store.DeleteMenuState(ctx, chat); err != nil {
		return "", err
	}
	return "The selected entity no longer exists. Type 'bot config' to restart.", nil
}

// update applies option to a copy of cfg, saves it and reads it back. When
// the saved file does not load, the backup is restored.
func (m *ConfigMenu) update(cfg *config.Config, idx, option, delay int) (*config.Config, error) {
	if m.path == "" {
		return nil, errors.New("configuration file path unknown")
	}

	updated := *cfg
	updated.MonitoredEntities = append([]config.Entity(nil), cfg.MonitoredEntities...)
	e := &updated.MonitoredEntities[idx]

	var change string
	switch option {
	case optionActive:
		e.Active = !e.Active
		change = "active=" + strconv.FormatBool(e.Active)
	case optionHeyBot:
		e.HeyBot = !e.HeyBot
		change = "hey_bot=" + strconv.FormatBool(e.HeyBot)
	case optionDebug:
		e.Debug = !e.Debug
		change = "debug=" + strconv.FormatBool(e.Debug)
	case optionDelay:
		e.ResponseDelay = &delay
		change = "response_delay=" + strconv.Itoa(delay)
	default:
		return nil, fmt.Errorf("invalid option %d", option)
	}

	if err := config.SaveConfigToFile(&updated, m.path); err != nil {
		return nil, err
	}
	if _, err := config.Load(m.path); err != nil {
		m.restoreBackup()
		return nil, err
	}

	m.logger.Info("configuration updated", "entity", e.Name, "change", change)
	return &updated, nil
}

func (m *ConfigMenu) restoreBackup() {
	data, err := os.ReadFile(m.path + ".bak")
	if err != nil {
		m.logger.Error("no backup to restore", "path", m.path, "error", err)
		return
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		m.logger.Error("failed to restore backup", "path", m.path, "error", err)
		return
	}
	m.logger.Info("restored configuration backup", "path", m.path)
}

func (m *ConfigMenu) updatedText(cfg *config.Config, idx, option int) string {
	e := cfg.MonitoredEntities[idx]
	mark := func(o int) string {
		if o == option {
			return " <- Changed"
		}
		return ""
	}
	lines := []string{
		"Configuration updated successfully!",
		"",
		"Updated entity: " + entityTitle(e),
		entityAddress(e),
		"",
		"New settings:",
		"- Active: " + yesNo(e.Active) + mark(optionActive),
		"- Hey Bot: " + yesNo(e.HeyBot) + mark(optionHeyBot),
		"- Debug: " + yesNo(e.Debug) + mark(optionDebug),
		fmt.Sprintf("- Response Delay: %ds", effectiveDelay(cfg, e)) + mark(optionDelay),
		"",
		"Configuration saved to " + filepath.Base(m.path),
		"Type 'bot config' to modify another entity or continue chatting normally.",
	}
	return strings.Join(lines, "\n")
}

func listEntities(cfg *config.Config) string {
	lines := []string{"The bot is now in configuration mode. Here's the current setup:", ""}
	for i, e := range cfg.MonitoredEntities {
		if e.Type == config.EntityGroup {
			lines = append(lines, fmt.Sprintf("[%d] Group - %s - JID: %s", i+1, e.Name, e.JID))
		} else {
			lines = append(lines, fmt.Sprintf("[%d] User - %s - Phone: %s", i+1, e.Name, e.Phone))
		}
		lines = append(lines,
			fmt.Sprintf("    Active: %s | Hey Bot: %s | Response Delay: %ds | Debug: %s",
				yesNo(e.Active), yesNo(e.HeyBot), effectiveDelay(cfg, e), yesNo(e.Debug)),
			"")
	}
	lines = append(lines, fmt.Sprintf("Select an entity to modify [1-%d] or type '0' to exit:", len(cfg.MonitoredEntities)))
	return strings.Join(lines, "\n")
}

func entityTitle(e config.Entity) string {
	if e.Type == config.EntityGroup {
		return e.Name + " (Group)"
	}
	return e.Name + " (User)"
}

func entityAddress(e config.Entity) string {
	if e.Type == config.EntityGroup {
		return "JID: " + e.JID
	}
	return "Phone: " + e.Phone
}

func effectiveDelay(cfg *config.Config, e config.Entity) int {
	if e.ResponseDelay != nil {
		return *e.ResponseDelay
	}
	return cfg.ResponseDelay
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
