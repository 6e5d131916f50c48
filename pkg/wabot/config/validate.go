package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/session"
)

// Validate checks cfg and returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.WhatsApp.PhoneNumber == "" {
		add("whatsapp.phone_number is required")
	}
	if cfg.ResponseDelay < 0 {
		add("response_delay must be >= 0")
	}

	if cfg.Self.Active && cfg.Self.Prompt == "" {
		add("self.prompt is required when self.active is true")
	}
	if cfg.Self.StaleSessionSeconds <= 0 {
		add("self.stale_session_seconds must be greater than 0")
	}
	if cfg.Self.Active && cfg.Self.PromptIsFile && !fileExists(cfg.Self.Prompt) {
		add("self prompt file not found: %s", cfg.Self.Prompt)
	}

	if len(cfg.MonitoredEntities) == 0 {
		add("at least one monitored entity is required")
	}
	seen := make(map[string]string)
	for _, e := range cfg.MonitoredEntities {
		switch e.Type {
		case EntityGroup:
			if e.JID == "" {
				add("group entity '%s' must have 'jid' field", e.Name)
			}
		case EntityUser:
			if e.Phone == "" {
				add("user entity '%s' must have 'phone' field", e.Name)
			}
		default:
			add("entity '%s' has invalid type %q (want user or group)", e.Name, e.Type)
		}
		if e.Prompt == "" {
			add("entity '%s' must have 'prompt' field", e.Name)
		}
		if e.PromptIsFile && !fileExists(e.Prompt) {
			add("prompt file not found for entity '%s': %s", e.Name, e.Prompt)
		}
		if e.SessionMemory != nil {
			if err := e.SessionMemory.Validate(); err != nil {
				add("invalid monitored entity '%s' session_memory: %w", e.Name, err)
			}
		}
		if e.ResponseDelay != nil && *e.ResponseDelay < 0 {
			add("response_delay for '%s' must be >= 0", e.Name)
		}
		if e.Active {
			id := e.Identifier()
			if other, dup := seen[id]; dup {
				add("entities '%s' and '%s' both resolve to %s", other, e.Name, id)
			}
			seen[id] = e.Name
		}
	}

	p := cfg.Polling
	if p.IntervalSeconds < 1 || p.IntervalSeconds > 300 {
		add("polling.interval_seconds must be between 1 and 300")
	}
	if p.MaxConcurrentMessages < 1 {
		add("polling.max_concurrent_messages must be at least 1")
	}
	if p.ProcessingTimeoutSeconds < 1 {
		add("polling.processing_timeout_seconds must be at least 1")
	}
	if p.MaxRetries < 1 {
		add("polling.max_retries must be at least 1")
	}
	if p.LookbackHours < 1 || p.LookbackHours > 168 {
		add("polling.lookback_hours must be between 1 and 168 (1 week)")
	}

	r := cfg.Rotation
	if r.MessagesRetentionDays < 1 || r.MessagesRetentionDays > 365 {
		add("rotation.messages_retention_days must be between 1 and 365")
	}
	if r.CleanupIntervalHours < 1 || r.CleanupIntervalHours > 168 {
		add("rotation.cleanup_interval_hours must be between 1 and 168")
	}

	if err := cfg.SessionMemory.Validate(); err != nil {
		add("invalid session_memory: %w", err)
	}

	if _, _, err := session.ParseClock(cfg.Vitality.Time); err != nil {
		add("vitality.time: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Vitality.Timezone); err != nil {
		add("invalid vitality.timezone %q", cfg.Vitality.Timezone)
	}

	px := cfg.Perplexity
	if px.Temperature < 0 || px.Temperature > 1 {
		add("perplexity.temperature must be between 0.0 and 1.0")
	}
	if px.MaxTokens < 100 || px.MaxTokens > 4000 {
		add("perplexity.max_tokens must be between 100 and 4000")
	}
	if px.Model == "" {
		add("perplexity.model is required")
	}
	if px.RequestTimeoutSeconds < 1 {
		add("perplexity.request_timeout_seconds must be at least 1")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be one of debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		add("logging.format must be text or json")
	}

	return errors.Join(errs...)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
