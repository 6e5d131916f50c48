// Package config defines the bot's typed configuration, its loader and
// validation, and the watcher that reloads it when the file changes.
package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels/whatsapp"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/session"
)

// Entity types.
const (
	EntityUser  = "user"
	EntityGroup = "group"
)

// Config is the root configuration.
type Config struct {
	// WhatsApp holds the transport settings.
	WhatsApp whatsapp.Config `yaml:"whatsapp" json:"whatsapp"`

	// ResponseDelay is the default number of seconds to wait for a human
	// answer before replying.
	ResponseDelay int `yaml:"response_delay" json:"response_delay"`

	// Self configures the operator's own chat.
	Self SelfConfig `yaml:"self" json:"self"`

	// MonitoredEntities lists the chats the bot answers in.
	MonitoredEntities []Entity `yaml:"monitored_entities" json:"monitored_entities"`

	Polling       PollingConfig    `yaml:"polling" json:"polling"`
	Rotation      RotationConfig   `yaml:"rotation" json:"rotation"`
	SessionMemory session.Policy   `yaml:"session_memory" json:"session_memory"`
	Vitality      VitalityConfig   `yaml:"vitality" json:"vitality"`
	Perplexity    PerplexityConfig `yaml:"perplexity" json:"perplexity"`
	Logging       LoggingConfig    `yaml:"logging" json:"logging"`
	Database      DatabaseConfig   `yaml:"database" json:"database"`
}

// SelfConfig configures messages the operator sends to themselves.
type SelfConfig struct {
	Active  bool   `yaml:"active" json:"active"`
	Prompt  string `yaml:"prompt" json:"prompt"`
	Persona string `yaml:"persona" json:"persona"`

	// StaleSessionSeconds resets the self session when the last activity is
	// older than this.
	StaleSessionSeconds int `yaml:"stale_session_seconds" json:"stale_session_seconds"`

	Debug        bool `yaml:"debug" json:"debug"`
	PromptIsFile bool `yaml:"prompt_is_file" json:"prompt_is_file"`
}

// Entity is a monitored user or group.
type Entity struct {
	Type         string `yaml:"type" json:"type"`
	Name         string `yaml:"name" json:"name"`
	Prompt       string `yaml:"prompt" json:"prompt"`
	Persona      string `yaml:"persona" json:"persona"`
	Active       bool   `yaml:"active" json:"active"`
	Debug        bool   `yaml:"debug" json:"debug"`
	JID          string `yaml:"jid,omitempty" json:"jid,omitempty"`
	Phone        string `yaml:"phone,omitempty" json:"phone,omitempty"`
	PromptIsFile bool   `yaml:"prompt_is_file,omitempty" json:"prompt_is_file,omitempty"`

	// SessionMemory overrides the global memory policy.
	SessionMemory *session.Policy `yaml:"session_memory,omitempty" json:"session_memory,omitempty"`

	// ResponseDelay overrides the global response delay.
	ResponseDelay *int `yaml:"response_delay,omitempty" json:"response_delay,omitempty"`

	// HeyBot requires a wake word before the bot answers.
	HeyBot bool `yaml:"hey_bot" json:"hey_bot"`
}

// UnmarshalYAML applies entity defaults before decoding so fields absent
// from the file keep them.
func (e *Entity) UnmarshalYAML(value *yaml.Node) error {
	type plain Entity
	p := plain{Active: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*e = Entity(p)
	return nil
}

// Identifier returns the chat JID of the entity: the group JID, or the
// phone number (without "+") at s.whatsapp.net.
func (e Entity) Identifier() string {
	if e.Type == EntityGroup {
		return e.JID
	}
	return strings.TrimLeft(e.Phone, "+") + "@s.whatsapp.net"
}

// PollingConfig controls the processing loop.
type PollingConfig struct {
	IntervalSeconds          int `yaml:"interval_seconds" json:"interval_seconds"`
	MaxConcurrentMessages    int `yaml:"max_concurrent_messages" json:"max_concurrent_messages"`
	ProcessingTimeoutSeconds int `yaml:"processing_timeout_seconds" json:"processing_timeout_seconds"`
	MaxRetries               int `yaml:"max_retries" json:"max_retries"`
	LookbackHours            int `yaml:"lookback_hours" json:"lookback_hours"`
}

// RotationConfig controls periodic cleanup.
type RotationConfig struct {
	MessagesRetentionDays int `yaml:"messages_retention_days" json:"messages_retention_days"`
	CleanupIntervalHours  int `yaml:"cleanup_interval_hours" json:"cleanup_interval_hours"`
}

// VitalityConfig configures the daily "still alive" message to self.
type VitalityConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Time     string `yaml:"time" json:"time"`
	Timezone string `yaml:"timezone" json:"timezone"`
	Message  string `yaml:"message" json:"message"`
}

// PerplexityConfig configures the completion provider.
type PerplexityConfig struct {
	Model                 string  `yaml:"model" json:"model"`
	Temperature           float64 `yaml:"temperature" json:"temperature"`
	MaxTokens             int     `yaml:"max_tokens" json:"max_tokens"`
	APIKey                string  `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL               string  `yaml:"base_url" json:"base_url"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// DatabaseConfig locates the bot database.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// DefaultConfig returns the configuration used for absent fields.
func DefaultConfig() *Config {
	return &Config{
		WhatsApp:      whatsapp.DefaultConfig(),
		ResponseDelay: 5,
		Self: SelfConfig{
			Prompt:              "You are a helpful assistant.",
			Persona:             "helpful and concise",
			StaleSessionSeconds: 60,
			Debug:               true,
		},
		Polling: PollingConfig{
			IntervalSeconds:          5,
			MaxConcurrentMessages:    10,
			ProcessingTimeoutSeconds: 300,
			MaxRetries:               3,
			LookbackHours:            24,
		},
		Rotation: RotationConfig{
			MessagesRetentionDays: 7,
			CleanupIntervalHours:  24,
		},
		SessionMemory: session.DefaultPolicy(),
		Vitality: VitalityConfig{
			Enabled:  true,
			Time:     "09:00",
			Timezone: "UTC",
			Message:  "🤖 WhatsApp Bot is operational",
		},
		Perplexity: PerplexityConfig{
			Model:                 "llama-3.1-sonar-large-128k-online",
			Temperature:           0.7,
			MaxTokens:             500,
			BaseURL:               "https://api.perplexity.ai",
			RequestTimeoutSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Path: database.DefaultPath,
		},
	}
}

// SelfJID is the operator's own chat JID.
func (c *Config) SelfJID() string {
	return strings.TrimLeft(c.WhatsApp.PhoneNumber, "+") + "@s.whatsapp.net"
}

// IsSelf reports whether jid is the operator's own chat.
func (c *Config) IsSelf(jid string) bool {
	return jid == c.SelfJID()
}
