package whatsapp

import "time"

// Config holds WhatsApp channel configuration.
type Config struct {
	// PhoneNumber is the operator's own number, in international format.
	PhoneNumber string `yaml:"phone_number" json:"phone_number"`

	// SessionDB is the SQLite file holding the linked device session
	// (tables prefixed with whatsmeow_).
	SessionDB string `yaml:"session_db" json:"session_db"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name" json:"device_name"`

	// ReconnectBackoffSeconds is the initial backoff for reconnection.
	ReconnectBackoffSeconds int `yaml:"reconnect_backoff_seconds" json:"reconnect_backoff_seconds"`

	// MaxReconnectAttempts is the maximum number of reconnection attempts
	// (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`

	// HealthMonitor configures proactive connection health monitoring.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor" json:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDB:               "store/whatsapp.db",
		DeviceName:              "wabot",
		ReconnectBackoffSeconds: 5,
		MaxReconnectAttempts:    10,
		HealthMonitor:           DefaultHealthMonitorConfig(),
	}
}

// ReconnectBackoff returns the initial reconnect backoff.
func (c Config) ReconnectBackoff() time.Duration {
	if c.ReconnectBackoffSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ReconnectBackoffSeconds) * time.Second
}
