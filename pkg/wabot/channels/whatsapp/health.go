// Package whatsapp – health.go detects silent disconnects and forces a
// reconnect when the connection looks dead.
package whatsapp

import (
	"context"
	"time"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

// HealthMonitorConfig configures proactive connection health monitoring.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// CheckIntervalSeconds is how often to perform health checks.
	CheckIntervalSeconds int `yaml:"check_interval_seconds" json:"check_interval_seconds"`

	// MaxSilentMinutes is how long the connection may stay without activity
	// before the client's own connection state is checked.
	MaxSilentMinutes int `yaml:"max_silent_minutes" json:"max_silent_minutes"`

	// ForceReconnectMinutes forces a reconnect after this much silence,
	// even if the client reports connected (half-open sockets). 0 disables.
	ForceReconnectMinutes int `yaml:"force_reconnect_minutes" json:"force_reconnect_minutes"`
}

// DefaultHealthMonitorConfig returns sensible defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:               true,
		CheckIntervalSeconds:  30,
		MaxSilentMinutes:      5,
		ForceReconnectMinutes: 15,
	}
}

// Health is a snapshot of the connection.
type Health struct {
	State             ConnectionState
	Connected         bool
	JID               string
	LastActivity      time.Time
	ErrorCount        int
	ReconnectAttempts int
}

// Health returns the connection health.
func (w *WhatsApp) Health() Health {
	return Health{
		State:             w.getState(),
		Connected:         w.connected.Load(),
		JID:               w.clientJID(),
		LastActivity:      w.getLastMsgTime(),
		ErrorCount:        int(w.errorCount.Load()),
		ReconnectAttempts: int(w.reconnectAttempts.Load()),
	}
}

// StartHealthMonitor runs periodic health checks until ctx is cancelled.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	interval := time.Duration(cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.performHealthCheck(ctx, cfg)
			}
		}
	}()
}

// performHealthCheck checks connection health and reconnects if needed.
func (w *WhatsApp) performHealthCheck(ctx context.Context, cfg HealthMonitorConfig) {
	if w.getState() != StateConnected {
		return
	}

	if w.store != nil {
		if err := w.store.SetStateTime(ctx, database.KeyLastConnected, w.now()); err != nil {
			w.logger.Debug("failed to record connection time", "error", err)
		}
	}

	maxSilent := time.Duration(cfg.MaxSilentMinutes) * time.Minute
	if maxSilent <= 0 {
		maxSilent = 5 * time.Minute
	}
	silent := time.Since(w.getLastMsgTime())
	if silent <= maxSilent {
		return
	}

	w.logger.Warn("connection silent for too long", "silent", silent.Round(time.Second))

	if w.client != nil && !w.client.IsConnected() {
		w.logger.Error("client reports disconnected while state is connected")
		w.setState(StateReconnecting)
		w.connected.Store(false)
		go w.attemptReconnect()
		return
	}

	force := time.Duration(cfg.ForceReconnectMinutes) * time.Minute
	if force > 0 && silent > force {
		w.logger.Warn("forcing preventive reconnection", "silent", silent.Round(time.Second))
		w.setState(StateReconnecting)
		w.connected.Store(false)
		go w.attemptReconnect()
	}
}
