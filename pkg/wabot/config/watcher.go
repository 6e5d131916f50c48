package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HashStore persists the hash of the last applied configuration so changes
// made while the process was down are noticed too.
type HashStore interface {
	ConfigHash(ctx context.Context) (string, error)
	SetConfigHash(ctx context.Context, hash string) error
}

// Loader reads and validates a configuration file.
type Loader func(path string) (*Config, error)

// Load reads path and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// HashFile returns the hex sha256 of the file contents.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading config file: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ConfigWatcher reloads the configuration when the file content changes.
// Changes are picked up from file system events, from a polling ticker, and
// from explicit MaybeReload calls. A file whose content cannot be loaded
// leaves the current configuration in place.
type ConfigWatcher struct {
	path     string
	interval time.Duration
	onChange func(*Config)
	logger   *slog.Logger

	store  HashStore
	loader Loader

	// reloadMu serializes reloads, including the onChange callback.
	reloadMu   sync.Mutex
	hash       string
	failedHash string
}

// NewConfigWatcher creates a watcher for path. onChange receives every
// successfully loaded new configuration.
func NewConfigWatcher(path string, interval time.Duration, onChange func(*Config), logger *slog.Logger) *ConfigWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ConfigWatcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
		loader:   Load,
	}
}

// SetHashStore makes the watcher persist applied hashes in store.
func (w *ConfigWatcher) SetHashStore(store HashStore) { w.store = store }

// SetLoader replaces the function used to read the file.
func (w *ConfigWatcher) SetLoader(loader Loader) { w.loader = loader }

// Path returns the watched file.
func (w *ConfigWatcher) Path() string { return w.path }

// Hash returns the hash of the configuration currently applied.
func (w *ConfigWatcher) Hash() string {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return w.hash
}

// Init records the hash of the configuration loaded at startup. It reports
// whether the file differs from the one applied in the previous run.
func (w *ConfigWatcher) Init(ctx context.Context) (bool, error) {
	hash, err := HashFile(w.path)
	if err != nil {
		return false, err
	}

	w.reloadMu.Lock()
	w.hash = hash
	w.reloadMu.Unlock()

	if w.store == nil {
		return false, nil
	}
	stored, err := w.store.ConfigHash(ctx)
	if err != nil {
		return false, err
	}
	changed := stored != "" && stored != hash
	if changed {
		w.logger.Info("configuration changed since last run", "path", w.path)
	}
	if stored != hash {
		if err := w.store.SetConfigHash(ctx, hash); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// MaybeReload reloads the configuration if the file content differs from
// the applied one and reports whether a new configuration was applied.
func (w *ConfigWatcher) MaybeReload(ctx context.Context) bool {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	hash, err := HashFile(w.path)
	if err != nil {
		w.logger.Warn("config hash failed", "path", w.path, "error", err)
		return false
	}
	if hash == w.hash || hash == w.failedHash {
		return false
	}

	cfg, err := w.loader(w.path)
	if err != nil {
		w.failedHash = hash
		w.logger.Error("config reload failed, keeping previous configuration",
			"path", w.path, "error", err)
		return false
	}

	w.hash = hash
	w.failedHash = ""
	if w.store != nil {
		if err := w.store.SetConfigHash(ctx, hash); err != nil {
			w.logger.Warn("failed to persist config hash", "error", err)
		}
	}

	w.logger.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
	return true
}

// Start watches the file until ctx is done. File system events trigger a
// reload shortly after the last write; the ticker catches anything missed.
func (w *ConfigWatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file watching unavailable, polling only", "error", err)
	} else {
		defer fsw.Close()
		// Watch the directory: editors often replace the file by rename.
		if err := fsw.Add(filepath.Dir(w.path)); err != nil {
			w.logger.Warn("file watching unavailable, polling only", "error", err)
		} else {
			events, errs = fsw.Events, fsw.Errors
		}
	}

	target := filepath.Clean(w.path)
	const settle = 200 * time.Millisecond
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.MaybeReload(ctx)

		case <-pending:
			pending = nil
			w.MaybeReload(ctx)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(settle)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
