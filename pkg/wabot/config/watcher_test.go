package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const watchedYAML = `
whatsapp:
  phone_number: "+15551234567"
response_delay: %DELAY%
monitored_entities:
  - type: user
    name: Alice
    phone: "+15550001111"
    prompt: "Be friendly."
`

func writeWatched(t *testing.T, path, delay string) {
	t.Helper()
	data := strings.ReplaceAll(watchedYAML, "%DELAY%", delay)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

type memHashStore struct {
	mu   sync.Mutex
	hash string
	sets int
}

func (s *memHashStore) ConfigHash(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash, nil
}

func (s *memHashStore) SetConfigHash(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hash = hash
	s.sets++
	return nil
}

func TestConfigWatcherMaybeReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeWatched(t, path, "5")

	var got []*Config
	w := NewConfigWatcher(path, time.Hour, func(cfg *Config) { got = append(got, cfg) }, discardLogger())
	ctx := context.Background()
	if _, err := w.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	t.Run("unchanged file", func(t *testing.T) {
		if w.MaybeReload(ctx) {
			t.Error("reloaded an unchanged file")
		}
	})

	t.Run("touch without change", func(t *testing.T) {
		now := time.Now().Add(time.Minute)
		os.Chtimes(path, now, now)
		if w.MaybeReload(ctx) {
			t.Error("reloaded after touch")
		}
	})

	t.Run("content change", func(t *testing.T) {
		before := w.Hash()
		writeWatched(t, path, "9")
		if !w.MaybeReload(ctx) {
			t.Fatal("change not applied")
		}
		if len(got) != 1 || got[0].ResponseDelay != 9 {
			t.Fatalf("onChange got %v", got)
		}
		if w.Hash() == before {
			t.Error("hash not updated")
		}
	})

	t.Run("invalid file keeps previous", func(t *testing.T) {
		before := w.Hash()
		if err := os.WriteFile(path, []byte("whatsapp: [unclosed"), 0o600); err != nil {
			t.Fatal(err)
		}
		if w.MaybeReload(ctx) {
			t.Error("invalid file applied")
		}
		if w.MaybeReload(ctx) {
			t.Error("invalid file applied on retry")
		}
		if w.Hash() != before || len(got) != 1 {
			t.Errorf("state changed: hash %q, %d callbacks", w.Hash(), len(got))
		}

		writeWatched(t, path, "2")
		if !w.MaybeReload(ctx) || got[len(got)-1].ResponseDelay != 2 {
			t.Error("fixed file not applied")
		}
	})
}

func TestConfigWatcherInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeWatched(t, path, "5")
	store := &memHashStore{}
	ctx := context.Background()

	w := NewConfigWatcher(path, time.Hour, nil, discardLogger())
	w.SetHashStore(store)
	changed, err := w.Init(ctx)
	if err != nil || changed {
		t.Fatalf("first Init = %v, %v; want false, nil", changed, err)
	}
	if store.hash != w.Hash() {
		t.Error("hash not persisted")
	}

	w2 := NewConfigWatcher(path, time.Hour, nil, discardLogger())
	w2.SetHashStore(store)
	if changed, _ := w2.Init(ctx); changed {
		t.Error("unchanged file reported as changed")
	}
	if store.sets != 1 {
		t.Errorf("sets = %d, want 1", store.sets)
	}

	writeWatched(t, path, "6")
	w3 := NewConfigWatcher(path, time.Hour, nil, discardLogger())
	w3.SetHashStore(store)
	if changed, _ := w3.Init(ctx); !changed {
		t.Error("offline edit not detected")
	}
	if store.hash != w3.Hash() {
		t.Error("new hash not persisted")
	}

	writeWatched(t, path, "7")
	if !w3.MaybeReload(ctx) {
		t.Fatal("reload failed")
	}
	if store.hash != w3.Hash() {
		t.Error("reload hash not persisted")
	}
}

func TestConfigWatcherStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeWatched(t, path, "5")

	changes := make(chan *Config, 4)
	w := NewConfigWatcher(path, 50*time.Millisecond, func(cfg *Config) { changes <- cfg }, discardLogger())
	if _, err := w.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	writeWatched(t, path, "8")

	select {
	case cfg := <-changes:
		if cfg.ResponseDelay != 8 {
			t.Errorf("ResponseDelay = %d, want 8", cfg.ResponseDelay)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change not detected")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
