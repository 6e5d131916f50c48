package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testClock is a settable clock for store timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestDB(t *testing.T) (*DB, *testClock) {
	t.Helper()
	db, err := Open(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	db.SetClock(clock.Now)
	return db, clock
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(SQLiteConfig{Path: filepath.Join(dir, "nested", "bot.db")}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if db.Path() != filepath.Join(dir, "nested", "bot.db") {
		t.Errorf("Path() = %q", db.Path())
	}
}

func TestMigrator(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	version, err := db.Migrator().CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != LatestVersion() {
		t.Errorf("version = %d, want %d", version, LatestVersion())
	}

	needs, err := db.Migrator().NeedsMigration(ctx)
	if err != nil {
		t.Fatalf("NeedsMigration failed: %v", err)
	}
	if needs {
		t.Error("expected no migration needed after Open")
	}

	// Running again is a no-op.
	if err := db.Migrator().Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")
	ctx := context.Background()

	db, err := Open(SQLiteConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := db.Upsert(ctx, NewMessage{ID: "m1", ChatJID: "c", Sender: "s", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	db.Close()

	db, err = Open(SQLiteConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	if _, err := db.Get(ctx, "m1"); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
}

func TestTimeFormatSortsChronologically(t *testing.T) {
	a := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	b := a.Add(1500 * time.Microsecond)
	c := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("X", 5*3600)) // 07:00Z

	fa, fb, fc := FormatTime(a), FormatTime(b), FormatTime(c)
	if !(fc < fa && fa < fb) {
		t.Errorf("unexpected order: %q %q %q", fa, fb, fc)
	}

	parsed, err := ParseTime(fb)
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	if !parsed.Equal(b) {
		t.Errorf("ParseTime = %v, want %v", parsed, b)
	}

	if _, err := ParseTime("2024-01-01 09:00:00"); err != nil {
		t.Errorf("legacy layout rejected: %v", err)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for garbage timestamp")
	}
}

func TestAppState(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetState(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetState(missing) = ok %v, err %v", ok, err)
	}

	if err := db.SetConfigHash(ctx, "abc"); err != nil {
		t.Fatalf("SetConfigHash failed: %v", err)
	}
	if err := db.SetConfigHash(ctx, "def"); err != nil {
		t.Fatalf("SetConfigHash failed: %v", err)
	}
	got, err := db.ConfigHash(ctx)
	if err != nil {
		t.Fatalf("ConfigHash failed: %v", err)
	}
	if got != "def" {
		t.Errorf("ConfigHash() = %q, want %q", got, "def")
	}

	when := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	if err := db.SetStateTime(ctx, KeyLastConnected, when); err != nil {
		t.Fatalf("SetStateTime failed: %v", err)
	}
	back, err := db.StateTime(ctx, KeyLastConnected)
	if err != nil {
		t.Fatalf("StateTime failed: %v", err)
	}
	if !back.Equal(when) {
		t.Errorf("StateTime = %v, want %v", back, when)
	}
}

func TestMenuState(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	if _, err := db.MenuState(ctx, "self"); err == nil {
		t.Fatal("expected ErrNotFound for missing dialog")
	}

	st := MenuState{ChatJID: "self", Step: "list", EntityIndex: -1, Option: -1}
	if err := db.SaveMenuState(ctx, st); err != nil {
		t.Fatalf("SaveMenuState failed: %v", err)
	}
	st.Step, st.EntityIndex = "entity_select", 2
	if err := db.SaveMenuState(ctx, st); err != nil {
		t.Fatalf("SaveMenuState failed: %v", err)
	}

	got, err := db.MenuState(ctx, "self")
	if err != nil {
		t.Fatalf("MenuState failed: %v", err)
	}
	if got.Step != "entity_select" || got.EntityIndex != 2 || got.Option != -1 {
		t.Errorf("MenuState = %+v", got)
	}

	if err := db.DeleteMenuState(ctx, "self"); err != nil {
		t.Fatalf("DeleteMenuState failed: %v", err)
	}
	if _, err := db.MenuState(ctx, "self"); err == nil {
		t.Error("dialog still present after delete")
	}
}
