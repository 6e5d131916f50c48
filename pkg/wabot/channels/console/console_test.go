package console

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/channels"
	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

const selfJID = "15551234567@s.whatsapp.net"

func openStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "bot.db")}, nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConsoleSend(t *testing.T) {
	db := openStore(t)
	var out bytes.Buffer
	c := New(db, selfJID, &out)
	ctx := context.Background()

	if err := c.Send(ctx, selfJID, "hi"); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Fatalf("Send before Connect = %v", err)
	}

	c.Connect(ctx)
	if err := c.Send(ctx, selfJID, "hello there"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.Contains(out.String(), "hello there") {
		t.Errorf("output = %q", out.String())
	}

	recent, err := db.RecentMessages(ctx, selfJID, 10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentMessages = %v, %v", recent, err)
	}
	sent := recent[0]
	if !channels.IsSentID(sent.ID) || !sent.IsFromMe || sent.Sender != selfJID {
		t.Errorf("recorded send = %+v", sent)
	}
}

func TestConsoleIngest(t *testing.T) {
	db := openStore(t)
	c := New(db, selfJID, &bytes.Buffer{})
	ctx := context.Background()

	id, err := c.Ingest(ctx, "note to self")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	msg, err := db.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ChatJID != selfJID || msg.Sender != "15551234567" || !msg.IsFromMe || msg.Status != database.StatusPending {
		t.Errorf("self message = %+v", msg)
	}

	c.SetChat("120363000000000000@g.us", "15550001111")
	id2, err := c.Ingest(ctx, "hey bot hello")
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id {
		t.Error("ids collide")
	}
	msg, _ = db.Get(ctx, id2)
	if msg.IsFromMe || msg.Sender != "15550001111" || msg.ChatJID != "120363000000000000@g.us" {
		t.Errorf("group message = %+v", msg)
	}

	c.SetChat(selfJID, "")
	if _, sender := c.Chat(); sender != "15551234567" {
		t.Errorf("sender = %q, want operator", sender)
	}
}
