package agent

import (
	"context"
	"time"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

// waitForHuman gives the chat up to delay to answer before the bot does. It
// returns false as soon as a newer unprocessed message from the same sender
// shows up, meaning the bot should stay quiet. A failing check ends the wait
// and the bot replies.
func (o *Orchestrator) waitForHuman(ctx context.Context, msg database.Message, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	interval := min(time.Second, delay)
	deadline := o.now().Add(delay)

	for o.now().Before(deadline) {
		newer, err := o.db.HasUnprocessedAfter(ctx, msg.ChatJID, msg.Timestamp, msg.Sender)
		if err != nil {
			o.logger.Warn("failed to check for follow-up message", "id", msg.ID, "error", err)
			break
		}
		if newer {
			return false
		}
		if err := o.sleep(ctx, interval); err != nil {
			break
		}
	}
	return true
}
