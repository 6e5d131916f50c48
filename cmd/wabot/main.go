// Command wabot is a WhatsApp auto-reply agent: it stores incoming messages,
// answers monitored chats through a completion provider and keeps a short
// conversation memory per participant.
package main

import (
	"fmt"
	"os"
	_ "time/tzdata" // IANA zones for vitality and session resets on hosts without zoneinfo.

	"github.com/odubovsky/whatsapp-bot/cmd/wabot/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
