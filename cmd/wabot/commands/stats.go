package commands

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/odubovsky/whatsapp-bot/pkg/wabot/database"
)

var (
	statsTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	statsLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(22)
	statsValueStyle = lipgloss.NewStyle().Bold(true)
	statsWarnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	statsBoxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// newStatsCmd creates `wabot stats`.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show message and session statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.db.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStats(a.db.Path(), st))
			return nil
		},
	}
}

func renderStats(path string, st database.Stats) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, statsLabelStyle.Render(label), statsValueStyle.Render(value))
	}

	lastConnected := "never"
	if !st.LastConnected.IsZero() {
		lastConnected = humanize.Time(st.LastConnected)
	}

	failed := strconv.Itoa(st.ByStatus[database.StatusFailedTerminal])
	if st.ByStatus[database.StatusFailedTerminal] > 0 {
		failed = statsWarnStyle.Render(failed)
	}

	rows := []string{
		statsTitleStyle.Render("wabot statistics"),
		"",
		row("Database", path),
		row("Size", humanize.Bytes(uint64(st.SizeBytes))),
		row("Schema version", strconv.Itoa(st.SchemaVersion)),
		"",
		row("Messages", strconv.Itoa(st.TotalMessages)),
		row("  pending", strconv.Itoa(st.ByStatus[database.StatusPending])),
		row("  claimed", strconv.Itoa(st.ByStatus[database.StatusClaimed])),
		row("  completed", strconv.Itoa(st.ByStatus[database.StatusCompleted])),
		row("  failed", failed),
		"",
		row("Sessions", fmt.Sprintf("%d active / %d total", st.ActiveSessions, st.TotalSessions)),
		row("Last WhatsApp link", lastConnected),
	}
	return statsBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
