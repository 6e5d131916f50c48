package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

// newDBCmd creates `wabot db` for store maintenance.
func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Maintain the message database",
	}
	cmd.AddCommand(newDBResetCmd(), newDBVacuumCmd(), newDBCleanupCmd())
	return cmd
}

func newDBResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all messages, sessions and config menu state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				err := huh.NewConfirm().
					Title("Delete all stored messages and sessions?").
					Affirmative("Delete").
					Negative("Cancel").
					Value(&yes).
					Run()
				if err != nil {
					return err
				}
			}
			if !yes {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.db.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s reset.\n", a.db.Path())
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newDBVacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim unused space in the database file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.db.Vacuum(cmd.Context())
		},
	}
}

func newDBCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run the rotation cleanup once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := newHousekeeping(a, nil, false)
			if err != nil {
				return err
			}
			msgs, sessions, err := sched.RunRotation(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d messages and %d expired sessions.\n", msgs, sessions)
			return nil
		},
	}
}
