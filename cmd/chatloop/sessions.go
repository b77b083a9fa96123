package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/chatloop/record"
	"github.com/martinemde/chatloop/reducer"
)

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsCreateCmd, sessionsShowCmd, sessionsRenameCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(record.Store) error) error {
	cfg, logger, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st record.Store) error {
			sessions, err := st.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions yet. Start one with 'chatloop chat'.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-16s  %7s  %s\n", "ID", "UPDATED", "RECORDS", "TITLE")
			for _, s := range sessions {
				fmt.Fprintf(out, "%-36s  %-16s  %7d  %s\n",
					s.ID,
					s.UpdatedAt.Local().Format("2006-01-02 15:04"),
					s.RecordCount,
					s.Title,
				)
			}
			return nil
		})
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create an empty session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st record.Store) error {
			sess, err := st.Create(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
			return nil
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st record.Store) error {
			sess, err := st.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session: %s\n", sess.ID)
			fmt.Fprintf(out, "Title:   %s\n", sess.Title)
			fmt.Fprintf(out, "Created: %s\n", sess.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Records: %d\n\n", len(sess.Records))
			t := &transcript{w: out, showUser: true}
			t.update(reducer.FromRecords(sess.Records))
			return nil
		})
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session-id> <title>",
	Short: "Change a session title",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.TrimSpace(strings.Join(args[1:], " "))
		if title == "" {
			return fmt.Errorf("title must not be empty")
		}
		return withStore(cmd, func(st record.Store) error {
			return st.Rename(args[0], title)
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>...",
	Short: "Delete sessions and their records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st record.Store) error {
			for _, id := range args {
				if err := st.Delete(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s\n", id)
			}
			return nil
		})
	},
}
