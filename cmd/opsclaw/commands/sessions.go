package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/logging"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/session"
)

// newSessionsCmd creates the `opsclaw sessions` command.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored conversations",
		Long: `List, show and delete stored sessions.

Examples:
  opsclaw sessions list
  opsclaw sessions show telegram:chat456
  opsclaw sessions delete cli:direct`,
	}
	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsDeleteCmd(),
	)
	return cmd
}

func openSessions(cmd *cobra.Command) (*session.Manager, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	return session.Open(cfg.Session.Store, cfg.SessionDir(), cfg.Session.MaxMessages, logging.Discard())
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openSessions(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			keys, err := m.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tMESSAGES\tUPDATED")
			for _, k := range keys {
				s, ok := m.Lookup(k)
				if !ok {
					fmt.Fprintf(tw, "%s\t?\t?\n", k)
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", k, s.Len(), s.UpdatedAt.Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openSessions(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			s, ok := m.Lookup(args[0])
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}

			limit, _ := cmd.Flags().GetInt("last")
			msgs := s.Messages
			if limit > 0 && limit < len(msgs) {
				msgs = msgs[len(msgs)-limit:]
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s (%d messages)\n\n", s.Key, s.Len())
			for _, msg := range msgs {
				fmt.Fprintf(out, "[%s] %s:\n%s\n\n", msg.Timestamp.Format(time.DateTime), msg.Role, msg.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntP("last", "n", 0, "show only the last n messages")
	return cmd
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openSessions(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			deleted, err := m.Delete(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
			return nil
		},
	}
}
