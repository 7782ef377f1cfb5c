package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/terraphim/issuepilot/internal/control"
	"github.com/terraphim/issuepilot/internal/output"
	"github.com/terraphim/issuepilot/internal/session"
)

func (a *app) client() *control.Client {
	return control.NewClient(a.cfg.Control.Addr)
}

func optionalIssue(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (a *app) printCommand(w io.Writer, resp *control.CommandResponse, verb string) error {
	if a.jsonOutput {
		return printJSON(w, resp)
	}
	if len(resp.Targets) == 0 {
		fmt.Fprintf(w, "No running session to %s.\n", verb)
		return nil
	}
	fmt.Fprintf(w, "Sent %s to %s\n", verb, strings.Join(resp.Targets, ", "))
	return nil
}

func newKillCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill [issue-id]",
		Short: "Terminate a running session (all sessions without an id)",
		Long: `Kill terminates the agent and tears down the session. The issue is set
back to todo and may be picked up again after the cooldown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client().Kill(cmd.Context(), optionalIssue(args))
			if err != nil {
				return err
			}
			return a.printCommand(cmd.OutOrStdout(), resp, "kill")
		},
	}
}

func newSkipCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "skip [issue-id]",
		Short: "Terminate a session and skip its issue for the rest of the run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client().Skip(cmd.Context(), optionalIssue(args))
			if err != nil {
				return err
			}
			return a.printCommand(cmd.OutOrStdout(), resp, "skip")
		},
	}
}

func newPauseCmd(a *app, pause bool) *cobra.Command {
	use, short, verb := "pause", "Suspend stuck detection for a session (all without an id)", "pause"
	if !pause {
		use, short, verb = "resume", "Resume stuck detection for a session (all without an id)", "resume"
	}
	return &cobra.Command{
		Use:   use + " [issue-id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			var (
				resp *control.CommandResponse
				err  error
			)
			if pause {
				resp, err = c.Pause(cmd.Context(), optionalIssue(args))
			} else {
				resp, err = c.Resume(cmd.Context(), optionalIssue(args))
			}
			if err != nil {
				return err
			}
			return a.printCommand(cmd.OutOrStdout(), resp, verb)
		},
	}
}

func newSessionsCmd(a *app) *cobra.Command {
	var history bool
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions of the running scheduler",
		Long: `Sessions asks the running scheduler for its sessions. With --history it
reads the session records saved in the state directory instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []session.Info
			if history {
				var err error
				infos, err = session.ListRecords(a.cfg.StateDir())
				if err != nil {
					return err
				}
				if limit > 0 && len(infos) > limit {
					infos = infos[:limit]
				}
			} else {
				resp, err := a.client().Sessions(cmd.Context())
				if err != nil {
					return err
				}
				infos = resp.Sessions
			}
			w := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(w, infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(w, "No sessions.")
				return nil
			}
			tbl := output.NewTable(w, "ISSUE", "STATE", "BRANCH", "ATTEMPTS", "DURATION", "RESULT")
			tbl.SetMaxColumnWidth(output.TerminalWidth(w) / 3)
			for _, s := range infos {
				result := s.PRURL
				if result == "" {
					result = s.Error
				}
				tbl.AddRow(s.IssueID, string(s.State), s.BranchName, fmt.Sprint(len(s.Attempts)), s.Duration().Round(time.Second).String(), result)
			}
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "read saved session records")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records with --history")
	return cmd
}
