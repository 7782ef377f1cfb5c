package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraphim/issuepilot/internal/guardrails"
	"github.com/terraphim/issuepilot/internal/output"
)

const dateFormat = "2006-01-02 15:04"

func newGuardrailsCmd(a *app) *cobra.Command {
	var limit int
	var full bool
	cmd := &cobra.Command{
		Use:   "guardrails",
		Short: "Show recorded failures that are fed back into prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := guardrails.NewStore(a.cfg.GuardrailsPath(), a.cfg.Guardrail.MaxEntries)
			entries, err := store.Recent(limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(w, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintf(w, "No guardrails in %s.\n", store.Path())
				return nil
			}
			if full {
				for _, e := range entries {
					fmt.Fprintf(w, "## %s %s %s/%s [%s]\n%s\n", e.Date.Local().Format(dateFormat), e.IssueID, e.Provider, e.Model, e.ErrorType, e.Message)
					if e.Output != "" {
						fmt.Fprintf(w, "%s\n", e.Output)
					}
					fmt.Fprintln(w)
				}
				return nil
			}
			tbl := output.NewTable(w, "DATE", "ISSUE", "AGENT", "TYPE", "MESSAGE")
			tbl.SetMaxColumnWidth(60)
			for _, e := range entries {
				tbl.AddRow(e.Date.Local().Format(dateFormat), e.IssueID, e.Provider, e.ErrorType, e.Message)
			}
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "entries to show, newest first")
	cmd.Flags().BoolVar(&full, "full", false, "include captured output")
	return cmd
}
