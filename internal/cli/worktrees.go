package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraphim/issuepilot/internal/config"
	"github.com/terraphim/issuepilot/internal/output"
	"github.com/terraphim/issuepilot/internal/worktree"
)

func newWorktreesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "Inspect and clean managed worktrees",
	}

	var repo string
	repos := func() []string {
		if repo != "" {
			return []string{config.ExpandHome(repo)}
		}
		var out []string
		for _, r := range a.cfg.WorktreeRepos() {
			out = append(out, r.Path)
		}
		if len(out) == 0 {
			out = append(out, config.ExpandHome(a.cfg.Scheduler.Workspace))
		}
		return out
	}
	manager := func() *worktree.Manager {
		return worktree.NewManager(worktree.WithLogger(a.logger), worktree.WithDirName(a.cfg.Scheduler.WorktreeDir))
	}

	orphans := &cobra.Command{
		Use:   "orphans",
		Short: "List managed worktrees left behind by earlier runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := manager()
			var found []worktree.Handle
			for _, r := range repos() {
				hs, err := m.ListOrphans(cmd.Context(), r, nil)
				if err != nil {
					return fmt.Errorf("%s: %w", r, err)
				}
				found = append(found, hs...)
			}
			w := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(w, found)
			}
			if len(found) == 0 {
				fmt.Fprintln(w, "No orphaned worktrees.")
				return nil
			}
			tbl := output.NewTable(w, "BRANCH", "PATH")
			for _, h := range found {
				tbl.AddRow(h.BranchName, h.Path)
			}
			tbl.Render()
			return nil
		},
	}

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove orphaned managed worktrees",
		Long: `Clean removes managed worktrees that no session owns. Branches are kept so
unpushed work can still be recovered. Do not run it while a scheduler is
active in the same workspace.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := manager()
			w := cmd.OutOrStdout()
			removed := 0
			for _, r := range repos() {
				hs, err := m.ListOrphans(cmd.Context(), r, nil)
				if err != nil {
					return fmt.Errorf("%s: %w", r, err)
				}
				for i := range hs {
					if err := m.Remove(cmd.Context(), &hs[i]); err != nil {
						a.logger.Warn("[CLI] removing worktree failed", "path", hs[i].Path, "error", err)
						continue
					}
					fmt.Fprintf(w, "removed %s (%s)\n", hs[i].Path, hs[i].BranchName)
					removed++
				}
			}
			fmt.Fprintf(w, "%s removed.\n", output.CountStr(removed, "worktree", "worktrees"))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&repo, "repo", "", "repository (default: configured repos or workspace)")
	cmd.AddCommand(orphans, clean)
	return cmd
}
