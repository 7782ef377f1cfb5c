package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terraphim/issuepilot/internal/config"
	"github.com/terraphim/issuepilot/internal/worktree"
)

func newBranchNameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "branch-name <issue-id> [title...]",
		Short: "Print the feature branch name for an issue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), worktree.GenerateBranchName(args[0], strings.Join(args[1:], " ")))
			return nil
		},
	}
}

func newFindBranchCmd(a *app) *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "find-branch <issue-id>",
		Short: "Find an existing branch for an issue",
		Long: `Find-branch looks for a branch whose name contains the issue id: local
branches first, then remote-tracking refs, then the remote itself.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				repo = config.ExpandHome(a.cfg.Scheduler.Workspace)
			}
			m := worktree.NewManager(worktree.WithLogger(a.logger))
			branch, ok, err := m.FindBranchByIssueID(cmd.Context(), repo, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no branch found for %s in %s", args[0], repo)
			}
			fmt.Fprintln(cmd.OutOrStdout(), branch)
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository to search (default: workspace)")
	return cmd
}
