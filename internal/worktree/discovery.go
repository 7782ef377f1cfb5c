package worktree

import (
	"context"
	"strings"
)

// FeatureBranch is a branch detected as holding work for an issue.
type FeatureBranch struct {
	RepoPath string
	Branch   string
}

// FindBranchByIssueID looks for a branch whose name contains issueID,
// case-insensitively. Local branches are searched first, most recently
// committed first, then remote-tracking refs, then the remote itself.
func (m *Manager) FindBranchByIssueID(ctx context.Context, repoRoot, issueID string) (string, bool, error) {
	if strings.TrimSpace(issueID) == "" {
		return "", false, nil
	}
	local, err := runGitLines(ctx, m.timeout, repoRoot,
		"for-each-ref", "--sort=-committerdate", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return "", false, err
	}
	for _, b := range local {
		if containsFold(b, issueID) {
			return b, true, nil
		}
	}

	remote, err := runGitLines(ctx, m.timeout, repoRoot,
		"for-each-ref", "--sort=-committerdate", "--format=%(refname:short)", "refs/remotes/")
	if err != nil {
		m.log().Debug("[Worktree] remote ref listing failed", "repo", repoRoot, "error", err)
	}
	for _, ref := range remote {
		_, b, ok := strings.Cut(ref, "/")
		if !ok || b == "HEAD" {
			continue
		}
		if containsFold(b, issueID) {
			return b, true, nil
		}
	}

	lsRemote, err := runGitLines(ctx, m.timeout, repoRoot, "ls-remote", "--heads", m.remote)
	if err != nil {
		m.log().Debug("[Worktree] ls-remote failed", "repo", repoRoot, "error", err)
		return "", false, nil
	}
	for _, line := range lsRemote {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		b := strings.TrimPrefix(fields[1], "refs/heads/")
		if containsFold(b, issueID) {
			return b, true, nil
		}
	}
	return "", false, nil
}

// DetectFeatureBranches finds the branch holding an issue's work in each
// repository. Each repository is checked with three passes in order and the
// first hit is its entry: the current branch names the issue; the current
// branch differs from the base branch; some local branch names the issue.
// With no repositories configured the workspace itself is inspected.
func (m *Manager) DetectFeatureBranches(ctx context.Context, repos []Repo, issueID, workspace, defaultBase string) []FeatureBranch {
	if len(repos) == 0 {
		repos = []Repo{{Path: workspace}}
	}
	var found []FeatureBranch
	for _, r := range repos {
		if b, ok := m.detectFeatureBranch(ctx, r, issueID, defaultBase); ok {
			found = append(found, FeatureBranch{RepoPath: r.Path, Branch: b})
		}
	}
	return found
}

func (m *Manager) detectFeatureBranch(ctx context.Context, r Repo, issueID, defaultBase string) (string, bool) {
	current, err := m.CurrentBranch(ctx, r.Path)
	if err != nil {
		m.log().Debug("[Worktree] current branch unavailable", "repo", r.Path, "error", err)
		current = ""
	}
	if current != "" && containsFold(current, issueID) {
		return current, true
	}

	base := r.BaseBranch
	if base == "" {
		base = defaultBase
	}
	if current != "" && base != "" && current != base {
		return current, true
	}

	locals, err := runGitLines(ctx, m.timeout, r.Path,
		"for-each-ref", "--sort=-committerdate", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return "", false
	}
	for _, b := range locals {
		if containsFold(b, issueID) {
			return b, true
		}
	}
	return "", false
}
