package worktree

import (
	"strings"
)

const (
	branchPrefix = "feat/"
	maxTitleSlug  = 40
	maxIssueSlug  = 32
	maxBranchName = 56
)

// Repo is a repository the scheduler may dispatch issues to.
type Repo struct {
	Name        string
	Path        string
	BaseBranch  string
	TitlePrefix string
}

// GenerateBranchName derives the feature branch for an issue:
// feat/<issue-id>-<title-slug>. The result only contains [a-z0-9/-] and
// is at most 56 characters; long issue IDs shorten the title slug.
func GenerateBranchName(issueID, title string) string {
	id := truncateSlug(slugify(issueID), maxIssueSlug)
	titleMax := maxTitleSlug
	if id != "" {
		titleMax = min(titleMax, maxBranchName-len(branchPrefix)-len(id)-1)
	}
	slug := truncateSlug(slugify(title), titleMax)
	switch {
	case id == "" && slug == "":
		return branchPrefix + "issue"
	case id == "":
		return branchPrefix + slug
	case slug == "":
		return branchPrefix + id
	}
	return branchPrefix + id + "-" + slug
}

// slugify lowercases s and collapses every run of characters outside
// [a-z0-9] into a single hyphen.
func slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

func truncateSlug(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	return strings.Trim(s, "-")
}

// DetermineRepoPath picks the repository for an issue: an explicit repo
// hint (matched by name or path), then a configured title prefix, then the
// first configured repository. ok is false when repos is empty or the hint
// names an unknown repository and nothing else matches.
func DetermineRepoPath(repoHint, title string, repos []Repo) (Repo, bool) {
	if len(repos) == 0 {
		return Repo{}, false
	}
	if hint := strings.TrimSpace(repoHint); hint != "" {
		for _, r := range repos {
			if strings.EqualFold(r.Name, hint) || r.Path == hint {
				return r, true
			}
		}
	}
	lowerTitle := strings.ToLower(strings.TrimSpace(title))
	for _, r := range repos {
		for _, prefix := range titlePrefixes(r) {
			if strings.HasPrefix(lowerTitle, prefix) {
				return r, true
			}
		}
	}
	return repos[0], true
}

func titlePrefixes(r Repo) []string {
	if r.TitlePrefix != "" {
		return []string{strings.ToLower(r.TitlePrefix)}
	}
	if r.Name == "" {
		return nil
	}
	name := strings.ToLower(r.Name)
	return []string{"[" + name + "]", name + ":"}
}

func containsFold(s, substr string) bool {
	return substr != "" && strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
