// Package worktree manages the per-session git worktrees that isolate agent
// runs from each other and from the user's checkout.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultDirName is the directory under a repository root that holds
	// managed worktrees. Nothing else may write there.
	DefaultDirName = ".worktrees"
	defaultRemote  = "origin"
)

// Handle identifies a worktree created for a session.
type Handle struct {
	RepoRoot   string
	BranchName string
	Path       string
	BaseBranch string
}

// Manager creates and removes session worktrees.
type Manager struct {
	dirName string
	remote  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTimeout bounds every git invocation.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithDirName overrides the managed directory name under each repository.
func WithDirName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.dirName = name
		}
	}
}

// NewManager returns a Manager with defaults applied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dirName: DefaultDirName,
		remote:  defaultRemote,
		timeout: defaultGitTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return runGit(ctx, m.timeout, dir, args...)
}

// Root returns the managed worktree directory for a repository.
func (m *Manager) Root(repoRoot string) string {
	return filepath.Join(repoRoot, m.dirName)
}

// PathFor returns the worktree path used for branch.
func (m *Manager) PathFor(repoRoot, branch string) string {
	return filepath.Join(m.Root(repoRoot), strings.ReplaceAll(branch, "/", "-"))
}

// Create makes a fresh worktree for branch based on the remote base branch.
// Any worktree or local branch left over from an earlier attempt is removed
// first, so calling Create twice yields exactly one worktree.
func (m *Manager) Create(ctx context.Context, repoRoot, branch, base string) (*Handle, error) {
	if base == "" {
		base = "main"
	}
	path := m.PathFor(repoRoot, branch)

	if err := m.ensureExcluded(ctx, repoRoot); err != nil {
		m.log().Warn("[Worktree] exclude update failed", "repo", repoRoot, "error", err)
	}
	if err := m.cleanupBranch(ctx, repoRoot, branch, path); err != nil {
		return nil, err
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", base, m.remote, base)
	if _, err := m.git(ctx, repoRoot, "fetch", m.remote, refspec); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree parent: %w", err)
	}
	if _, err := m.git(ctx, repoRoot, "worktree", "add", "-b", branch, path, m.remote+"/"+base); err != nil {
		return nil, err
	}

	m.log().Info("[Worktree] created", "repo", repoRoot, "branch", branch, "path", path, "base", base)
	return &Handle{RepoRoot: repoRoot, BranchName: branch, Path: path, BaseBranch: base}, nil
}

// cleanupBranch removes any worktree holding branch or occupying path, then
// deletes the local branch.
func (m *Manager) cleanupBranch(ctx context.Context, repoRoot, branch, path string) error {
	entries, err := m.list(ctx, repoRoot)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Branch != branch && !samePath(e.Path, path) {
			continue
		}
		if samePath(e.Path, repoRoot) {
			// The main checkout holds the branch; worktree add will report it.
			continue
		}
		if _, err := m.git(ctx, repoRoot, "worktree", "remove", "--force", e.Path); err != nil {
			m.log().Debug("[Worktree] stale worktree remove failed", "path", e.Path, "error", err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing stale worktree dir: %w", err)
		}
	}
	if _, err := m.git(ctx, repoRoot, "worktree", "prune"); err != nil {
		return err
	}
	if m.branchExists(ctx, repoRoot, branch) {
		if _, err := m.git(ctx, repoRoot, "branch", "-D", branch); err != nil {
			m.log().Debug("[Worktree] stale branch delete failed", "branch", branch, "error", err)
		}
	}
	return nil
}

func (m *Manager) branchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := m.git(ctx, repoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Remove force-removes the worktree and prunes stale metadata. It succeeds
// when the directory is already gone.
func (m *Manager) Remove(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if _, err := m.git(ctx, h.RepoRoot, "worktree", "remove", "--force", h.Path); err != nil {
		m.log().Debug("[Worktree] worktree remove failed", "path", h.Path, "error", err)
	}
	if _, err := os.Stat(h.Path); err == nil {
		if err := os.RemoveAll(h.Path); err != nil {
			return fmt.Errorf("removing worktree dir: %w", err)
		}
	}
	if _, err := m.git(ctx, h.RepoRoot, "worktree", "prune"); err != nil {
		return err
	}
	m.log().Info("[Worktree] removed", "branch", h.BranchName, "path", h.Path)
	return nil
}

// ListOrphans returns managed worktrees whose paths are not in active.
func (m *Manager) ListOrphans(ctx context.Context, repoRoot string, active map[string]bool) ([]Handle, error) {
	entries, err := m.list(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	root := m.Root(repoRoot)
	var orphans []Handle
	for _, e := range entries {
		if !isUnder(e.Path, root) {
			continue
		}
		if active[e.Path] || active[resolvePath(e.Path)] {
			continue
		}
		orphans = append(orphans, Handle{RepoRoot: repoRoot, BranchName: e.Branch, Path: e.Path})
	}
	return orphans, nil
}

type listEntry struct {
	Path   string
	Branch string
	Head   string
}

// list parses `git worktree list --porcelain`.
func (m *Manager) list(ctx context.Context, repoRoot string) ([]listEntry, error) {
	out, err := m.git(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []listEntry {
	var entries []listEntry
	var cur *listEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			entries = append(entries, listEntry{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &entries[len(entries)-1]
		case cur == nil:
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		}
	}
	return entries
}

// ensureExcluded adds the managed directory to .git/info/exclude so
// worktrees never show up as untracked files in the main checkout.
func (m *Manager) ensureExcluded(ctx context.Context, repoRoot string) error {
	commonDir, err := m.git(ctx, repoRoot, "rev-parse", "--git-common-dir")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(repoRoot, commonDir)
	}
	excludePath := filepath.Join(commonDir, "info", "exclude")
	pattern := "/" + m.dirName + "/"

	data, err := os.ReadFile(excludePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + pattern + "\n")
	return err
}

// CurrentBranch returns the branch checked out in dir.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", ErrDetachedHEAD
	}
	return out, nil
}

// HasChanges reports whether dir has uncommitted or untracked changes.
func (m *Manager) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages and commits everything in dir. It reports false when
// there was nothing to commit.
func (m *Manager) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	dirty, err := m.HasChanges(ctx, dir)
	if err != nil || !dirty {
		return false, err
	}
	if _, err := m.git(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := m.git(ctx, dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// CommitsAhead counts commits on HEAD that are not on the remote base branch.
func (m *Manager) CommitsAhead(ctx context.Context, dir, base string) (int, error) {
	out, err := m.git(ctx, dir, "rev-list", "--count", m.remote+"/"+base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", out, err)
	}
	return n, nil
}

// Push publishes branch to the remote. Feature branches belong to the tool,
// so an earlier attempt's remote branch is overwritten.
func (m *Manager) Push(ctx context.Context, dir, branch string) error {
	_, err := m.git(ctx, dir, "push", "--force", "-u", m.remote, branch+":"+branch)
	return err
}

func resolvePath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b) || resolvePath(a) == resolvePath(b)
}

func isUnder(p, root string) bool {
	for _, pair := range [][2]string{{filepath.Clean(p), filepath.Clean(root)}, {resolvePath(p), resolvePath(root)}} {
		rel, err := filepath.Rel(pair[1], pair[0])
		if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}
