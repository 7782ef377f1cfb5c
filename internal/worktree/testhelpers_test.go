package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runGitT(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func configureIdentity(t *testing.T, dir string) {
	t.Helper()
	runGitT(t, dir, "config", "user.email", "test@example.com")
	runGitT(t, dir, "config", "user.name", "Test")
	runGitT(t, dir, "config", "commit.gpgsign", "false")
}

// setupClone creates a bare origin with one commit on main and returns a
// clone of it together with the origin path.
func setupClone(t *testing.T) (clone, origin string) {
	t.Helper()
	requireGit(t)
	base := t.TempDir()
	origin = filepath.Join(base, "origin.git")
	seed := filepath.Join(base, "seed")
	clone = filepath.Join(base, "clone")

	runGitT(t, base, "init", "--bare", origin)
	runGitT(t, origin, "symbolic-ref", "HEAD", "refs/heads/main")

	if err := os.MkdirAll(seed, 0o755); err != nil {
		t.Fatal(err)
	}
	runGitT(t, seed, "init")
	configureIdentity(t, seed)
	runGitT(t, seed, "checkout", "-B", "main")
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("# test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGitT(t, seed, "add", "README.md")
	runGitT(t, seed, "commit", "-m", "initial")
	runGitT(t, seed, "remote", "add", "origin", origin)
	runGitT(t, seed, "push", "origin", "main")

	runGitT(t, base, "clone", origin, clone)
	configureIdentity(t, clone)
	return clone, origin
}

// pushBranchFromSeed publishes a branch to origin without the clone
// knowing about it.
func pushBranchFromSeed(t *testing.T, origin, branch string) {
	t.Helper()
	other := filepath.Join(t.TempDir(), "other")
	runGitT(t, filepath.Dir(other), "clone", origin, other)
	configureIdentity(t, other)
	runGitT(t, other, "checkout", "-b", branch)
	runGitT(t, other, "commit", "--allow-empty", "-m", "remote work")
	runGitT(t, other, "push", "origin", branch)
}
