package worktree

import (
	"regexp"
	"strings"
	"testing"
)

func TestGenerateBranchName(t *testing.T) {
	tests := []struct {
		id, title string
		want      string
	}{
		{"INT-100", "Fix login", "feat/int-100-fix-login"},
		{"INT-100", "  Fix   the *** Login!! ", "feat/int-100-fix-the-login"},
		{"#42", "Crash on startup", "feat/42-crash-on-startup"},
		{"ABC-1", "", "feat/abc-1"},
		{"ABC-1", "!!!", "feat/abc-1"},
		{"", "Only title", "feat/only-title"},
		{"ABC-2", "Ünïcödé naïve title", "feat/abc-2-n-c-d-na-ve-title"},
		{"X-9", strings.Repeat("word ", 20), "feat/x-9-word-word-word-word-word-word-word-word"},
		{"PLATFORM-INFRASTRUCTURE-12345", "Rotate the expiring TLS certificates", "feat/platform-infrastructure-12345-rotate-the-expiring-t"},
	}
	for _, tt := range tests {
		if got := GenerateBranchName(tt.id, tt.title); got != tt.want {
			t.Errorf("GenerateBranchName(%q, %q) = %q, want %q", tt.id, tt.title, got, tt.want)
		}
	}
}

func TestGenerateBranchNameProperties(t *testing.T) {
	valid := regexp.MustCompile(`^[a-z0-9/-]+$`)
	inputs := [][2]string{
		{"INT-100", "Fix login"},
		{"PROJ_77", "Refactor: the **whole** thing (again) / with slashes\\and\ttabs"},
		{"lower-1", strings.Repeat("abcdefghij", 10)},
		{"🚀-1", "emoji 🚀 title"},
		{strings.Repeat("LONGID", 10), strings.Repeat("title words ", 10)},
		{"", ""},
	}
	maxLen := maxBranchName
	for _, in := range inputs {
		a := GenerateBranchName(in[0], in[1])
		b := GenerateBranchName(in[0], in[1])
		if a != b {
			t.Errorf("not deterministic for %q: %q vs %q", in, a, b)
		}
		if !valid.MatchString(a) {
			t.Errorf("branch %q contains characters outside [a-z0-9/-]", a)
		}
		if len(a) > maxLen {
			t.Errorf("branch %q longer than %d", a, maxLen)
		}
		if strings.Contains(a, "--") || strings.HasSuffix(a, "-") {
			t.Errorf("branch %q has doubled or trailing hyphen", a)
		}
	}
}

func TestDetermineRepoPath(t *testing.T) {
	repos := []Repo{
		{Name: "api", Path: "/src/api"},
		{Name: "web", Path: "/src/web", TitlePrefix: "[frontend]"},
	}
	tests := []struct {
		name     string
		hint     string
		title    string
		repos    []Repo
		wantPath string
		wantOK   bool
	}{
		{"explicit name", "web", "anything", repos, "/src/web", true},
		{"explicit path", "/src/api", "[frontend] x", repos, "/src/api", true},
		{"configured prefix", "", "[Frontend] fix button", repos, "/src/web", true},
		{"name prefix", "", "api: add endpoint", repos, "/src/api", true},
		{"first repo", "", "unrelated", repos, "/src/api", true},
		{"unknown hint falls through", "mobile", "[frontend] x", repos, "/src/web", true},
		{"no repos", "", "x", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetermineRepoPath(tt.hint, tt.title, tt.repos)
			if ok != tt.wantOK || got.Path != tt.wantPath {
				t.Errorf("DetermineRepoPath() = (%q, %v), want (%q, %v)", got.Path, ok, tt.wantPath, tt.wantOK)
			}
		})
	}
}

func TestParseWorktreeList(t *testing.T) {
	out := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /repo/.worktrees/feat-int-1-x
HEAD 2222222222222222222222222222222222222222
branch refs/heads/feat/int-1-x

worktree /repo/.worktrees/detached
HEAD 3333333333333333333333333333333333333333
detached
`
	entries := parseWorktreeList(out)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[1].Branch != "feat/int-1-x" || entries[1].Path != "/repo/.worktrees/feat-int-1-x" {
		t.Errorf("entry[1] = %+v", entries[1])
	}
	if entries[2].Branch != "" {
		t.Errorf("detached entry has branch %q", entries[2].Branch)
	}
}
