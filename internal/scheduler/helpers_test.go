package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/terraphim/issuepilot/internal/events"
	"github.com/terraphim/issuepilot/internal/fallback"
	"github.com/terraphim/issuepilot/internal/guardrails"
	"github.com/terraphim/issuepilot/internal/pr"
	"github.com/terraphim/issuepilot/internal/provider"
	"github.com/terraphim/issuepilot/internal/source"
	"github.com/terraphim/issuepilot/internal/worktree"
)

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
// clone of it.
func setupClone(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	base := t.TempDir()
	origin := filepath.Join(base, "origin.git")
	seed := filepath.Join(base, "seed")
	clone := filepath.Join(base, "clone")

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
	return clone
}

func writeIssues(t *testing.T, body string) *source.FileSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "issues.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return source.NewFileSource(path)
}

func issueByID(t *testing.T, src source.Source, id string) source.Issue {
	t.Helper()
	issues, err := src.ListIssues(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, is := range issues {
		if is.ID == id {
			return is
		}
	}
	t.Fatalf("issue %s not found", id)
	return source.Issue{}
}

// fakeProvider is a scripted agent.
type fakeProvider struct {
	name string
	run  func(ctx context.Context, opts provider.RunOptions) (provider.Result, error)

	mu   sync.Mutex
	dirs []string
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Available() bool { return true }

func (f *fakeProvider) Run(ctx context.Context, _ string, opts provider.RunOptions) (provider.Result, error) {
	f.mu.Lock()
	f.dirs = append(f.dirs, opts.Dir)
	f.mu.Unlock()
	res, err := f.run(ctx, opts)
	res.Provider = f.name
	res.Model = opts.Model
	return res, err
}

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dirs...)
}

// writingProvider creates a file in the working directory and succeeds.
func writingProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, run: func(_ context.Context, opts provider.RunOptions) (provider.Result, error) {
		if opts.OnOutput != nil {
			opts.OnOutput("implementing\n")
		}
		err := os.WriteFile(filepath.Join(opts.Dir, "feature.txt"), []byte("done\n"), 0o644)
		return provider.Result{Success: err == nil, ExitCode: 0}, err
	}}
}

// fakeHandle is a process stand-in that ends when terminated.
type fakeHandle struct {
	once  sync.Once
	done  chan struct{}
	count int
	mu    sync.Mutex
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *fakeHandle) Pid() int { return 4242 }

func (h *fakeHandle) terminations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// blockingProvider spawns a fakeHandle and waits for it to be terminated.
func blockingProvider(name string, h *fakeHandle) *fakeProvider {
	return &fakeProvider{name: name, run: func(ctx context.Context, opts provider.RunOptions) (provider.Result, error) {
		if opts.OnSpawn != nil {
			opts.OnSpawn(h)
		}
		select {
		case <-h.done:
			return provider.Result{ExitCode: -1, Reason: provider.ErrTerminated}, nil
		case <-ctx.Done():
			return provider.Result{ExitCode: -1, Reason: ctx.Err()}, nil
		}
	}}
}

type prCall struct {
	req         pr.PullRequest
	attribution string
}

type fakePR struct {
	mu    sync.Mutex
	calls []prCall
}

func (f *fakePR) CreatePullRequest(_ context.Context, req pr.PullRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prCall{req: req})
	return "https://example.test/pull/1", nil
}

func (f *fakePR) AppendAttribution(_ context.Context, _, _, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.calls); n > 0 {
		f.calls[n-1].attribution = provider
	}
	return nil
}

func (f *fakePR) snapshot() []prCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]prCall(nil), f.calls...)
}

type harness struct {
	sched  *Scheduler
	src    *source.FileSource
	pr     *fakePR
	bus    *events.Bus
	repo   string
	state  string
	guards *guardrails.Store

	mu     sync.Mutex
	events []events.Event
}

func (h *harness) seen() []events.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Type, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) has(t events.Type) bool {
	for _, got := range h.seen() {
		if got == t {
			return true
		}
	}
	return false
}

func newHarness(t *testing.T, issues string, mutate func(*Config), providers ...provider.Provider) *harness {
	t.Helper()
	repo := setupClone(t)
	h := &harness{
		src:   writeIssues(t, issues),
		pr:    &fakePR{},
		bus:   events.NewBus(100),
		repo:  repo,
		state: t.TempDir(),
	}
	h.guards = guardrails.NewStore(filepath.Join(h.state, guardrails.FileName), 20)
	h.bus.Subscribe(func(e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	cfg := DefaultConfig()
	cfg.Mode = ModeOnce
	cfg.Cooldown = 0
	cfg.StateDir = h.state
	cfg.Repos = []worktree.Repo{{Name: "app", Path: repo, BaseBranch: "main"}}
	cfg.Candidates = []fallback.Candidate{{Provider: providers[0].Name()}}
	cfg.Overseer.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg, Deps{
		Source:     h.src,
		Providers:  provider.NewRegistry(providers...),
		PR:         h.pr,
		Bus:        h.bus,
		Guardrails: h.guards,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	h.sched = s
	return h
}
