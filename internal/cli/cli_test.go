package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/terraphim/issuepilot/internal/config"
	"github.com/terraphim/issuepilot/internal/control"
	"github.com/terraphim/issuepilot/internal/events"
	"github.com/terraphim/issuepilot/internal/guardrails"
	"github.com/terraphim/issuepilot/internal/scheduler"
	"github.com/terraphim/issuepilot/internal/session"
)

// isolate points every config and state lookup at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("ISSUEPILOT_CONFIG", "")
	t.Setenv("NO_COLOR", "1")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "issuepilot.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBranchName(t *testing.T) {
	isolate(t)
	out, err := execute(t, "branch-name", "INT-100", "Fix", "login", "bug")
	if err != nil {
		t.Fatalf("branch-name: %v", err)
	}
	if got := strings.TrimSpace(out); got != "feat/int-100-fix-login-bug" {
		t.Errorf("branch = %q", got)
	}
}

func TestVersionJSON(t *testing.T) {
	isolate(t)
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if info.Version != Version || info.Platform == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestConfigShowAppliesFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
[scheduler]
concurrency = 3

[[fallback.candidates]]
provider = "codex"
model = "o4"
`)
	out, err := execute(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"# loaded from " + path, "concurrency = 3", `provider = "codex"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigValidateReportsErrors(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
[scheduler]
concurrency = 0

[logging]
level = "loud"
`)
	_, err := execute(t, "--config", path, "config", "validate")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"scheduler.concurrency", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "new", "issuepilot.toml")
	if _, err := execute(t, "config", "init", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if _, err := execute(t, "config", "init", path); err == nil {
		t.Error("second init overwrote the file")
	}
	if _, err := execute(t, "config", "init", "--force", path); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

func TestGuardrailsList(t *testing.T) {
	dir := isolate(t)
	store := guardrails.NewStore(filepath.Join(dir, "state", "issuepilot", guardrails.FileName), 5)
	if err := store.Record(guardrails.Entry{IssueID: "INT-7", Provider: "claude", ErrorType: "other", Message: "tests failed"}); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "guardrails")
	if err != nil {
		t.Fatalf("guardrails: %v", err)
	}
	if !strings.Contains(out, "INT-7") || !strings.Contains(out, "tests failed") {
		t.Errorf("output = %q", out)
	}
}

func TestSessionsHistory(t *testing.T) {
	dir := isolate(t)
	state := filepath.Join(dir, "state", "issuepilot")
	if _, err := session.SaveRecord(state, session.Info{ID: "s1", IssueID: "INT-8", State: session.StateFailed, Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "sessions", "--history")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "INT-8") || !strings.Contains(out, "failed") || !strings.Contains(out, "boom") {
		t.Errorf("output = %q", out)
	}
}

type staticStatus struct{}

func (staticStatus) Running() []string { return []string{"INT-9"} }
func (staticStatus) Sessions() []session.Info {
	return []session.Info{{IssueID: "INT-9", State: session.StateRunning}}
}

func TestKillTalksToControlAPI(t *testing.T) {
	dir := isolate(t)
	bus := events.NewBus(10)
	var got []events.Event
	bus.Subscribe(func(e events.Event) { got = append(got, e) })
	srv := httptest.NewServer(control.New("", bus, staticStatus{}).Handler())
	defer srv.Close()

	path := writeConfig(t, dir, "[control]\naddr = \""+srv.URL+"\"\n")
	out, err := execute(t, "--config", path, "kill", "INT-9")
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !strings.Contains(out, "Sent kill to INT-9") {
		t.Errorf("output = %q", out)
	}
	if len(got) != 1 || got[0].Type != events.CommandKill || got[0].IssueID != "INT-9" {
		t.Errorf("bus events = %+v", got)
	}

	out, err = execute(t, "--config", path, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "INT-9") || !strings.Contains(out, "running") {
		t.Errorf("sessions output = %q", out)
	}
}

func TestSchedulerConfigFromFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Concurrency = 2
	cfg.Guardrail.Enabled = false

	sc, err := schedulerConfig(cfg, runFlags{once: true, maxSessions: -1, concurrency: 4})
	if err != nil {
		t.Fatalf("schedulerConfig: %v", err)
	}
	if sc.Mode != scheduler.ModeOnce || sc.Concurrency != 4 || sc.GuardrailPrompt != 0 {
		t.Errorf("config = %+v", sc)
	}
	if sc.ErrorLoop.Pattern == nil || sc.ErrorLoop.Threshold != 25 {
		t.Errorf("error loop = %+v", sc.ErrorLoop)
	}

	sc, err = schedulerConfig(cfg, runFlags{dryRun: true, maxSessions: 3})
	if err != nil {
		t.Fatalf("schedulerConfig: %v", err)
	}
	if sc.Mode != scheduler.ModeDryRun || sc.MaxSessions != 3 || sc.Concurrency != 2 {
		t.Errorf("config = %+v", sc)
	}

	sc, err = schedulerConfig(cfg, runFlags{maxSessions: -1, noWorktrees: true, cooldown: 0, cooldownSet: true})
	if err != nil {
		t.Fatalf("schedulerConfig: %v", err)
	}
	if sc.UseWorktrees || sc.Cooldown != 0 || sc.Mode != scheduler.ModeContinuous {
		t.Errorf("config = %+v", sc)
	}
}

func TestDryRunPrintsPlan(t *testing.T) {
	dir := isolate(t)
	issues := filepath.Join(dir, "issues.yaml")
	if err := os.WriteFile(issues, []byte("issues:\n  - id: INT-3\n    title: Add docs\n    body: Write the README.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, `
[scheduler]
workspace = "`+dir+`"
use_worktrees = false

[source]
path = "`+issues+`"
`)
	out, err := execute(t, "--config", path, "run", "--dry-run")
	if err != nil {
		t.Fatalf("run --dry-run: %v", err)
	}
	for _, want := range []string{"Issue:     INT-3 Add docs", "feat/int-3-add-docs", "Write the README."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("output = %q", out)
	}
	if !newLogger(&buf, "debug", "text").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
}
