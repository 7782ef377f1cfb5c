package provider

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/terraphim/issuepilot/internal/overseer"
)

func shellProvider(t *testing.T, script string) *CLIProvider {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewCLIProvider("fake", "sh", func(prompt, model string) []string {
		return []string{"-c", script, "fake", prompt, model}
	})
}

func TestRunSuccessWritesLog(t *testing.T) {
	p := shellProvider(t, `printf '\033[32mworking on\033[0m %s\r\n' "$1"; echo done`)
	logFile := filepath.Join(t.TempDir(), "logs", "session.log")
	var mu sync.Mutex
	var streamed strings.Builder

	res, err := p.Run(context.Background(), "INT-1", RunOptions{
		Dir:     t.TempDir(),
		LogFile: logFile,
		OnOutput: func(text string) {
			mu.Lock()
			streamed.WriteString(text)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.ExitCode != 0 || res.Reason != nil {
		t.Fatalf("result = %+v, want success", res)
	}
	if !strings.Contains(res.Output, "working on INT-1\n") || strings.Contains(res.Output, "\x1b") {
		t.Errorf("output not cleaned: %q", res.Output)
	}
	mu.Lock()
	if streamed.String() != res.Output {
		t.Errorf("streamed %q differs from captured %q", streamed.String(), res.Output)
	}
	mu.Unlock()
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(data), "working on INT-1") || !strings.Contains(string(data), "exit=0") {
		t.Errorf("log file missing output or footer:\n%s", data)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	p := shellProvider(t, `echo "cannot do it"; exit 2`)
	res, err := p.Run(context.Background(), "x", RunOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.ExitCode != 2 || res.Reason != nil {
		t.Errorf("result = %+v, want plain failure with exit 2", res)
	}
}

func TestRunErrorLoopKills(t *testing.T) {
	p := shellProvider(t, `i=0; while [ $i -lt 50 ]; do echo "Error: API overloaded"; i=$((i+1)); done; sleep 30`)
	res, err := p.Run(context.Background(), "x", RunOptions{
		Dir:       t.TempDir(),
		ErrorLoop: ErrorLoopConfig{Enabled: true, Threshold: 5},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Reason, ErrErrorLoop) || res.Success {
		t.Fatalf("result = %+v, want error loop", res)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Output), ErrorLoopSentinel) {
		t.Errorf("output does not end with sentinel: %q", res.Output)
	}
	if res.Duration > 20*time.Second {
		t.Errorf("run took %s, agent was not terminated promptly", res.Duration)
	}
}

func TestRunSupervisionTimeout(t *testing.T) {
	p := shellProvider(t, `echo thinking; sleep 30`)
	res, err := p.Run(context.Background(), "x", RunOptions{
		Dir:      t.TempDir(),
		Overseer: overseer.Config{Enabled: true, CheckInterval: 20 * time.Millisecond, StuckThreshold: 60 * time.Millisecond},
		Snapshot: func(context.Context) (string, error) { return "unchanged", nil },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Reason, ErrSupervisionTimeout) {
		t.Fatalf("Reason = %v, want supervision timeout", res.Reason)
	}
	if !strings.Contains(res.Output, SupervisionTimeoutSentinel) {
		t.Errorf("output missing sentinel: %q", res.Output)
	}
}

func TestRunWallClockTimeout(t *testing.T) {
	p := shellProvider(t, `sleep 30`)
	res, err := p.Run(context.Background(), "x", RunOptions{Dir: t.TempDir(), Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Reason, ErrTimeout) || !strings.Contains(res.Output, TimeoutSentinel) {
		t.Errorf("result = %+v, want timeout", res)
	}
}

func TestRunExternalTerminate(t *testing.T) {
	p := shellProvider(t, `echo ready; sleep 30`)
	res, err := p.Run(context.Background(), "x", RunOptions{
		Dir: t.TempDir(),
		OnSpawn: func(h Handle) {
			go func() {
				time.Sleep(100 * time.Millisecond)
				_ = h.Terminate()
			}()
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(res.Reason, ErrTerminated) || res.Success {
		t.Errorf("result = %+v, want terminated", res)
	}
}

func TestRunUnavailable(t *testing.T) {
	p := NewCLIProvider("ghost", "issuepilot-no-such-agent", func(string, string) []string { return nil })
	if p.Available() {
		t.Fatal("Available() = true for missing binary")
	}
	_, err := p.Run(context.Background(), "x", RunOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestTemplateArgs(t *testing.T) {
	tmpl := []string{"run", "--model", "{{model}}", "--prompt={{prompt}}"}
	tests := []struct {
		model string
		want  []string
	}{
		{"gpt-5", []string{"run", "--model", "gpt-5", "--prompt=fix it"}},
		{"", []string{"run", "--prompt=fix it"}},
	}
	for _, tt := range tests {
		if got := TemplateArgs(tmpl)("fix it", tt.model); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("TemplateArgs(model=%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestBuiltinArgs(t *testing.T) {
	tests := []struct {
		p    *CLIProvider
		want []string
	}{
		{Claude(), []string{"-p", "P", "--dangerously-skip-permissions", "--model", "M"}},
		{Codex(), []string{"exec", "--full-auto", "-m", "M", "P"}},
		{Gemini(), []string{"--yolo", "-m", "M", "-p", "P"}},
		{OpenCode(), []string{"run", "-m", "M", "P"}},
	}
	for _, tt := range tests {
		if got := tt.p.args("P", "M"); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s args = %v, want %v", tt.p.Name(), got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Builtins()...)
	if _, err := r.Get("claude"); err != nil {
		t.Errorf("Get(claude): %v", err)
	}
	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Get(nope) err = %v", err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"claude", "codex", "gemini", "opencode"}) {
		t.Errorf("Names() = %v", got)
	}
}
