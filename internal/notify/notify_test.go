package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/terraphim/issuepilot/internal/events"
)

func doneEvent() events.Event {
	e := events.New(events.TypeDone, "INT-7")
	e.SessionID = "s-1"
	e.Provider = "claude"
	e.Data = map[string]string{"pr_url": "https://example.test/pull/7"}
	return e
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Desktop.Enabled = false
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("notifications should be off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	n := New(cfg)
	if n.Wants(events.TypeDone) {
		t.Error("disabled notifier wants events")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown event", func(c *Config) { c.Events = []string{"exploded"} }, `unknown event "exploded"`},
		{"bad template", func(c *Config) { c.Webhook.Template = "{{.Nope" }, "webhook template"},
		{"webhook without url", func(c *Config) { c.Webhook.Enabled = true }, "webhook url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookDefaultPayload(t *testing.T) {
	var got payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Setenv("HOOK_TOKEN", "secret")
	cfg := quietConfig()
	cfg.Webhook = WebhookConfig{
		Enabled: true,
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer ${HOOK_TOKEN}"},
	}
	if err := New(cfg).Notify(context.Background(), doneEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Event != events.TypeDone || got.IssueID != "INT-7" || got.Provider != "claude" {
		t.Errorf("payload = %+v", got)
	}
	if !strings.Contains(got.Summary, "https://example.test/pull/7") {
		t.Errorf("summary = %q", got.Summary)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebhookTemplate(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer srv.Close()

	cfg := quietConfig()
	cfg.Webhook = WebhookConfig{
		Enabled:  true,
		URL:      srv.URL,
		Template: `{"text":"{{jsonEscape .Summary}}"}`,
	}
	e := events.New(events.TypeFailed, "INT-8")
	e.Message = `agent said "no"`
	if err := New(cfg).Notify(context.Background(), e); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if body != `{"text":"agent said \"no\""}` {
		t.Errorf("body = %s", body)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := quietConfig()
	cfg.Webhook = WebhookConfig{Enabled: true, URL: srv.URL}
	err := New(cfg).Notify(context.Background(), doneEvent())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Notify() = %v, want 502 error", err)
	}
}

func TestLogChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "notify.log")
	cfg := quietConfig()
	cfg.Log = LogConfig{Enabled: true, Path: path}
	n := New(cfg)

	if err := n.Notify(context.Background(), doneEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.Notify(context.Background(), events.New(events.TypeStarted, "INT-7")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("log lines = %q, want only the done event", lines)
	}
	if !strings.Contains(lines[0], "[INT-7] done: Pull request opened") {
		t.Errorf("log line = %q", lines[0])
	}
}

func TestShellChannel(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out := filepath.Join(t.TempDir(), "out.txt")
	cfg := quietConfig()
	cfg.Shell = ShellConfig{
		Enabled:  true,
		Command:  `printf '%s %s ' "$ISSUEPILOT_EVENT" "$ISSUEPILOT_ISSUE_ID" > ` + out + ` && cat >> ` + out,
		PassJSON: true,
	}
	if err := New(cfg).Notify(context.Background(), doneEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.HasPrefix(got, "done INT-7 ") || !strings.Contains(got, `"issue_id":"INT-7"`) {
		t.Errorf("shell output = %q", got)
	}
}

func TestDesktopChannelUsesTitle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Desktop.Title = "pilot"
	n := New(cfg)
	var title, msg string
	n.desktop = func(_ context.Context, gotTitle, gotMsg string) error {
		title, msg = gotTitle, gotMsg
		return nil
	}
	if err := n.Notify(context.Background(), doneEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if title != "pilot: INT-7 done" || msg != "Pull request opened: https://example.test/pull/7" {
		t.Errorf("desktop = (%q, %q)", title, msg)
	}
}

func TestAttachDeliversAsync(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		got = append(got, string(p.Event)+":"+p.IssueID)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := quietConfig()
	cfg.Webhook = WebhookConfig{Enabled: true, URL: srv.URL}
	n := New(cfg)
	bus := events.NewBus(0)
	n.Attach(bus)

	bus.Publish(events.New(events.TypeStarted, "INT-1"))
	bus.Publish(events.New(events.TypeFailed, "INT-1"))
	bus.Publish(doneEvent())
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"failed:INT-1", "done:INT-7"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("delivered = %v, want %v", got, want)
	}
	if bus.Subscribers() != 0 {
		t.Errorf("subscribers after Close = %d", bus.Subscribers())
	}

	// Publishing after Close must not panic on the closed queue.
	bus.Publish(doneEvent())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/x.log"); got != filepath.Join(home, "x.log") {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs/x.log"); got != "/abs/x.log" {
		t.Errorf("expandHome = %q", got)
	}
}

func TestChannels(t *testing.T) {
	cfg := quietConfig()
	cfg.Log = LogConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "n.log")}
	cfg.Shell = ShellConfig{Enabled: true}
	n := New(cfg)
	ch := n.Channels()
	if len(ch) != 1 || ch[0] != ChannelLog {
		t.Errorf("Channels() = %v, want [log]", ch)
	}
}
