// Package notify forwards session outcomes to desktop notifications,
// webhooks, shell commands and log files.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/terraphim/issuepilot/internal/events"
)

const (
	sendTimeout = 10 * time.Second
	queueSize   = 64
)

// Config holds notification configuration
type Config struct {
	Enabled bool     `toml:"enabled"`
	Events  []string `toml:"events"` // Event types to notify on

	Desktop DesktopConfig `toml:"desktop"`
	Webhook WebhookConfig `toml:"webhook"`
	Shell   ShellConfig   `toml:"shell"`
	Log     LogConfig     `toml:"log"`
}

// DesktopConfig configures desktop notifications
type DesktopConfig struct {
	Enabled bool   `toml:"enabled"`
	Title   string `toml:"title"`
}

// WebhookConfig configures webhook notifications
type WebhookConfig struct {
	Enabled  bool              `toml:"enabled"`
	URL      string            `toml:"url"`
	Template string            `toml:"template,omitempty"` // Go template for the payload
	Method   string            `toml:"method"`
	Headers  map[string]string `toml:"headers,omitempty"`
}

// ShellConfig configures shell command notifications
type ShellConfig struct {
	Enabled  bool   `toml:"enabled"`
	Command  string `toml:"command"`
	PassJSON bool   `toml:"pass_json"` // Event as JSON on stdin
}

// LogConfig configures log file notifications
type LogConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultConfig returns notifications for finished sessions, switched off.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Events: []string{
			string(events.TypeDone),
			string(events.TypeFailed),
			string(events.TypeKilled),
		},
		Desktop: DesktopConfig{Enabled: true, Title: "issuepilot"},
		Webhook: WebhookConfig{Method: http.MethodPost},
		Shell:   ShellConfig{PassJSON: true},
	}
}

// Validate checks the configured event names and webhook template.
func (c Config) Validate() error {
	var errs []error
	for _, e := range c.Events {
		if !knownEvent(events.Type(e)) {
			errs = append(errs, fmt.Errorf("unknown event %q", e))
		}
	}
	if c.Webhook.Template != "" {
		if _, err := parseTemplate(c.Webhook.Template); err != nil {
			errs = append(errs, fmt.Errorf("webhook template: %w", err))
		}
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		errs = append(errs, errors.New("webhook url is required when the webhook is enabled"))
	}
	return errors.Join(errs...)
}

func knownEvent(t events.Type) bool {
	switch t {
	case events.TypeQueued, events.TypeStarted, events.TypeAttempt, events.TypeDone,
		events.TypeFailed, events.TypeReverted, events.TypeSkipped, events.TypeKilled:
		return true
	}
	return false
}

// ChannelName identifies a notification channel
type ChannelName string

const (
	ChannelDesktop ChannelName = "desktop"
	ChannelWebhook ChannelName = "webhook"
	ChannelShell   ChannelName = "shell"
	ChannelLog     ChannelName = "log"
)

// Notifier sends notifications through the enabled channels.
type Notifier struct {
	config     Config
	enabledSet map[events.Type]bool
	channels   []ChannelName
	httpClient *http.Client
	logger     *slog.Logger
	desktop    func(ctx context.Context, title, message string) error

	mu sync.Mutex // serializes log file appends

	queue  chan events.Event
	detach events.Unsubscribe
	wg     sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates a Notifier. Environment variables in URLs, commands, paths
// and headers are expanded.
func New(cfg Config, opts ...Option) *Notifier {
	cfg.Webhook.URL = os.ExpandEnv(cfg.Webhook.URL)
	cfg.Shell.Command = os.ExpandEnv(cfg.Shell.Command)
	cfg.Log.Path = expandHome(os.ExpandEnv(cfg.Log.Path))
	headers := make(map[string]string, len(cfg.Webhook.Headers))
	for k, v := range cfg.Webhook.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	cfg.Webhook.Headers = headers

	n := &Notifier{
		config:     cfg,
		enabledSet: make(map[events.Type]bool),
		httpClient: &http.Client{Timeout: sendTimeout},
		logger:     slog.Default(),
		desktop:    sendDesktop,
	}
	for _, opt := range opts {
		opt(n)
	}
	for _, e := range cfg.Events {
		n.enabledSet[events.Type(e)] = true
	}
	if cfg.Desktop.Enabled {
		n.channels = append(n.channels, ChannelDesktop)
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		n.channels = append(n.channels, ChannelWebhook)
	}
	if cfg.Shell.Enabled && cfg.Shell.Command != "" {
		n.channels = append(n.channels, ChannelShell)
	}
	if cfg.Log.Enabled && cfg.Log.Path != "" {
		n.channels = append(n.channels, ChannelLog)
	}
	return n
}

// Channels returns the enabled channels.
func (n *Notifier) Channels() []ChannelName {
	return append([]ChannelName(nil), n.channels...)
}

// Wants reports whether the event type is routed to any channel.
func (n *Notifier) Wants(t events.Type) bool {
	return n.config.Enabled && n.enabledSet[t] && len(n.channels) > 0
}

// Attach subscribes to bus. Events are delivered from a background worker
// so slow channels never stall publishers; when the queue is full the
// event is dropped. Close detaches and drains the queue.
func (n *Notifier) Attach(bus *events.Bus) events.Unsubscribe {
	if n.detach != nil {
		return n.detach
	}
	n.queue = make(chan events.Event, queueSize)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for e := range n.queue {
			ctx, cancel := context.WithTimeout(context.Background(), 3*sendTimeout)
			if err := n.Notify(ctx, e); err != nil {
				n.logger.Warn("[Notify] delivery failed", "event", e.Type, "issue", e.IssueID, "error", err)
			}
			cancel()
		}
	}()

	var mu sync.Mutex
	closed := false
	unsub := bus.Subscribe(func(e events.Event) {
		if !n.Wants(e.Type) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case n.queue <- e:
		default:
			n.logger.Warn("[Notify] queue full, dropping event", "event", e.Type, "issue", e.IssueID)
		}
	})
	n.detach = func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(n.queue)
		}
		mu.Unlock()
	}
	return n.detach
}

// Close detaches from the bus and waits for queued notifications to be
// delivered.
func (n *Notifier) Close() {
	if n.detach != nil {
		n.detach()
	}
	n.wg.Wait()
}

// Notify sends e through every enabled channel in parallel.
func (n *Notifier) Notify(ctx context.Context, e events.Event) error {
	if !n.Wants(e.Type) {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range n.channels {
		wg.Add(1)
		go func(ch ChannelName) {
			defer wg.Done()
			if err := n.sendToChannel(ctx, ch, e); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ch, err))
				mu.Unlock()
			}
		}(ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (n *Notifier) sendToChannel(ctx context.Context, ch ChannelName, e events.Event) error {
	switch ch {
	case ChannelDesktop:
		return n.desktop(ctx, n.title(e), summary(e))
	case ChannelWebhook:
		return n.sendWebhook(ctx, e)
	case ChannelShell:
		return n.sendShell(ctx, e)
	case ChannelLog:
		return n.sendLog(e)
	default:
		return fmt.Errorf("unknown channel: %s", ch)
	}
}

func (n *Notifier) title(e events.Event) string {
	title := n.config.Desktop.Title
	if title == "" {
		title = "issuepilot"
	}
	return fmt.Sprintf("%s: %s %s", title, e.IssueID, e.Type)
}

// summary is the one-line human description of an event.
func summary(e events.Event) string {
	switch {
	case e.Type == events.TypeDone && e.Data["pr_url"] != "":
		return "Pull request opened: " + e.Data["pr_url"]
	case e.Message != "":
		return e.Message
	default:
		return string(e.Type)
	}
}

func sendDesktop(ctx context.Context, title, message string) error {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, message, title)
		return exec.CommandContext(ctx, "osascript", "-e", script).Run()
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return errors.New("notify-send not found")
		}
		return exec.CommandContext(ctx, "notify-send", title, message).Run()
	default:
		return fmt.Errorf("desktop notifications not supported on %s", runtime.GOOS)
	}
}

// jsonEscape escapes a string for embedding inside a JSON string literal.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b[1 : len(b)-1])
}

func parseTemplate(s string) (*template.Template, error) {
	return template.New("webhook").Funcs(template.FuncMap{"jsonEscape": jsonEscape}).Parse(s)
}

// payload is the default webhook body.
type payload struct {
	Event     events.Type       `json:"event"`
	IssueID   string            `json:"issue_id"`
	SessionID string            `json:"session_id,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Model     string            `json:"model,omitempty"`
	Summary   string            `json:"summary"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

func toPayload(e events.Event) payload {
	return payload{
		Event:     e.Type,
		IssueID:   e.IssueID,
		SessionID: e.SessionID,
		Provider:  e.Provider,
		Model:     e.Model,
		Summary:   summary(e),
		Timestamp: e.Time,
		Data:      e.Data,
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, e events.Event) error {
	var body bytes.Buffer
	if tmplStr := n.config.Webhook.Template; tmplStr != "" {
		tmpl, err := parseTemplate(tmplStr)
		if err != nil {
			return fmt.Errorf("invalid template: %w", err)
		}
		if err := tmpl.Execute(&body, toPayload(e)); err != nil {
			return fmt.Errorf("template execution failed: %w", err)
		}
	} else if err := json.NewEncoder(&body).Encode(toPayload(e)); err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	method := n.config.Webhook.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, n.config.Webhook.URL, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	keys := make([]string, 0, len(n.config.Webhook.Headers))
	for k := range n.config.Webhook.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.Header.Set(k, n.config.Webhook.Headers[k])
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (n *Notifier) sendShell(ctx context.Context, e events.Event) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", expandHome(n.config.Shell.Command))
	if n.config.Shell.PassJSON {
		data, err := json.Marshal(toPayload(e))
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		cmd.Stdin = bytes.NewReader(data)
	}
	cmd.Env = append(os.Environ(),
		"ISSUEPILOT_EVENT="+string(e.Type),
		"ISSUEPILOT_ISSUE_ID="+e.IssueID,
		"ISSUEPILOT_SESSION_ID="+e.SessionID,
		"ISSUEPILOT_PROVIDER="+e.Provider,
		"ISSUEPILOT_SUMMARY="+summary(e),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (n *Notifier) sendLog(e events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	path := n.config.Log.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] [%s] %s: %s", e.Time.UTC().Format(time.RFC3339), e.IssueID, e.Type, summary(e))
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("failed to write to log: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
