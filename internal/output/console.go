// Package output renders scheduler activity for humans.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/terraphim/issuepilot/internal/events"
)

const defaultWidth = 100

// Console prints one line per lifecycle event and, when verbose, a
// preview of agent output.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	width   int
	now     func() time.Time

	dim    lipgloss.Style
	issue  lipgloss.Style
	labels map[events.Type]lipgloss.Style
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithVerbose enables output chunk previews.
func WithVerbose(v bool) ConsoleOption {
	return func(c *Console) { c.verbose = v }
}

// WithWidth overrides the detected terminal width.
func WithWidth(n int) ConsoleOption {
	return func(c *Console) {
		if n > 0 {
			c.width = n
		}
	}
}

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) ConsoleOption {
	return func(c *Console) { c.now = now }
}

// ColorEnabled reports whether w is a terminal and NO_COLOR is unset.
func ColorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("ISSUEPILOT_NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// TerminalWidth returns the width of w when it is a terminal.
func TerminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultWidth
}

// NewConsole returns a console writing to w.
func NewConsole(w io.Writer, opts ...ConsoleOption) *Console {
	r := lipgloss.NewRenderer(w)
	if ColorEnabled(w) {
		r.SetColorProfile(termenv.EnvColorProfile())
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	c := &Console{
		w:     w,
		width: TerminalWidth(w),
		now:   time.Now,
		dim:   r.NewStyle().Foreground(lipgloss.Color("8")),
		issue: r.NewStyle().Bold(true),
	}
	label := func(color string) lipgloss.Style {
		return r.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
	}
	c.labels = map[events.Type]lipgloss.Style{
		events.TypeQueued:   label("12"),
		events.TypeStarted:  label("14"),
		events.TypeAttempt:  label("13"),
		events.TypeDone:     label("10"),
		events.TypeFailed:   label("9"),
		events.TypeReverted: label("11"),
		events.TypeSkipped:  label("11"),
		events.TypeKilled:   label("9"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach subscribes the console to bus.
func (c *Console) Attach(bus *events.Bus) events.Unsubscribe {
	return bus.Subscribe(c.Handle)
}

// Handle prints one event. Commands are ignored.
func (c *Console) Handle(e events.Event) {
	if e.Type.IsCommand() {
		return
	}
	if e.Type == events.TypeOutputChunk {
		if c.verbose {
			c.preview(e)
		}
		return
	}
	ts := e.Time
	if ts.IsZero() {
		ts = c.now()
	}
	style, ok := c.labels[e.Type]
	if !ok {
		style = c.dim
	}
	parts := []string{
		c.dim.Render(ts.Local().Format("15:04:05")),
		style.Render(fmt.Sprintf("%-8s", strings.ToUpper(string(e.Type)))),
		c.issue.Render(e.IssueID),
	}
	if detail := c.detail(e); detail != "" {
		parts = append(parts, detail)
	}
	if agent := agentLabel(e); agent != "" {
		parts = append(parts, c.dim.Render("("+agent+")"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, strings.Join(parts, " "))
}

func (c *Console) detail(e events.Event) string {
	var s string
	switch e.Type {
	case events.TypeDone:
		s = e.Data["pr_url"]
	case events.TypeAttempt:
		if e.Data["success"] == "true" {
			s = "succeeded"
		} else {
			s = e.Data["category"]
			if e.Message != "" {
				s += ": " + e.Message
			}
		}
	case events.TypeReverted:
		s = "status -> " + e.Data["status"]
	case events.TypeQueued:
		s = e.Message
		if e.Data["dry_run"] == "true" {
			s = fmt.Sprintf("%s [dry run: %s in %s, agents %s]", e.Message, e.Data["branch"], e.Data["repo"], e.Data["candidates"])
		}
	default:
		s = e.Message
	}
	limit := c.width - 30
	if limit < 20 {
		limit = 20
	}
	return runewidth.Truncate(strings.ReplaceAll(strings.TrimSpace(s), "\n", " "), limit, "…")
}

func agentLabel(e events.Event) string {
	if e.Provider == "" {
		return ""
	}
	if e.Model == "" {
		return e.Provider
	}
	return e.Provider + "/" + e.Model
}

func (c *Console) preview(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := c.dim.Render("  " + e.IssueID + " │ ")
	limit := c.width - runewidth.StringWidth(e.IssueID) - 5
	if limit < 10 {
		limit = 10
	}
	for _, line := range strings.Split(strings.TrimRight(e.Message, "\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintln(c.w, prefix+runewidth.Truncate(line, limit, "…"))
	}
}
