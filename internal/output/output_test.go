package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/terraphim/issuepilot/internal/events"
)

func TestTableRender(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "STATE")
	tbl.AddRow("INT-100", "succeeded")
	tbl.AddRow("日本-1")
	tbl.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "  ID       STATE" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "  -------  ---------" {
		t.Errorf("separator = %q", lines[1])
	}
	if lines[3] != "  日本-1" {
		t.Errorf("wide row = %q", lines[3])
	}
}

func TestTableClipsCells(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "MSG")
	tbl.SetMaxColumnWidth(5)
	tbl.AddRow("line one\nline two")
	tbl.Render()
	if !strings.Contains(buf.String(), "line…") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestConsoleLifecycleLines(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, WithWidth(120))
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)

	done := events.New(events.TypeDone, "INT-1")
	done.Time = at
	done.Provider, done.Model = "claude", "opus"
	done.Data = map[string]string{"pr_url": "https://example.test/pull/7"}
	c.Handle(done)

	c.Handle(events.Command(events.CommandKill, "INT-1"))

	chunk := events.New(events.TypeOutputChunk, "INT-1")
	chunk.Message = "hidden\n"
	c.Handle(chunk)

	out := buf.String()
	want := "03:04:05 DONE     INT-1 https://example.test/pull/7 (claude/opus)\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestConsoleVerbosePreview(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, WithVerbose(true), WithWidth(30))
	chunk := events.New(events.TypeOutputChunk, "A-1")
	chunk.Message = "short\n\n" + strings.Repeat("x", 50) + "\n"
	c.Handle(chunk)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "  A-1 │ short" {
		t.Errorf("first = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "…") {
		t.Errorf("long line not truncated: %q", lines[1])
	}
}

func TestCountStr(t *testing.T) {
	if got := CountStr(1, "session", "sessions"); got != "1 session" {
		t.Errorf("got %q", got)
	}
	if got := CountStr(3, "session", "sessions"); got != "3 sessions" {
		t.Errorf("got %q", got)
	}
}
