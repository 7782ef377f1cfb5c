package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/terraphim/issuepilot/internal/errloop"
	"github.com/terraphim/issuepilot/internal/overseer"
	"github.com/terraphim/issuepilot/internal/pty"
	"github.com/terraphim/issuepilot/internal/watcher"
)

// maxCapturedOutput bounds the output kept in memory; the log file keeps
// everything.
const maxCapturedOutput = 4 << 20

// Execute runs cmd under supervision: output is cleaned of terminal escapes,
// appended to the log file, fed to the error-loop detector and the OnOutput
// callback, while the overseer watches the working tree. All output is
// consumed before the result is assembled.
func Execute(ctx context.Context, name string, cmd pty.Command, opts RunOptions) (Result, error) {
	logger := opts.logger().With("provider", name)
	start := time.Now()
	res := Result{Provider: name, Model: opts.Model, ExitCode: -1}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	logw, err := openLog(opts.LogFile)
	if err != nil {
		return res, err
	}
	defer logw.Close()
	fmt.Fprintf(logw, "\n=== %s model=%q dir=%s started=%s ===\n", name, opts.Model, cmd.Dir, start.Format(time.RFC3339))

	proc, err := pty.Spawn(ctx, cmd, pty.Options{DisablePTY: opts.DisablePTY, Logger: opts.Logger})
	if err != nil {
		fmt.Fprintf(logw, "=== spawn failed: %v ===\n", err)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return res, &UnavailableError{Provider: name, Reason: err.Error()}
		}
		return res, fmt.Errorf("spawning %s: %w", name, err)
	}
	res.IsPTY = proc.IsPTY()
	logger.Info("[Provider] started", "pid", proc.Pid(), "pty", res.IsPTY, "model", opts.Model)
	if opts.OnSpawn != nil {
		opts.OnSpawn(proc)
	}

	var detector *errloop.Detector
	if opts.ErrorLoop.Enabled {
		detector = errloop.New(proc,
			errloop.WithThreshold(opts.ErrorLoop.Threshold),
			errloop.WithPattern(opts.ErrorLoop.Pattern),
			errloop.WithLogger(logger))
	}

	snapshot := opts.Snapshot
	if snapshot == nil {
		snapshot = overseer.GitSnapshot(cmd.Dir)
		if opts.WatchFiles && opts.Overseer.Enabled {
			if w, err := watcher.NewActivityWatcher(cmd.Dir, watcher.WithLogger(logger)); err == nil {
				w.Start(ctx)
				defer w.Close()
				snapshot = overseer.Combine(snapshot, w.Snapshot)
			} else {
				logger.Debug("[Provider] file watcher unavailable", "error", err)
			}
		}
	}
	ov := overseer.New(opts.Overseer, proc, snapshot,
		overseer.WithControl(opts.Control),
		overseer.WithLogger(logger))
	ov.Start(ctx)
	defer ov.Stop()

	captured := &tailBuffer{max: maxCapturedOutput}
	var stripper pty.StreamStripper
	consume := func(text string) {
		if text == "" {
			return
		}
		_, _ = io.WriteString(logw, text)
		captured.WriteString(text)
		if detector != nil {
			detector.Check(text)
		}
		if opts.OnOutput != nil {
			opts.OnOutput(text)
		}
	}
	for chunk := range proc.Output() {
		consume(stripper.Write(chunk.Data))
	}
	consume(stripper.Flush())

	waitErr := proc.Wait()
	ov.Stop()
	res.ExitCode = proc.ExitCode()
	res.Duration = time.Since(start)

	switch {
	case ov.Killed():
		res.Reason = ErrSupervisionTimeout
		captured.WriteString("\n" + SupervisionTimeoutSentinel + "\n")
	case detector != nil && detector.Killed():
		res.Reason = ErrErrorLoop
		captured.WriteString("\n" + ErrorLoopSentinel + "\n")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Reason = ErrTimeout
		captured.WriteString(fmt.Sprintf("\n%s after %s\n", TimeoutSentinel, opts.Timeout))
	case ctx.Err() != nil:
		res.Reason = ctx.Err()
	case proc.Terminated():
		res.Reason = ErrTerminated
	}
	res.Output = captured.String()
	res.Success = waitErr == nil && res.ExitCode == 0 && res.Reason == nil

	reason := "none"
	if res.Reason != nil {
		reason = res.Reason.Error()
	}
	fmt.Fprintf(logw, "\n=== %s exit=%d success=%v reason=%s duration=%s ===\n", name, res.ExitCode, res.Success, reason, res.Duration.Round(time.Millisecond))
	logger.Info("[Provider] finished", "exit_code", res.ExitCode, "success", res.Success, "reason", reason, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func openLog(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening session log: %w", err)
	}
	return &syncWriter{w: f}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type syncWriter struct {
	mu sync.Mutex
	w  *os.File
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

// tailBuffer keeps at most max bytes, dropping the oldest half when full.
type tailBuffer struct {
	b   strings.Builder
	max int
}

func (t *tailBuffer) WriteString(s string) {
	t.b.WriteString(s)
	if t.max > 0 && t.b.Len() > t.max {
		keep := t.b.String()[t.b.Len()-t.max/2:]
		t.b.Reset()
		t.b.WriteString(keep)
	}
}

func (t *tailBuffer) String() string { return t.b.String() }
