// Package watcher tracks filesystem activity in a working tree using fsnotify.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultMaxDirs = 4096

// DefaultIgnore lists directory names that never count as activity.
var DefaultIgnore = []string{".git", ".worktrees", "node_modules", ".venv", "target", "dist"}

// ActivityWatcher counts write, create, remove and rename events below a
// root directory. The counter only grows.
type ActivityWatcher struct {
	root    string
	ignore  map[string]bool
	maxDirs int
	logger  *slog.Logger

	fsw        *fsnotify.Watcher
	generation atomic.Uint64
	lastEvent  atomic.Int64
	watched    atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures an ActivityWatcher.
type Option func(*ActivityWatcher)

// WithIgnore replaces the ignored directory names.
func WithIgnore(names ...string) Option {
	return func(w *ActivityWatcher) {
		w.ignore = make(map[string]bool, len(names))
		for _, n := range names {
			w.ignore[n] = true
		}
	}
}

// WithMaxDirs caps how many directories are watched.
func WithMaxDirs(n int) Option {
	return func(w *ActivityWatcher) {
		if n > 0 {
			w.maxDirs = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *ActivityWatcher) { w.logger = l }
}

// NewActivityWatcher watches root and every directory below it that is not
// ignored.
func NewActivityWatcher(root string, opts ...Option) (*ActivityWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &ActivityWatcher{
		root:    root,
		maxDirs: defaultMaxDirs,
		fsw:     fsw,
		done:    make(chan struct{}),
	}
	WithIgnore(DefaultIgnore...)(w)
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *ActivityWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if int(w.watched.Load()) >= w.maxDirs {
			return filepath.SkipAll
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug("[Watcher] add failed", "path", path, "error", err)
			return nil
		}
		w.watched.Add(1)
		return nil
	})
}

// Start processes events until ctx is done or Close is called.
func (w *ActivityWatcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

func (w *ActivityWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.bump()
				continue
			}
			w.logger.Debug("[Watcher] error", "error", err)
		}
	}
}

func (w *ActivityWatcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if w.ignored(ev.Name) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(ev.Name)
		}
	}
	w.bump()
}

func (w *ActivityWatcher) bump() {
	w.generation.Add(1)
	w.lastEvent.Store(time.Now().UnixNano())
}

func (w *ActivityWatcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range splitPath(rel) {
		if w.ignore[part] {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	var parts []string
	for p != "" && p != "." && p != string(filepath.Separator) {
		dir, file := filepath.Split(p)
		if file != "" {
			parts = append(parts, file)
		}
		p = filepath.Clean(dir)
		if p == dir {
			break
		}
	}
	return parts
}

// Generation returns the number of relevant events seen so far.
func (w *ActivityWatcher) Generation() uint64 { return w.generation.Load() }

// LastActivity returns the time of the most recent relevant event.
func (w *ActivityWatcher) LastActivity() time.Time {
	n := w.lastEvent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Snapshot reports the generation counter. It has the shape of a working
// tree snapshot function so it can be combined with git state.
func (w *ActivityWatcher) Snapshot(context.Context) (string, error) {
	return "fs:" + strconv.FormatUint(w.Generation(), 10), nil
}

// Close stops watching.
func (w *ActivityWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
