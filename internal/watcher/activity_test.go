package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestActivityWatcherCountsWrites(t *testing.T) {
	root := t.TempDir()
	w, err := NewActivityWatcher(root)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	before, _ := w.Snapshot(ctx)
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { return w.Generation() > 0 }) {
		t.Fatal("write was not observed")
	}
	after, _ := w.Snapshot(ctx)
	if before == after {
		t.Errorf("snapshot unchanged after write: %q", after)
	}
	if w.LastActivity().IsZero() {
		t.Error("LastActivity not recorded")
	}
}

func TestActivityWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := NewActivityWatcher(root)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()
	w.Start(context.Background())

	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { return w.Generation() > 0 }) {
		t.Fatal("mkdir was not observed")
	}
	time.Sleep(50 * time.Millisecond)
	gen := w.Generation()
	if err := os.WriteFile(filepath.Join(sub, "a.go"), []byte("package pkg\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { return w.Generation() > gen }) {
		t.Fatal("write inside new directory was not observed")
	}
}

func TestActivityWatcherIgnoresGitDir(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	if err := os.Mkdir(gitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := NewActivityWatcher(root)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()
	w.Start(context.Background())

	if err := os.WriteFile(filepath.Join(gitDir, "index"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if g := w.Generation(); g != 0 {
		t.Errorf("Generation() = %d after .git write, want 0", g)
	}
}

func TestSplitPath(t *testing.T) {
	got := splitPath(filepath.Join("a", "b", "c.txt"))
	if len(got) != 3 || got[0] != "c.txt" || got[2] != "a" {
		t.Errorf("splitPath = %v", got)
	}
	if got := splitPath("."); len(got) != 0 {
		t.Errorf("splitPath(.) = %v", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewActivityWatcher(t.TempDir())
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
