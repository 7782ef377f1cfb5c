package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/terraphim/issuepilot/internal/provider"
	"github.com/terraphim/issuepilot/internal/worktree"
)

const closeTimeout = 2 * time.Minute

// Registry tracks the resources a scheduler owns: running agent processes,
// session worktrees, and teardown hooks. Close releases all of them once.
type Registry struct {
	mu        sync.Mutex
	procs     map[string]provider.Handle
	worktrees map[string]*worktree.Handle
	hooks     []func()
	closed    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		procs:     make(map[string]provider.Handle),
		worktrees: make(map[string]*worktree.Handle),
	}
}

// SetProcess records the running process for an issue. It reports false
// once the registry is closed, in which case the caller should terminate h.
func (r *Registry) SetProcess(issueID string, h provider.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.procs[issueID] = h
	return true
}

// ClearProcess forgets the process for an issue.
func (r *Registry) ClearProcess(issueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, issueID)
}

// Process returns the running process for an issue.
func (r *Registry) Process(issueID string) (provider.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.procs[issueID]
	return h, ok
}

// AddWorktree records a session worktree.
func (r *Registry) AddWorktree(issueID string, h *worktree.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.worktrees[issueID] = h
}

// TakeWorktree removes and returns the worktree for an issue.
func (r *Registry) TakeWorktree(issueID string) *worktree.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.worktrees[issueID]
	delete(r.worktrees, issueID)
	return h
}

// ActivePaths returns the paths of tracked worktrees.
func (r *Registry) ActivePaths() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.worktrees))
	for _, h := range r.worktrees {
		out[h.Path] = true
	}
	return out
}

// OnClose registers fn to run during Close. Hooks run in reverse order of
// registration. After Close, fn runs immediately.
func (r *Registry) OnClose(fn func()) {
	r.mu.Lock()
	if !r.closed {
		r.hooks = append(r.hooks, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

// Close terminates tracked processes, removes tracked worktrees unless keep
// is set, and runs the close hooks. Later calls do nothing.
func (r *Registry) Close(wt *worktree.Manager, keep bool, logger *slog.Logger) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	procs := r.procs
	trees := r.worktrees
	hooks := r.hooks
	r.procs = map[string]provider.Handle{}
	r.worktrees = map[string]*worktree.Handle{}
	r.hooks = nil
	r.mu.Unlock()

	for _, id := range sortedKeys(procs) {
		logger.Info("[Scheduler] terminating process on close", "issue", id, "pid", procs[id].Pid())
		if err := procs[id].Terminate(); err != nil {
			logger.Warn("[Scheduler] terminate failed", "issue", id, "error", err)
		}
	}

	if wt != nil && !keep {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		for _, id := range sortedKeys(trees) {
			if err := wt.Remove(ctx, trees[id]); err != nil {
				logger.Warn("[Scheduler] worktree removal failed on close", "issue", id, "path", trees[id].Path, "error", err)
			}
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
