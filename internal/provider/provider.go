// Package provider runs AI coding agents as supervised subprocesses.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/terraphim/issuepilot/internal/overseer"
)

// Provider is an AI coding agent that can work on a prompt in a directory.
type Provider interface {
	Name() string
	Available() bool
	Run(ctx context.Context, prompt string, opts RunOptions) (Result, error)
}

// Handle is the running agent as seen by callers that may need to stop it.
type Handle interface {
	Terminate() error
	Pid() int
}

// ErrorLoopConfig controls the error-loop detector.
type ErrorLoopConfig struct {
	Enabled   bool
	Threshold int
	Pattern   *regexp.Regexp
}

// RunOptions configures a single agent run.
type RunOptions struct {
	Dir     string
	LogFile string
	Model   string
	Env     []string

	// Timeout caps the whole run. Zero means no limit.
	Timeout time.Duration

	Overseer   overseer.Config
	ErrorLoop  ErrorLoopConfig
	WatchFiles bool
	DisablePTY bool

	// Control delivers pause/resume requests to the overseer.
	Control overseer.Control

	// Snapshot overrides the working tree snapshot used by the overseer.
	Snapshot overseer.SnapshotFunc

	OnSpawn  func(Handle)
	OnOutput func(text string)

	Logger *slog.Logger
}

func (o RunOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Result describes a finished run.
type Result struct {
	Provider string
	Model    string
	Success  bool
	Output   string
	ExitCode int
	Duration time.Duration
	IsPTY    bool

	// Reason is set when the run was cut short: ErrSupervisionTimeout,
	// ErrErrorLoop, ErrTimeout, ErrTerminated or a context error.
	Reason error
}

// Registry maps provider names to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
