// Package scheduler dispatches issues to coding agents, one supervised
// session per issue, and owns each session's lifecycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/terraphim/issuepilot/internal/events"
	"github.com/terraphim/issuepilot/internal/fallback"
	"github.com/terraphim/issuepilot/internal/guardrails"
	"github.com/terraphim/issuepilot/internal/pr"
	"github.com/terraphim/issuepilot/internal/ratelimit"
	"github.com/terraphim/issuepilot/internal/session"
	"github.com/terraphim/issuepilot/internal/source"
	"github.com/terraphim/issuepilot/internal/worktree"
)

// ErrSessionFailed is returned by a single-shot Run whose session did not
// succeed.
var ErrSessionFailed = errors.New("session did not succeed")

type intent int

const (
	intentNone intent = iota
	intentKill
	intentSkip
)

// Deps are the collaborators a scheduler drives.
type Deps struct {
	Source     source.Source
	Providers  fallback.Lookup
	Worktrees  *worktree.Manager
	PR         pr.Creator
	Bus        *events.Bus
	Guardrails *guardrails.Store
	Tracker    *ratelimit.Tracker
	Classifier *fallback.Classifier
}

// Scheduler runs sessions.
type Scheduler struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	emitter  *events.Emitter
	registry *Registry
	now      func() time.Time

	mu       sync.Mutex
	running  map[string]*session.Session
	intents  map[string]intent
	cooling  map[string]time.Time
	skipped  map[string]bool
	claims   map[string]string // repo+branch -> issue ID of the running owner
	deferred map[string]bool   // issues waiting for a claimed repo+branch
	sessions []*session.Session
	plans    []Plan
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a scheduler. Missing optional collaborators get defaults: an
// in-memory bus, a worktree manager, a no-op PR creator and the default
// classifier.
func New(cfg Config, deps Deps, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	if deps.Source == nil {
		return nil, errors.New("scheduler requires an issue source")
	}
	if deps.Providers == nil {
		return nil, errors.New("scheduler requires a provider lookup")
	}
	s := &Scheduler{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: NewRegistry(),
		now:      time.Now,
		running:  make(map[string]*session.Session),
		intents:  make(map[string]intent),
		cooling:  make(map[string]time.Time),
		skipped:  make(map[string]bool),
		claims:   make(map[string]string),
		deferred: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(256)
	}
	if deps.Worktrees == nil {
		deps.Worktrees = worktree.NewManager(worktree.WithLogger(s.logger))
	}
	if deps.PR == nil {
		deps.PR = pr.Noop{}
	}
	if deps.Classifier == nil {
		deps.Classifier = fallback.DefaultClassifier()
	}
	s.deps = deps

	s.emitter = events.NewEmitter(deps.Bus, 1024)
	s.registry.OnClose(s.emitter.Close)
	s.registry.OnClose(deps.Bus.Subscribe(s.handleCommand, events.CommandKill, events.CommandSkip))
	return s, nil
}

// Bus returns the event bus.
func (s *Scheduler) Bus() *events.Bus { return s.deps.Bus }

// Registry returns the resource registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Close releases every resource the scheduler holds.
func (s *Scheduler) Close() {
	s.registry.Close(s.deps.Worktrees, s.cfg.KeepFailedWorktrees, s.logger)
}

func (s *Scheduler) publish(ev events.Event) {
	s.deps.Bus.Publish(ev)
}

// Run dispatches issues according to the configured mode. It returns when
// the context ends, the session limit is reached, or the single-shot or
// dry-run issue has been handled, after every started session finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("[Scheduler] starting", "mode", s.cfg.Mode.String(), "concurrency", s.cfg.Concurrency, "max_sessions", s.cfg.MaxSessions)
	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	var wg sync.WaitGroup
	started := 0
	var result error

	for ctx.Err() == nil {
		if s.cfg.MaxSessions > 0 && started >= s.cfg.MaxSessions {
			s.logger.Info("[Scheduler] session limit reached", "max_sessions", s.cfg.MaxSessions)
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		issue, err := s.deps.Source.FetchNextIssue(ctx, source.FetchOptions{Exclude: s.excluded()})
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("[Scheduler] fetching next issue failed", "error", err)
			if s.cfg.Mode != ModeContinuous {
				wg.Wait()
				return fmt.Errorf("fetching next issue: %w", err)
			}
			s.sleep(ctx)
			continue
		}
		if issue == nil {
			sem.Release(1)
			if s.cfg.Mode != ModeContinuous {
				s.logger.Info("[Scheduler] no issue available")
				break
			}
			s.logger.Debug("[Scheduler] idle", "cooldown", s.cfg.Cooldown)
			s.sleep(ctx)
			continue
		}

		if s.cfg.Mode == ModeDryRun {
			plan := s.Plan(ctx, *issue)
			sem.Release(1)
			s.mu.Lock()
			s.plans = append(s.plans, plan)
			s.mu.Unlock()
			ev := events.New(events.TypeQueued, issue.ID)
			ev.Message = issue.Title
			ev.Data = plan.eventData()
			s.publish(ev)
			break
		}

		key := s.workspaceKey(*issue)
		if owner, ok := s.claim(key, issue.ID); !ok {
			sem.Release(1)
			s.logger.Info("[Scheduler] branch in use, deferring issue", "issue", issue.ID, "owner", owner)
			continue
		}

		sess := session.New(issue.ID, issue.Title)
		s.mu.Lock()
		s.running[issue.ID] = sess
		s.sessions = append(s.sessions, sess)
		s.mu.Unlock()
		started++

		ev := events.New(events.TypeQueued, issue.ID)
		ev.SessionID = sess.ID()
		ev.Message = issue.Title
		s.publish(ev)

		wg.Add(1)
		go func(issue source.Issue) {
			defer wg.Done()
			defer sem.Release(1)
			defer s.release(key)
			s.runSession(ctx, issue, sess)
		}(*issue)

		if s.cfg.Mode == ModeOnce {
			wg.Wait()
			if st := sess.State(); st != session.StateSucceeded {
				result = fmt.Errorf("%w: %s ended %s", ErrSessionFailed, issue.ID, st)
			}
			break
		}
	}

	wg.Wait()
	s.logger.Info("[Scheduler] stopped", "sessions", started)
	return result
}

func (s *Scheduler) sleep(ctx context.Context) {
	d := s.cfg.Cooldown
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// excluded returns running, cooling and skipped issue IDs.
func (s *Scheduler) excluded() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make(map[string]bool, len(s.running)+len(s.cooling)+len(s.skipped))
	for id := range s.running {
		out[id] = true
	}
	for id, until := range s.cooling {
		if now.Before(until) {
			out[id] = true
		} else {
			delete(s.cooling, id)
		}
	}
	for id := range s.skipped {
		out[id] = true
	}
	for id := range s.deferred {
		out[id] = true
	}
	return out
}

// workspaceKey identifies the repository and branch a session for issue
// would own. Distinct issue IDs can slug to the same branch.
func (s *Scheduler) workspaceKey(issue source.Issue) string {
	repo := s.resolveRepo(issue)
	return repo.Path + "\x00" + worktree.GenerateBranchName(issue.ID, issue.Title)
}

// claim reserves key for issueID. When another running session owns key the
// issue is deferred until that session ends and the owner is returned.
func (s *Scheduler) claim(key, issueID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.claims[key]; ok && owner != issueID {
		s.deferred[issueID] = true
		return owner, false
	}
	s.claims[key] = issueID
	return issueID, true
}

// release frees key once its session has fully torn down and makes
// deferred issues eligible again.
func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	for id := range s.deferred {
		delete(s.deferred, id)
	}
}

// Sessions returns snapshots of every session started by this scheduler,
// oldest first.
func (s *Scheduler) Sessions() []session.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Running returns the issue IDs of running sessions, sorted.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plans returns the dry-run plans produced so far.
func (s *Scheduler) Plans() []Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Plan(nil), s.plans...)
}

// Kill terminates the session for issueID, or every running session when
// issueID is empty. The issue may be picked up again after the cooldown.
// It returns the issue IDs that were signalled.
func (s *Scheduler) Kill(issueID string) []string {
	return s.signal(issueID, intentKill)
}

// Skip terminates like Kill but excludes the issue for the rest of the run.
func (s *Scheduler) Skip(issueID string) []string {
	return s.signal(issueID, intentSkip)
}

func (s *Scheduler) handleCommand(ev events.Event) {
	switch ev.Type {
	case events.CommandKill:
		s.Kill(ev.IssueID)
	case events.CommandSkip:
		s.Skip(ev.IssueID)
	}
}

// signal records the intent for matching running sessions exactly once and
// terminates their processes. Sessions without a process yet are stopped
// as soon as one spawns.
func (s *Scheduler) signal(issueID string, in intent) []string {
	s.mu.Lock()
	var targets []string
	for id, sess := range s.running {
		if issueID != "" && id != issueID {
			continue
		}
		if s.intents[id] != intentNone || sess.State().Terminal() {
			continue
		}
		s.intents[id] = in
		targets = append(targets, id)
	}
	s.mu.Unlock()
	sort.Strings(targets)

	for _, id := range targets {
		s.logger.Info("[Scheduler] terminating session", "issue", id, "intent", in.String())
		if h, ok := s.registry.Process(id); ok {
			if err := h.Terminate(); err != nil {
				s.logger.Warn("[Scheduler] terminate failed", "issue", id, "error", err)
			}
		}
	}
	return targets
}

func (s *Scheduler) intentFor(issueID string) intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intents[issueID]
}

func (i intent) String() string {
	switch i {
	case intentKill:
		return "kill"
	case intentSkip:
		return "skip"
	default:
		return "none"
	}
}
