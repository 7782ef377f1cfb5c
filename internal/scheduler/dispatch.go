package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/terraphim/issuepilot/internal/events"
	"github.com/terraphim/issuepilot/internal/fallback"
	"github.com/terraphim/issuepilot/internal/guardrails"
	"github.com/terraphim/issuepilot/internal/pr"
	"github.com/terraphim/issuepilot/internal/prompt"
	"github.com/terraphim/issuepilot/internal/provider"
	"github.com/terraphim/issuepilot/internal/session"
	"github.com/terraphim/issuepilot/internal/source"
	"github.com/terraphim/issuepilot/internal/util"
	"github.com/terraphim/issuepilot/internal/worktree"
)

const bookkeepingTimeout = 30 * time.Second

// Plan is what a session for an issue would do.
type Plan struct {
	IssueID    string
	Title      string
	Repo       worktree.Repo
	Branch     string
	BaseBranch string
	Worktree   string
	Candidates []fallback.Candidate
	Prompt     string
}

func (p Plan) eventData() map[string]string {
	cands := make([]string, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		cands = append(cands, c.String())
	}
	return map[string]string{
		"dry_run":    "true",
		"repo":       p.Repo.Path,
		"branch":     p.Branch,
		"base":       p.BaseBranch,
		"worktree":   p.Worktree,
		"candidates": strings.Join(cands, ","),
	}
}

// resolveRepo picks the repository for an issue, falling back to the
// workspace when no repositories are configured.
func (s *Scheduler) resolveRepo(issue source.Issue) worktree.Repo {
	repo, ok := worktree.DetermineRepoPath(issue.Repo, issue.Title, s.cfg.Repos)
	if !ok {
		abs, err := filepath.Abs(s.cfg.Workspace)
		if err != nil {
			abs = s.cfg.Workspace
		}
		repo = worktree.Repo{Name: filepath.Base(abs), Path: abs}
	}
	if repo.BaseBranch == "" {
		repo.BaseBranch = s.cfg.DefaultBaseBranch
	}
	return repo
}

// Plan resolves repository, branch, candidates and prompt for an issue
// without side effects.
func (s *Scheduler) Plan(ctx context.Context, issue source.Issue) Plan {
	repo := s.resolveRepo(issue)
	branch := worktree.GenerateBranchName(issue.ID, issue.Title)
	p := Plan{
		IssueID:    issue.ID,
		Title:      issue.Title,
		Repo:       repo,
		Branch:     branch,
		BaseBranch: repo.BaseBranch,
		Candidates: append([]fallback.Candidate(nil), s.cfg.Candidates...),
	}
	if s.cfg.UseWorktrees {
		p.Worktree = s.deps.Worktrees.PathFor(repo.Path, branch)
	}
	p.Prompt = s.buildPrompt(issue, p)
	return p
}

func (s *Scheduler) buildPrompt(issue source.Issue, p Plan) string {
	var recent []guardrails.Entry
	if s.deps.Guardrails != nil && s.cfg.GuardrailPrompt > 0 {
		var err error
		recent, err = s.deps.Guardrails.Recent(s.cfg.GuardrailPrompt)
		if err != nil {
			s.logger.Warn("[Scheduler] reading guardrails failed", "error", err)
		}
	}
	return prompt.Build(prompt.Input{
		IssueID:      issue.ID,
		Title:        issue.Title,
		Body:         issue.Body,
		BranchName:   p.Branch,
		BaseBranch:   p.BaseBranch,
		InWorktree:   s.cfg.UseWorktrees,
		Guardrails:   recent,
		Instructions: s.cfg.Instructions,
	})
}

// runSession drives one session from Queued to a terminal state.
func (s *Scheduler) runSession(ctx context.Context, issue source.Issue, sess *session.Session) {
	logger := s.logger.With("issue", issue.ID, "session", sess.ID())
	plan := s.Plan(ctx, issue)
	sess.SetWorkspace(plan.Repo.Path, plan.Branch, plan.BaseBranch)

	s.bookkeep(ctx, "mark in progress", func(ctx context.Context) error {
		if err := s.deps.Source.UpdateStatus(ctx, issue.ID, source.StatusInProgress); err != nil {
			return err
		}
		if s.cfg.InProgressLabel == "" {
			return nil
		}
		return s.deps.Source.AddLabel(ctx, issue.ID, s.cfg.InProgressLabel)
	})

	dir := plan.Repo.Path
	var handle *worktree.Handle
	if s.cfg.UseWorktrees {
		h, err := s.deps.Worktrees.Create(ctx, plan.Repo.Path, plan.Branch, plan.BaseBranch)
		if err != nil {
			logger.Error("[Scheduler] worktree creation failed", "error", err)
			s.finish(ctx, issue, sess, nil, session.StateFailed, fmt.Errorf("creating worktree: %w", err), "", "worktree")
			return
		}
		handle = h
		s.registry.AddWorktree(issue.ID, h)
		dir = h.Path
	}

	logPath := session.LogPath(s.stateDir(), issue.ID, s.now())
	sess.SetLogPath(logPath)
	if err := sess.Start(); err != nil {
		logger.Error("[Scheduler] cannot start session", "error", err)
		s.finish(ctx, issue, sess, handle, session.StateFailed, err, "", "other")
		return
	}
	started := events.New(events.TypeStarted, issue.ID)
	started.SessionID = sess.ID()
	started.Message = plan.Branch
	started.Data = map[string]string{"dir": dir, "log": logPath}
	s.publish(started)
	logger.Info("[Scheduler] session started", "branch", plan.Branch, "dir", dir, "log", logPath)

	opts := provider.RunOptions{
		Dir:        dir,
		LogFile:    logPath,
		Env:        []string{"ISSUEPILOT_ISSUE_ID=" + issue.ID, "ISSUEPILOT_BRANCH=" + plan.Branch},
		Timeout:    s.cfg.Timeout,
		Overseer:   s.cfg.Overseer,
		ErrorLoop:  s.cfg.ErrorLoop,
		WatchFiles: s.cfg.WatchFiles,
		DisablePTY: s.cfg.DisablePTY,
		Control:    events.NewPauseControl(s.deps.Bus, issue.ID),
		Logger:     logger,
		OnSpawn: func(h provider.Handle) {
			if !s.registry.SetProcess(issue.ID, h) || s.intentFor(issue.ID) != intentNone {
				_ = h.Terminate()
			}
		},
		OnOutput: func(text string) {
			sess.AppendOutput(text)
			ev := events.New(events.TypeOutputChunk, issue.ID)
			ev.SessionID = sess.ID()
			ev.Message = text
			s.emitter.Emit(ev)
		},
	}

	chain := fallback.NewChain(s.deps.Providers,
		fallback.WithClassifier(s.deps.Classifier),
		fallback.WithTracker(s.deps.Tracker, s.cfg.SkipCoolingDown && s.deps.Tracker != nil),
		fallback.WithLogger(logger),
		fallback.WithAttemptHook(func(a session.ModelAttempt, err error) {
			sess.AddAttempt(a)
			ev := events.New(events.TypeAttempt, issue.ID)
			ev.SessionID = sess.ID()
			ev.Provider = a.Provider
			ev.Model = a.Model
			ev.Message = a.Error
			ev.Data = map[string]string{"success": fmt.Sprint(a.Success), "category": a.Category}
			s.publish(ev)
		}),
	)
	abort := func() bool { return s.intentFor(issue.ID) != intentNone || ctx.Err() != nil }

	var outcome *fallback.Outcome
	var runErr error
	if !abort() {
		outcome, runErr = chain.Run(ctx, plan.Prompt, s.cfg.Candidates, opts, abort)
		s.registry.ClearProcess(issue.ID)
	} else {
		runErr = ctx.Err()
	}

	switch s.intentFor(issue.ID) {
	case intentKill:
		s.finish(ctx, issue, sess, handle, session.StateKilled, errors.New("killed by operator"), "", "killed")
		return
	case intentSkip:
		s.finish(ctx, issue, sess, handle, session.StateSkipped, errors.New("skipped by operator"), "", "skipped")
		return
	}
	if runErr != nil {
		logger.Error("[Scheduler] session failed", "error", runErr, "log", logPath)
		s.finish(ctx, issue, sess, handle, session.StateFailed, runErr, failureOutput(runErr, sess), failureCategory(runErr))
		return
	}

	url, err := s.deliver(ctx, issue, plan, handle, outcome)
	if err != nil {
		logger.Error("[Scheduler] delivering work failed", "error", err, "log", logPath)
		s.finish(ctx, issue, sess, handle, session.StateFailed, err, sess.Output(), "delivery")
		return
	}
	sess.SetPRURL(url)
	s.finish(ctx, issue, sess, handle, session.StateSucceeded, nil, "", "")
}

// deliver commits leftovers, pushes the feature branch and opens the pull
// request. It returns the pull request URL.
func (s *Scheduler) deliver(ctx context.Context, issue source.Issue, plan Plan, handle *worktree.Handle, out *fallback.Outcome) (string, error) {
	wt := s.deps.Worktrees
	dir, branch := plan.Repo.Path, plan.Branch
	if handle != nil {
		dir = handle.Path
	} else {
		repos := s.cfg.Repos
		if len(repos) > 0 {
			repos = []worktree.Repo{plan.Repo}
		}
		found := wt.DetectFeatureBranches(ctx, repos, issue.ID, plan.Repo.Path, plan.BaseBranch)
		if len(found) == 0 {
			return "", fmt.Errorf("no feature branch found for %s", issue.ID)
		}
		dir, branch = found[0].RepoPath, found[0].Branch
	}

	msg := fmt.Sprintf("%s: %s", issue.ID, issue.Title)
	if committed, err := wt.CommitAll(ctx, dir, msg); err != nil {
		return "", fmt.Errorf("committing leftovers: %w", err)
	} else if committed {
		s.logger.Info("[Scheduler] committed uncommitted agent changes", "issue", issue.ID)
	}
	ahead, err := wt.CommitsAhead(ctx, dir, plan.BaseBranch)
	if err != nil {
		return "", fmt.Errorf("comparing with %s: %w", plan.BaseBranch, err)
	}
	if ahead == 0 {
		return "", fmt.Errorf("agent finished without commits ahead of %s", plan.BaseBranch)
	}
	if err := wt.Push(ctx, dir, branch); err != nil {
		return "", fmt.Errorf("pushing %s: %w", branch, err)
	}

	url, err := s.deps.PR.CreatePullRequest(ctx, pr.PullRequest{
		Dir:   dir,
		Head:  branch,
		Base:  plan.BaseBranch,
		Title: msg,
		Body:  prBody(issue, out),
		Draft: s.cfg.DraftPR,
	})
	if err != nil {
		return "", fmt.Errorf("creating pull request: %w", err)
	}

	if url != "" {
		if s.cfg.Attribution {
			s.bookkeep(ctx, "pr attribution", func(ctx context.Context) error {
				return s.deps.PR.AppendAttribution(ctx, dir, url, out.Candidate.String())
			})
		}
		s.bookkeep(ctx, "attach pull request", func(ctx context.Context) error {
			return s.deps.Source.AttachPullRequest(ctx, issue.ID, url)
		})
	}
	s.bookkeep(ctx, "complete issue", func(ctx context.Context) error {
		return s.deps.Source.CompleteIssue(ctx, issue.ID)
	})
	return url, nil
}

func prBody(issue source.Issue, out *fallback.Outcome) string {
	var b strings.Builder
	if body := strings.TrimSpace(issue.Body); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Resolves %s.\n\n", issue.ID)
	if out != nil && len(out.Attempts) > 1 {
		b.WriteString("Attempts:\n")
		for _, a := range out.Attempts {
			status := "ok"
			if !a.Success {
				status = a.Category
			}
			fmt.Fprintf(&b, "- %s/%s: %s\n", a.Provider, a.Model, status)
		}
	}
	return b.String()
}

// finish moves the session to its terminal state, tears down or keeps the
// worktree, reports to the source and the bus, and persists the record.
func (s *Scheduler) finish(ctx context.Context, issue source.Issue, sess *session.Session, handle *worktree.Handle, to session.State, cause error, output, category string) {
	logger := s.logger.With("issue", issue.ID, "session", sess.ID())
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := sess.Finish(to, msg); err != nil {
		logger.Error("[Scheduler] invalid final transition", "to", to, "error", err)
	}

	if handle != nil {
		s.registry.TakeWorktree(issue.ID)
		if to == session.StateSucceeded || !s.cfg.KeepFailedWorktrees {
			rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
			if err := s.deps.Worktrees.Remove(rmCtx, handle); err != nil {
				logger.Warn("[Scheduler] worktree removal failed", "path", handle.Path, "error", err)
			}
			cancel()
		} else {
			logger.Info("[Scheduler] keeping failed worktree", "path", handle.Path)
		}
	}

	if s.cfg.InProgressLabel != "" {
		s.bookkeep(ctx, "remove label", func(ctx context.Context) error {
			return s.deps.Source.RemoveLabel(ctx, issue.ID, s.cfg.InProgressLabel)
		})
	}

	// Output chunks go through the emitter; they must not trail the
	// terminal event.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	if err := s.emitter.Flush(flushCtx); err != nil {
		logger.Warn("[Scheduler] flushing output events failed", "error", err)
	}
	cancel()

	info := sess.Snapshot()
	var ev events.Event
	switch to {
	case session.StateSucceeded:
		ev = events.New(events.TypeDone, issue.ID)
		ev.Data = map[string]string{"pr_url": info.PRURL}
	case session.StateSkipped:
		ev = events.New(events.TypeSkipped, issue.ID)
		s.bookkeep(ctx, "mark skipped", func(ctx context.Context) error {
			return s.deps.Source.UpdateStatus(ctx, issue.ID, source.StatusSkipped)
		})
	case session.StateKilled:
		ev = events.New(events.TypeKilled, issue.ID)
		s.revert(ctx, issue, sess, source.StatusTodo)
	default:
		ev = events.New(events.TypeFailed, issue.ID)
		s.recordGuardrail(issue, info, output, category, msg)
		s.revert(ctx, issue, sess, source.StatusFailed)
	}
	ev.SessionID = sess.ID()
	ev.Message = msg
	if n := len(info.Attempts); n > 0 {
		ev.Provider = info.Attempts[n-1].Provider
		ev.Model = info.Attempts[n-1].Model
	}
	if ev.Data == nil {
		ev.Data = map[string]string{}
	}
	ev.Data["log"] = info.LogPath
	s.publish(ev)

	if _, err := session.SaveRecord(s.stateDir(), info); err != nil {
		logger.Warn("[Scheduler] saving session record failed", "error", err)
	}

	s.mu.Lock()
	delete(s.running, issue.ID)
	delete(s.intents, issue.ID)
	switch to {
	case session.StateSkipped:
		s.skipped[issue.ID] = true
	case session.StateFailed, session.StateKilled:
		s.cooling[issue.ID] = s.now().Add(s.cfg.Cooldown)
	}
	s.mu.Unlock()

	logger.Info("[Scheduler] session finished", "state", to, "duration", info.Duration().Round(time.Millisecond), "log", info.LogPath, "pr", info.PRURL)
}

// revert hands the issue back to the source so it can be retried later.
func (s *Scheduler) revert(ctx context.Context, issue source.Issue, sess *session.Session, status source.Status) {
	ok := s.bookkeep(ctx, "revert status", func(ctx context.Context) error {
		return s.deps.Source.UpdateStatus(ctx, issue.ID, status)
	})
	if !ok {
		return
	}
	ev := events.New(events.TypeReverted, issue.ID)
	ev.SessionID = sess.ID()
	ev.Data = map[string]string{"status": string(status)}
	s.publish(ev)
}

func (s *Scheduler) recordGuardrail(issue source.Issue, info session.Info, output, category, msg string) {
	if s.deps.Guardrails == nil {
		return
	}
	e := guardrails.Entry{
		IssueID:   issue.ID,
		ErrorType: category,
		Message:   util.Truncate(msg, 300),
		Output:    output,
	}
	if n := len(info.Attempts); n > 0 {
		e.Provider = info.Attempts[n-1].Provider
		e.Model = info.Attempts[n-1].Model
	}
	if err := s.deps.Guardrails.Record(e); err != nil {
		s.logger.Warn("[Scheduler] recording guardrail failed", "issue", issue.ID, "error", err)
	}
}

// bookkeep runs a best-effort source or PR call with its own timeout,
// logging failures. It reports whether fn succeeded.
func (s *Scheduler) bookkeep(ctx context.Context, what string, fn func(context.Context) error) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("[Scheduler] best-effort step failed", "step", what, "error", err)
		return false
	}
	return true
}

func (s *Scheduler) stateDir() string {
	if s.cfg.StateDir != "" {
		return s.cfg.StateDir
	}
	return session.StateDir()
}

func failureCategory(err error) string {
	var nre *fallback.NonRetryableRunError
	if errors.As(err, &nre) {
		return nre.Attempt.Category
	}
	var ex *fallback.ExhaustedError
	if errors.As(err, &ex) && len(ex.Attempts) > 0 {
		return ex.Attempts[len(ex.Attempts)-1].Category
	}
	return string(fallback.CategoryOther)
}

func failureOutput(err error, sess *session.Session) string {
	var nre *fallback.NonRetryableRunError
	if errors.As(err, &nre) && nre.Result.Output != "" {
		return nre.Result.Output
	}
	return sess.Output()
}
