package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terraphim/issuepilot/internal/config"
	"github.com/terraphim/issuepilot/internal/control"
	"github.com/terraphim/issuepilot/internal/events"
	"github.com/terraphim/issuepilot/internal/guardrails"
	"github.com/terraphim/issuepilot/internal/notify"
	"github.com/terraphim/issuepilot/internal/output"
	"github.com/terraphim/issuepilot/internal/pr"
	"github.com/terraphim/issuepilot/internal/ratelimit"
	"github.com/terraphim/issuepilot/internal/scheduler"
	"github.com/terraphim/issuepilot/internal/session"
	"github.com/terraphim/issuepilot/internal/source"
	"github.com/terraphim/issuepilot/internal/worktree"
)

type runFlags struct {
	once        bool
	dryRun      bool
	verbose     bool
	noControl   bool
	noPR        bool
	noWorktrees bool
	maxSessions int
	concurrency int
	cooldown    time.Duration
	cooldownSet bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch issues to coding agents",
		Long: `Run picks issues from the configured source and works on them until
interrupted. --once handles a single issue and exits non-zero when it does
not succeed; --dry-run prints what the next session would do.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			f.cooldownSet = cmd.Flags().Changed("cooldown")
			return a.run(ctx, cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().BoolVar(&f.once, "once", false, "process a single issue and exit")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "plan the next issue without running an agent")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "stream agent output previews")
	cmd.Flags().BoolVar(&f.noControl, "no-control", false, "do not start the control API")
	cmd.Flags().BoolVar(&f.noPR, "no-pr", false, "push branches but do not open pull requests")
	cmd.Flags().BoolVar(&f.noWorktrees, "no-worktrees", false, "run agents in the repository checkout instead of worktrees")
	cmd.Flags().DurationVar(&f.cooldown, "cooldown", 0, "idle sleep and retry delay (default from config)")
	cmd.Flags().IntVar(&f.maxSessions, "max-sessions", -1, "stop after this many sessions (0 = unlimited)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "sessions running at once (default from config)")
	cmd.MarkFlagsMutuallyExclusive("once", "dry-run")
	return cmd
}

// schedulerConfig maps the file configuration and flags onto scheduler
// settings.
func schedulerConfig(cfg *config.Config, f runFlags) (scheduler.Config, error) {
	sc := scheduler.DefaultConfig()
	switch {
	case f.dryRun:
		sc.Mode = scheduler.ModeDryRun
	case f.once:
		sc.Mode = scheduler.ModeOnce
	}
	s := cfg.Scheduler
	sc.Concurrency = s.Concurrency
	if f.concurrency > 0 {
		sc.Concurrency = f.concurrency
	}
	sc.MaxSessions = s.MaxSessions
	if f.maxSessions >= 0 {
		sc.MaxSessions = f.maxSessions
	}
	sc.Cooldown = s.Cooldown()
	if f.cooldownSet {
		sc.Cooldown = f.cooldown
	}
	sc.Timeout = s.Timeout()
	sc.Workspace = config.ExpandHome(s.Workspace)
	sc.StateDir = cfg.StateDir()
	sc.DefaultBaseBranch = s.DefaultBaseBranch
	sc.Repos = cfg.WorktreeRepos()
	sc.UseWorktrees = s.UseWorktrees && !f.noWorktrees
	sc.KeepFailedWorktrees = s.KeepFailedWorktrees
	sc.Candidates = cfg.Fallback.Candidates
	sc.SkipCoolingDown = cfg.Fallback.SkipCoolingDown
	sc.Overseer = cfg.OverseerSettings()
	sc.WatchFiles = cfg.Overseer.WatchFiles
	sc.DisablePTY = s.DisablePTY
	sc.Instructions = s.Instructions
	sc.DraftPR = cfg.PR.Draft
	sc.Attribution = cfg.PR.Attribution
	if !cfg.Guardrail.Enabled {
		sc.GuardrailPrompt = 0
	}
	el, err := cfg.ErrorLoopSettings()
	if err != nil {
		return sc, err
	}
	sc.ErrorLoop = el
	return sc, sc.Validate()
}

func (a *app) run(ctx context.Context, out io.Writer, f runFlags) error {
	cfg, logger := a.cfg, a.logger
	sc, err := schedulerConfig(cfg, f)
	if err != nil {
		return err
	}

	if sc.Mode != scheduler.ModeDryRun {
		workspace, _ := filepath.Abs(sc.Workspace)
		lock, err := scheduler.AcquireLock(sc.StateDir, workspace)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("[CLI] releasing workspace lock failed", "error", err)
			}
		}()
	}

	tracker := ratelimit.NewTracker(sc.StateDir)
	if err := tracker.Load(); err != nil {
		logger.Warn("[CLI] rate limit state unreadable, starting fresh", "error", err)
	}
	defer func() {
		if err := tracker.Save(); err != nil {
			logger.Warn("[CLI] saving rate limit state failed", "error", err)
		}
	}()

	classifier, err := cfg.Fallback.Classifier()
	if err != nil {
		return err
	}

	var creator pr.Creator = pr.Noop{}
	if cfg.PR.Enabled && !f.noPR {
		creator = pr.NewGHCreator(
			pr.WithBinary(cfg.PR.GHBinary),
			pr.WithTimeout(time.Duration(cfg.PR.TimeoutSeconds)*time.Second),
			pr.WithLogger(logger),
		)
	}
	var guards *guardrails.Store
	if cfg.Guardrail.Enabled {
		guards = guardrails.NewStore(cfg.GuardrailsPath(), cfg.Guardrail.MaxEntries)
	}

	bus := events.NewBus(500)
	bus.SetLogger(logger)
	s, err := scheduler.New(sc, scheduler.Deps{
		Source:     source.NewFileSource(config.ExpandHome(cfg.Source.Path), source.WithRequiredLabel(cfg.Source.Label)),
		Providers:  cfg.Registry(),
		Worktrees:  worktree.NewManager(worktree.WithLogger(logger), worktree.WithDirName(cfg.Scheduler.WorktreeDir)),
		PR:         creator,
		Bus:        bus,
		Guardrails: guards,
		Tracker:    tracker,
		Classifier: classifier,
	}, scheduler.WithLogger(logger))
	if err != nil {
		return err
	}
	defer s.Close()

	if !a.jsonOutput {
		console := output.NewConsole(out, output.WithVerbose(f.verbose))
		s.Registry().OnClose(console.Attach(bus))
	}
	if cfg.Notify.Enabled && sc.Mode != scheduler.ModeDryRun {
		notifier := notify.New(cfg.Notify, notify.WithLogger(logger))
		notifier.Attach(bus)
		s.Registry().OnClose(notifier.Close)
	}

	if cfg.Control.Enabled && !f.noControl && sc.Mode != scheduler.ModeDryRun {
		srv := control.New(cfg.Control.Addr, bus, s, control.WithLogger(logger))
		ctlCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Start(ctlCtx); err != nil {
				logger.Warn("[CLI] control API unavailable", "addr", cfg.Control.Addr, "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	runErr := s.Run(ctx)
	if sc.Mode == scheduler.ModeDryRun {
		return printPlans(out, s.Plans(), a.jsonOutput)
	}
	if a.jsonOutput {
		if err := printJSON(out, s.Sessions()); err != nil {
			return err
		}
	} else {
		printSessions(out, s.Sessions())
	}
	if errors.Is(ctx.Err(), context.Canceled) && runErr == nil {
		logger.Info("[CLI] interrupted")
	}
	return runErr
}

func printPlans(w io.Writer, plans []scheduler.Plan, asJSON bool) error {
	if asJSON {
		return printJSON(w, plans)
	}
	if len(plans) == 0 {
		fmt.Fprintln(w, "No eligible issue.")
		return nil
	}
	for _, p := range plans {
		fmt.Fprintf(w, "Issue:     %s %s\n", p.IssueID, p.Title)
		fmt.Fprintf(w, "Repo:      %s\n", p.Repo.Path)
		fmt.Fprintf(w, "Branch:    %s (from %s)\n", p.Branch, p.BaseBranch)
		if p.Worktree != "" {
			fmt.Fprintf(w, "Worktree:  %s\n", p.Worktree)
		}
		fmt.Fprint(w, "Agents:   ")
		for _, c := range p.Candidates {
			fmt.Fprintf(w, " %s", c.String())
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "\nPrompt:\n%s\n", p.Prompt)
	}
	return nil
}

func printSessions(w io.Writer, sessions []session.Info) {
	if len(sessions) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", output.CountStr(len(sessions), "session", "sessions"))
	tbl := output.NewTable(w, "ISSUE", "STATE", "AGENT", "DURATION", "RESULT")
	tbl.SetMaxColumnWidth(60)
	for _, s := range sessions {
		agent := ""
		if n := len(s.Attempts); n > 0 {
			agent = s.Attempts[n-1].Provider
			if m := s.Attempts[n-1].Model; m != "" {
				agent += "/" + m
			}
		}
		result := s.PRURL
		if result == "" {
			result = s.Error
		}
		tbl.AddRow(s.IssueID, string(s.State), agent, s.Duration().Round(time.Second).String(), result)
	}
	tbl.Render()
}

