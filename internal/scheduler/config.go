package scheduler

import (
	"errors"
	"time"

	"github.com/terraphim/issuepilot/internal/fallback"
	"github.com/terraphim/issuepilot/internal/overseer"
	"github.com/terraphim/issuepilot/internal/provider"
	"github.com/terraphim/issuepilot/internal/worktree"
)

// Mode selects how Run dispatches issues.
type Mode int

const (
	// ModeContinuous keeps dispatching until the context ends.
	ModeContinuous Mode = iota
	// ModeOnce processes exactly one issue.
	ModeOnce
	// ModeDryRun resolves the plan for the next issue without executing it.
	ModeDryRun
)

func (m Mode) String() string {
	switch m {
	case ModeOnce:
		return "once"
	case ModeDryRun:
		return "dry-run"
	default:
		return "continuous"
	}
}

// Config holds scheduler settings.
type Config struct {
	Mode        Mode
	Concurrency int
	MaxSessions int
	Cooldown    time.Duration

	Workspace         string
	StateDir          string
	DefaultBaseBranch string
	Repos             []worktree.Repo

	UseWorktrees        bool
	KeepFailedWorktrees bool

	Candidates      []fallback.Candidate
	SkipCoolingDown bool

	Timeout    time.Duration
	Overseer   overseer.Config
	ErrorLoop  provider.ErrorLoopConfig
	WatchFiles bool
	DisablePTY bool

	Instructions    string
	GuardrailPrompt int

	DraftPR     bool
	Attribution bool

	// InProgressLabel is added while a session runs.
	InProgressLabel string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeContinuous,
		Concurrency:       1,
		Cooldown:          time.Minute,
		Workspace:         ".",
		DefaultBaseBranch: "main",
		UseWorktrees:      true,
		Candidates:        []fallback.Candidate{{Provider: "claude"}},
		SkipCoolingDown:   true,
		Timeout:           time.Hour,
		Overseer:          overseer.DefaultConfig(),
		ErrorLoop:         provider.ErrorLoopConfig{Enabled: true},
		GuardrailPrompt:   5,
		Attribution:       true,
		InProgressLabel:   "issuepilot:in-progress",
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if c.MaxSessions < 0 {
		return errors.New("max sessions must be non-negative")
	}
	if c.Cooldown < 0 {
		return errors.New("cooldown must be non-negative")
	}
	if len(c.Candidates) == 0 {
		return errors.New("at least one fallback candidate is required")
	}
	return c.Overseer.Validate()
}
