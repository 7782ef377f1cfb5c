package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/terraphim/issuepilot/internal/fallback"
	"github.com/terraphim/issuepilot/internal/notify"
	"github.com/terraphim/issuepilot/internal/overseer"
	"github.com/terraphim/issuepilot/internal/provider"
	"github.com/terraphim/issuepilot/internal/session"
	"github.com/terraphim/issuepilot/internal/worktree"
)

// FileName is the project-local config file name.
const FileName = ".issuepilot.toml"

// Config represents the main configuration
type Config struct {
	Scheduler SchedulerConfig           `toml:"scheduler"`
	Repos     []RepoConfig              `toml:"repos"`
	Overseer  OverseerConfig            `toml:"overseer"`
	ErrorLoop ErrorLoopConfig           `toml:"error_loop"`
	Fallback  FallbackConfig            `toml:"fallback"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Guardrail GuardrailsConfig          `toml:"guardrails"`
	Source    SourceConfig              `toml:"source"`
	PR        PRConfig                  `toml:"pr"`
	Control   ControlConfig             `toml:"control"`
	Notify    notify.Config             `toml:"notify"`
	Logging   LoggingConfig             `toml:"logging"`

	// Path is the file the config was loaded from, if any.
	Path string `toml:"-"`
}

// SchedulerConfig controls session dispatch.
type SchedulerConfig struct {
	Workspace           string `toml:"workspace"`              // Repository or directory of repositories agents work in
	StateDir            string `toml:"state_dir"`              // Logs, session records, guardrails (default XDG state dir)
	Concurrency         int    `toml:"concurrency"`            // Sessions running at once
	MaxSessions         int    `toml:"max_sessions"`           // Total sessions per run (0 = unlimited)
	CooldownSeconds     int    `toml:"cooldown_seconds"`       // Sleep when idle; re-eligibility delay for failed issues
	TimeoutSeconds      int    `toml:"timeout_seconds"`        // Wall-clock limit per provider attempt (0 = none)
	UseWorktrees        bool   `toml:"use_worktrees"`          // Run each session in its own git worktree
	WorktreeDir         string `toml:"worktree_dir"`           // Managed worktree directory inside each repo
	KeepFailedWorktrees bool   `toml:"keep_failed_worktrees"`  // Leave failed worktrees intact for inspection
	DefaultBaseBranch   string `toml:"default_base_branch"`    // Base branch when a repo does not set one
	Instructions        string `toml:"instructions,omitempty"` // Extra project instructions appended to prompts
	DisablePTY          bool   `toml:"disable_pty"`            // Always use pipes instead of a pseudo-terminal
}

// RepoConfig is one repository issues may target.
type RepoConfig struct {
	Name        string `toml:"name"`
	Path        string `toml:"path"`
	BaseBranch  string `toml:"base_branch,omitempty"`
	TitlePrefix string `toml:"title_prefix,omitempty"`
}

// OverseerConfig controls stuck detection.
type OverseerConfig struct {
	Enabled               bool `toml:"enabled"`
	CheckIntervalSeconds  int  `toml:"check_interval_seconds"`
	StuckThresholdSeconds int  `toml:"stuck_threshold_seconds"`
	WatchFiles            bool `toml:"watch_files"` // Also count filesystem events as progress
}

// ErrorLoopConfig controls the repeated-error detector.
type ErrorLoopConfig struct {
	Enabled   bool   `toml:"enabled"`
	Threshold int    `toml:"threshold"`
	Pattern   string `toml:"pattern"`
}

// FallbackConfig lists the provider/model candidates in order.
type FallbackConfig struct {
	Candidates      []fallback.Candidate `toml:"candidates"`
	SkipCoolingDown bool                 `toml:"skip_cooling_down"`
	// Patterns adds classification patterns per category name.
	Patterns map[string][]string `toml:"patterns,omitempty"`
}

// ProviderConfig customises or adds an agent CLI.
type ProviderConfig struct {
	Binary string   `toml:"binary,omitempty"`
	Args   []string `toml:"args,omitempty"` // Template with {{prompt}} and {{model}}
	Env    []string `toml:"env,omitempty"`
}

// GuardrailsConfig controls the failure log fed back into prompts.
type GuardrailsConfig struct {
	Enabled    bool   `toml:"enabled"`
	MaxEntries int    `toml:"max_entries"`
	Path       string `toml:"path,omitempty"` // Default <state_dir>/guardrails.yaml
}

// SourceConfig selects the issue tracker.
type SourceConfig struct {
	Type  string `toml:"type"`
	Path  string `toml:"path"`
	Label string `toml:"label,omitempty"` // Only pick issues with this label
}

// PRConfig controls pull request creation.
type PRConfig struct {
	Enabled        bool   `toml:"enabled"`
	Draft          bool   `toml:"draft"`
	Attribution    bool   `toml:"attribution"`
	GHBinary       string `toml:"gh_binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	ov := overseer.DefaultConfig()
	return &Config{
		Scheduler: SchedulerConfig{
			Workspace:         ".",
			Concurrency:       1,
			CooldownSeconds:   60,
			TimeoutSeconds:    3600,
			UseWorktrees:      true,
			WorktreeDir:       worktree.DefaultDirName,
			DefaultBaseBranch: "main",
		},
		Overseer: OverseerConfig{
			Enabled:               ov.Enabled,
			CheckIntervalSeconds:  int(ov.CheckInterval / time.Second),
			StuckThresholdSeconds: int(ov.StuckThreshold / time.Second),
		},
		ErrorLoop: ErrorLoopConfig{
			Enabled:   true,
			Threshold: 25,
			Pattern:   `(?i)\berror\b`,
		},
		Fallback: FallbackConfig{
			Candidates:      []fallback.Candidate{{Provider: "claude"}},
			SkipCoolingDown: true,
		},
		Guardrail: GuardrailsConfig{
			Enabled:    true,
			MaxEntries: 20,
		},
		Source: SourceConfig{
			Type: "file",
			Path: "issues.yaml",
		},
		PR: PRConfig{
			Enabled:        true,
			Attribution:    true,
			GHBinary:       "gh",
			TimeoutSeconds: 60,
		},
		Control: ControlConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7767",
		},
		Notify: notify.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the user config file path
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "issuepilot", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "issuepilot", "config.toml")
}

// Resolve picks the config file: the explicit path, ISSUEPILOT_CONFIG,
// ./.issuepilot.toml when present, then DefaultPath.
func Resolve(explicit string) string {
	if explicit != "" {
		return ExpandHome(explicit)
	}
	if env := os.Getenv("ISSUEPILOT_CONFIG"); env != "" {
		return ExpandHome(env)
	}
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}
	return DefaultPath()
}

// Load reads the config at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	// 1. Initialize with defaults
	cfg := Default()

	// 2. Read and unmarshal TOML over defaults
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
			cfg.Path = path
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// 3. Apply environment overrides (Env > TOML > Default)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if errs := Validate(cfg); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ISSUEPILOT_WORKSPACE"); v != "" {
		cfg.Scheduler.Workspace = v
	}
	if v := os.Getenv("ISSUEPILOT_STATE_DIR"); v != "" {
		cfg.Scheduler.StateDir = v
	}
	if v := os.Getenv("ISSUEPILOT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ISSUEPILOT_CONCURRENCY: %w", err)
		}
		cfg.Scheduler.Concurrency = n
	}
	if v := os.Getenv("ISSUEPILOT_DISABLE_PTY"); v != "" {
		cfg.Scheduler.DisablePTY = parseBool(v)
	}
	if v := os.Getenv("ISSUEPILOT_SOURCE_PATH"); v != "" {
		cfg.Source.Path = v
	}
	if v := os.Getenv("ISSUEPILOT_PR_ENABLED"); v != "" {
		cfg.PR.Enabled = parseBool(v)
	}
	if v := os.Getenv("ISSUEPILOT_CONTROL_ADDR"); v != "" {
		cfg.Control.Addr = v
	}
	if v := os.Getenv("ISSUEPILOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ISSUEPILOT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the configuration for errors and returns all issues found
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{fmt.Errorf("config is nil")}
	}
	var errs []error

	s := cfg.Scheduler
	if s.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.concurrency: must be at least 1, got %d", s.Concurrency))
	}
	if s.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_sessions: must be non-negative, got %d", s.MaxSessions))
	}
	if s.CooldownSeconds < 0 || s.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("scheduler: cooldown_seconds and timeout_seconds must be non-negative"))
	}
	if s.WorktreeDir == "" || strings.ContainsAny(s.WorktreeDir, `/\`) {
		errs = append(errs, fmt.Errorf("scheduler.worktree_dir: must be a single directory name, got %q", s.WorktreeDir))
	}

	names := make(map[string]bool)
	for i, r := range cfg.Repos {
		if r.Name == "" || r.Path == "" {
			errs = append(errs, fmt.Errorf("repos[%d]: name and path are required", i))
			continue
		}
		if names[r.Name] {
			errs = append(errs, fmt.Errorf("repos[%d]: duplicate name %q", i, r.Name))
		}
		names[r.Name] = true
	}

	if err := cfg.Overseer.toOverseer().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("overseer: %w", err))
	}

	if cfg.ErrorLoop.Enabled {
		if cfg.ErrorLoop.Threshold < 1 {
			errs = append(errs, fmt.Errorf("error_loop.threshold: must be at least 1, got %d", cfg.ErrorLoop.Threshold))
		}
		if _, err := regexp.Compile(cfg.ErrorLoop.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("error_loop.pattern: %w", err))
		}
	}

	if len(cfg.Fallback.Candidates) == 0 {
		errs = append(errs, fmt.Errorf("fallback.candidates: at least one candidate is required"))
	}
	for i, c := range cfg.Fallback.Candidates {
		if c.Provider == "" {
			errs = append(errs, fmt.Errorf("fallback.candidates[%d]: provider is required", i))
		}
	}
	if _, err := cfg.Fallback.Classifier(); err != nil {
		errs = append(errs, fmt.Errorf("fallback.patterns: %w", err))
	}

	for name, p := range cfg.Providers {
		if len(p.Args) > 0 && p.Binary == "" {
			if _, builtin := builtinProvider(name); !builtin {
				errs = append(errs, fmt.Errorf("providers.%s: binary is required for a custom provider", name))
			}
		}
	}

	if cfg.Guardrail.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("guardrails.max_entries: must be non-negative, got %d", cfg.Guardrail.MaxEntries))
	}

	if cfg.Source.Type != "file" {
		errs = append(errs, fmt.Errorf("source.type: unsupported %q (want \"file\")", cfg.Source.Type))
	}
	if cfg.Source.Path == "" {
		errs = append(errs, fmt.Errorf("source.path: required"))
	}
	if cfg.Source.Label != "" {
		if err := ValidateLabel(cfg.Source.Label); err != nil {
			errs = append(errs, fmt.Errorf("source.label: %w", err))
		}
	}

	if cfg.Control.Enabled && cfg.Control.Addr == "" {
		errs = append(errs, fmt.Errorf("control.addr: required when the control API is enabled"))
	}

	if err := cfg.Notify.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notify: %w", err))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: must be debug, info, warn or error, got %q", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be \"text\" or \"json\", got %q", cfg.Logging.Format))
	}

	return errs
}

// Print writes config to a writer in TOML format
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# issuepilot configuration")
	if cfg.Path != "" {
		fmt.Fprintf(w, "# loaded from %s\n", cfg.Path)
	}
	fmt.Fprintln(w)
	return toml.NewEncoder(w).Encode(cfg)
}

// ExpandHome expands the tilde (~) in a path to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// StateDir returns the configured state dir or the XDG default.
func (c *Config) StateDir() string {
	if c.Scheduler.StateDir != "" {
		return ExpandHome(c.Scheduler.StateDir)
	}
	return session.StateDir()
}

// GuardrailsPath returns the guardrails file location.
func (c *Config) GuardrailsPath() string {
	if c.Guardrail.Path != "" {
		return ExpandHome(c.Guardrail.Path)
	}
	return filepath.Join(c.StateDir(), "guardrails.yaml")
}

// Cooldown returns the idle and re-eligibility delay.
func (s SchedulerConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// Timeout returns the per-attempt wall-clock limit.
func (s SchedulerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// WorktreeRepos converts the repo list, filling in the default base branch
// and expanding paths.
func (c *Config) WorktreeRepos() []worktree.Repo {
	out := make([]worktree.Repo, 0, len(c.Repos))
	for _, r := range c.Repos {
		base := r.BaseBranch
		if base == "" {
			base = c.Scheduler.DefaultBaseBranch
		}
		out = append(out, worktree.Repo{
			Name:        r.Name,
			Path:        ExpandHome(r.Path),
			BaseBranch:  base,
			TitlePrefix: r.TitlePrefix,
		})
	}
	return out
}

func (o OverseerConfig) toOverseer() overseer.Config {
	return overseer.Config{
		Enabled:        o.Enabled,
		CheckInterval:  time.Duration(o.CheckIntervalSeconds) * time.Second,
		StuckThreshold: time.Duration(o.StuckThresholdSeconds) * time.Second,
	}
}

// OverseerSettings returns the overseer configuration.
func (c *Config) OverseerSettings() overseer.Config {
	return c.Overseer.toOverseer()
}

// ErrorLoopSettings compiles the error-loop configuration.
func (c *Config) ErrorLoopSettings() (provider.ErrorLoopConfig, error) {
	el := provider.ErrorLoopConfig{Enabled: c.ErrorLoop.Enabled, Threshold: c.ErrorLoop.Threshold}
	if c.ErrorLoop.Pattern != "" {
		re, err := regexp.Compile(c.ErrorLoop.Pattern)
		if err != nil {
			return el, fmt.Errorf("error_loop.pattern: %w", err)
		}
		el.Pattern = re
	}
	return el, nil
}

// Classifier returns the default classifier extended with configured patterns.
func (f FallbackConfig) Classifier() (*fallback.Classifier, error) {
	c := fallback.DefaultClassifier()
	cats := make([]string, 0, len(f.Patterns))
	for name := range f.Patterns {
		cats = append(cats, name)
	}
	sort.Strings(cats)
	for _, name := range cats {
		cat, err := fallback.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		if err := c.Add(cat, f.Patterns[name]...); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func builtinProvider(name string) (*provider.CLIProvider, bool) {
	for _, p := range provider.Builtins() {
		if cp, ok := p.(*provider.CLIProvider); ok && cp.Name() == name {
			return cp, true
		}
	}
	return nil, false
}

// Registry returns the built-in providers with configured overrides and
// additions applied.
func (c *Config) Registry() *provider.Registry {
	reg := provider.NewRegistry(provider.Builtins()...)
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := c.Providers[name]
		builtin, isBuiltin := builtinProvider(name)
		binary := pc.Binary
		if binary == "" && isBuiltin {
			binary = builtin.Binary()
		}
		var args provider.ArgsFunc
		switch {
		case len(pc.Args) > 0:
			args = provider.TemplateArgs(pc.Args)
		case isBuiltin:
			args = builtin.Args()
		default:
			args = provider.TemplateArgs([]string{"{{prompt}}"})
		}
		reg.Register(provider.NewCLIProvider(name, binary, args, pc.Env...))
	}
	return reg
}
