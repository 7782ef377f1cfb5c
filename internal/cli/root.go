// Package cli implements the issuepilot command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terraphim/issuepilot/internal/config"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// app carries the state shared by all commands of one invocation.
type app struct {
	cfgFile    string
	logLevel   string
	logFormat  string
	noColor    bool
	jsonOutput bool

	cfg    *config.Config
	logger *slog.Logger
}

// commands that work without a valid configuration.
var skipConfig = map[string]bool{
	"version":     true,
	"branch-name": true,
	"help":        true,
	"completion":  true,
	"init":        true,
	"validate":    true,
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "issuepilot",
		Short: "Dispatch tracker issues to coding agents and open pull requests",
		Long: `issuepilot picks the next issue from a tracker, runs a coding agent on it in an
isolated git worktree under supervision, falls back to other agents on
rate limits and outages, and opens a pull request for the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.noColor {
				os.Setenv("NO_COLOR", "1")
			}
			if skipConfig[cmd.Name()] {
				a.logger = newLogger(cmd.ErrOrStderr(), a.logLevel, a.logFormat)
				return nil
			}
			return a.loadConfig(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default: $ISSUEPILOT_CONFIG, ./.issuepilot.toml, ~/.config/issuepilot/config.toml)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	pf.BoolVar(&a.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newRunCmd(a),
		newKillCmd(a),
		newSkipCmd(a),
		newPauseCmd(a, true),
		newPauseCmd(a, false),
		newSessionsCmd(a),
		newBranchNameCmd(a),
		newFindBranchCmd(a),
		newWorktreesCmd(a),
		newGuardrailsCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}

// Execute runs the CLI with os.Args.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	path := config.Resolve(a.cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(a.logger)
	a.logger.Debug("[CLI] config loaded", "path", cfg.Path, "command", cmd.CommandPath())
	return nil
}

// newLogger returns a slog logger for the level and format names. Unknown
// names fall back to info and text.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
