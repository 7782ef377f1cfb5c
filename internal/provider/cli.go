package provider

import (
	"context"
	"os/exec"
	"strings"

	"github.com/terraphim/issuepilot/internal/pty"
)

// ArgsFunc builds the argument list for a prompt and optional model.
type ArgsFunc func(prompt, model string) []string

// CLIProvider runs an agent CLI in non-interactive mode.
type CLIProvider struct {
	name   string
	binary string
	args   ArgsFunc
	env    []string
}

// NewCLIProvider returns a provider that runs binary with args.
func NewCLIProvider(name, binary string, args ArgsFunc, env ...string) *CLIProvider {
	return &CLIProvider{name: name, binary: binary, args: args, env: env}
}

// Name implements Provider.
func (p *CLIProvider) Name() string { return p.name }

// Binary returns the executable the provider runs.
func (p *CLIProvider) Binary() string { return p.binary }

// Args returns the argument builder.
func (p *CLIProvider) Args() ArgsFunc { return p.args }

// Available reports whether the binary can be found.
func (p *CLIProvider) Available() bool {
	_, err := exec.LookPath(p.binary)
	return err == nil
}

// Run implements Provider.
func (p *CLIProvider) Run(ctx context.Context, prompt string, opts RunOptions) (Result, error) {
	if !p.Available() {
		return Result{Provider: p.name, Model: opts.Model, ExitCode: -1},
			&UnavailableError{Provider: p.name, Reason: p.binary + " not found in PATH"}
	}
	cmd := pty.Command{
		Name: p.binary,
		Args: p.args(prompt, opts.Model),
		Dir:  opts.Dir,
		Env:  append(append([]string(nil), p.env...), opts.Env...),
	}
	return Execute(ctx, p.name, cmd, opts)
}

// Claude runs Claude Code in print mode.
func Claude() *CLIProvider {
	return NewCLIProvider("claude", "claude", func(prompt, model string) []string {
		args := []string{"-p", prompt, "--dangerously-skip-permissions"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return args
	})
}

// Codex runs the OpenAI Codex CLI.
func Codex() *CLIProvider {
	return NewCLIProvider("codex", "codex", func(prompt, model string) []string {
		args := []string{"exec", "--full-auto"}
		if model != "" {
			args = append(args, "-m", model)
		}
		return append(args, prompt)
	})
}

// Gemini runs the Gemini CLI.
func Gemini() *CLIProvider {
	return NewCLIProvider("gemini", "gemini", func(prompt, model string) []string {
		args := []string{"--yolo"}
		if model != "" {
			args = append(args, "-m", model)
		}
		return append(args, "-p", prompt)
	})
}

// OpenCode runs the opencode CLI.
func OpenCode() *CLIProvider {
	return NewCLIProvider("opencode", "opencode", func(prompt, model string) []string {
		args := []string{"run"}
		if model != "" {
			args = append(args, "-m", model)
		}
		return append(args, prompt)
	})
}

// Builtins returns the bundled agent providers.
func Builtins() []Provider {
	return []Provider{Claude(), Codex(), Gemini(), OpenCode()}
}

// TemplateArgs builds an ArgsFunc from an argument template. "{{prompt}}"
// and "{{model}}" are substituted; when the model is empty an argument
// using it is dropped together with a preceding flag.
func TemplateArgs(template []string) ArgsFunc {
	return func(prompt, model string) []string {
		out := make([]string, 0, len(template))
		for _, arg := range template {
			if strings.Contains(arg, "{{model}}") && model == "" {
				if n := len(out); n > 0 && strings.HasPrefix(out[n-1], "-") {
					out = out[:n-1]
				}
				continue
			}
			arg = strings.ReplaceAll(arg, "{{model}}", model)
			arg = strings.ReplaceAll(arg, "{{prompt}}", prompt)
			out = append(out, arg)
		}
		return out
	}
}
