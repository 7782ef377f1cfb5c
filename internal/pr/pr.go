// Package pr opens pull requests for finished sessions.
package pr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// PullRequest describes the pull request to open.
type PullRequest struct {
	Dir   string
	Head  string
	Base  string
	Title string
	Body  string
	Draft bool
}

// Creator opens pull requests.
type Creator interface {
	CreatePullRequest(ctx context.Context, req PullRequest) (string, error)
	// AppendAttribution notes which agent produced the change. Callers
	// treat failures as non-fatal.
	AppendAttribution(ctx context.Context, dir, url, provider string) error
}

// ErrNoURL is returned when gh succeeded but printed no pull request URL.
var ErrNoURL = errors.New("no pull request URL in gh output")

const defaultTimeout = 60 * time.Second

// GHCreator opens pull requests with the GitHub CLI.
type GHCreator struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a GHCreator.
type Option func(*GHCreator)

// WithBinary overrides the gh executable.
func WithBinary(path string) Option {
	return func(g *GHCreator) {
		if path != "" {
			g.binary = path
		}
	}
}

// WithTimeout bounds each gh invocation.
func WithTimeout(d time.Duration) Option {
	return func(g *GHCreator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *GHCreator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGHCreator returns a creator running gh.
func NewGHCreator(opts ...Option) *GHCreator {
	g := &GHCreator{binary: "gh", timeout: defaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GHCreator) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("gh %s timed out after %s", args[0], g.timeout)
		}
		return "", fmt.Errorf("gh %s: %w: %s", strings.Join(args[:2], " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// CreatePullRequest implements Creator.
func (g *GHCreator) CreatePullRequest(ctx context.Context, req PullRequest) (string, error) {
	args := []string{"pr", "create",
		"--head", req.Head,
		"--base", req.Base,
		"--title", req.Title,
		"--body", req.Body,
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	out, err := g.run(ctx, req.Dir, args...)
	if err != nil {
		return "", err
	}
	url := lastURL(out)
	if url == "" {
		return "", ErrNoURL
	}
	g.logger.Info("[PR] created", "url", url, "head", req.Head, "base", req.Base)
	return url, nil
}

// AppendAttribution implements Creator.
func (g *GHCreator) AppendAttribution(ctx context.Context, dir, url, provider string) error {
	body := fmt.Sprintf("Implemented by the `%s` agent via issuepilot.", provider)
	_, err := g.run(ctx, dir, "pr", "comment", url, "--body", body)
	return err
}

func lastURL(out string) string {
	var url string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); strings.HasPrefix(line, "https://") {
			url = line
		}
	}
	return url
}

// Noop skips pull request creation.
type Noop struct{}

// CreatePullRequest implements Creator and returns an empty URL.
func (Noop) CreatePullRequest(context.Context, PullRequest) (string, error) { return "", nil }

// AppendAttribution implements Creator.
func (Noop) AppendAttribution(context.Context, string, string, string) error { return nil }
