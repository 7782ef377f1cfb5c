package worktree

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultGitTimeout = 2 * time.Minute

// runGit runs git in dir and returns trimmed combined output.
func runGit(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		return output, &GitOperationError{Dir: dir, Args: args, Output: output, Err: err}
	}
	return output, nil
}

// runGitLines is runGit split into non-empty lines.
func runGitLines(ctx context.Context, timeout time.Duration, dir string, args ...string) ([]string, error) {
	out, err := runGit(ctx, timeout, dir, args...)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
