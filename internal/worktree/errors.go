package worktree

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDetachedHEAD is returned when a branch name is required but HEAD is detached.
	ErrDetachedHEAD = errors.New("detached HEAD")

	// ErrNoRepository is returned when no repository can be resolved for an issue.
	ErrNoRepository = errors.New("no repository configured")
)

// GitOperationError reports a failed git subcommand together with its
// combined output.
type GitOperationError struct {
	Dir    string
	Args   []string
	Output string
	Err    error
}

func (e *GitOperationError) Error() string {
	msg := fmt.Sprintf("git %s failed", strings.Join(e.Args, " "))
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *GitOperationError) Unwrap() error { return e.Err }

// IsGitOperationError reports whether err wraps a GitOperationError.
func IsGitOperationError(err error) bool {
	var gerr *GitOperationError
	return errors.As(err, &gerr)
}
