package fallback

import (
	"fmt"
	"strings"

	"github.com/terraphim/issuepilot/internal/provider"
	"github.com/terraphim/issuepilot/internal/session"
)

// ExhaustedError is returned when every candidate failed with a retryable
// error, or when the chain was aborted between attempts.
type ExhaustedError struct {
	Attempts []session.ModelAttempt
	Aborted  bool
}

func (e *ExhaustedError) Error() string {
	if e.Aborted {
		return fmt.Sprintf("fallback chain aborted after %d attempt(s)", len(e.Attempts))
	}
	return fmt.Sprintf("all %d candidate(s) failed: %s", len(e.Attempts), summarize(e.Attempts))
}

// NonRetryableRunError stops the chain at the first failure that trying
// another provider would not fix.
type NonRetryableRunError struct {
	Attempt  session.ModelAttempt
	Attempts []session.ModelAttempt
	Result   provider.Result
	Err      error
}

func (e *NonRetryableRunError) Error() string {
	msg := fmt.Sprintf("%s failed (%s)", label(e.Attempt), e.Attempt.Category)
	if e.Attempt.Error != "" {
		msg += ": " + e.Attempt.Error
	}
	return msg
}

func (e *NonRetryableRunError) Unwrap() error { return e.Err }

// RetryableRunError describes a single failure the chain moved past. It is
// reported to attempt hooks; Run itself never returns it.
type RetryableRunError struct {
	Attempt session.ModelAttempt
	Err     error
}

func (e *RetryableRunError) Error() string {
	return fmt.Sprintf("%s failed (%s), trying next candidate", label(e.Attempt), e.Attempt.Category)
}

func (e *RetryableRunError) Unwrap() error { return e.Err }

func label(a session.ModelAttempt) string {
	if a.Model == "" {
		return a.Provider
	}
	return a.Provider + "/" + a.Model
}

func summarize(attempts []session.ModelAttempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, label(a)+"="+a.Category)
	}
	return strings.Join(parts, ", ")
}
