// Package fallback runs a prompt through an ordered list of provider/model
// candidates, moving on only when a failure is worth retrying elsewhere.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/terraphim/issuepilot/internal/provider"
	"github.com/terraphim/issuepilot/internal/ratelimit"
	"github.com/terraphim/issuepilot/internal/session"
	"github.com/terraphim/issuepilot/internal/util"
)

// Candidate is one provider/model pair to try.
type Candidate struct {
	Provider string `toml:"provider" json:"provider"`
	Model    string `toml:"model,omitempty" json:"model,omitempty"`
}

func (c Candidate) String() string {
	if c.Model == "" {
		return c.Provider
	}
	return c.Provider + "/" + c.Model
}

// Lookup resolves a provider name. *provider.Registry satisfies it.
type Lookup interface {
	Get(name string) (provider.Provider, error)
}

// Outcome is a successful chain run.
type Outcome struct {
	Candidate Candidate
	Result    provider.Result
	Attempts  []session.ModelAttempt
}

// AttemptHook observes every finished attempt in order. err is nil for the
// successful attempt.
type AttemptHook func(attempt session.ModelAttempt, err error)

// Chain tries candidates in order.
type Chain struct {
	lookup      Lookup
	classifier  *Classifier
	tracker     *ratelimit.Tracker
	skipCooling bool
	hook        AttemptHook
	logger      *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithClassifier replaces the default classifier.
func WithClassifier(c *Classifier) Option {
	return func(ch *Chain) {
		if c != nil {
			ch.classifier = c
		}
	}
}

// WithTracker records rate limits and successes. With skipCooling set,
// candidates whose provider is cooling down are not run.
func WithTracker(t *ratelimit.Tracker, skipCooling bool) Option {
	return func(ch *Chain) {
		ch.tracker = t
		ch.skipCooling = skipCooling
	}
}

// WithAttemptHook sets a callback invoked after each attempt.
func WithAttemptHook(h AttemptHook) Option {
	return func(ch *Chain) { ch.hook = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ch *Chain) {
		if l != nil {
			ch.logger = l
		}
	}
}

// NewChain returns a chain resolving providers through lookup.
func NewChain(lookup Lookup, opts ...Option) *Chain {
	ch := &Chain{
		lookup:     lookup,
		classifier: DefaultClassifier(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Run tries each candidate until one succeeds. abort, when non-nil, is
// consulted before every attempt after the first. opts.Model is overwritten
// per candidate.
func (c *Chain) Run(ctx context.Context, prompt string, candidates []Candidate, opts provider.RunOptions, abort func() bool) (*Outcome, error) {
	if len(candidates) == 0 {
		return nil, errors.New("no fallback candidates configured")
	}

	var attempts []session.ModelAttempt
	for i, cand := range candidates {
		if i > 0 && ((abort != nil && abort()) || ctx.Err() != nil) {
			c.logger.Info("[Fallback] chain aborted", "attempts", len(attempts))
			return nil, &ExhaustedError{Attempts: attempts, Aborted: true}
		}

		attempt := session.ModelAttempt{Provider: cand.Provider, Model: cand.Model}

		if c.tracker != nil && c.skipCooling {
			if remaining := c.tracker.CooldownRemaining(cand.Provider); remaining > 0 {
				attempt.Category = string(CategoryRateLimit)
				attempt.Error = fmt.Sprintf("provider cooling down for %s", remaining.Round(time.Second))
				attempts = append(attempts, attempt)
				c.logger.Info("[Fallback] skipping cooling provider", "candidate", cand.String(), "remaining", remaining)
				c.notify(attempt, &RetryableRunError{Attempt: attempt})
				continue
			}
		}

		p, err := c.lookup.Get(cand.Provider)
		if err != nil {
			attempt.Category = string(CategoryNotInstalled)
			attempt.Error = err.Error()
			attempts = append(attempts, attempt)
			c.logger.Warn("[Fallback] unknown provider", "candidate", cand.String())
			c.notify(attempt, &RetryableRunError{Attempt: attempt, Err: err})
			continue
		}

		runOpts := opts
		runOpts.Model = cand.Model
		c.logger.Info("[Fallback] attempt", "candidate", cand.String(), "index", i+1, "of", len(candidates))
		start := time.Now()
		res, runErr := p.Run(ctx, prompt, runOpts)
		attempt.Duration = time.Since(start)

		if runErr == nil && res.Success {
			attempt.Success = true
			attempts = append(attempts, attempt)
			if c.tracker != nil {
				c.tracker.RecordSuccess(cand.Provider)
			}
			c.notify(attempt, nil)
			return &Outcome{Candidate: cand, Result: res, Attempts: attempts}, nil
		}

		cat := c.classifier.Classify(runErr, res)
		attempt.Category = string(cat)
		attempt.Error = failureMessage(runErr, res)
		attempts = append(attempts, attempt)

		if cat == CategoryRateLimit && c.tracker != nil {
			window := c.tracker.RecordRateLimit(cand.Provider, ratelimit.ParseWaitSeconds(res.Output))
			c.logger.Info("[Fallback] rate limit recorded", "provider", cand.Provider, "cooldown", window)
		}

		if !cat.Retryable() {
			c.logger.Warn("[Fallback] non-retryable failure", "candidate", cand.String(), "category", cat, "error", attempt.Error)
			nre := &NonRetryableRunError{Attempt: attempt, Attempts: attempts, Result: res, Err: runErr}
			c.notify(attempt, nre)
			return nil, nre
		}
		c.logger.Warn("[Fallback] retryable failure", "candidate", cand.String(), "category", cat, "error", attempt.Error)
		c.notify(attempt, &RetryableRunError{Attempt: attempt, Err: runErr})
	}

	return nil, &ExhaustedError{Attempts: attempts}
}

func (c *Chain) notify(a session.ModelAttempt, err error) {
	if c.hook != nil {
		c.hook(a, err)
	}
}

func failureMessage(err error, res provider.Result) string {
	switch {
	case err != nil:
		return err.Error()
	case res.Reason != nil:
		return res.Reason.Error()
	}
	msg := fmt.Sprintf("exit code %d", res.ExitCode)
	if last := strings.TrimSpace(util.TailLines(res.Output, 1)); last != "" {
		msg += ": " + util.Truncate(last, 200)
	}
	return msg
}
