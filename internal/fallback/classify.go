package fallback

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/terraphim/issuepilot/internal/provider"
)

// Category is the classified kind of a failed attempt.
type Category string

const (
	CategoryRateLimit     Category = "rate_limit"
	CategoryUnavailable   Category = "unavailable"
	CategoryNetwork       Category = "network"
	CategoryModelNotFound Category = "model_not_found"
	CategoryNotInstalled  Category = "not_installed"
	CategorySupervision   Category = "supervision"
	CategoryAborted       Category = "aborted"
	CategoryOther         Category = "other"
)

// Retryable reports whether a failure of this category moves the chain on
// to the next candidate.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryUnavailable, CategoryNetwork,
		CategoryModelNotFound, CategoryNotInstalled, CategorySupervision:
		return true
	}
	return false
}

// ParseCategory validates a category name from configuration.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryRateLimit, CategoryUnavailable, CategoryNetwork, CategoryModelNotFound,
		CategoryNotInstalled, CategorySupervision, CategoryAborted, CategoryOther:
		return c, nil
	}
	return "", fmt.Errorf("unknown failure category %q", s)
}

// Rule maps a failure message pattern to a category.
type Rule struct {
	Category Category
	Pattern  *regexp.Regexp
}

// outputTailBytes limits how much trailing agent output is matched, since
// agents discuss errors in their own work.
const outputTailBytes = 4096

var defaultRules = []struct {
	cat      Category
	patterns []string
}{
	{CategoryRateLimit, []string{
		`rate.?limit`, `too many requests`, `\b429\b`, `quota`, `usage limit`,
		`you.ve hit your limit`, `resource_exhausted`, `exceeded.{0,20}limit`, `credit balance is too low`,
	}},
	{CategoryModelNotFound, []string{
		`model.{0,40}not (?:be )?found`, `model_not_found`, `unknown model`, `invalid model`,
		`model.{0,40}does not exist`, `unsupported model`,
	}},
	{CategoryUnavailable, []string{
		`\b50[234]\b`, `\b529\b`, `overloaded`, `service unavailable`, `temporarily unavailable`,
		`bad gateway`, `internal server error`, `api error: 5\d\d`,
	}},
	{CategoryNetwork, []string{
		`econnreset`, `econnrefused`, `etimedout`, `enotfound`, `eai_again`, `network error`,
		`connection reset`, `connection refused`, `socket hang up`, `fetch failed`,
		`getaddrinfo`, `tls handshake`, `no route to host`,
	}},
	{CategoryNotInstalled, []string{
		`command not found`, `executable file not found`, `\benoent\b`,
	}},
}

// Classifier assigns failure categories using an ordered rule list.
type Classifier struct {
	rules []Rule
}

// DefaultClassifier returns the built-in rules.
func DefaultClassifier() *Classifier {
	c := &Classifier{}
	for _, group := range defaultRules {
		for _, p := range group.patterns {
			c.rules = append(c.rules, Rule{Category: group.cat, Pattern: regexp.MustCompile(`(?i)` + p)})
		}
	}
	return c
}

// Add appends case-insensitive rules. Added rules are consulted after the
// built-in ones.
func (c *Classifier) Add(cat Category, patterns ...string) error {
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return fmt.Errorf("compiling %s pattern %q: %w", cat, p, err)
		}
		c.rules = append(c.rules, Rule{Category: cat, Pattern: re})
	}
	return nil
}

// Classify categorises a failed run from its error and result.
func (c *Classifier) Classify(err error, res provider.Result) Category {
	switch {
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, provider.ErrUnknownProvider):
		return CategoryNotInstalled
	case errors.Is(res.Reason, provider.ErrSupervisionTimeout),
		errors.Is(res.Reason, provider.ErrErrorLoop),
		errors.Is(res.Reason, provider.ErrTimeout):
		return CategorySupervision
	case errors.Is(res.Reason, provider.ErrTerminated),
		errors.Is(res.Reason, context.Canceled),
		errors.Is(err, context.Canceled):
		return CategoryAborted
	}

	if err != nil {
		if cat, ok := c.match(err.Error(), true); ok {
			return cat
		}
	}
	if cat, ok := c.match(tail(res.Output, outputTailBytes), false); ok {
		return cat
	}
	return CategoryOther
}

func (c *Classifier) match(text string, includeNotInstalled bool) (Category, bool) {
	if text == "" {
		return "", false
	}
	for _, r := range c.rules {
		if r.Category == CategoryNotInstalled && !includeNotInstalled {
			continue
		}
		if r.Pattern.MatchString(text) {
			return r.Category, true
		}
	}
	return "", false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
