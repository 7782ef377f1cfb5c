// Package source defines where issues come from and how their status is
// reported back.
package source

import (
	"context"
	"errors"
)

// Status is the lifecycle state of an issue in its tracker.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Issue is a unit of work for an agent.
type Issue struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Body     string   `yaml:"body,omitempty" json:"body,omitempty"`
	Repo     string   `yaml:"repo,omitempty" json:"repo,omitempty"`
	Labels   []string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Status   Status   `yaml:"status,omitempty" json:"status,omitempty"`
	PRURL    string   `yaml:"pr_url,omitempty" json:"pr_url,omitempty"`
	Priority int      `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// HasLabel reports whether the issue carries label.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// FetchOptions narrows FetchNextIssue.
type FetchOptions struct {
	// Exclude lists issue IDs that are running or cooling down.
	Exclude map[string]bool
}

// ErrNotFound is returned for unknown issue IDs.
var ErrNotFound = errors.New("issue not found")

// Source is an issue tracker.
type Source interface {
	// FetchNextIssue returns the next eligible issue, or nil when none is
	// available.
	FetchNextIssue(ctx context.Context, opts FetchOptions) (*Issue, error)
	UpdateStatus(ctx context.Context, issueID string, status Status) error
	RemoveLabel(ctx context.Context, issueID, label string) error
	AddLabel(ctx context.Context, issueID, label string) error
	AttachPullRequest(ctx context.Context, issueID, url string) error
	CompleteIssue(ctx context.Context, issueID string) error
	ListIssues(ctx context.Context) ([]Issue, error)
}
