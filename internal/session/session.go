// Package session holds the per-issue session record and its state machine.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateKilled    State = "killed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateKilled:
		return true
	}
	return false
}

// ErrInvalidTransition is returned for transitions the state machine forbids.
var ErrInvalidTransition = errors.New("invalid session state transition")

// ModelAttempt records one provider/model try. Attempts are appended in
// order and never modified.
type ModelAttempt struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Category string        `json:"category,omitempty"`
	Duration time.Duration `json:"duration"`
}

const maxOutputTail = 64 * 1024

// Session is one attempt to resolve one issue. It is safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	id         string
	issueID    string
	title      string
	repoPath   string
	branchName string
	baseBranch string
	logPath    string
	state      State
	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time
	attempts   []ModelAttempt
	prURL      string
	errMsg     string
	output     strings.Builder
}

// New returns a queued session for an issue.
func New(issueID, title string) *Session {
	return &Session{
		id:       uuid.NewString(),
		issueID:  issueID,
		title:    title,
		state:    StateQueued,
		queuedAt: time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// IssueID returns the issue the session works on.
func (s *Session) IssueID() string { return s.issueID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start moves a queued session to running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateRunning)
	}
	s.state = StateRunning
	s.startedAt = time.Now()
	return nil
}

// Finish moves the session to a terminal state. Succeeded requires a
// running session; the other terminal states may also end a queued one.
func (s *Session) Finish(to State, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !to.Terminal() || s.state.Terminal() || (to == StateSucceeded && s.state != StateRunning) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	s.errMsg = errMsg
	s.finishedAt = time.Now()
	return nil
}

// SetWorkspace records where the session runs.
func (s *Session) SetWorkspace(repoPath, branch, base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repoPath, s.branchName, s.baseBranch = repoPath, branch, base
}

// SetLogPath records the session log file.
func (s *Session) SetLogPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logPath = path
}

// SetPRURL records the pull request created for the session.
func (s *Session) SetPRURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prURL = url
}

// AddAttempt appends an attempt.
func (s *Session) AddAttempt(a ModelAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
}

// Attempts returns a copy of the attempt history.
func (s *Session) Attempts() []ModelAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ModelAttempt(nil), s.attempts...)
}

// AppendOutput adds agent output to the in-memory tail.
func (s *Session) AppendOutput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.WriteString(text)
	if s.output.Len() > maxOutputTail {
		keep := s.output.String()[s.output.Len()-maxOutputTail/2:]
		s.output.Reset()
		s.output.WriteString(keep)
	}
}

// Output returns the in-memory output tail.
func (s *Session) Output() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.output.String()
}

// Info is a point-in-time copy of a session.
type Info struct {
	ID         string         `json:"id"`
	IssueID    string         `json:"issue_id"`
	Title      string         `json:"title"`
	RepoPath   string         `json:"repo_path,omitempty"`
	BranchName string         `json:"branch_name,omitempty"`
	BaseBranch string         `json:"base_branch,omitempty"`
	State      State          `json:"state"`
	QueuedAt   time.Time      `json:"queued_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Attempts   []ModelAttempt `json:"attempts,omitempty"`
	PRURL      string         `json:"pr_url,omitempty"`
	Error      string         `json:"error,omitempty"`
	LogPath    string         `json:"log_path,omitempty"`
}

// Snapshot returns an Info copy.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:         s.id,
		IssueID:    s.issueID,
		Title:      s.title,
		RepoPath:   s.repoPath,
		BranchName: s.branchName,
		BaseBranch: s.baseBranch,
		State:      s.state,
		QueuedAt:   s.queuedAt,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
		Attempts:   append([]ModelAttempt(nil), s.attempts...),
		PRURL:      s.prURL,
		Error:      s.errMsg,
		LogPath:    s.logPath,
	}
}

// Duration returns how long the session ran, or has been running.
func (i Info) Duration() time.Duration {
	if i.StartedAt.IsZero() {
		return 0
	}
	if i.FinishedAt.IsZero() {
		return time.Since(i.StartedAt)
	}
	return i.FinishedAt.Sub(i.StartedAt)
}
