// Package events is the in-process bus carrying session lifecycle events to
// observers and operator commands to the scheduler.
package events

import "time"

// Type identifies an event or a command.
type Type string

// Lifecycle events emitted by the scheduler.
const (
	TypeQueued      Type = "queued"
	TypeStarted     Type = "started"
	TypeOutputChunk Type = "output-chunk"
	TypeAttempt     Type = "attempt"
	TypeDone        Type = "done"
	TypeFailed      Type = "failed"
	TypeReverted    Type = "reverted"
	TypeSkipped     Type = "skipped"
	TypeKilled      Type = "killed"
)

// Commands accepted by the scheduler. An empty IssueID targets every
// running session.
const (
	CommandPauseProvider  Type = "pause-provider"
	CommandResumeProvider Type = "resume-provider"
	CommandKill           Type = "kill"
	CommandSkip           Type = "skip"
)

// IsCommand reports whether t is an operator command rather than a
// lifecycle event.
func (t Type) IsCommand() bool {
	switch t {
	case CommandPauseProvider, CommandResumeProvider, CommandKill, CommandSkip:
		return true
	}
	return false
}

// Event is one message on the bus.
type Event struct {
	Type      Type              `json:"type"`
	Time      time.Time         `json:"time"`
	IssueID   string            `json:"issue_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Model     string            `json:"model,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// New returns an event stamped with the current UTC time.
func New(t Type, issueID string) Event {
	return Event{Type: t, Time: time.Now().UTC(), IssueID: issueID}
}

// Command returns an operator command for issueID, or for every running
// session when issueID is empty.
func Command(t Type, issueID string) Event {
	return New(t, issueID)
}

// Targets reports whether a command addressed to e.IssueID applies to issueID.
func (e Event) Targets(issueID string) bool {
	return e.IssueID == "" || e.IssueID == issueID
}
