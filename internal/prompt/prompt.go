// Package prompt renders the instructions handed to a coding agent.
package prompt

import (
	"fmt"
	"strings"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/terraphim/issuepilot/internal/guardrails"
)

const (
	wrapWidth     = 100
	outputIndent  = 4
	maxGuardrails = 5
)

// Input is everything the prompt is built from.
type Input struct {
	IssueID    string
	Title      string
	Body       string
	BranchName string
	BaseBranch string

	// InWorktree is false when the agent runs in the repository checkout
	// and must create the feature branch itself.
	InWorktree bool

	Guardrails   []guardrails.Entry
	Instructions string
}

// Build renders the agent prompt.
func Build(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Issue %s: %s\n\n", in.IssueID, strings.TrimSpace(in.Title))
	if body := strings.TrimSpace(in.Body); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	b.WriteString("## Workflow\n\n")
	if in.InWorktree {
		fmt.Fprintf(&b, "- You are on branch `%s`, created from `%s`. Stay on it.\n", in.BranchName, in.BaseBranch)
	} else {
		fmt.Fprintf(&b, "- Create and switch to branch `%s` from `%s` before changing anything.\n", in.BranchName, in.BaseBranch)
	}
	b.WriteString("- Implement the change and run the project's tests.\n")
	fmt.Fprintf(&b, "- Commit your work with messages that reference %s.\n", in.IssueID)
	b.WriteString("- Do not push and do not open a pull request.\n")

	if extra := strings.TrimSpace(in.Instructions); extra != "" {
		b.WriteString("\n## Project instructions\n\n")
		b.WriteString(wordwrap.String(extra, wrapWidth))
		b.WriteString("\n")
	}

	if len(in.Guardrails) > 0 {
		b.WriteString("\n## Recent failures to avoid\n")
		for i, g := range in.Guardrails {
			if i == maxGuardrails {
				break
			}
			fmt.Fprintf(&b, "\n- %s (%s", g.IssueID, g.ErrorType)
			if g.Provider != "" {
				fmt.Fprintf(&b, ", %s", g.Provider)
			}
			if !g.Date.IsZero() {
				fmt.Fprintf(&b, ", %s", g.Date.Format("2006-01-02"))
			}
			b.WriteString(")")
			if g.Message != "" {
				b.WriteString(": " + g.Message)
			}
			b.WriteString("\n")
			if out := strings.TrimSpace(g.Output); out != "" {
				b.WriteString(indent.String(out, outputIndent))
				b.WriteString("\n")
			}
		}
	}

	return b.String()
}
