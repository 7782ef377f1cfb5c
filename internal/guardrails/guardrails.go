// Package guardrails keeps a short log of recent session failures that is
// fed back into later prompts so agents avoid repeating them.
package guardrails

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terraphim/issuepilot/internal/util"
)

const (
	// DefaultMaxEntries is how many failures are retained.
	DefaultMaxEntries = 20
	// OutputLines is how much trailing agent output an entry keeps.
	OutputLines = 40
	// FileName is the guardrails file name under the state dir.
	FileName = "guardrails.yaml"
)

// Entry is one recorded failure.
type Entry struct {
	IssueID   string    `yaml:"issue_id"`
	Date      time.Time `yaml:"date"`
	Provider  string    `yaml:"provider,omitempty"`
	Model     string    `yaml:"model,omitempty"`
	ErrorType string    `yaml:"error_type"`
	Message   string    `yaml:"message,omitempty"`
	Output    string    `yaml:"output,omitempty"`
}

type document struct {
	Entries []Entry `yaml:"entries"`
}

// Store reads and appends the guardrails file.
type Store struct {
	mu   sync.Mutex
	path string
	max  int
	now  func() time.Time
}

// NewStore returns a store at path keeping at most maxEntries entries.
func NewStore(path string, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{path: path, max: maxEntries, now: time.Now}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load returns every stored entry, oldest first. A missing file yields none.
func (s *Store) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading guardrails: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing guardrails %s: %w", s.path, err)
	}
	return doc.Entries, nil
}

// Record appends e, trimming its output and the log to their caps.
// A zero Date is set to now.
func (s *Store) Record(e Entry) error {
	if e.Date.IsZero() {
		e.Date = s.now().UTC()
	}
	e.Output = strings.TrimSpace(util.TailLines(e.Output, OutputLines))

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	entries = append(entries, e)
	if len(entries) > s.max {
		entries = entries[len(entries)-s.max:]
	}

	data, err := yaml.Marshal(document{Entries: entries})
	if err != nil {
		return fmt.Errorf("encoding guardrails: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating guardrails dir: %w", err)
	}
	return util.AtomicWriteFile(s.path, data, 0o644)
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	entries, err := s.Load()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]Entry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
