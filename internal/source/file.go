package source

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/terraphim/issuepilot/internal/util"
)

type fileDocument struct {
	Issues []Issue `yaml:"issues"`
}

// FileSource is a Source backed by a YAML file.
type FileSource struct {
	mu    sync.Mutex
	path  string
	label string
}

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithRequiredLabel only offers issues carrying label.
func WithRequiredLabel(label string) FileOption {
	return func(f *FileSource) { f.label = label }
}

// NewFileSource returns a source reading path.
func NewFileSource(path string, opts ...FileOption) *FileSource {
	f := &FileSource{path: path}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the backing file.
func (f *FileSource) Path() string { return f.path }

func (f *FileSource) read() (*fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading issues file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing issues file %s: %w", f.path, err)
	}
	for i := range doc.Issues {
		if doc.Issues[i].Status == "" {
			doc.Issues[i].Status = StatusTodo
		}
		if !doc.Issues[i].Status.Valid() {
			return nil, fmt.Errorf("issue %s: unknown status %q", doc.Issues[i].ID, doc.Issues[i].Status)
		}
	}
	return &doc, nil
}

func (f *FileSource) write(doc *fileDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding issues file: %w", err)
	}
	return util.AtomicWriteFile(f.path, data, 0o644)
}

// update applies fn to the issue with id and writes the file back.
func (f *FileSource) update(ctx context.Context, id string, fn func(*Issue)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	for i := range doc.Issues {
		if doc.Issues[i].ID == id {
			fn(&doc.Issues[i])
			return f.write(doc)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// FetchNextIssue returns the highest priority todo or failed issue not in
// opts.Exclude. Ties keep file order.
func (f *FileSource) FetchNextIssue(ctx context.Context, opts FetchOptions) (*Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	doc, err := f.read()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var eligible []Issue
	for _, is := range doc.Issues {
		if is.Status != StatusTodo && is.Status != StatusFailed {
			continue
		}
		if opts.Exclude[is.ID] {
			continue
		}
		if f.label != "" && !is.HasLabel(f.label) {
			continue
		}
		eligible = append(eligible, is)
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority > eligible[j].Priority
	})
	next := eligible[0]
	return &next, nil
}

// UpdateStatus implements Source.
func (f *FileSource) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	return f.update(ctx, id, func(is *Issue) { is.Status = status })
}

// RemoveLabel implements Source.
func (f *FileSource) RemoveLabel(ctx context.Context, id, label string) error {
	return f.update(ctx, id, func(is *Issue) {
		kept := is.Labels[:0]
		for _, l := range is.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		is.Labels = kept
	})
}

// AddLabel implements Source.
func (f *FileSource) AddLabel(ctx context.Context, id, label string) error {
	return f.update(ctx, id, func(is *Issue) {
		if !is.HasLabel(label) {
			is.Labels = append(is.Labels, label)
		}
	})
}

// AttachPullRequest implements Source.
func (f *FileSource) AttachPullRequest(ctx context.Context, id, url string) error {
	return f.update(ctx, id, func(is *Issue) { is.PRURL = url })
}

// CompleteIssue implements Source.
func (f *FileSource) CompleteIssue(ctx context.Context, id string) error {
	return f.update(ctx, id, func(is *Issue) { is.Status = StatusDone })
}

// ListIssues implements Source.
func (f *FileSource) ListIssues(ctx context.Context) ([]Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.Issues, nil
}
