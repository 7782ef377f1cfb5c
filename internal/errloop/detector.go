// Package errloop terminates agents that print the same kind of error line
// over and over without making progress.
package errloop

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// DefaultThreshold is the number of consecutive error lines that trips the
// detector.
const DefaultThreshold = 25

// DefaultPattern matches a line reporting an error.
var DefaultPattern = regexp.MustCompile(`(?i)\berror\b`)

// Terminator is anything that can be asked to stop.
type Terminator interface {
	Terminate() error
}

// Detector counts consecutive matching lines and terminates its target once
// the threshold is reached.
type Detector struct {
	mu        sync.Mutex
	target    Terminator
	pattern   *regexp.Regexp
	threshold int
	count     int
	killed    bool
	logger    *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the trip threshold. Values below 1 keep the default.
func WithThreshold(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// WithPattern sets the error line pattern. A nil pattern keeps the default.
func WithPattern(re *regexp.Regexp) Option {
	return func(d *Detector) {
		if re != nil {
			d.pattern = re
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New returns a Detector bound to target.
func New(target Terminator, opts ...Option) *Detector {
	d := &Detector{
		target:    target,
		pattern:   DefaultPattern,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Check scans the lines of text. Blank lines neither count nor reset;
// any other non-matching line resets the streak.
func (d *Detector) Check(text string) {
	d.mu.Lock()
	if d.killed {
		d.mu.Unlock()
		return
	}
	trip := false
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !d.pattern.MatchString(line) {
			d.count = 0
			continue
		}
		d.count++
		if d.count >= d.threshold {
			d.killed = true
			trip = true
			break
		}
	}
	count := d.count
	d.mu.Unlock()

	if !trip {
		return
	}
	d.logger.Warn("[ErrorLoop] threshold reached, terminating agent", "consecutive", count, "threshold", d.threshold)
	if d.target != nil {
		if err := d.target.Terminate(); err != nil {
			d.logger.Warn("[ErrorLoop] terminate failed", "error", err)
		}
	}
}

// Killed reports whether the detector has terminated its target.
func (d *Detector) Killed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.killed
}

// Count returns the current streak length.
func (d *Detector) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}
