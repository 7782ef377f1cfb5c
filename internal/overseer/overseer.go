// Package overseer watches a session's working tree and terminates the agent
// when nothing has changed for too long.
package overseer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the overseer lifecycle state. Pausing is tracked separately.
type State int

const (
	StateIdle State = iota
	StateWatching
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateWatching:
		return "watching"
	case StateKilled:
		return "killed"
	default:
		return "idle"
	}
}

// Config controls stuck detection.
type Config struct {
	Enabled        bool
	CheckInterval  time.Duration
	StuckThreshold time.Duration
}

// DefaultConfig returns the default stuck detection settings.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		CheckInterval:  30 * time.Second,
		StuckThreshold: 10 * time.Minute,
	}
}

// Validate checks the interval and threshold when enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CheckInterval <= 0 {
		return errors.New("overseer check interval must be positive")
	}
	if c.StuckThreshold < c.CheckInterval {
		return fmt.Errorf("overseer stuck threshold %s is shorter than check interval %s", c.StuckThreshold, c.CheckInterval)
	}
	return nil
}

// SnapshotFunc captures the observable state of a working tree. Only
// equality between snapshots matters.
type SnapshotFunc func(ctx context.Context) (string, error)

// Clock supplies monotonic time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Control delivers pause and resume requests. The returned function
// unsubscribes the handler.
type Control interface {
	Subscribe(handler func(paused bool)) (unsubscribe func())
}

// Terminator is the process being supervised.
type Terminator interface {
	Terminate() error
}

// Overseer terminates its target after StuckThreshold without a snapshot
// change.
type Overseer struct {
	cfg      Config
	target   Terminator
	snapshot SnapshotFunc
	clock    Clock
	control  Control
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	paused      bool
	baseline    string
	hasBaseline bool
	lastChange  time.Time
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	unsubscribe func()
}

// Option configures an Overseer.
type Option func(*Overseer)

// WithClock injects the time source.
func WithClock(c Clock) Option {
	return func(o *Overseer) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithControl subscribes the overseer to pause and resume requests.
func WithControl(c Control) Option {
	return func(o *Overseer) { o.control = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Overseer) { o.logger = l }
}

// New returns an idle Overseer.
func New(cfg Config, target Terminator, snapshot SnapshotFunc, opts ...Option) *Overseer {
	o := &Overseer{
		cfg:      cfg,
		target:   target,
		snapshot: snapshot,
		clock:    systemClock{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Start begins periodic checks until Stop, ctx cancellation or a kill.
// It does nothing when disabled or already started.
func (o *Overseer) Start(ctx context.Context) {
	if !o.cfg.Enabled || o.cfg.CheckInterval <= 0 {
		return
	}
	o.mu.Lock()
	if o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.started = true
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	if o.control != nil {
		unsub := o.control.Subscribe(func(paused bool) {
			if paused {
				o.Pause()
			} else {
				o.Resume()
			}
		})
		o.mu.Lock()
		if o.stopped {
			o.mu.Unlock()
			unsub()
			return
		}
		o.unsubscribe = unsub
		o.mu.Unlock()
	}

	go o.loop(ctx)
}

func (o *Overseer) loop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Check(ctx)
			if o.State() == StateKilled {
				return
			}
		}
	}
}

// Check runs one evaluation. The first evaluation records the baseline.
func (o *Overseer) Check(ctx context.Context) {
	o.mu.Lock()
	if !o.cfg.Enabled || o.state == StateKilled || o.paused {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	var snap string
	var err error
	if o.snapshot != nil {
		snap, err = o.snapshot(ctx)
	} else {
		err = errors.New("no snapshot function")
	}
	if err != nil {
		o.logger.Debug("[Overseer] snapshot failed", "error", err)
	}

	o.mu.Lock()
	if o.state == StateKilled || o.paused {
		o.mu.Unlock()
		return
	}
	now := o.clock.Now()
	if o.state == StateIdle {
		o.state = StateWatching
		o.lastChange = now
		if err == nil {
			o.baseline, o.hasBaseline = snap, true
		}
		o.mu.Unlock()
		return
	}
	if err != nil {
		// Snapshot failures never count toward the stuck threshold.
		o.mu.Unlock()
		return
	}
	if !o.hasBaseline || snap != o.baseline {
		o.baseline, o.hasBaseline = snap, true
		o.lastChange = now
		o.mu.Unlock()
		return
	}
	idle := now.Sub(o.lastChange)
	if idle < o.cfg.StuckThreshold {
		o.mu.Unlock()
		return
	}
	o.state = StateKilled
	o.mu.Unlock()

	o.logger.Warn("[Overseer] no working tree progress, terminating agent", "idle", idle.Round(time.Second), "threshold", o.cfg.StuckThreshold)
	if o.target != nil {
		if err := o.target.Terminate(); err != nil {
			o.logger.Warn("[Overseer] terminate failed", "error", err)
		}
	}
	o.Stop()
}

// Pause freezes evaluation. The baseline is kept.
func (o *Overseer) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateKilled {
		return
	}
	o.paused = true
}

// Resume restarts evaluation and resets the idle clock.
func (o *Overseer) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateKilled {
		return
	}
	o.paused = false
	o.lastChange = o.clock.Now()
}

// Stop cancels the ticker and unsubscribes from the control channel. It is
// safe to call more than once.
func (o *Overseer) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	cancel, unsub := o.cancel, o.unsubscribe
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

// State returns the lifecycle state.
func (o *Overseer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Paused reports whether evaluation is paused.
func (o *Overseer) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Killed reports whether the overseer terminated its target.
func (o *Overseer) Killed() bool {
	return o.State() == StateKilled
}
