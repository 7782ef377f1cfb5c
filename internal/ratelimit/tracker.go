// Package ratelimit learns per-provider cooldowns from rate-limit failures so
// the fallback chain can skip agents that are still throttled.
package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/terraphim/issuepilot/internal/util"
)

const (
	// DefaultCooldown is the initial cooldown before anything is learned.
	DefaultCooldown = 30 * time.Second
	// MinCooldown is the floor reached after long success streaks.
	MinCooldown = 5 * time.Second
	// MaxCooldown caps the learned cooldown.
	MaxCooldown = 30 * time.Minute

	increaseRate            = 1.5
	decreaseRate            = 0.9
	successesBeforeDecrease = 10
	maxHistory              = 50

	stateFileName = "rate_limits.json"
)

// Event is one recorded rate limit.
type Event struct {
	Time     time.Time `json:"time"`
	Provider string    `json:"provider"`
	Wait     int       `json:"wait_seconds,omitempty"`
}

// ProviderState is the learned state for one provider.
type ProviderState struct {
	Cooldown           time.Duration `json:"cooldown"`
	ConsecutiveSuccess int           `json:"consecutive_success"`
	LastRateLimit      time.Time     `json:"last_rate_limit,omitempty"`
	CooldownUntil      time.Time     `json:"cooldown_until,omitempty"`
	TotalRateLimits    int           `json:"total_rate_limits"`
	TotalSuccesses     int           `json:"total_successes"`
}

// Tracker records rate limits and successes per provider.
type Tracker struct {
	mu      sync.RWMutex
	state   map[string]*ProviderState
	history map[string][]Event
	dir     string
	now     func() time.Time
}

type persisted struct {
	State   map[string]*ProviderState `json:"state"`
	History map[string][]Event        `json:"history,omitempty"`
}

// NewTracker returns a tracker persisting under dir. An empty dir disables
// persistence.
func NewTracker(dir string) *Tracker {
	return &Tracker{
		state:   make(map[string]*ProviderState),
		history: make(map[string][]Event),
		dir:     dir,
		now:     time.Now,
	}
}

// NormalizeProvider maps agent names and aliases to the backing API vendor,
// so claude and claude-code share one cooldown.
func NormalizeProvider(name string) string {
	switch name {
	case "claude", "claude-code", "anthropic", "cc":
		return "anthropic"
	case "codex", "openai", "gpt":
		return "openai"
	case "gemini", "google":
		return "google"
	default:
		return name
	}
}

func (t *Tracker) stateFor(provider string) *ProviderState {
	s, ok := t.state[provider]
	if !ok {
		s = &ProviderState{Cooldown: DefaultCooldown}
		t.state[provider] = s
	}
	return s
}

// RecordRateLimit grows the learned cooldown and opens a cooldown window.
// A positive waitSeconds, usually parsed from the agent output, overrides
// the learned duration. It returns the applied window.
func (t *Tracker) RecordRateLimit(provider string, waitSeconds int) time.Duration {
	provider = NormalizeProvider(provider)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s := t.stateFor(provider)
	s.LastRateLimit = now
	s.TotalRateLimits++
	s.ConsecutiveSuccess = 0
	next := time.Duration(float64(s.Cooldown) * increaseRate)
	if next > MaxCooldown || next <= 0 {
		next = MaxCooldown
	}
	s.Cooldown = next

	window := s.Cooldown
	if waitSeconds > 0 {
		window = time.Duration(waitSeconds) * time.Second
	}
	if until := now.Add(window); until.After(s.CooldownUntil) {
		s.CooldownUntil = until
	}

	h := append(t.history[provider], Event{Time: now, Provider: provider, Wait: waitSeconds})
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	t.history[provider] = h
	return window
}

// RecordSuccess shrinks the learned cooldown after a streak of successes.
func (t *Tracker) RecordSuccess(provider string) {
	provider = NormalizeProvider(provider)
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stateFor(provider)
	s.TotalSuccesses++
	s.ConsecutiveSuccess++
	if s.ConsecutiveSuccess >= successesBeforeDecrease {
		next := time.Duration(float64(s.Cooldown) * decreaseRate)
		if next < MinCooldown {
			next = MinCooldown
		}
		s.Cooldown = next
		s.ConsecutiveSuccess = 0
	}
}

// CooldownRemaining returns how long the provider stays throttled.
func (t *Tracker) CooldownRemaining(provider string) time.Duration {
	provider = NormalizeProvider(provider)
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.state[provider]
	if !ok {
		return 0
	}
	if remaining := s.CooldownUntil.Sub(t.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// InCooldown reports whether the provider is currently throttled.
func (t *Tracker) InCooldown(provider string) bool {
	return t.CooldownRemaining(provider) > 0
}

// State returns a copy of the provider state, or nil if unknown.
func (t *Tracker) State(provider string) *ProviderState {
	provider = NormalizeProvider(provider)
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.state[provider]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Providers returns every tracked provider, sorted.
func (t *Tracker) Providers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.state))
	for p := range t.state {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Load reads persisted state. A missing file is not an error.
func (t *Tracker) Load() error {
	if t.dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(t.dir, stateFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading rate limit state: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing rate limit state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for _, s := range p.State {
		if s.Cooldown <= 0 || s.Cooldown > MaxCooldown {
			s.Cooldown = DefaultCooldown
		}
		if s.CooldownUntil.After(now.Add(MaxCooldown)) {
			s.CooldownUntil = time.Time{}
		}
	}
	if p.State != nil {
		t.state = p.State
	}
	if p.History != nil {
		t.history = p.History
	}
	return nil
}

// Save writes the state atomically.
func (t *Tracker) Save() error {
	if t.dir == "" {
		return nil
	}
	t.mu.RLock()
	p := persisted{
		State:   make(map[string]*ProviderState, len(t.state)),
		History: make(map[string][]Event, len(t.history)),
	}
	for k, v := range t.state {
		cp := *v
		p.State[k] = &cp
	}
	for k, v := range t.history {
		p.History[k] = append([]Event(nil), v...)
	}
	t.mu.RUnlock()

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding rate limit state: %w", err)
	}
	return util.AtomicWriteFile(filepath.Join(t.dir, stateFileName), data, 0o644)
}

type waitPattern struct {
	re         *regexp.Regexp
	multiplier int
}

var waitPatterns = []waitPattern{
	{regexp.MustCompile(`(?i)retry-after[:=]\s*(\d+)`), 1},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:s\b|sec|second)`), 1},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:m\b|min|minute)`), 60},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:s\b|sec|second)`), 1},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:m\b|min|minute)`), 60},
	{regexp.MustCompile(`(?i)wait\s+(\d+)\s*(?:s\b|sec|second)`), 1},
}

// ParseWaitSeconds extracts a suggested wait from agent output, or 0.
func ParseWaitSeconds(output string) int {
	for _, p := range waitPatterns {
		if m := p.re.FindStringSubmatch(output); len(m) > 1 {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n * p.multiplier
			}
		}
	}
	return 0
}
