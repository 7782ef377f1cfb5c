package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/terraphim/issuepilot/internal/provider"
	"github.com/terraphim/issuepilot/internal/ratelimit"
	"github.com/terraphim/issuepilot/internal/session"
)

type stubProvider struct {
	name  string
	res   provider.Result
	err   error
	calls int
	model string
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) Available() bool { return true }

func (s *stubProvider) Run(_ context.Context, _ string, opts provider.RunOptions) (provider.Result, error) {
	s.calls++
	s.model = opts.Model
	res := s.res
	res.Provider = s.name
	res.Model = opts.Model
	return res, s.err
}

func failing(name, output string) *stubProvider {
	return &stubProvider{name: name, res: provider.Result{ExitCode: 1, Output: output}}
}

func succeeding(name string) *stubProvider {
	return &stubProvider{name: name, res: provider.Result{Success: true, Output: "done\n"}}
}

func TestClassify(t *testing.T) {
	c := DefaultClassifier()
	tests := []struct {
		name string
		err  error
		res  provider.Result
		want Category
	}{
		{"rate limit", nil, provider.Result{Output: "Error: 429 Too Many Requests"}, CategoryRateLimit},
		{"quota", nil, provider.Result{Output: "You exceeded your current quota"}, CategoryRateLimit},
		{"overloaded", nil, provider.Result{Output: "API Error: 529 overloaded_error"}, CategoryUnavailable},
		{"network", nil, provider.Result{Output: "request failed: ECONNRESET"}, CategoryNetwork},
		{"model", nil, provider.Result{Output: "model claude-9 not found"}, CategoryModelNotFound},
		{"not installed", &provider.UnavailableError{Provider: "x", Reason: "x not found in PATH"}, provider.Result{}, CategoryNotInstalled},
		{"not installed text", errors.New("exec: \"foo\": executable file not found in $PATH"), provider.Result{}, CategoryNotInstalled},
		{"not installed only from errors", nil, provider.Result{Output: "sh: foo: command not found"}, CategoryOther},
		{"stuck", nil, provider.Result{Reason: provider.ErrSupervisionTimeout}, CategorySupervision},
		{"error loop", nil, provider.Result{Reason: provider.ErrErrorLoop}, CategorySupervision},
		{"timeout", nil, provider.Result{Reason: provider.ErrTimeout}, CategorySupervision},
		{"terminated", nil, provider.Result{Reason: provider.ErrTerminated, Output: "rate limit"}, CategoryAborted},
		{"clean failure", nil, provider.Result{ExitCode: 1, Output: "tests failed\n"}, CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.err, tt.res); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifierAdd(t *testing.T) {
	c := DefaultClassifier()
	res := provider.Result{Output: "capacity constrained, come back later"}
	if got := c.Classify(nil, res); got != CategoryOther {
		t.Fatalf("before Add = %s", got)
	}
	if err := c.Add(CategoryUnavailable, `capacity constrained`); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := c.Classify(nil, res); got != CategoryUnavailable {
		t.Errorf("after Add = %s, want unavailable", got)
	}
	if err := c.Add(CategoryOther, `(`); err == nil {
		t.Error("Add accepted an invalid pattern")
	}
}

func TestParseCategory(t *testing.T) {
	if c, err := ParseCategory(" Rate_Limit "); err != nil || c != CategoryRateLimit {
		t.Errorf("ParseCategory = %q, %v", c, err)
	}
	if _, err := ParseCategory("bogus"); err == nil {
		t.Error("ParseCategory accepted bogus")
	}
}

func TestChainStopsAtNonRetryable(t *testing.T) {
	a := failing("a", "Error: rate limit exceeded")
	b := failing("b", "fatal: tests failed")
	c := succeeding("c")
	ch := NewChain(provider.NewRegistry(a, b, c))

	out, err := ch.Run(context.Background(), "p",
		[]Candidate{{Provider: "a"}, {Provider: "b"}, {Provider: "c"}}, provider.RunOptions{}, nil)
	if out != nil {
		t.Fatalf("outcome = %+v, want nil", out)
	}
	var nre *NonRetryableRunError
	if !errors.As(err, &nre) {
		t.Fatalf("err = %v, want NonRetryableRunError", err)
	}
	if nre.Attempt.Provider != "b" || len(nre.Attempts) != 2 {
		t.Errorf("stopped at %s with %d attempts", nre.Attempt.Provider, len(nre.Attempts))
	}
	if c.calls != 0 {
		t.Errorf("candidate after non-retryable failure ran %d times", c.calls)
	}
}

func TestChainExhaustsRetryable(t *testing.T) {
	reg := provider.NewRegistry(
		failing("a", "429 too many requests"),
		failing("b", "connection refused"),
		&stubProvider{name: "c", res: provider.Result{Reason: provider.ErrSupervisionTimeout}},
	)
	cands := []Candidate{{Provider: "a", Model: "m1"}, {Provider: "missing"}, {Provider: "b"}, {Provider: "c"}}

	_, err := NewChain(reg).Run(context.Background(), "p", cands, provider.RunOptions{}, nil)
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if ex.Aborted {
		t.Error("exhausted chain reported as aborted")
	}
	if len(ex.Attempts) != len(cands) {
		t.Fatalf("attempts = %d, want %d", len(ex.Attempts), len(cands))
	}
	want := []string{"rate_limit", "not_installed", "network", "supervision"}
	for i, a := range ex.Attempts {
		if a.Provider != cands[i].Provider || a.Model != cands[i].Model || a.Category != want[i] || a.Success {
			t.Errorf("attempt %d = %+v", i, a)
		}
	}
}

func TestChainSuccessPassesModel(t *testing.T) {
	a := failing("a", "503 service unavailable")
	b := succeeding("b")
	var seen []session.ModelAttempt
	ch := NewChain(provider.NewRegistry(a, b), WithAttemptHook(func(at session.ModelAttempt, err error) {
		seen = append(seen, at)
		if at.Success != (err == nil) {
			t.Errorf("hook err %v for attempt %+v", err, at)
		}
	}))

	out, err := ch.Run(context.Background(), "p",
		[]Candidate{{Provider: "a"}, {Provider: "b", Model: "big"}}, provider.RunOptions{Model: "ignored"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Candidate.Provider != "b" || b.model != "big" || a.model != "" {
		t.Errorf("outcome %+v, models a=%q b=%q", out.Candidate, a.model, b.model)
	}
	if len(out.Attempts) != 2 || !out.Attempts[1].Success || len(seen) != 2 {
		t.Errorf("attempts = %+v, hook saw %d", out.Attempts, len(seen))
	}
}

func TestChainAbortBetweenAttempts(t *testing.T) {
	a := failing("a", "rate limit")
	b := succeeding("b")
	_, err := NewChain(provider.NewRegistry(a, b)).Run(context.Background(), "p",
		[]Candidate{{Provider: "a"}, {Provider: "b"}}, provider.RunOptions{}, func() bool { return true })
	var ex *ExhaustedError
	if !errors.As(err, &ex) || !ex.Aborted {
		t.Fatalf("err = %v, want aborted ExhaustedError", err)
	}
	if a.calls != 1 || b.calls != 0 || len(ex.Attempts) != 1 {
		t.Errorf("calls a=%d b=%d attempts=%d", a.calls, b.calls, len(ex.Attempts))
	}
}

func TestChainRecordsAndSkipsCooling(t *testing.T) {
	tracker := ratelimit.NewTracker("")
	a := failing("claude", "rate limited, retry after 120 seconds")
	b := succeeding("codex")
	ch := NewChain(provider.NewRegistry(a, b), WithTracker(tracker, true))
	cands := []Candidate{{Provider: "claude"}, {Provider: "codex"}}

	if _, err := ch.Run(context.Background(), "p", cands, provider.RunOptions{}, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if !tracker.InCooldown("claude") {
		t.Fatal("rate limit not recorded")
	}

	out, err := ch.Run(context.Background(), "p", cands, provider.RunOptions{}, nil)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if a.calls != 1 {
		t.Errorf("cooling provider ran %d times, want 1", a.calls)
	}
	if out.Attempts[0].Category != "rate_limit" || out.Attempts[0].Duration != 0 {
		t.Errorf("skipped attempt = %+v", out.Attempts[0])
	}
}

func TestChainNoCandidates(t *testing.T) {
	if _, err := NewChain(provider.NewRegistry()).Run(context.Background(), "p", nil, provider.RunOptions{}, nil); err == nil {
		t.Error("expected error for empty candidate list")
	}
}
