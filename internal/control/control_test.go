package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/terraphim/issuepilot/internal/events"
	"github.com/terraphim/issuepilot/internal/session"
)

type fakeStatus struct {
	running []string
}

func (f fakeStatus) Running() []string { return f.running }

func (f fakeStatus) Sessions() []session.Info {
	out := make([]session.Info, 0, len(f.running))
	for _, id := range f.running {
		out = append(out, session.Info{IssueID: id, State: session.StateRunning})
	}
	return out
}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recorder) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.got...)
}

func newTestServer(t *testing.T, running ...string) (*Client, *recorder) {
	t.Helper()
	bus := events.NewBus(10)
	rec := &recorder{}
	bus.Subscribe(rec.handle)
	srv := httptest.NewServer(New("", bus, fakeStatus{running: running}).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL), rec
}

func TestHealthAndSessions(t *testing.T) {
	c, _ := newTestServer(t, "A-1", "B-2")
	ctx := context.Background()
	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	resp, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if !resp.Success || len(resp.Running) != 2 || len(resp.Sessions) != 2 || resp.Sessions[1].IssueID != "B-2" {
		t.Errorf("sessions response = %+v", resp)
	}
}

func TestCommandsPublishToBus(t *testing.T) {
	tests := []struct {
		name    string
		call    func(*Client, context.Context, string) (*CommandResponse, error)
		issueID string
		want    events.Type
		targets int
	}{
		{"kill one", (*Client).Kill, "A-1", events.CommandKill, 1},
		{"kill all", (*Client).Kill, "", events.CommandKill, 2},
		{"skip one", (*Client).Skip, "B-2", events.CommandSkip, 1},
		{"pause all", (*Client).Pause, "", events.CommandPauseProvider, 2},
		{"resume one", (*Client).Resume, "A-1", events.CommandResumeProvider, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newTestServer(t, "A-1", "B-2")
			resp, err := tt.call(c, context.Background(), tt.issueID)
			if err != nil {
				t.Fatalf("call: %v", err)
			}
			if resp.Command != tt.want || len(resp.Targets) != tt.targets {
				t.Errorf("response = %+v", resp)
			}
			got := rec.events()
			if len(got) != 1 || got[0].Type != tt.want || got[0].IssueID != tt.issueID {
				t.Errorf("bus events = %+v", got)
			}
		})
	}
}

func TestKillUnknownSessionIsNotFound(t *testing.T) {
	c, rec := newTestServer(t, "A-1")
	_, err := c.Kill(context.Background(), "Z-9")
	if err == nil || !strings.Contains(err.Error(), "no running session") {
		t.Fatalf("err = %v", err)
	}
	if n := len(rec.events()); n != 0 {
		t.Errorf("published %d events for unknown session", n)
	}
}

func TestRequestIDAndNotFound(t *testing.T) {
	srv := httptest.NewServer(New("", nil, nil).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "abc" {
		t.Errorf("request id = %q", got)
	}

	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	c := NewClient("")
	for i := 0; i < 200; i++ {
		if addr := s.Addr(); !strings.HasSuffix(addr, ":0") {
			c = NewClient(addr)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}
