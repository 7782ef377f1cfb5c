package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/terraphim/issuepilot/internal/events"
)

// Client talks to a running control server.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for addr, which may be host:port or a URL.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil)
}

// Sessions lists running and finished sessions.
func (c *Client) Sessions(ctx context.Context) (*SessionsResponse, error) {
	var out SessionsResponse
	if err := c.do(ctx, http.MethodGet, "/sessions", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Kill terminates the session for issueID, or every session when empty.
func (c *Client) Kill(ctx context.Context, issueID string) (*CommandResponse, error) {
	return c.send(ctx, events.CommandKill, issueID)
}

// Skip terminates and excludes the issue for the rest of the run.
func (c *Client) Skip(ctx context.Context, issueID string) (*CommandResponse, error) {
	return c.send(ctx, events.CommandSkip, issueID)
}

// Pause suspends stuck detection for issueID, or for all sessions.
func (c *Client) Pause(ctx context.Context, issueID string) (*CommandResponse, error) {
	return c.send(ctx, events.CommandPauseProvider, issueID)
}

// Resume re-enables stuck detection.
func (c *Client) Resume(ctx context.Context, issueID string) (*CommandResponse, error) {
	return c.send(ctx, events.CommandResumeProvider, issueID)
}

func commandPath(t events.Type, issueID string) string {
	verb := map[events.Type]string{
		events.CommandKill:           "kill",
		events.CommandSkip:           "skip",
		events.CommandPauseProvider:  "pause",
		events.CommandResumeProvider: "resume",
	}[t]
	if issueID == "" {
		return "/" + verb
	}
	return "/sessions/" + url.PathEscape(issueID) + "/" + verb
}

func (c *Client) send(ctx context.Context, t events.Type, issueID string) (*CommandResponse, error) {
	var out CommandResponse
	if err := c.do(ctx, http.MethodPost, commandPath(t, issueID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting issuepilot at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
