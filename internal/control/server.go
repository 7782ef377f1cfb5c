// Package control exposes a small HTTP API for observing and steering a
// running scheduler.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/terraphim/issuepilot/internal/events"
	"github.com/terraphim/issuepilot/internal/session"
)

// DefaultAddr is the default listen address.
const DefaultAddr = "127.0.0.1:7767"

const requestIDHeader = "X-Request-Id"

type ctxKey int

const requestIDKey ctxKey = iota

// Error codes returned in APIError.ErrorCode.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Status is the read side of a scheduler.
type Status interface {
	Sessions() []session.Info
	Running() []string
}

// APIResponse is the envelope shared by all responses.
type APIResponse struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	APIResponse
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	APIResponse
	Running  []string       `json:"running"`
	Sessions []session.Info `json:"sessions"`
}

// CommandResponse is returned by the command endpoints.
type CommandResponse struct {
	APIResponse
	Command events.Type `json:"command"`
	IssueID string      `json:"issue_id,omitempty"`
	Targets []string    `json:"targets"`
}

// Server serves the control API.
type Server struct {
	addr   string
	bus    *events.Bus
	status Status
	logger *slog.Logger
	router chi.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a server publishing commands onto bus.
func New(addr string, bus *events.Bus, status Status, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{addr: addr, bus: bus, status: status, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Route("/sessions/{issueID}", func(r chi.Router) {
		r.Post("/kill", s.command(events.CommandKill))
		r.Post("/skip", s.command(events.CommandSkip))
		r.Post("/pause", s.command(events.CommandPauseProvider))
		r.Post("/resume", s.command(events.CommandResumeProvider))
	})
	r.Post("/kill", s.command(events.CommandKill))
	r.Post("/skip", s.command(events.CommandSkip))
	r.Post("/pause", s.command(events.CommandPauseProvider))
	r.Post("/pause/{issueID}", s.command(events.CommandPauseProvider))
	r.Post("/resume", s.command(events.CommandResumeProvider))
	r.Post("/resume/{issueID}", s.command(events.CommandResumeProvider))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, ErrCodeNotFound, "no such endpoint", requestIDFromContext(r.Context()))
	})
	return r
}

// Start listens and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener, s.server = ln, srv
	s.mu.Unlock()
	s.logger.Info("[Control] listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound address once Start is listening, else the
// configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"status":     "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestIDFromContext(r.Context()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	resp := SessionsResponse{
		APIResponse: ok(r),
		Running:     []string{},
		Sessions:    []session.Info{},
	}
	if s.status != nil {
		if running := s.status.Running(); running != nil {
			resp.Running = running
		}
		if sessions := s.status.Sessions(); sessions != nil {
			resp.Sessions = sessions
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// command publishes t for the issue in the URL, or for every running
// session when the route has none.
func (s *Server) command(t events.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issueID := chi.URLParam(r, "issueID")
		targets := []string{}
		if s.status != nil {
			for _, id := range s.status.Running() {
				if issueID == "" || id == issueID {
					targets = append(targets, id)
				}
			}
		}
		if issueID != "" && len(targets) == 0 && (t == events.CommandKill || t == events.CommandSkip) {
			writeErrorResponse(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("no running session for %s", issueID), requestIDFromContext(r.Context()))
			return
		}
		if s.bus != nil {
			s.bus.Publish(events.Command(t, issueID))
		}
		s.logger.Info("[Control] command published", "command", t, "issue", issueID, "targets", len(targets))
		writeJSON(w, http.StatusAccepted, CommandResponse{
			APIResponse: ok(r),
			Command:     t,
			IssueID:     issueID,
			Targets:     targets,
		})
	}
}

func ok(r *http.Request) APIResponse {
	return APIResponse{
		Success:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestIDFromContext(r.Context()),
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				reqID := requestIDFromContext(r.Context())
				s.logger.Error("[Control] panic recovered", "panic", rec, "request_id", reqID)
				writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error", reqID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("[Control] request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start), "request_id", requestIDFromContext(r.Context()))
	})
}

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("[Control] encoding response failed", "error", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, APIError{
		APIResponse: APIResponse{
			Success:   false,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: requestID,
		},
		Error:     message,
		ErrorCode: code,
	})
}
