// Package web serves the read-only HTTP observer API: session and project
// listings, per-session activity history, and a websocket feed of daemon
// events for desktop and mobile clients.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/conductor-dev/conductor/internal/activity"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/protocol"
)

const (
	// defaultActivityLimit applies when ?limit is absent.
	defaultActivityLimit = 20
	// maxActivityLimit caps ?limit.
	maxActivityLimit = 500

	wsWriteTimeout    = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// SessionSource lists workers the way list-workers does.
type SessionSource interface {
	Workers(ctx context.Context) []protocol.Worker
}

// ActivitySource reads journaled activity.
type ActivitySource interface {
	Recent(ctx context.Context, sessionID string, n int) ([]activity.Entry, error)
}

// ProjectSource lists the project index.
type ProjectSource interface {
	List() []projects.Project
}

// EventSource hands out filtered event subscriptions.
type EventSource interface {
	SubscribeFiltered(filter func(protocol.Event) bool) (<-chan protocol.Event, func())
}

// Config wires a Server.
type Config struct {
	Addr     string
	Sessions SessionSource
	Activity ActivitySource
	Projects ProjectSource
	Events   EventSource
	Version  string
	Logger   *slog.Logger
}

// Server is the HTTP observer.
type Server struct {
	cfg     Config
	log     *slog.Logger
	handler http.Handler

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// New builds a server. Nothing listens until Start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{cfg: cfg, log: logger.With("component", "web")}
	s.handler = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(s.log))
	r.Use(Recovery(s.log))

	r.Get("/health", s.health)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Get("/{id}/activity", s.sessionActivity)
	})
	r.Get("/projects", s.listProjects)
	r.Get("/events", s.events)
	return r
}

// Start binds Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: readHeaderTimeout}

	s.mu.Lock()
	s.srv, s.ln, s.done = srv, ln, make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http observer stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address, useful when Addr asked for port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server. Websocket streams end when the event source
// closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = srv.Close()
	}
	<-done
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	workers := s.cfg.Sessions.Workers(r.Context())
	if workers == nil {
		workers = []protocol.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) sessionActivity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Activity == nil {
		writeError(w, http.StatusServiceUnavailable, "activity unavailable")
		return
	}
	limit := defaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxActivityLimit)
	}

	entries, err := s.cfg.Activity.Recent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading activity: "+err.Error())
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Projects == nil {
		writeError(w, http.StatusServiceUnavailable, "projects unavailable")
		return
	}
	list := s.cfg.Projects.List()
	if list == nil {
		list = []projects.Project{}
	}
	writeJSON(w, http.StatusOK, list)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameHostOrigin,
}

// sameHostOrigin accepts requests without an Origin (native clients) and
// browser requests from the same host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// events streams bus events as JSON text frames. ?session= narrows the
// stream to one session.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "events unavailable")
		return
	}
	sessionID := r.URL.Query().Get("session")
	ch, cancel := s.cfg.Events.SubscribeFiltered(func(ev protocol.Event) bool {
		return sessionID == "" || ev.SessionID == sessionID
	})
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon stopping"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
