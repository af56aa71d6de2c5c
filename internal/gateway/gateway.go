// Package gateway executes socket requests against the daemon's state: the
// session registry, the router, the project index and the live agent
// processes.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/checkpoint"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/registry"
)

// Spawner starts agent subprocesses.
type Spawner interface {
	Spawn(spec agent.Spec, onExit func(error)) (agent.Handle, error)
}

// Publisher receives broadcast events.
type Publisher interface {
	Publish(ev protocol.Event)
}

// ActivitySource supplies the recent-activity snippet for list-workers.
type ActivitySource interface {
	Latest(ctx context.Context, sessionID string) (string, error)
}

// Config wires a Gateway.
type Config struct {
	Paths       config.Paths
	Settings    *config.Cache
	Registry    *registry.Registry
	Checkpoints *checkpoint.Store
	Projects    *projects.Index
	Spawner     Spawner
	Events      Publisher
	Activity    ActivitySource
	Version     string
	Logger      *slog.Logger
	// StopGrace is how long close-session waits before killing.
	StopGrace time.Duration
}

type handlerFunc func(ctx context.Context, req protocol.Request) (*protocol.Response, error)

// Gateway is safe for concurrent use; each socket connection calls Handle
// from its own goroutine.
type Gateway struct {
	cfg      Config
	log      *slog.Logger
	handlers map[protocol.Type]handlerFunc

	mu    sync.Mutex
	procs map[string]agent.Handle
	// attachMu holds one lock per session so a live check and the resume
	// that follows it run as one step.
	attachMu map[string]*sync.Mutex

	// createMu serializes find-or-create so one project never gets two
	// sessions from concurrent routes.
	createMu sync.Mutex
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Settings == nil {
		cfg.Settings = config.NewCache(cfg.Paths.Settings())
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = agent.DefaultStopGrace
	}

	g := &Gateway{
		cfg:   cfg,
		log:   logger.With("component", "gateway"),
		procs:    make(map[string]agent.Handle),
		attachMu: make(map[string]*sync.Mutex),
	}
	g.handlers = map[protocol.Type]handlerFunc{
		protocol.TypePing:             g.handlePing,
		protocol.TypeRoute:            g.handleRoute,
		protocol.TypeDispatch:         g.handleDispatch,
		protocol.TypeListWorkers:      g.handleListWorkers,
		protocol.TypeCreateWorker:     g.handleCreateWorker,
		protocol.TypeDiscoverProjects: g.handleDiscoverProjects,
		protocol.TypeListProjects:     g.handleListProjects,
		protocol.TypeSetProjectStatus: g.handleSetProjectStatus,
		protocol.TypeAddAlias:         g.handleAddAlias,
		protocol.TypeStep:             g.handleStep,
		protocol.TypeCheckpointSave:   g.handleCheckpointSave,
		protocol.TypeCloseSession:     g.handleCloseSession,
		protocol.TypeResume:           g.handleResume,
	}
	return g
}

// Handle executes req and always returns a response. Handler panics become
// internal errors.
func (g *Gateway) Handle(ctx context.Context, req protocol.Request) (resp *protocol.Response) {
	h, ok := g.handlers[req.RequestType()]
	if !ok {
		return protocol.Error(errs.Invalidf("%s is not handled here", req.RequestType()))
	}

	defer func() {
		if r := recover(); r != nil {
			g.log.Error("handler panicked", "type", req.RequestType(), "panic", r, "stack", string(debug.Stack()))
			resp = protocol.Error(fmt.Errorf("internal error handling %s", req.RequestType()))
		}
	}()

	if err := req.Validate(); err != nil {
		return protocol.Error(err)
	}
	out, err := h(ctx, req)
	if err != nil {
		g.log.Debug("request failed", "type", req.RequestType(), "error", err)
		e := protocol.Error(err)
		if out != nil {
			e.Suggestions = out.Suggestions
		}
		return e
	}
	if out == nil {
		out = protocol.OK()
	}
	return out
}

// IngestToolUse records a tool event from a session's hook and broadcasts
// it. Events for sessions the registry does not know are still broadcast.
func (g *Gateway) IngestToolUse(ev *protocol.PluginEvent) {
	if g.cfg.Registry.Has(ev.SessionID) {
		_ = g.cfg.Registry.Touch(ev.SessionID)
	}
	g.publish(protocol.Event{
		Kind:      protocol.EventToolUse,
		SessionID: ev.SessionID,
		Time:      ev.Time(),
		Tool:      ev,
	})
}

func (g *Gateway) publish(ev protocol.Event) {
	if g.cfg.Events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	g.cfg.Events.Publish(ev)
}

func (g *Gateway) handlePing(context.Context, protocol.Request) (*protocol.Response, error) {
	resp := protocol.OK()
	resp.Version = g.cfg.Version
	resp.PID = os.Getpid()
	return resp, nil
}
