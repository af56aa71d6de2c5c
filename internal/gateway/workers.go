package gateway

import (
	"context"
	"fmt"

	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/session"
)

// Workers lists every registered session, most recently active first.
func (g *Gateway) Workers(ctx context.Context) []protocol.Worker {
	list := g.cfg.Registry.List()
	out := make([]protocol.Worker, 0, len(list))
	for _, s := range list {
		out = append(out, *g.worker(ctx, s))
	}
	return out
}

// worker renders s as a list-workers row.
func (g *Gateway) worker(ctx context.Context, s *session.Session) *protocol.Worker {
	w := &protocol.Worker{
		SessionID:   s.ID,
		Repo:        s.Repo,
		RepoPath:    s.RepoPath,
		Role:        s.Role,
		Task:        s.Task.Name,
		CurrentStep: s.CurrentStep,
		NextStep:    s.NextStep,
		CreatedAt:   s.CreatedAt,
		LastActive:  s.LastActive,
	}
	if done, total := s.Progress(); total > 0 {
		w.Progress = fmt.Sprintf("%d/%d", done, total)
	}

	switch h := g.live(s.ID); {
	case h != nil:
		w.State = protocol.StateRunning
		w.PID = h.PID()
	case g.cfg.Registry.Detached(s.ID):
		w.State = protocol.StateDetached
	default:
		w.State = protocol.StateExited
	}

	if g.cfg.Activity != nil {
		if latest, err := g.cfg.Activity.Latest(ctx, s.ID); err == nil {
			w.Activity = latest
		} else {
			g.log.Debug("reading activity", "session", s.ID, "error", err)
		}
	}
	return w
}
