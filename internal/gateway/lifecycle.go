package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/session"
	"github.com/conductor-dev/conductor/internal/util"
)

// summaryRunes bounds message excerpts in broadcast events.
const summaryRunes = 80

// live returns the running process for id, or nil.
func (g *Gateway) live(id string) agent.Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.procs[id]
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	default:
		return h
	}
}

// spawn starts the agent for s. Settings are re-read from disk first so a
// permission change applies to this session.
func (g *Gateway) spawn(s *session.Session) (agent.Handle, error) {
	if g.cfg.Spawner == nil {
		return nil, fmt.Errorf("no agent spawner configured")
	}
	settings, err := g.cfg.Settings.Fresh()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	dir := s.WorkingDir
	if dir == "" {
		dir = s.RepoPath
	}
	spec := agent.SpecFor(settings, g.cfg.Paths, s.ID, dir)

	id := s.ID
	started := make(chan agent.Handle, 1)
	h, err := g.cfg.Spawner.Spawn(spec, func(exitErr error) {
		g.onExit(id, <-started, exitErr)
	})
	if err != nil {
		return nil, fmt.Errorf("starting agent for %s: %w", s.ID, err)
	}

	g.mu.Lock()
	g.procs[id] = h
	g.mu.Unlock()
	started <- h

	_ = g.cfg.Registry.SetDetached(id, false)
	g.markProject(s.RepoPath, projects.StatusActive, s.Task.Name)
	g.log.Info("session started", "session", id, "repo", s.Repo, "pid", h.PID(), "skip_permissions", settings.SkipPermissions)
	return h, nil
}

// onExit runs on the reaper goroutine once a session's process is gone. A
// reaped session is removed from the registry; its checkpoint, if any, stays
// on disk. Exits of processes that were closed or replaced are ignored.
func (g *Gateway) onExit(id string, h agent.Handle, exitErr error) {
	g.mu.Lock()
	cur, ok := g.procs[id]
	current := ok && cur == h
	if current {
		delete(g.procs, id)
	}
	g.mu.Unlock()
	if !current {
		return
	}

	s, err := g.cfg.Registry.Lookup(id)
	if err != nil {
		return
	}
	if err := g.cfg.Registry.Remove(id); err != nil {
		return
	}
	g.forgetAttachLock(id)
	g.idleProjectIfUnserved(s.RepoPath)

	ev := protocol.Event{Kind: protocol.EventSessionExited, SessionID: id, Worker: g.worker(context.Background(), s)}
	if exitErr != nil {
		ev.Summary = exitErr.Error()
		g.log.Warn("session exited", "session", id, "error", exitErr)
	} else {
		g.log.Info("session exited", "session", id)
	}
	g.publish(ev)
}

func (g *Gateway) attachLock(id string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	mu, ok := g.attachMu[id]
	if !ok {
		mu = &sync.Mutex{}
		g.attachMu[id] = mu
	}
	return mu
}

func (g *Gateway) forgetAttachLock(id string) {
	g.mu.Lock()
	delete(g.attachMu, id)
	g.mu.Unlock()
}

// attach returns the live process for id, resuming the session first when it
// has none. Concurrent callers for one session share a single resume.
func (g *Gateway) attach(id string) (h agent.Handle, resumed bool, err error) {
	if h := g.live(id); h != nil {
		return h, false, nil
	}
	mu := g.attachLock(id)
	mu.Lock()
	defer mu.Unlock()

	if h := g.live(id); h != nil {
		return h, false, nil
	}
	s, err := g.cfg.Registry.Lookup(id)
	if err != nil {
		return nil, false, err
	}
	if h, err = g.resume(s); err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// deliver writes message into the session's input stream, resuming the
// session first if it has no live process.
func (g *Gateway) deliver(id, message string) error {
	h, _, err := g.attach(id)
	if err != nil {
		return err
	}
	if err := h.Send(message); err != nil {
		return err
	}
	_ = g.cfg.Registry.Touch(id)
	g.publish(protocol.Event{
		Kind:      protocol.EventMessageRouted,
		SessionID: id,
		Summary:   util.Truncate(firstLine(message), summaryRunes),
	})
	return nil
}

// resume respawns the agent for a detached session and primes it with a
// recovery prompt. Callers hold the session's attach lock.
func (g *Gateway) resume(s *session.Session) (agent.Handle, error) {
	h, err := g.spawn(s)
	if err != nil {
		return nil, err
	}
	if err := h.Send(RecoveryPrompt(s)); err != nil {
		g.log.Warn("recovery prompt not delivered", "session", s.ID, "error", err)
	}
	g.publish(protocol.Event{Kind: protocol.EventSessionUpdated, SessionID: s.ID, Summary: "resumed", Worker: g.worker(context.Background(), s)})
	return h, nil
}

// create registers and starts a new session. The session is removed again
// if its process cannot be started.
func (g *Gateway) create(opts session.Options) (*session.Session, error) {
	s := session.New(opts)
	if err := g.cfg.Registry.Register(s); err != nil {
		return nil, err
	}
	if _, err := g.spawn(s); err != nil {
		_ = g.cfg.Registry.Remove(s.ID)
		return nil, err
	}
	created, err := g.cfg.Registry.Lookup(s.ID)
	if err != nil {
		return nil, err
	}
	g.publish(protocol.Event{Kind: protocol.EventSessionCreated, SessionID: s.ID, Worker: g.worker(context.Background(), created)})
	return created, nil
}

// close stops the session's process and removes it.
func (g *Gateway) close(ctx context.Context, id string, save bool) (*protocol.CheckpointInfo, error) {
	s, err := g.cfg.Registry.Lookup(id)
	if err != nil {
		return nil, err
	}

	var info *protocol.CheckpointInfo
	if save {
		if info, err = g.checkpoint(ctx, id, "closed"); err != nil {
			return nil, err
		}
	}

	// Remove first so onExit sees a closed session rather than a detached one.
	if err := g.cfg.Registry.Remove(id); err != nil {
		return nil, err
	}

	g.mu.Lock()
	h := g.procs[id]
	delete(g.procs, id)
	delete(g.attachMu, id)
	g.mu.Unlock()

	if h != nil {
		if err := h.Stop(g.cfg.StopGrace); err != nil {
			g.log.Warn("stopping session", "session", id, "error", err)
		}
	}
	g.idleProjectIfUnserved(s.RepoPath)
	g.publish(protocol.Event{Kind: protocol.EventSessionClosed, SessionID: id})
	g.log.Info("session closed", "session", id, "checkpointed", save)
	return info, nil
}

func (g *Gateway) checkpoint(ctx context.Context, id, notes string) (*protocol.CheckpointInfo, error) {
	cp, err := g.cfg.Registry.Checkpoint(ctx, id, notes)
	if err != nil {
		return nil, err
	}
	info := &protocol.CheckpointInfo{
		SessionID: id,
		SavedAt:   cp.SavedAt,
		Summary:   cp.Summary(),
	}
	if g.cfg.Checkpoints != nil {
		info.Path = g.cfg.Checkpoints.Path(id)
	}
	g.publish(protocol.Event{Kind: protocol.EventCheckpoint, SessionID: id, Summary: info.Summary})
	return info, nil
}

// Shutdown checkpoints every registered session and stops the live ones, so
// the next daemon can restore them as detached sessions. It returns once all
// processes are reaped or ctx is done, whichever comes first.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errList []error
	for _, s := range g.cfg.Registry.List() {
		if _, err := g.cfg.Registry.Checkpoint(ctx, s.ID, "daemon shutdown"); err != nil {
			errList = append(errList, fmt.Errorf("checkpoint %s: %w", s.ID, err))
		}
	}

	g.mu.Lock()
	procs := make([]agent.Handle, 0, len(g.procs))
	for _, h := range g.procs {
		procs = append(procs, h)
	}
	g.mu.Unlock()

	stopErrs := make(chan error, len(procs))
	for _, h := range procs {
		go func(h agent.Handle) {
			stopErrs <- h.Stop(g.cfg.StopGrace)
		}(h)
	}
	for range procs {
		select {
		case err := <-stopErrs:
			if err != nil {
				errList = append(errList, err)
			}
		case <-ctx.Done():
			errList = append(errList, fmt.Errorf("stopping sessions: %w", ctx.Err()))
			return errors.Join(errList...)
		}
	}
	return errors.Join(errList...)
}

// Restore loads checkpointed sessions as detached. Corrupt checkpoints are
// logged and skipped.
func (g *Gateway) Restore() int {
	restored, err := g.cfg.Registry.Restore()
	if err != nil {
		g.log.Warn("some checkpoints could not be restored", "error", err)
	}
	for _, r := range restored {
		if len(r.Demoted) > 0 {
			g.log.Info("restored session had several steps in progress", "session", r.ID, "demoted", r.Demoted)
		}
	}
	return len(restored)
}

// markProject updates the project at path, if indexed. Paused projects are
// left paused.
func (g *Gateway) markProject(path string, status projects.Status, feature string) {
	if g.cfg.Projects == nil || path == "" {
		return
	}
	p, ok := g.cfg.Projects.ByPath(path)
	if !ok {
		return
	}
	if p.Status != status && p.Status != projects.StatusPaused {
		if _, err := g.cfg.Projects.SetStatus(p.Name, status); err != nil {
			g.log.Warn("updating project status", "project", p.Name, "error", err)
		}
	}
	if feature != "" && feature != p.CurrentFeature {
		_, _ = g.cfg.Projects.SetCurrentFeature(p.Name, feature)
	}
}

func (g *Gateway) idleProjectIfUnserved(path string) {
	if path == "" {
		return
	}
	clean := filepath.Clean(path)
	for _, s := range g.cfg.Registry.List() {
		if filepath.Clean(s.RepoPath) == clean && g.live(s.ID) != nil {
			return
		}
	}
	g.markProject(path, projects.StatusIdle, "")
}

// RecoveryPrompt is the first message a resumed session receives.
func RecoveryPrompt(s *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are resuming an interrupted session (%s) in %s.\n", s.ID, s.Repo)
	if s.Task.Name != "" {
		fmt.Fprintf(&b, "Task: %s\n", s.Task.Name)
	}
	if s.Task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", s.Task.Description)
	}
	done, total := s.Progress()
	if total > 0 {
		fmt.Fprintf(&b, "Progress: %d of %d steps completed.\n", done, total)
	}
	for _, st := range s.Steps {
		fmt.Fprintf(&b, "- [%s] %s %s", st.Status, st.ID, st.Name)
		if st.Status == session.StatusBlocked && st.BlockedReason != "" {
			fmt.Fprintf(&b, " (blocked: %s)", st.BlockedReason)
		}
		b.WriteByte('\n')
	}
	if s.CurrentStep != "" {
		fmt.Fprintf(&b, "Current step: %s\n", s.CurrentStep)
	} else if s.NextStep != "" {
		fmt.Fprintf(&b, "Next step: %s\n", s.NextStep)
	}
	if s.Git != nil && len(s.Git.ModifiedFiles) > 0 {
		fmt.Fprintf(&b, "Uncommitted changes at checkpoint: %s\n", strings.Join(s.Git.ModifiedFiles, ", "))
	}
	b.WriteString("Review the working tree, then continue from where the work stopped.")
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
