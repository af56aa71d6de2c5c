package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/router"
	"github.com/conductor-dev/conductor/internal/session"
	"github.com/conductor-dev/conductor/internal/util"
)

// maxSuggestions bounds the did-you-mean list on a failed route.
const maxSuggestions = 3

// taskRunes bounds task names derived from a routed message.
const taskRunes = 60

func (g *Gateway) handleRoute(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.Route)

	res, err := router.Match(r.Query, g.cfg.Registry.List())
	if err == nil {
		if err := g.deliver(res.Session.ID, r.Message); err != nil {
			return nil, err
		}
		g.log.Info("routed", "query", r.Query, "session", res.Session.ID, "tier", res.Tier.String())
		resp := protocol.OK()
		resp.TargetSessionID = res.Session.ID
		resp.Tier = res.Tier.String()
		resp.Reason = res.Reason
		return resp, nil
	}
	if !errors.Is(err, errs.ErrNoMatch) {
		return nil, err
	}
	return g.routeToProject(ctx, r)
}

// routeToProject handles a query the router could not place. A project name
// or alias resolves to a path; a session already serving that path gets the
// message, otherwise a worker is created for the project.
func (g *Gateway) routeToProject(ctx context.Context, r *protocol.Route) (*protocol.Response, error) {
	var p projects.Project
	found := false
	if g.cfg.Projects != nil {
		p, found = g.cfg.Projects.Resolve(strings.TrimSpace(r.Query))
	}
	if !found {
		suggestions := router.Suggest(r.Query, g.routingNames(), maxSuggestions)
		resp := protocol.OK()
		resp.Suggestions = suggestions
		return resp, fmt.Errorf("%w: %s", errs.ErrNoMatch, router.FormatNoMatch(r.Query, suggestions))
	}

	g.createMu.Lock()
	defer g.createMu.Unlock()

	resp := protocol.OK()
	resp.Tier = "project"
	if s := g.servingSession(p.Path); s != nil {
		resp.TargetSessionID = s.ID
		resp.Reason = fmt.Sprintf("project %q is served by %s", p.Name, s.ID)
	} else {
		s, err := g.create(session.Options{
			Repo:     p.Name,
			RepoPath: p.Path,
			TaskName: taskFromMessage(r.Message),
			Role:     session.RoleWorker,
		})
		if err != nil {
			return nil, err
		}
		resp.TargetSessionID = s.ID
		resp.Created = true
		resp.Reason = fmt.Sprintf("created worker for project %q", p.Name)
	}

	if err := g.deliver(resp.TargetSessionID, r.Message); err != nil {
		return nil, err
	}
	g.log.Info("routed to project", "query", r.Query, "project", p.Name, "session", resp.TargetSessionID, "created", resp.Created)
	return resp, nil
}

// servingSession returns the most recently active session bound to path.
func (g *Gateway) servingSession(path string) *session.Session {
	clean := filepath.Clean(path)
	for _, s := range g.cfg.Registry.List() {
		if filepath.Clean(s.RepoPath) == clean {
			return s
		}
	}
	return nil
}

// routingNames lists every name a query could plausibly have meant.
func (g *Gateway) routingNames() []string {
	var names []string
	for _, s := range g.cfg.Registry.List() {
		names = append(names, s.Repo)
		if s.Task.Name != "" {
			names = append(names, s.Task.Name)
		}
	}
	if g.cfg.Projects != nil {
		names = append(names, g.cfg.Projects.Names()...)
	}
	return names
}

func taskFromMessage(msg string) string {
	name := util.Truncate(firstLine(msg), taskRunes)
	if name == "" {
		return "routed task"
	}
	return name
}

func (g *Gateway) handleDispatch(_ context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.Dispatch)
	if !g.cfg.Registry.Has(r.SessionID) {
		return nil, errs.NotFoundf("session %s", r.SessionID)
	}
	if err := g.deliver(r.SessionID, r.Message); err != nil {
		return nil, err
	}
	resp := protocol.OK()
	resp.TargetSessionID = r.SessionID
	return resp, nil
}

func (g *Gateway) handleListWorkers(ctx context.Context, _ protocol.Request) (*protocol.Response, error) {
	resp := protocol.OK()
	resp.Workers = g.Workers(ctx)
	return resp, nil
}

func (g *Gateway) handleCreateWorker(_ context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.CreateWorker)

	path, err := filepath.Abs(r.Path)
	if err != nil {
		return nil, errs.Invalidf("resolving %s: %v", r.Path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Invalidf("path %s does not exist", path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, errs.Invalidf("path %s is not a directory", path)
	}

	role := session.RoleWorker
	if r.Orchestrator {
		role = session.RoleOrchestrator
	}

	s, err := g.create(session.Options{
		Repo:        r.Repo,
		RepoPath:    path,
		TaskName:    strings.TrimSpace(r.Task),
		Description: r.Description,
		Tags:        r.Tags,
		Role:        role,
	})
	if err != nil {
		return nil, err
	}
	if r.Message != "" {
		if err := g.deliver(s.ID, r.Message); err != nil {
			g.log.Warn("initial message not delivered", "session", s.ID, "error", err)
		}
	}

	resp := protocol.OK()
	resp.TargetSessionID = s.ID
	resp.Created = true
	resp.Session = s
	return resp, nil
}

func (g *Gateway) handleDiscoverProjects(_ context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.DiscoverProjects)
	if g.cfg.Projects == nil {
		return nil, fmt.Errorf("no project index configured")
	}

	root := r.Path
	if root == "" {
		return nil, errs.Invalidf("discover-projects: path is required")
	}
	depth := r.Depth
	if depth == 0 {
		settings, err := g.cfg.Settings.Get()
		if err != nil {
			return nil, fmt.Errorf("loading settings: %w", err)
		}
		depth = settings.ScanDepth
	}

	found, err := projects.Discover(root, depth)
	if err != nil {
		return nil, err
	}
	added, err := g.cfg.Projects.Merge(found.Found)
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		g.publish(protocol.Event{Kind: protocol.EventProjects, Summary: "added " + strings.Join(added, ", ")})
	}
	g.log.Info("projects discovered", "root", found.Root, "kind", found.Kind, "found", len(found.Found), "added", len(added))

	resp := protocol.OK()
	resp.Discovery = found
	resp.Added = added
	return resp, nil
}

func (g *Gateway) handleListProjects(context.Context, protocol.Request) (*protocol.Response, error) {
	if g.cfg.Projects == nil {
		return protocol.OK(), nil
	}
	resp := protocol.OK()
	resp.Projects = g.cfg.Projects.List()
	return resp, nil
}

func (g *Gateway) handleSetProjectStatus(_ context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.SetProjectStatus)
	if g.cfg.Projects == nil {
		return nil, fmt.Errorf("no project index configured")
	}
	status, err := projects.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	p, err := g.cfg.Projects.SetStatus(r.Name, status)
	if err != nil {
		return nil, err
	}
	g.publish(protocol.Event{Kind: protocol.EventProjects, Summary: fmt.Sprintf("%s is %s", p.Name, p.Status)})
	resp := protocol.OK()
	resp.Projects = []projects.Project{p}
	return resp, nil
}

func (g *Gateway) handleAddAlias(_ context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.AddAlias)
	if g.cfg.Projects == nil {
		return nil, fmt.Errorf("no project index configured")
	}
	p, err := g.cfg.Projects.AddAlias(r.Name, r.Alias)
	if err != nil {
		return nil, err
	}
	g.publish(protocol.Event{Kind: protocol.EventProjects, Summary: fmt.Sprintf("%s alias %s", p.Name, r.Alias)})
	resp := protocol.OK()
	resp.Projects = []projects.Project{p}
	return resp, nil
}

func (g *Gateway) handleStep(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.Step)

	var added string
	s, err := g.cfg.Registry.Update(r.SessionID, func(s *session.Session) error {
		switch r.Action {
		case protocol.StepAdd:
			id, err := s.AddStep(r.Name, r.DependsOn...)
			added = id
			return err
		case protocol.StepStart:
			return s.StartStep(r.StepID)
		case protocol.StepComplete:
			return s.CompleteStep(r.StepID, r.Outcome, r.Files)
		case protocol.StepBlock:
			return s.BlockStep(r.StepID, r.Reason)
		case protocol.StepUnblock:
			return s.UnblockStep(r.StepID)
		case protocol.StepRecover:
			return s.ForceStatus(r.StepID, session.StepStatus(r.Status), r.Notes)
		case protocol.StepNote:
			return s.NoteStep(r.StepID, r.Notes, r.Files)
		}
		return errs.Invalidf("step: unknown action %q", r.Action)
	})
	if err != nil {
		return nil, err
	}

	stepID := r.StepID
	if added != "" {
		stepID = added
	}
	summary := r.Action + " " + stepID
	if s.CurrentStep != "" {
		summary += "; current " + s.CurrentStep
	}
	if r.Action == protocol.StepStart {
		g.markProject(s.RepoPath, projects.StatusActive, s.Task.Name)
	}
	g.publish(protocol.Event{Kind: protocol.EventSessionUpdated, SessionID: s.ID, Summary: summary, Worker: g.worker(ctx, s)})

	resp := protocol.OK()
	resp.TargetSessionID = s.ID
	resp.Session = s
	resp.Reason = stepID
	return resp, nil
}

func (g *Gateway) handleCheckpointSave(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.CheckpointSave)
	info, err := g.checkpoint(ctx, r.SessionID, r.Notes)
	if err != nil {
		return nil, err
	}
	resp := protocol.OK()
	resp.TargetSessionID = r.SessionID
	resp.Checkpoint = info
	return resp, nil
}

func (g *Gateway) handleCloseSession(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.CloseSession)
	info, err := g.close(ctx, r.SessionID, r.Checkpoint)
	if err != nil {
		return nil, err
	}
	resp := protocol.OK()
	resp.TargetSessionID = r.SessionID
	resp.Checkpoint = info
	return resp, nil
}

// handleResume is a no-op for a session that is already running, apart
// from delivering the optional message.
func (g *Gateway) handleResume(_ context.Context, req protocol.Request) (*protocol.Response, error) {
	r := req.(*protocol.Resume)
	s, err := g.cfg.Registry.Lookup(r.SessionID)
	if err != nil {
		return nil, err
	}

	resp := protocol.OK()
	resp.TargetSessionID = s.ID
	_, resumed, err := g.attach(s.ID)
	if err != nil {
		return nil, err
	}
	if resumed {
		resp.Reason = "resumed"
	} else {
		resp.Reason = "already running"
	}
	if r.Message != "" {
		if err := g.deliver(s.ID, r.Message); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
