package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/checkpoint"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/registry"
	"github.com/conductor-dev/conductor/internal/session"
)

type fakeProc struct {
	pid    int
	onExit func(error)

	mu      sync.Mutex
	sent    []string
	stopped bool

	done chan struct{}
	once sync.Once
	err  error
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Send(msg string) error {
	select {
	case <-p.done:
		return errs.ErrUnreachable
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakeProc) Stop(time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Err() error            { return p.err }

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
		p.onExit(err)
	})
}

func (p *fakeProc) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

type fakeSpawner struct {
	mu    sync.Mutex
	specs []agent.Spec
	procs []*fakeProc
	fail  error
	// delay widens the window between a live check and the spawn.
	delay time.Duration
}

func (f *fakeSpawner) Spawn(spec agent.Spec, onExit func(error)) (agent.Handle, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	p := &fakeProc{pid: 1000 + len(f.procs), onExit: onExit, done: make(chan struct{})}
	f.specs = append(f.specs, spec)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) last() (*fakeProc, agent.Spec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1], f.specs[len(f.specs)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Publish(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type staticActivity map[string]string

func (a staticActivity) Latest(_ context.Context, id string) (string, error) {
	return a[id], nil
}

type harness struct {
	g        *Gateway
	paths    config.Paths
	store    *checkpoint.Store
	reg      *registry.Registry
	projects *projects.Index
	spawner  *fakeSpawner
	events   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	require.NoError(t, paths.EnsureHome())

	store := checkpoint.NewStore(paths.Checkpoints())
	reg := registry.New(store)
	idx, err := projects.Open(paths.Projects())
	require.NoError(t, err)

	h := &harness{
		paths:    paths,
		store:    store,
		reg:      reg,
		projects: idx,
		spawner:  &fakeSpawner{},
		events:   &recorder{},
	}
	h.g = New(Config{
		Paths:       paths,
		Registry:    reg,
		Checkpoints: store,
		Projects:    idx,
		Spawner:     h.spawner,
		Events:      h.events,
		Activity:    staticActivity{},
		Version:     "test",
	})
	return h
}

func (h *harness) do(t *testing.T, req protocol.Request) *protocol.Response {
	t.Helper()
	return h.g.Handle(context.Background(), req)
}

func (h *harness) create(t *testing.T, repo, path, task string) string {
	t.Helper()
	resp := h.do(t, &protocol.CreateWorker{Repo: repo, Path: path, Task: task})
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	require.True(t, resp.Created)
	return resp.TargetSessionID
}

// detached registers a checkpointed session the way a restarted daemon does.
func (h *harness) detached(t *testing.T, repo, task string) string {
	t.Helper()
	s := session.New(session.Options{Repo: repo, RepoPath: t.TempDir(), TaskName: task})
	require.NoError(t, h.store.Save(checkpoint.New(s)))
	require.Equal(t, 1, h.g.Restore())
	require.True(t, h.reg.Detached(s.ID))
	return s.ID
}

func repoDir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	return dir
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, &protocol.Ping{})
	require.Equal(t, protocol.StatusOK, resp.Status)
	require.Equal(t, "test", resp.Version)
	require.Equal(t, os.Getpid(), resp.PID)
}

func TestCreateWorker_AlwaysNew(t *testing.T) {
	h := newHarness(t)
	dir := repoDir(t, "web")

	a := h.create(t, "web", dir, "login page")
	b := h.create(t, "web", dir, "login page")

	require.NotEqual(t, a, b)
	require.Equal(t, 2, h.reg.Len())
	require.Equal(t, 2, h.spawner.count())
	require.True(t, strings.HasPrefix(a, "web-"))

	_, spec := h.spawner.last()
	require.Equal(t, dir, spec.Dir)
	require.Contains(t, spec.Env, agent.EnvSessionID+"="+b)
}

func TestCreateWorker_Validation(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	tests := []struct {
		name string
		req  *protocol.CreateWorker
	}{
		{"missing task", &protocol.CreateWorker{Repo: "r", Path: dir}},
		{"blank task", &protocol.CreateWorker{Repo: "r", Path: dir, Task: "  "}},
		{"missing path", &protocol.CreateWorker{Repo: "r", Task: "t"}},
		{"path is a file", &protocol.CreateWorker{Repo: "r", Path: file, Task: "t"}},
		{"path does not exist", &protocol.CreateWorker{Repo: "r", Path: filepath.Join(dir, "nope"), Task: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, tt.req)
			require.Equal(t, protocol.StatusError, resp.Status)
			require.Equal(t, errs.CodeInvalid, resp.Code, resp.Message)
		})
	}
	require.Zero(t, h.reg.Len())
	require.Zero(t, h.spawner.count())
}

func TestCreateWorker_SpawnFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	h.spawner.fail = errors.New("exec: not found")

	resp := h.do(t, &protocol.CreateWorker{Repo: "r", Path: t.TempDir(), Task: "t"})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Zero(t, h.reg.Len())
}

func TestCreateWorker_DeliversInitialMessage(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, &protocol.CreateWorker{Repo: "r", Path: t.TempDir(), Task: "t", Message: "start here"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	proc, _ := h.spawner.last()
	require.Equal(t, []string{"start here"}, proc.messages())
}

func TestCreateWorker_SkipPermissionsReadPerCreation(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	settings := config.DefaultSettings()
	settings.SkipPermissions = true
	require.NoError(t, config.SaveSettings(h.paths.Settings(), settings))
	h.create(t, "r", dir, "one")
	_, spec := h.spawner.last()
	require.Contains(t, spec.Args, agent.SkipPermissionsFlag)

	settings.SkipPermissions = false
	require.NoError(t, config.SaveSettings(h.paths.Settings(), settings))
	h.create(t, "r", dir, "two")
	_, spec = h.spawner.last()
	require.NotContains(t, spec.Args, agent.SkipPermissionsFlag)
}

func TestDispatch(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "api", t.TempDir(), "t")

	resp := h.do(t, &protocol.Dispatch{SessionID: id, Message: "run the tests"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	require.Equal(t, id, resp.TargetSessionID)
	proc, _ := h.spawner.last()
	require.Equal(t, []string{"run the tests"}, proc.messages())

	resp = h.do(t, &protocol.Dispatch{SessionID: "ghost-1234", Message: "m"})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Equal(t, errs.CodeNotFound, resp.Code)
}

func TestRoute_ExistingSession(t *testing.T) {
	h := newHarness(t)
	web := h.create(t, "web", repoDir(t, "web"), "signup")
	h.create(t, "api", repoDir(t, "api"), "auth")

	resp := h.do(t, &protocol.Route{Query: "WEB", Message: "fix the form"})
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	require.Equal(t, web, resp.TargetSessionID)
	require.Equal(t, "exact-repo", resp.Tier)
	require.False(t, resp.Created)
	require.Equal(t, 2, h.reg.Len())
	require.Contains(t, h.events.kinds(), protocol.EventMessageRouted)
}

func TestRoute_FindOrCreateFromProjectAlias(t *testing.T) {
	h := newHarness(t)
	dir := repoDir(t, "payments-service")
	_, err := h.projects.Merge([]projects.Project{{Name: "payments-service", Path: dir}})
	require.NoError(t, err)
	_, err = h.projects.AddAlias("payments-service", "billing")
	require.NoError(t, err)

	first := h.do(t, &protocol.Route{Query: "billing", Message: "add refunds\nwith tests"})
	require.Equal(t, protocol.StatusOK, first.Status, first.Message)
	require.True(t, first.Created)
	require.Equal(t, 1, h.reg.Len())

	s, err := h.reg.Lookup(first.TargetSessionID)
	require.NoError(t, err)
	require.Equal(t, "payments-service", s.Repo)
	require.Equal(t, "add refunds", s.Task.Name)

	second := h.do(t, &protocol.Route{Query: "billing", Message: "also invoices"})
	require.Equal(t, protocol.StatusOK, second.Status)
	require.False(t, second.Created)
	require.Equal(t, first.TargetSessionID, second.TargetSessionID)

	third := h.do(t, &protocol.Route{Query: "payments-service", Message: "status?"})
	require.Equal(t, first.TargetSessionID, third.TargetSessionID)
	require.Equal(t, 1, h.reg.Len())
	require.Equal(t, 1, h.spawner.count())

	proc, _ := h.spawner.last()
	require.Equal(t, []string{"add refunds\nwith tests", "also invoices", "status?"}, proc.messages())
}

func TestRoute_NoMatchSuggests(t *testing.T) {
	h := newHarness(t)
	h.create(t, "frontend", t.TempDir(), "nav")

	resp := h.do(t, &protocol.Route{Query: "frontnd", Message: "m"})
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Equal(t, errs.CodeNoMatch, resp.Code)
	require.Contains(t, resp.Suggestions, "frontend")
	require.Contains(t, resp.Message, "did you mean")
	require.Equal(t, 1, h.reg.Len())
}

func TestExit_RemovesSession(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "worker", t.TempDir(), "refactor")
	proc, _ := h.spawner.last()

	proc.exit(errors.New("exit status 1"))
	require.False(t, h.reg.Has(id))
	require.Empty(t, h.g.Workers(context.Background()))
	require.Contains(t, h.events.kinds(), protocol.EventSessionExited)

	resp := h.do(t, &protocol.Route{Query: "worker", Message: "keep going"})
	require.Equal(t, errs.CodeNoMatch, resp.Code)
	require.Equal(t, 1, h.spawner.count())
}

func TestRoute_ResumesDetachedSession(t *testing.T) {
	h := newHarness(t)
	id := h.detached(t, "worker", "refactor")

	workers := h.g.Workers(context.Background())
	require.Len(t, workers, 1)
	require.Equal(t, protocol.StateDetached, workers[0].State)

	resp := h.do(t, &protocol.Route{Query: "worker", Message: "keep going"})
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	require.Equal(t, id, resp.TargetSessionID)
	require.Equal(t, 1, h.spawner.count())
	require.False(t, h.reg.Detached(id))

	resumed, _ := h.spawner.last()
	msgs := resumed.messages()
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[0], "resuming an interrupted session")
	require.Equal(t, "keep going", msgs[1])

	// a resumed session that exits is reaped like any other
	resumed.exit(nil)
	require.False(t, h.reg.Has(id))
	require.FileExists(t, h.store.Path(id))
}

func TestDispatch_ConcurrentToDetachedSpawnsOnce(t *testing.T) {
	h := newHarness(t)
	id := h.detached(t, "worker", "refactor")
	h.spawner.delay = 20 * time.Millisecond

	const n = 4
	var wg sync.WaitGroup
	resps := make([]*protocol.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i] = h.g.Handle(context.Background(), &protocol.Dispatch{SessionID: id, Message: "go"})
		}(i)
	}
	wg.Wait()

	for _, resp := range resps {
		require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	}
	require.Equal(t, 1, h.spawner.count())

	proc, _ := h.spawner.last()
	msgs := proc.messages()
	require.Len(t, msgs, n+1)
	require.Contains(t, msgs[0], "resuming an interrupted session")
}

func TestResume_Idempotent(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "r", t.TempDir(), "t")

	resp := h.do(t, &protocol.Resume{SessionID: id})
	require.Equal(t, "already running", resp.Reason)
	require.Equal(t, 1, h.spawner.count())

	resp = h.do(t, &protocol.Resume{SessionID: "missing"})
	require.Equal(t, errs.CodeNotFound, resp.Code)
}

func TestStep_Actions(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "r", t.TempDir(), "t")

	resp := h.do(t, &protocol.Step{SessionID: id, Action: protocol.StepAdd, Name: "schema"})
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	first := resp.Reason
	resp = h.do(t, &protocol.Step{SessionID: id, Action: protocol.StepAdd, Name: "handlers", DependsOn: []string{first}})
	second := resp.Reason
	require.Equal(t, first, resp.Session.NextStep)

	resp = h.do(t, &protocol.Step{SessionID: id, Action: protocol.StepStart, StepID: second})
	require.Equal(t, errs.CodeInvalid, resp.Code, "dependency unfinished")

	resp = h.do(t, &protocol.Step{SessionID: id, Action: protocol.StepStart, StepID: first})
	require.Equal(t, first, resp.Session.CurrentStep)

	resp = h.do(t, &protocol.Step{SessionID: id, Action: protocol.StepComplete, StepID: first, Outcome: "done", Files: []string{"schema.sql"}})
	require.Equal(t, protocol.StatusOK, resp.Status)
	require.Empty(t, resp.Session.CurrentStep)
	require.Equal(t, second, resp.Session.NextStep)

	resp = h.do(t, &protocol.Step{SessionID: id, Action: protocol.StepRecover, StepID: second, Status: "completed", Notes: "done before crash"})
	require.Equal(t, protocol.StatusOK, resp.Status)

	workers := h.g.Workers(context.Background())
	require.Equal(t, "2/2", workers[0].Progress)
	require.Contains(t, h.events.kinds(), protocol.EventSessionUpdated)
}

func TestCheckpointSaveAndClose(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "r", t.TempDir(), "t")
	proc, _ := h.spawner.last()

	resp := h.do(t, &protocol.CheckpointSave{SessionID: id, Notes: "halfway"})
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	require.Equal(t, h.store.Path(id), resp.Checkpoint.Path)
	require.FileExists(t, h.store.Path(id))

	resp = h.do(t, &protocol.CloseSession{SessionID: id})
	require.Equal(t, protocol.StatusOK, resp.Status)
	require.True(t, proc.stopped)
	require.False(t, h.reg.Has(id))
	require.Contains(t, h.events.kinds(), protocol.EventSessionClosed)
	require.NotContains(t, h.events.kinds(), protocol.EventSessionExited)

	resp = h.do(t, &protocol.CloseSession{SessionID: id})
	require.Equal(t, errs.CodeNotFound, resp.Code)
}

func TestProjectStatusFollowsLifecycle(t *testing.T) {
	h := newHarness(t)
	dir := repoDir(t, "shop")
	_, err := h.projects.Merge([]projects.Project{{Name: "shop", Path: dir}})
	require.NoError(t, err)

	id := h.create(t, "shop", dir, "cart")
	p, _ := h.projects.Resolve("shop")
	require.Equal(t, projects.StatusActive, p.Status)
	require.Equal(t, "cart", p.CurrentFeature)

	h.do(t, &protocol.CloseSession{SessionID: id})
	p, _ = h.projects.Resolve("shop")
	require.Equal(t, projects.StatusIdle, p.Status)

	resp := h.do(t, &protocol.SetProjectStatus{Name: "shop", Status: "paused"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	h.create(t, "shop", dir, "checkout")
	p, _ = h.projects.Resolve("shop")
	require.Equal(t, projects.StatusPaused, p.Status)

	resp = h.do(t, &protocol.SetProjectStatus{Name: "shop", Status: "sleeping"})
	require.Equal(t, errs.CodeInvalid, resp.Code)
}

func TestDiscoverProjects(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	for _, name := range []string{"one", "two"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name, ".git"), 0755))
	}

	resp := h.do(t, &protocol.DiscoverProjects{Path: root})
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	require.ElementsMatch(t, []string{"one", "two"}, resp.Added)

	resp = h.do(t, &protocol.DiscoverProjects{Path: root})
	require.Empty(t, resp.Added)
	require.Len(t, h.projects.List(), 2)

	resp = h.do(t, &protocol.AddAlias{Name: "one", Alias: "first"})
	require.Equal(t, protocol.StatusOK, resp.Status)
	resp = h.do(t, &protocol.ListProjects{})
	require.Len(t, resp.Projects, 2)
}

func TestListWorkers_Activity(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "r", t.TempDir(), "t")
	h.g.cfg.Activity = staticActivity{id: "Edit main.go"}

	resp := h.do(t, &protocol.ListWorkers{})
	require.Len(t, resp.Workers, 1)
	w := resp.Workers[0]
	require.Equal(t, id, w.SessionID)
	require.Equal(t, protocol.StateRunning, w.State)
	require.Equal(t, 1000, w.PID)
	require.Equal(t, "Edit main.go", w.Activity)
}

func TestIngestToolUse(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "r", t.TempDir(), "t")
	before, _ := h.reg.Lookup(id)

	time.Sleep(5 * time.Millisecond)
	h.g.IngestToolUse(&protocol.PluginEvent{SessionID: id, Timestamp: time.Now().UnixMilli(), Payload: protocol.ToolPayload{Tool: "Read"}})
	h.g.IngestToolUse(&protocol.PluginEvent{SessionID: "unknown", Timestamp: time.Now().UnixMilli(), Payload: protocol.ToolPayload{Tool: "Read"}})

	after, _ := h.reg.Lookup(id)
	require.True(t, after.LastActive.After(before.LastActive))

	var tools int
	for _, k := range h.events.kinds() {
		if k == protocol.EventToolUse {
			tools++
		}
	}
	require.Equal(t, 2, tools)
}

func TestShutdownThenRestore(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "r", t.TempDir(), "t")
	h.do(t, &protocol.Step{SessionID: id, Action: protocol.StepAdd, Name: "a"})
	proc, _ := h.spawner.last()

	require.NoError(t, h.g.Shutdown(context.Background()))
	require.True(t, proc.stopped)

	reg := registry.New(h.store)
	g := New(Config{Paths: h.paths, Registry: reg, Checkpoints: h.store, Spawner: &fakeSpawner{}})
	require.Equal(t, 1, g.Restore())
	require.True(t, reg.Detached(id))

	workers := g.Workers(context.Background())
	require.Equal(t, protocol.StateDetached, workers[0].State)
	require.Equal(t, "0/1", workers[0].Progress)
}

// stuckProc ignores Stop until released, like an agent wedged in
// uninterruptible sleep.
type stuckProc struct {
	done    chan struct{}
	release chan struct{}
}

func (p *stuckProc) PID() int              { return 1 }
func (p *stuckProc) Send(string) error     { return nil }
func (p *stuckProc) Done() <-chan struct{} { return p.done }
func (p *stuckProc) Err() error            { return nil }

func (p *stuckProc) Stop(time.Duration) error {
	<-p.release
	return nil
}

type stuckSpawner struct{ release chan struct{} }

func (s stuckSpawner) Spawn(agent.Spec, func(error)) (agent.Handle, error) {
	return &stuckProc{done: make(chan struct{}), release: s.release}, nil
}

func TestShutdown_HonoursContext(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.g.cfg.Spawner = stuckSpawner{release: release}
	h.create(t, "r", t.TempDir(), "t")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := h.g.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestHandle_UnhandledType(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, &protocol.Subscribe{})
	require.Equal(t, errs.CodeInvalid, resp.Code)
}
