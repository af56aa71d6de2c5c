package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/client"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/protocol"
)

func TestDefaultConfig(t *testing.T) {
	home := "/tmp/test-conductor"
	cfg := DefaultConfig(home)

	if cfg.Home != home {
		t.Errorf("expected Home %q, got %q", home, cfg.Home)
	}
	if cfg.LogFile != filepath.Join(home, "daemon", "daemon.log") {
		t.Errorf("expected LogFile in daemon dir, got %q", cfg.LogFile)
	}
	if cfg.LockFile != filepath.Join(home, "daemon", "daemon.lock") {
		t.Errorf("expected LockFile in daemon dir, got %q", cfg.LockFile)
	}
	if cfg.SocketPath != filepath.Join(home, "conductor.sock") {
		t.Errorf("unexpected SocketPath %q", cfg.SocketPath)
	}
	if cfg.PruneInterval != DefaultPruneInterval {
		t.Errorf("expected PruneInterval %v, got %v", DefaultPruneInterval, cfg.PruneInterval)
	}
}

func TestStateFile(t *testing.T) {
	home := "/tmp/test-conductor"
	expected := filepath.Join(home, "daemon", "state.json")
	if got := StateFile(home); got != expected {
		t.Errorf("StateFile(%q) = %q, expected %q", home, got, expected)
	}
}

func TestLoadState_NonExistent(t *testing.T) {
	state, err := LoadState(t.TempDir())
	if err != nil {
		t.Errorf("LoadState should not error for missing file, got %v", err)
	}
	if state == nil {
		t.Fatal("expected non-nil state")
	}
	if state.Running || state.PID != 0 {
		t.Errorf("expected empty state, got %+v", state)
	}
}

func TestSaveLoadState(t *testing.T) {
	home := t.TempDir()
	start := time.Now().Truncate(time.Second)
	want := &State{
		Running:      true,
		PID:          12345,
		StartedAt:    start,
		SocketPath:   "/tmp/c.sock",
		Restored:     2,
		RequestCount: 9,
	}
	if err := SaveState(home, want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := LoadState(home)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !got.Running || got.PID != 12345 || got.Restored != 2 || got.RequestCount != 9 {
		t.Errorf("state mismatch: %+v", got)
	}
	if !got.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, start)
	}
}

func TestLoadState_Corrupt(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, "daemon"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(StateFile(home), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(home); err == nil {
		t.Error("expected error for corrupt state file")
	}
}

func TestCleanStaleSocket(t *testing.T) {
	dir := shortTempDir(t)
	path := filepath.Join(dir, "s.sock")

	// Missing file is fine.
	if err := cleanStaleSocket(path); err != nil {
		t.Fatalf("missing socket: %v", err)
	}

	// A file nobody listens on is removed.
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := cleanStaleSocket(path); err != nil {
		t.Fatalf("stale socket: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("stale socket file should be removed, stat err = %v", err)
	}

	// A live listener is never stolen.
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if err := cleanStaleSocket(path); err == nil {
		t.Error("expected error for live socket")
	}
}

type fakePrunable struct {
	mu     sync.Mutex
	calls  int
	before time.Time
}

func (f *fakePrunable) Prune(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.before = before
	return 0, nil
}

func TestJournalPruner_PrunesOnStart(t *testing.T) {
	f := &fakePrunable{}
	p := NewJournalPruner(f, func() time.Duration { return time.Hour }, time.Hour, nil, discardLogger())
	p.Start()
	p.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls != 1 {
		t.Errorf("expected one prune on start, got %d", f.calls)
	}
	if age := time.Since(f.before); age < time.Hour || age > time.Hour+time.Minute {
		t.Errorf("cutoff should be about an hour ago, was %v", age)
	}
}

// fakeHandle stands in for an agent process.
type fakeHandle struct {
	pid    int
	onExit func(error)
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []string
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Err() error            { return nil }

func (h *fakeHandle) Send(msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
	return nil
}

func (h *fakeHandle) Stop(time.Duration) error {
	h.once.Do(func() {
		close(h.done)
		h.onExit(nil)
	})
	return nil
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeHandle
}

func (s *fakeSpawner) Spawn(_ agent.Spec, onExit func(error)) (agent.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &fakeHandle{pid: 4000 + len(s.procs), onExit: onExit, done: make(chan struct{})}
	s.procs = append(s.procs, h)
	return h, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shortTempDir keeps socket paths under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type running struct {
	d      *Daemon
	cfg    *Config
	cancel context.CancelFunc
	done   chan error
}

func startDaemon(t *testing.T, home string) *running {
	t.Helper()
	return startDaemonWith(t, home, nil)
}

func startDaemonWith(t *testing.T, home string, adjust func(*Config)) *running {
	t.Helper()
	cfg := DefaultConfig(home)
	cfg.Spawner = &fakeSpawner{}
	cfg.Logger = discardLogger()
	cfg.Version = "test"
	cfg.ShutdownTimeout = 5 * time.Second
	if adjust != nil {
		adjust(cfg)
	}

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{d: d, cfg: cfg, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- d.Run(ctx) }()

	c := client.NewSocket(cfg.SocketPath)
	deadline := time.Now().Add(5 * time.Second)
	for !c.Running(context.Background()) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("daemon did not start")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRun_ServesRequests(t *testing.T) {
	home := shortTempDir(t)
	r := startDaemon(t, home)
	c := client.NewSocket(r.cfg.SocketPath)
	ctx := context.Background()

	resp, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Version != "test" || resp.PID != os.Getpid() {
		t.Errorf("unexpected ping response %+v", resp)
	}

	repo := filepath.Join(home, "web")
	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatal(err)
	}
	resp, err = c.Do(ctx, &protocol.CreateWorker{Repo: "web", Path: repo, Task: "fix login"})
	if err != nil {
		t.Fatalf("create-worker: %v", err)
	}
	id := resp.TargetSessionID
	if !resp.Created || id == "" {
		t.Fatalf("expected a created session, got %+v", resp)
	}

	events, err := c.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Send(ctx, &protocol.PluginEvent{
		Type:      protocol.TypeToolUse,
		SessionID: id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   protocol.ToolPayload{Tool: "Edit", Target: "main.go"},
	}); err != nil {
		t.Fatalf("send tool_use: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for got := false; !got; {
		select {
		case ev := <-events:
			if ev.Kind == protocol.EventToolUse && ev.Tool != nil && ev.Tool.Payload.Target == "main.go" {
				got = true
			}
		case <-timeout:
			t.Fatal("subscriber never saw the tool_use event")
		}
	}

	resp, err = c.Do(ctx, &protocol.ListWorkers{})
	if err != nil {
		t.Fatalf("list-workers: %v", err)
	}
	if len(resp.Workers) != 1 || resp.Workers[0].SessionID != id {
		t.Errorf("expected one worker %s, got %+v", id, resp.Workers)
	}

	r.stop(t)

	if _, err := os.Stat(r.cfg.SocketPath); !os.IsNotExist(err) {
		t.Errorf("socket should be removed after shutdown, stat err = %v", err)
	}
	st, err := LoadState(home)
	if err != nil {
		t.Fatal(err)
	}
	if st.Running || st.RequestCount == 0 {
		t.Errorf("expected stopped state with requests counted, got %+v", st)
	}
}

func TestRun_SecondDaemonRefused(t *testing.T) {
	home := shortTempDir(t)
	r := startDaemon(t, home)
	defer r.stop(t)

	cfg := DefaultConfig(home)
	cfg.Spawner = &fakeSpawner{}
	cfg.Logger = discardLogger()
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	err = d.Run(context.Background())
	if !IsAlreadyRunning(err) {
		t.Fatalf("expected already-running error, got %v", err)
	}
}

func TestRun_RestoresAcrossRestart(t *testing.T) {
	home := shortTempDir(t)
	repo := filepath.Join(home, "api")
	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatal(err)
	}

	r := startDaemon(t, home)
	c := client.NewSocket(r.cfg.SocketPath)
	resp, err := c.Do(context.Background(), &protocol.CreateWorker{Repo: "api", Path: repo, Task: "add pagination"})
	if err != nil {
		t.Fatal(err)
	}
	id := resp.TargetSessionID
	r.stop(t)

	r = startDaemon(t, home)
	defer r.stop(t)
	if r.d.restored != 1 {
		t.Errorf("expected 1 restored session, got %d", r.d.restored)
	}

	c = client.NewSocket(r.cfg.SocketPath)
	resp, err = c.Do(context.Background(), &protocol.Dispatch{SessionID: id, Message: "continue"})
	if err != nil {
		t.Fatalf("dispatch to restored session: %v", err)
	}
	if resp.TargetSessionID != id {
		t.Errorf("dispatch went to %s, want %s", resp.TargetSessionID, id)
	}
}

func TestRun_UnknownSessionIsNotFound(t *testing.T) {
	home := shortTempDir(t)
	r := startDaemon(t, home)
	defer r.stop(t)

	c := client.NewSocket(r.cfg.SocketPath)
	_, err := c.Do(context.Background(), &protocol.Dispatch{SessionID: "nope-1", Message: "hi"})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRun_SubscribersDoNotStarveRequests(t *testing.T) {
	home := shortTempDir(t)
	r := startDaemonWith(t, home, func(cfg *Config) {
		cfg.MaxConns = 3
		cfg.MaxSubscribers = 4
	})
	defer r.stop(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := client.NewSocket(r.cfg.SocketPath)

	for i := 0; i < 4; i++ {
		if _, err := c.Subscribe(ctx, ""); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if _, err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping with every accept slot's worth of subscribers attached: %v", err)
	}
	if _, err := c.Do(context.Background(), &protocol.ListWorkers{}); err != nil {
		t.Fatalf("list-workers: %v", err)
	}

	if _, err := c.Subscribe(ctx, ""); err == nil {
		t.Fatal("expected the fifth subscriber to be refused")
	}
	if _, err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping after a refused subscriber: %v", err)
	}
}
