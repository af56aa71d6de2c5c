// Package daemon runs the long-lived conductor process: it owns the session
// registry and the project index, serves the Unix socket, relays tool events
// to subscribers and restores checkpointed sessions at startup.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conductor-dev/conductor/internal/activity"
	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/checkpoint"
	"github.com/conductor-dev/conductor/internal/client"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/eventbus"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/feed"
	"github.com/conductor-dev/conductor/internal/gateway"
	"github.com/conductor-dev/conductor/internal/lock"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/registry"
	"github.com/conductor-dev/conductor/internal/web"
)

const (
	// busBuffer is each subscriber's backlog before events are dropped.
	busBuffer = 512
	// busHistory is how many recent events late subscribers can replay.
	busHistory = 256
)

// Daemon is the conductor daemon.
type Daemon struct {
	cfg     *Config
	paths   config.Paths
	log     *slog.Logger
	logFile io.Closer
	lock    *lock.Lock

	settings *config.Cache
	store    *checkpoint.Store
	registry *registry.Registry
	projects *projects.Index
	journal  *activity.Journal
	audit    *events.Log
	bus      *eventbus.Bus[protocol.Event]
	seq      *eventbus.Sequencer[string, *protocol.PluginEvent]
	curator  *feed.Curator
	pruner   *JournalPruner
	gw       *gateway.Gateway
	web      *web.Server

	lnMu     sync.Mutex
	listener net.Listener

	acceptSem chan struct{}
	wg        sync.WaitGroup
	requests  atomic.Int64
	startedAt time.Time
	restored  int
}

// New creates a daemon for cfg. Nothing is opened until Run.
func New(cfg *Config) (*Daemon, error) {
	if cfg == nil || cfg.Home == "" {
		return nil, fmt.Errorf("daemon config requires a home directory")
	}
	def := DefaultConfig(cfg.Home)
	if cfg.LogFile == "" {
		cfg.LogFile = def.LogFile
	}
	if cfg.LockFile == "" {
		cfg.LockFile = def.LockFile
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = def.SocketPath
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = def.MaxSubscribers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	paths := cfg.Paths()
	if err := paths.EnsureHome(); err != nil {
		return nil, fmt.Errorf("creating %s: %w", paths.Home, err)
	}

	d := &Daemon{
		cfg:       cfg,
		paths:     paths,
		lock:      lock.New(cfg.LockFile),
		acceptSem: make(chan struct{}, cfg.MaxConns),
	}

	if cfg.Logger != nil {
		d.log = cfg.Logger
	} else {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		level := slog.LevelInfo
		if cfg.Debug {
			level = slog.LevelDebug
		}
		d.log = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		d.logFile = f
	}
	return d, nil
}

// Run acquires the singleton lock, restores checkpointed sessions, binds the
// socket and serves until ctx is done or a termination signal arrives.
// A bind failure is returned; connection failures never are.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.closeLog()

	if err := d.lock.Acquire(d.cfg.SocketPath); err != nil {
		return err
	}
	defer func() { _ = d.lock.Release() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.open(); err != nil {
		d.closeStores()
		return err
	}

	d.restored = d.gw.Restore()
	if d.restored > 0 {
		d.log.Info("restored sessions from checkpoints", "count", d.restored)
		_ = d.audit.Audit(events.TypeRestored, "", map[string]interface{}{"count": d.restored})
	}

	if err := d.listen(ctx); err != nil {
		d.closeStores()
		return err
	}
	d.startedAt = time.Now()
	if err := client.WriteDescriptor(d.paths.Descriptor(), client.Descriptor{
		SocketPath: d.cfg.SocketPath,
		PID:        os.Getpid(),
		StartedAt:  d.startedAt,
	}); err != nil {
		d.log.Warn("writing descriptor", "error", err)
	}
	d.saveState(true)

	d.curator.Start()
	d.pruner.Start()
	d.safeGo(func() { d.guardSocket(ctx) })
	if err := d.startWeb(); err != nil {
		d.log.Warn("http observer disabled", "error", err)
	}

	_ = d.audit.Audit(events.TypeDaemonStart, "", map[string]interface{}{
		"pid":    os.Getpid(),
		"socket": d.cfg.SocketPath,
	})
	d.log.Info("daemon started", "pid", os.Getpid(), "socket", d.cfg.SocketPath, "version", d.cfg.Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, daemonSignals()...)
	defer signal.Stop(sigCh)

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case sig := <-sigCh:
			if isReloadSignal(sig) {
				d.reload()
				continue
			}
			d.log.Info("received signal", "signal", sig.String())
			running = false
		}
	}

	cancel()
	d.shutdown()
	return nil
}

// open builds every component in dependency order. The bus outlives the
// run context so session exits during shutdown still reach the journal.
func (d *Daemon) open() error {
	var err error
	d.settings = config.NewCache(d.paths.Settings())
	if _, err := d.settings.Get(); err != nil {
		return err
	}
	d.store = checkpoint.NewStore(d.paths.Checkpoints())
	d.registry = registry.New(d.store)
	if d.projects, err = projects.Open(d.paths.Projects()); err != nil {
		return err
	}
	if d.journal, err = activity.OpenJournal(d.paths.Journal()); err != nil {
		return err
	}
	d.audit = events.New(d.paths.Events())

	d.bus = eventbus.New[protocol.Event](context.Background(), eventbus.Options{
		Name:           "conductor",
		BufferSize:     busBuffer,
		HistorySize:    busHistory,
		MaxSubscribers: d.cfg.MaxSubscribers,
		Logger:         d.log,
	})

	spawner := d.cfg.Spawner
	if spawner == nil {
		spawner = agent.Launcher{LogDir: filepath.Join(d.paths.DaemonDir(), "sessions")}
	}
	d.gw = gateway.New(gateway.Config{
		Paths:       d.paths,
		Settings:    d.settings,
		Registry:    d.registry,
		Checkpoints: d.store,
		Projects:    d.projects,
		Spawner:     spawner,
		Events:      d.bus,
		Activity:    d.journal,
		Version:     d.cfg.Version,
		Logger:      d.log,
	})

	d.seq = eventbus.NewSequencer[string, *protocol.PluginEvent](d.gw.IngestToolUse, func(a, b *protocol.PluginEvent) bool {
		return a.Timestamp < b.Timestamp
	})

	feedCh, _ := d.bus.Subscribe()
	d.curator = feed.NewCurator(feedCh, d.journal, d.audit, d.log.With("component", "feed"))
	d.pruner = NewJournalPruner(d.journal, d.retention, d.cfg.PruneInterval, d.audit, d.log)
	return nil
}

func (d *Daemon) retention() time.Duration {
	s, err := d.settings.Get()
	if err != nil {
		return config.DefaultJournalRetention
	}
	return s.JournalRetention.Duration
}

// reload re-reads the settings file and the project index.
func (d *Daemon) reload() {
	d.settings.Invalidate()
	if err := d.projects.Reload(); err != nil {
		d.log.Warn("reloading project index", "error", err)
	}
	d.log.Info("reloaded settings and project index")
}

// shutdown stops accepting connections, checkpoints and stops every session,
// then flushes the event pipeline. It is bounded by ShutdownTimeout.
func (d *Daemon) shutdown() {
	d.log.Info("daemon shutting down")

	d.lnMu.Lock()
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.lnMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	if d.web != nil {
		if err := d.web.Shutdown(ctx); err != nil {
			d.log.Warn("stopping http observer", "error", err)
		}
	}
	if err := d.gw.Shutdown(ctx); err != nil {
		d.log.Warn("session shutdown incomplete", "error", err)
	}

	d.seq.Close()
	_ = d.audit.Audit(events.TypeDaemonStop, "", map[string]interface{}{
		"pid":      os.Getpid(),
		"requests": d.requests.Load(),
	})
	d.bus.Close()
	d.curator.Wait()
	d.pruner.Stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("connection handlers did not finish before shutdown timeout")
	}

	d.removeSocket()
	d.saveState(false)
	d.closeStores()
	d.log.Info("daemon stopped")
}

// removeSocket deletes the socket and descriptor if they are still ours.
func (d *Daemon) removeSocket() {
	if desc, err := client.ReadDescriptor(d.paths.Descriptor()); err == nil && desc.PID == os.Getpid() {
		_ = os.Remove(d.paths.Descriptor())
	}
	_ = os.Remove(d.cfg.SocketPath)
}

func (d *Daemon) closeStores() {
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.log.Warn("closing journal", "error", err)
		}
	}
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) saveState(running bool) {
	st := &State{
		Running:      running,
		PID:          os.Getpid(),
		StartedAt:    d.startedAt,
		SocketPath:   d.cfg.SocketPath,
		Version:      d.cfg.Version,
		Restored:     d.restored,
		RequestCount: d.requests.Load(),
	}
	if !running {
		st.StoppedAt = time.Now()
	}
	if err := SaveState(d.cfg.Home, st); err != nil {
		d.log.Warn("saving daemon state", "error", err)
	}
}

func (d *Daemon) startWeb() error {
	settings, err := d.settings.Get()
	if err != nil || settings.HTTPAddr == "" {
		return err
	}
	srv := web.New(web.Config{
		Addr:     settings.HTTPAddr,
		Sessions: d.gw,
		Activity: d.journal,
		Projects: d.projects,
		Events:   d.bus,
		Version:  d.cfg.Version,
		Logger:   d.log,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	d.web = srv
	d.log.Info("http observer listening", "addr", srv.Addr())
	return nil
}

// safeGo runs fn in a tracked goroutine. A panic is logged and the goroutine
// exits instead of taking the daemon down.
func (d *Daemon) safeGo(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("goroutine panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// ErrAlreadyRunning reports that another daemon holds the lock.
var ErrAlreadyRunning = lock.ErrLocked

// IsAlreadyRunning reports whether err means another daemon is live.
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, lock.ErrLocked)
}
