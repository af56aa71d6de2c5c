package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/gateway"
	"github.com/conductor-dev/conductor/internal/util"
)

// Config is the daemon configuration.
type Config struct {
	// Home is the conductor state directory.
	Home string

	// LogFile is the daemon log path.
	LogFile string

	// LockFile guards against two daemons sharing a home.
	LockFile string

	// SocketPath is where the daemon listens.
	SocketPath string

	// PruneInterval is how often old journal rows are removed.
	PruneInterval time.Duration

	// MaxConns bounds concurrently handled request connections. Subscribers
	// do not count against it once attached.
	MaxConns int

	// MaxSubscribers bounds concurrently attached subscribe streams.
	MaxSubscribers int

	// ShutdownTimeout bounds the graceful shutdown sequence.
	ShutdownTimeout time.Duration

	// Debug lowers the log level.
	Debug bool

	// Version is reported by ping.
	Version string

	// Spawner overrides the agent launcher; used by tests.
	Spawner gateway.Spawner

	// Logger overrides the file logger; used by tests and `daemon run`
	// in the foreground.
	Logger *slog.Logger
}

// Defaults.
const (
	DefaultPruneInterval   = time.Hour
	DefaultMaxConns        = 100
	DefaultMaxSubscribers  = 64
	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultConfig returns the default daemon config for home.
func DefaultConfig(home string) *Config {
	paths := config.NewPaths(home)
	return &Config{
		Home:            home,
		LogFile:         filepath.Join(paths.DaemonDir(), "daemon.log"),
		LockFile:        filepath.Join(paths.DaemonDir(), "daemon.lock"),
		SocketPath:      paths.Socket(),
		PruneInterval:   DefaultPruneInterval,
		MaxConns:        DefaultMaxConns,
		MaxSubscribers:  DefaultMaxSubscribers,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Paths returns the state layout for the configured home.
func (c *Config) Paths() config.Paths {
	return config.NewPaths(c.Home)
}

// State is the daemon's runtime state, written for `daemon status`.
type State struct {
	Running      bool      `json:"running"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	SocketPath   string    `json:"socket_path,omitempty"`
	Version      string    `json:"version,omitempty"`
	Restored     int       `json:"restored"`
	RequestCount int64     `json:"request_count"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
}

// StateFile returns the path to the state file.
func StateFile(home string) string {
	return filepath.Join(home, config.DaemonDir, "state.json")
}

// LoadState loads daemon state from disk. A missing file is an empty state.
func LoadState(home string) (*State, error) {
	data, err := os.ReadFile(StateFile(home))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("reading daemon state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing daemon state: %w", err)
	}
	return &state, nil
}

// SaveState writes daemon state to disk, creating the daemon dir if needed.
func SaveState(home string, state *State) error {
	path := StateFile(home)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating daemon dir: %w", err)
	}
	return util.AtomicWriteJSON(path, state)
}
