// Package config provides conductor's on-disk layout and user settings.
package config

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the conductor state directory.
const HomeEnv = "CONDUCTOR_HOME"

// Well-known file names inside the state directory.
const (
	SettingsFile   = "settings.toml"
	DescriptorFile = "socket.json"
	SocketFile     = "conductor.sock"
	ProjectsFile   = "projects.yaml"
	EventsFile     = "events.jsonl"
	JournalFile    = "activity.db"
	CheckpointsDir = "checkpoints"
	DaemonDir      = "daemon"
)

// Paths resolves every location conductor reads or writes.
type Paths struct {
	Home string
}

// DefaultHome returns $CONDUCTOR_HOME, falling back to ~/.conductor.
func DefaultHome() string {
	if h := os.Getenv(HomeEnv); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "conductor")
	}
	return filepath.Join(home, ".conductor")
}

// DefaultPaths returns Paths rooted at DefaultHome.
func DefaultPaths() Paths {
	return Paths{Home: DefaultHome()}
}

// NewPaths returns Paths rooted at home.
func NewPaths(home string) Paths {
	return Paths{Home: home}
}

func (p Paths) Settings() string    { return filepath.Join(p.Home, SettingsFile) }
func (p Paths) Descriptor() string  { return filepath.Join(p.Home, DescriptorFile) }
func (p Paths) Socket() string      { return filepath.Join(p.Home, SocketFile) }
func (p Paths) Projects() string    { return filepath.Join(p.Home, ProjectsFile) }
func (p Paths) Events() string      { return filepath.Join(p.Home, EventsFile) }
func (p Paths) Journal() string     { return filepath.Join(p.Home, JournalFile) }
func (p Paths) Checkpoints() string { return filepath.Join(p.Home, CheckpointsDir) }
func (p Paths) DaemonDir() string   { return filepath.Join(p.Home, DaemonDir) }

// EnsureHome creates the state directory tree.
func (p Paths) EnsureHome() error {
	for _, dir := range []string{p.Home, p.Checkpoints(), p.DaemonDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}
