// Package lock provides the daemon singleton lock.
//
// The lock file lives at <home>/daemon/daemon.lock. It is held with an
// exclusive flock for the lifetime of the daemon and contains:
// - PID of the owning process
// - Timestamp when the lock was acquired
// - Socket path the owner is serving
//
// The kernel drops the flock when the owner dies, so a leftover file from a
// crashed daemon never blocks a new one.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Common errors
var (
	ErrLocked      = errors.New("daemon is already running")
	ErrNotLocked   = errors.New("daemon lock is not held")
	ErrInvalidLock = errors.New("invalid lock file")
)

// LockInfo contains information about who holds a lock.
type LockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	SocketPath string    `json:"socket_path,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
}

// IsStale checks if the lock is stale (owning process is dead).
func (l *LockInfo) IsStale() bool {
	return !ProcessAlive(l.PID)
}

// Lock is the singleton lock for one daemon home.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New creates a Lock backed by the file at path.
func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking and records the owner.
// Returns ErrLocked if another live process holds it.
func (l *Lock) Acquire(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}

	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", l.path, err)
	}
	if !ok {
		if info, err := l.Read(); err == nil {
			return fmt.Errorf("%w: PID %d (socket: %s, since: %s)",
				ErrLocked, info.PID, info.SocketPath, info.AcquiredAt.Format(time.RFC3339))
		}
		return ErrLocked
	}

	if err := l.write(socketPath); err != nil {
		_ = l.fl.Unlock()
		return err
	}
	return nil
}

// Release drops the lock and clears the owner record if we hold it.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing lock file: %w", err)
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether this process holds the lock.
func (l *Lock) Held() bool {
	return l.fl.Locked()
}

// Read reads the current owner record without modifying it.
func (l *Lock) Read() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLocked
		}
		return nil, fmt.Errorf("reading lock file: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotLocked
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLock, err)
	}
	return &info, nil
}

// Owner returns the live owner of the lock, or ErrNotLocked when nobody
// (alive) holds it.
func (l *Lock) Owner() (*LockInfo, error) {
	info, err := l.Read()
	if err != nil {
		return nil, err
	}
	if info.IsStale() {
		return nil, ErrNotLocked
	}
	return info, nil
}

// Status returns a human-readable status of the lock.
func (l *Lock) Status() string {
	info, err := l.Read()
	if err != nil {
		if errors.Is(err, ErrNotLocked) {
			return "unlocked"
		}
		return fmt.Sprintf("error: %v", err)
	}

	if info.IsStale() {
		return fmt.Sprintf("stale (dead PID %d)", info.PID)
	}
	if info.PID == os.Getpid() {
		return "locked (by us)"
	}
	return fmt.Sprintf("locked by PID %d (socket %s)", info.PID, info.SocketPath)
}

// write records the owner. The file is rewritten in place; renaming over
// it would detach the flock from the path.
func (l *Lock) write(socketPath string) error {
	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:        os.Getpid(),
		AcquiredAt: time.Now(),
		SocketPath: socketPath,
		Hostname:   hostname,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0600); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}
