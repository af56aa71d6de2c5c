// Package checkpoint provides durable session checkpoints for crash recovery.
// A checkpoint is written only on explicit save and is the sole source of
// truth when the daemon restarts and rebuilds its registry.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/session"
	"github.com/conductor-dev/conductor/internal/util"
)

// Ext is the checkpoint file extension.
const Ext = ".yaml"

// Checkpoint is a persisted session snapshot keyed by session id.
type Checkpoint struct {
	session.Session `yaml:",inline"`

	// SavedAt is when the checkpoint was written.
	SavedAt time.Time `json:"savedAt" yaml:"saved_at"`

	// SavedBy identifies the writer (daemon or a CLI process).
	SavedBy string `json:"savedBy,omitempty" yaml:"saved_by,omitempty"`

	// Notes contains optional context from the session.
	Notes string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// New snapshots s. The session is deep-copied.
func New(s *session.Session) *Checkpoint {
	return &Checkpoint{Session: *s.Clone()}
}

// WithNotes adds context notes to a checkpoint.
func (cp *Checkpoint) WithNotes(notes string) *Checkpoint {
	cp.Notes = notes
	return cp
}

// WithGit captures the working tree state of the session's directory.
func (cp *Checkpoint) WithGit(ctx context.Context) *Checkpoint {
	dir := cp.WorkingDir
	if dir == "" {
		dir = cp.RepoPath
	}
	if dir != "" {
		cp.Git = session.CaptureGit(ctx, dir)
	}
	return cp
}

// Age returns how long ago the checkpoint was written.
func (cp *Checkpoint) Age() time.Duration {
	return time.Since(cp.SavedAt)
}

// IsStale returns true if the checkpoint is at or older than the threshold.
func (cp *Checkpoint) IsStale(threshold time.Duration) bool {
	return cp.Age() >= threshold
}

// Store reads and writes checkpoint files in one directory.
// Writes to a given session are serialized in-process by a per-session
// mutex and across processes by a flock on a sibling lock file.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore returns a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the checkpoint file path for a session id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+Ext)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errs.Invalidf("invalid session id %q", id)
	}
	return nil
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// withLock runs fn holding both the in-process and the file lock for id.
func (s *Store) withLock(id string, fn func() error) error {
	l := s.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	fl := flock.New(s.Path(id) + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking checkpoint %s: %w", id, err)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

// Save writes cp, replacing any previous checkpoint for the same session.
func (s *Store) Save(cp *Checkpoint) error {
	if err := validID(cp.ID); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}

	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	if cp.SavedBy == "" {
		cp.SavedBy = fmt.Sprintf("pid-%d", os.Getpid())
	}

	return s.withLock(cp.ID, func() error {
		if err := util.AtomicWriteYAML(s.Path(cp.ID), cp, 0600); err != nil {
			return fmt.Errorf("writing checkpoint: %w", err)
		}
		return nil
	})
}

// Load reads the checkpoint for id.
// Returns nil, nil if no checkpoint exists.
func (s *Store) Load(id string) (*Checkpoint, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return readFile(s.Path(id))
}

func readFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the store dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", filepath.Base(path), err)
	}
	if cp.ID == "" {
		return nil, fmt.Errorf("parsing checkpoint %s: missing session_id", filepath.Base(path))
	}
	return &cp, nil
}

// List returns every readable checkpoint, newest first. Files that fail to
// parse are skipped and reported together in the returned error.
func (s *Store) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	var (
		out []*Checkpoint
		bad []error
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		cp, err := readFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			bad = append(bad, err)
			continue
		}
		if cp != nil {
			out = append(out, cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].SavedAt.After(out[j].SavedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, errors.Join(bad...)
}

// Remove deletes the checkpoint for id. Removing a missing checkpoint is not
// an error.
func (s *Store) Remove(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	return s.withLock(id, func() error {
		if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing checkpoint: %w", err)
		}
		_ = os.Remove(s.Path(id) + ".lock")
		return nil
	})
}

// Clear removes every checkpoint and returns how many were deleted.
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing checkpoints: %w", err)
	}

	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != Ext {
			continue
		}
		if err := s.Remove(strings.TrimSuffix(name, Ext)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
