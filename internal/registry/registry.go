// Package registry holds the daemon's in-memory table of sessions.
//
// Mutations stay in memory. They reach the checkpoint store only through an
// explicit Checkpoint call, and the store is read back only by Restore.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/conductor-dev/conductor/internal/checkpoint"
	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/session"
)

type entry struct {
	s        *session.Session
	detached bool
}

// Registry is safe for concurrent use. Every session handed out is a copy.
type Registry struct {
	store *checkpoint.Store

	mu       sync.RWMutex
	sessions map[string]*entry
}

// New creates a registry backed by store. store may be nil, in which case
// Checkpoint and Restore fail.
func New(store *checkpoint.Store) *Registry {
	return &Registry{
		store:    store,
		sessions: make(map[string]*entry),
	}
}

// Register adds s. It fails with ErrDuplicateID if the id is taken.
func (r *Registry) Register(s *session.Session) error {
	if s == nil || s.ID == "" {
		return errs.Invalidf("session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", errs.ErrDuplicateID, s.ID)
	}
	r.sessions[s.ID] = &entry{s: s.Clone()}
	return nil
}

// Lookup returns a copy of the session with id.
func (r *Registry) Lookup(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, errs.NotFoundf("session %s", id)
	}
	return e.s.Clone(), nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// List returns all sessions ordered by last_active descending.
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.s.Clone())
	}
	r.mu.RUnlock()

	SortByActivity(out)
	return out
}

// SortByActivity orders sessions by last_active descending, then by newer
// created_at, then by id.
func SortByActivity(list []*session.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.LastActive.Equal(b.LastActive) {
			return a.LastActive.After(b.LastActive)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ByRepo returns the sessions serving repo (case-insensitive), most recent
// first.
func (r *Registry) ByRepo(repo string) []*session.Session {
	var out []*session.Session
	for _, s := range r.List() {
		if strings.EqualFold(s.Repo, repo) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Update applies fn to a copy of the session and, if fn succeeds, stores the
// copy with last_active bumped. A failing fn leaves the registry untouched.
func (r *Registry) Update(id string, fn func(*session.Session) error) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, errs.NotFoundf("session %s", id)
	}

	next := e.s.Clone()
	if fn != nil {
		if err := fn(next); err != nil {
			return nil, err
		}
	}
	if next.ID != id {
		return nil, errs.Invalidf("session id cannot change (%s -> %s)", id, next.ID)
	}
	next.Touch()
	e.s = next
	return next.Clone(), nil
}

// Touch bumps last_active for id.
func (r *Registry) Touch(id string) error {
	_, err := r.Update(id, nil)
	return err
}

// Remove drops id from the registry. Its checkpoint, if any, is kept.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return errs.NotFoundf("session %s", id)
	}
	delete(r.sessions, id)
	return nil
}

// Detached reports whether id was restored from a checkpoint and has no
// running process yet.
func (r *Registry) Detached(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return ok && e.detached
}

// SetDetached marks id as attached or detached.
func (r *Registry) SetDetached(id string, detached bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return errs.NotFoundf("session %s", id)
	}
	e.detached = detached
	return nil
}

// Checkpoint mirrors the session into the checkpoint store, capturing the
// working tree's git state first. The captured git state is kept in the
// registry too.
func (r *Registry) Checkpoint(ctx context.Context, id, notes string) (*checkpoint.Checkpoint, error) {
	if r.store == nil {
		return nil, fmt.Errorf("registry has no checkpoint store")
	}

	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	cp := checkpoint.New(s).WithNotes(notes).WithGit(ctx)
	if err := r.store.Save(cp); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.sessions[id]; ok && cp.Git != nil {
		g := *cp.Git
		e.s.Git = &g
	}
	r.mu.Unlock()

	return cp, nil
}

// Restored describes one session loaded by Restore.
type Restored struct {
	ID string
	// Demoted lists steps knocked back to pending to repair the
	// single-in-progress invariant.
	Demoted []string
}

// Restore loads every checkpoint whose id is not already registered and
// registers it as detached. Unreadable checkpoints are skipped; their errors
// are returned alongside the sessions that did load.
func (r *Registry) Restore() ([]Restored, error) {
	if r.store == nil {
		return nil, fmt.Errorf("registry has no checkpoint store")
	}

	cps, listErr := r.store.List()

	var out []Restored
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cp := range cps {
		if _, ok := r.sessions[cp.ID]; ok {
			continue
		}
		s := cp.Session.Clone()
		if !s.Role.Valid() {
			s.Role = session.RoleWorker
		}
		demoted := s.Normalize()
		r.sessions[s.ID] = &entry{s: s, detached: true}
		out = append(out, Restored{ID: s.ID, Demoted: demoted})
	}
	return out, listErr
}
