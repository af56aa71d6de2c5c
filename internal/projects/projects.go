// Package projects maintains the persisted index of known repositories.
//
// The index file maps project name to its record. While the daemon runs it
// is the only writer; short-lived CLI commands write directly only when no
// daemon is live. Every write is guarded by a flock on a sibling lock file.
package projects

import (
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
	"github.com/conductor-dev/conductor/internal/util"
)

// Status is a project's activity state.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusPaused Status = "paused"
)

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusIdle, StatusPaused:
		return st, nil
	}
	return "", errs.Invalidf("unknown project status %q (want active, idle or paused)", s)
}

// Project is one index entry.
type Project struct {
	Name           string    `json:"name" yaml:"-"`
	Path           string    `json:"path" yaml:"path"`
	Status         Status    `json:"status" yaml:"status"`
	CurrentFeature string    `json:"currentFeature,omitempty" yaml:"current_feature,omitempty"`
	LastUpdated    time.Time `json:"lastUpdated" yaml:"last_updated"`
	Aliases        []string  `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

func (p Project) clone() Project {
	p.Aliases = append([]string(nil), p.Aliases...)
	return p
}

// Index is the in-memory view of the project index file.
type Index struct {
	path string

	mu       sync.RWMutex
	projects map[string]*Project
}

// Open loads the index at path. A missing file is an empty index.
func Open(path string) (*Index, error) {
	idx := &Index{path: path, projects: make(map[string]*Project)}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Path returns the index file path.
func (idx *Index) Path() string {
	return idx.path
}

// Reload re-reads the index from disk.
func (idx *Index) Reload() error {
	fl := flock.New(idx.path + ".lock")
	if err := os.MkdirAll(filepath.Dir(idx.path), 0700); err != nil {
		return fmt.Errorf("creating index dir: %w", err)
	}
	if err := fl.RLock(); err != nil {
		return fmt.Errorf("locking project index: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(idx.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading project index: %w", err)
	}

	raw := make(map[string]*Project)
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing project index: %w", err)
		}
	}
	for name, p := range raw {
		if p == nil {
			delete(raw, name)
			continue
		}
		p.Name = name
		if p.Status == "" {
			p.Status = StatusIdle
		}
	}

	idx.mu.Lock()
	idx.projects = raw
	idx.mu.Unlock()
	return nil
}

// save writes the index. Callers hold idx.mu.
func (idx *Index) save() error {
	fl := flock.New(idx.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking project index: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	if err := util.AtomicWriteYAML(idx.path, idx.projects, 0600); err != nil {
		return fmt.Errorf("writing project index: %w", err)
	}
	return nil
}

// List returns all projects sorted by name.
func (idx *Index) List() []Project {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Project, 0, len(idx.projects))
	for _, p := range idx.projects {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of projects.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.projects)
}

// Get returns the project named name (case-insensitive).
func (idx *Index) Get(name string) (Project, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if p := idx.lookup(name); p != nil {
		return p.clone(), nil
	}
	return Project{}, errs.NotFoundf("project %s", name)
}

// Resolve finds a project by name or alias (case-insensitive).
func (idx *Index) Resolve(nameOrAlias string) (Project, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if p := idx.lookup(nameOrAlias); p != nil {
		return p.clone(), true
	}
	if p := idx.byAlias(nameOrAlias); p != nil {
		return p.clone(), true
	}
	return Project{}, false
}

// ByPath returns the project whose path is path.
func (idx *Index) ByPath(path string) (Project, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	clean := filepath.Clean(path)
	for _, p := range idx.projects {
		if filepath.Clean(p.Path) == clean {
			return p.clone(), true
		}
	}
	return Project{}, false
}

// Names returns every project name and alias, for suggestions.
func (idx *Index) Names() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []string
	for _, p := range idx.projects {
		out = append(out, p.Name)
		out = append(out, p.Aliases...)
	}
	sort.Strings(out)
	return out
}

func (idx *Index) lookup(name string) *Project {
	if p, ok := idx.projects[name]; ok {
		return p
	}
	for n, p := range idx.projects {
		if strings.EqualFold(n, name) {
			return p
		}
	}
	return nil
}

func (idx *Index) byAlias(alias string) *Project {
	for _, p := range idx.projects {
		for _, a := range p.Aliases {
			if strings.EqualFold(a, alias) {
				return p
			}
		}
	}
	return nil
}

// Merge adds every project in found whose path is not already indexed and
// persists the result. It returns the names that were added. Repeated merges
// of the same projects add nothing.
func (idx *Index) Merge(found []Project) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	known := make(map[string]bool, len(idx.projects))
	for _, p := range idx.projects {
		known[filepath.Clean(p.Path)] = true
	}

	now := time.Now().UTC()
	var added []string
	for _, f := range found {
		path := filepath.Clean(f.Path)
		if f.Path == "" || known[path] {
			continue
		}
		name := idx.uniqueName(f.Name, path)
		p := f.clone()
		p.Name = name
		p.Path = path
		if p.Status == "" {
			p.Status = StatusIdle
		}
		p.LastUpdated = now
		idx.projects[name] = &p
		known[path] = true
		added = append(added, name)
	}

	if len(added) == 0 {
		return nil, nil
	}
	if err := idx.save(); err != nil {
		for _, name := range added {
			delete(idx.projects, name)
		}
		return nil, err
	}
	return added, nil
}

// uniqueName picks a free name: the base name, then parent-qualified, then
// numbered.
func (idx *Index) uniqueName(name, path string) string {
	if name == "" {
		name = filepath.Base(path)
	}
	if idx.lookup(name) == nil {
		return name
	}
	qualified := filepath.Base(filepath.Dir(path)) + "-" + name
	if idx.lookup(qualified) == nil {
		return qualified
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if idx.lookup(candidate) == nil {
			return candidate
		}
	}
}

// update applies fn to the named project and persists the index. The
// in-memory index is left unchanged if the write fails.
func (idx *Index) update(name string, fn func(*Project) error) (Project, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	p := idx.lookup(name)
	if p == nil {
		p = idx.byAlias(name)
	}
	if p == nil {
		return Project{}, errs.NotFoundf("project %s", name)
	}
	next := p.clone()
	if err := fn(&next); err != nil {
		return Project{}, err
	}
	next.LastUpdated = time.Now().UTC()
	prev := *p
	*p = next
	if err := idx.save(); err != nil {
		*p = prev
		return Project{}, err
	}
	return p.clone(), nil
}

// SetStatus changes a project's status.
func (idx *Index) SetStatus(name string, status Status) (Project, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Project{}, err
	}
	return idx.update(name, func(p *Project) error {
		p.Status = status
		return nil
	})
}

// SetCurrentFeature records what the project is working on.
func (idx *Index) SetCurrentFeature(name, feature string) (Project, error) {
	return idx.update(name, func(p *Project) error {
		p.CurrentFeature = feature
		return nil
	})
}

// AddAlias adds an alternate routing name. Aliases are unique across all
// project names and aliases.
func (idx *Index) AddAlias(name, alias string) (Project, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return Project{}, errs.Invalidf("alias is required")
	}

	idx.mu.RLock()
	target := idx.lookup(name)
	if target == nil {
		target = idx.byAlias(name)
	}
	owner := idx.lookup(alias)
	if owner == nil {
		owner = idx.byAlias(alias)
	}
	idx.mu.RUnlock()

	if target == nil {
		return Project{}, errs.NotFoundf("project %s", name)
	}
	if owner != nil && owner != target {
		return Project{}, fmt.Errorf("%w: %q already names project %s", errs.ErrDuplicateID, alias, owner.Name)
	}
	return idx.update(target.Name, func(p *Project) error {
		for _, a := range p.Aliases {
			if strings.EqualFold(a, alias) {
				return nil
			}
		}
		if !strings.EqualFold(p.Name, alias) {
			p.Aliases = append(p.Aliases, alias)
		}
		return nil
	})
}
