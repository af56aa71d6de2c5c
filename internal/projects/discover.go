package projects

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/workspace"
)

// Kind classifies a discovery root.
type Kind string

const (
	KindRepo      Kind = "repo"
	KindContainer Kind = "container"
)

// skipDirs are never descended into during a container scan.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	"venv":         true,
}

// Discovery is the result of scanning one root.
type Discovery struct {
	Root  string    `json:"root"`
	Kind  Kind      `json:"kind"`
	Found []Project `json:"found"`
}

// Discover classifies root as a single repository (it carries a marker) or
// as a container, in which case it is scanned up to maxDepth levels for
// repositories. Repositories are not descended into.
func Discover(root string, maxDepth int) (*Discovery, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Invalidf("resolving %s: %v", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFoundf("path %s", abs)
		}
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, errs.Invalidf("%s is not a directory", abs)
	}

	if workspace.IsRepo(abs) {
		return &Discovery{
			Root:  abs,
			Kind:  KindRepo,
			Found: []Project{{Name: filepath.Base(abs), Path: abs, Status: StatusIdle}},
		}, nil
	}

	if maxDepth <= 0 {
		maxDepth = 1
	}
	d := &Discovery{Root: abs, Kind: KindContainer}
	err = filepath.WalkDir(abs, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// unreadable subtrees are skipped, not fatal
			if entry != nil && entry.IsDir() && path != abs {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.IsDir() || path == abs {
			return nil
		}

		name := entry.Name()
		if strings.HasPrefix(name, ".") || skipDirs[name] {
			return fs.SkipDir
		}

		rel, _ := filepath.Rel(abs, path)
		depth := strings.Count(rel, string(filepath.Separator)) + 1
		if depth > maxDepth {
			return fs.SkipDir
		}

		if workspace.IsRepo(path) {
			d.Found = append(d.Found, Project{Name: name, Path: path, Status: StatusIdle})
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", abs, err)
	}
	return d, nil
}
