// Package workspace detects repository roots from marker files.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound indicates no repository root was found.
var ErrNotFound = errors.New("not inside a repository")

// Markers are the files or directories whose presence makes a directory a
// repository root. The first entry is authoritative when walking upward.
var Markers = []string{
	".git",
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"setup.py",
	"pom.xml",
	"build.gradle",
	"Gemfile",
	"mix.exs",
	"composer.json",
	"deno.json",
}

// PrimaryMarker is the version-control marker. A directory with it wins
// over nested directories that only carry a build manifest.
const PrimaryMarker = ".git"

// IsRepo reports whether dir carries any marker.
func IsRepo(dir string) bool {
	for _, m := range Markers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return true
		}
	}
	return false
}

// Find locates the repository root by walking up from startDir.
// It prefers the nearest directory with .git; if none exists, the nearest
// directory with any other marker is returned. An empty result with a nil
// error means nothing was found.
// Does not resolve symlinks to stay consistent with os.Getwd().
func Find(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	var secondaryMatch string
	current := absDir
	for {
		if _, err := os.Stat(filepath.Join(current, PrimaryMarker)); err == nil {
			return current, nil
		}
		if secondaryMatch == "" && IsRepo(current) {
			secondaryMatch = current
		}

		parent := filepath.Dir(current)
		if parent == current {
			return secondaryMatch, nil
		}
		current = parent
	}
}

// FindOrError is like Find but returns ErrNotFound if nothing was found.
func FindOrError(startDir string) (string, error) {
	root, err := Find(startDir)
	if err != nil {
		return "", err
	}
	if root == "" {
		return "", ErrNotFound
	}
	return root, nil
}

// FindFromCwd locates the repository root from the current directory.
func FindFromCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return Find(cwd)
}
