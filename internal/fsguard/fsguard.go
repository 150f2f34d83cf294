// Package fsguard confines all engine file access to a sandbox root,
// rejecting directory traversal before any read or write happens.
package fsguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecurityError reports a path that escaped the sandbox root. It is fatal for
// the whole run: a single occurrence indicates misconfiguration or an attack,
// not a bad input file.
type SecurityError struct {
	Path string
	Root string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("path %q escapes sandbox root %q", e.Path, e.Root)
}

// Guard validates paths against one absolute sandbox root.
type Guard struct {
	root string
}

// New creates a guard for the given root directory. The root is resolved to
// an absolute path once; relative candidate paths are resolved against it.
func New(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root %s: %w", root, err)
	}
	return &Guard{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute sandbox root.
func (g *Guard) Root() string { return g.root }

// Validate resolves path and confirms it lies inside the sandbox root.
// Returns the cleaned absolute path.
func (g *Guard) Validate(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(g.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &SecurityError{Path: path, Root: g.root}
	}
	return abs, nil
}

// ValidateNoSymlink additionally rejects symbolic links. Used for source
// slices, where a link could smuggle data from outside the sandbox.
func (g *Guard) ValidateNoSymlink(path string) (string, error) {
	abs, err := g.Validate(path)
	if err != nil {
		return "", err
	}
	fi, err := os.Lstat(abs)
	if err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return "", &SecurityError{Path: path, Root: g.root}
	}
	return abs, nil
}

// Join validates each component for traversal patterns and returns the joined
// path, confirmed to stay inside the root.
func (g *Guard) Join(parts ...string) (string, error) {
	for _, p := range parts {
		if p == "" || strings.Contains(p, "..") || strings.ContainsRune(p, 0) {
			return "", &SecurityError{Path: p, Root: g.root}
		}
	}
	return g.Validate(filepath.Join(parts...))
}
