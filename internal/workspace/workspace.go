// Package workspace guards the directory the agent may read and write. Every
// path a tool touches resolves through the guard: no escape above the root,
// and the runtime's own files (config, wallet, session, database) stay
// unreachable even when symlinked or copied inside.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MaxFileBytes caps a single workspace read or write.
const MaxFileBytes = 5 << 20

var (
	// ErrOutsideWorkspace is returned when a path resolves above the root.
	ErrOutsideWorkspace = errors.New("path escapes the workspace")
	// ErrProtectedPath is returned for runtime-owned files.
	ErrProtectedPath = errors.New("path is protected")
)

// protectedNames are denied anywhere inside the workspace regardless of
// directory; they are the runtime's own state files.
var protectedNames = map[string]bool{
	"config.yaml": true,
	"config.json": true,
	"wallet.json": true,
	"session.txt": true,
	"memory.db":   true,
}

// Guard validates workspace paths against a fixed root.
type Guard struct {
	root string
}

// NewGuard creates the workspace directory if needed and returns its guard.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &Guard{root: abs}, nil
}

// Root returns the absolute workspace root.
func (g *Guard) Root() string { return g.root }

// Resolve maps a workspace-relative path to an absolute one, rejecting
// escapes and protected names. The file need not exist.
func (g *Guard) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "." {
		return g.root, nil
	}
	if filepath.IsAbs(rel) {
		return "", ErrOutsideWorkspace
	}

	resolved := filepath.Join(g.root, filepath.FromSlash(rel))
	if resolved != g.root && !strings.HasPrefix(resolved, g.root+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	if protectedNames[strings.ToLower(filepath.Base(resolved))] {
		return "", ErrProtectedPath
	}

	// A symlink inside the workspace must not point outside it.
	real, err := filepath.EvalSymlinks(resolved)
	if err == nil && real != g.root && !strings.HasPrefix(real, g.root+string(filepath.Separator)) {
		return "", ErrOutsideWorkspace
	}
	return resolved, nil
}

// ReadFile reads a workspace file, capped at MaxFileBytes.
func (g *Guard) ReadFile(rel string) (string, error) {
	path, err := g.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", rel)
	}
	if info.Size() > MaxFileBytes {
		return "", fmt.Errorf("%s exceeds %d bytes", rel, MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes a workspace file, creating parent directories inside the
// workspace as needed.
func (g *Guard) WriteFile(rel, content string) error {
	if len(content) > MaxFileBytes {
		return fmt.Errorf("content exceeds %d bytes", MaxFileBytes)
	}
	path, err := g.Resolve(rel)
	if err != nil {
		return err
	}
	if path == g.root {
		return fmt.Errorf("%s is a directory", rel)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// DeleteFile removes a workspace file. Directories are refused.
func (g *Guard) DeleteFile(rel string) error {
	path, err := g.Resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", rel)
	}
	return os.Remove(path)
}

// FileInfo describes one workspace entry.
type FileInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

// List returns the entries under a workspace-relative directory, sorted by
// path. Protected files are omitted from listings.
func (g *Guard) List(rel string) ([]FileInfo, error) {
	dir, err := g.Resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []FileInfo
	for _, entry := range entries {
		if protectedNames[strings.ToLower(entry.Name())] {
			continue
		}
		relPath, err := filepath.Rel(g.root, filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		info := FileInfo{Path: filepath.ToSlash(relPath), IsDir: entry.IsDir()}
		if fi, err := entry.Info(); err == nil {
			info.Size = fi.Size()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
