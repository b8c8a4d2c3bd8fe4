// Package remote defines the Store interface implemented by every
// provider backend, the remote error taxonomy, and the wrappers that
// narrow or guard a store (vault browsing, offline/timeout handling).
package remote

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// Entry describes one object on a remote store.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	IsDir   bool      `json:"is_dir"`
}

// Store is the capability interface over a remote backend. Paths are
// absolute, slash separated provider paths.
type Store interface {
	// List returns the direct children of dir.
	List(ctx context.Context, dir string) ([]Entry, error)

	// Stat describes a single path.
	Stat(ctx context.Context, p string) (Entry, error)

	// Read opens a file for streaming. The caller closes it.
	Read(ctx context.Context, p string) (io.ReadCloser, error)

	// Write stores body at p, creating missing parent directories.
	// Implementations must not leave a partial object at p on failure.
	Write(ctx context.Context, p string, body io.Reader) error

	// Mkdir creates exactly one directory. It fails with ReasonExists
	// if the directory is already there.
	Mkdir(ctx context.Context, p string) error

	// Delete removes a file or a directory tree.
	Delete(ctx context.Context, p string) error

	// Rename moves oldPath to newPath on the same store.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Exists reports whether p is present.
	Exists(ctx context.Context, p string) (bool, error)

	// Kind returns the backend type identifier ("local", "sftp", ...).
	Kind() string

	// Close releases any resources held by the store.
	Close() error
}

// Clean normalizes a provider path to an absolute slash path.
func Clean(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// Within reports whether p is root or lies below it.
func Within(root, p string) bool {
	root, p = Clean(root), Clean(p)
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// Walk calls fn for every file below dir, depth first, with paths
// relative to dir.
func Walk(ctx context.Context, s Store, dir string, fn func(rel string, e Entry) error) error {
	return walk(ctx, s, dir, "", fn)
}

func walk(ctx context.Context, s Store, dir, prefix string, fn func(string, Entry) error) error {
	entries, err := s.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rel := path.Join(prefix, e.Name)
		if e.IsDir {
			if err := walk(ctx, s, path.Join(dir, e.Name), rel, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(rel, e); err != nil {
			return err
		}
	}
	return nil
}
