// Package local provides a remote.Store over a local filesystem tree.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/provsync/internal/remote"
)

const tempPrefix = ".provsync-"

// Config holds local filesystem store settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Store implements remote.Store on the local filesystem. Provider paths
// are resolved below RootPath and can never name anything outside it.
type Store struct {
	rootPath string
	kind     string
}

// New creates a local store rooted at cfg.RootPath.
func New(cfg Config) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	abs, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}
	return &Store{rootPath: abs, kind: "local"}, nil
}

// NewFromJSON creates a Store from raw JSON config. An empty config
// roots the store at "/".
func NewFromJSON(raw json.RawMessage) (*Store, error) {
	cfg := Config{RootPath: "/"}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse local config: %w", err)
		}
	}
	return New(cfg)
}

// WithKind returns a copy of s reporting kind.
func (s *Store) WithKind(kind string) *Store {
	c := *s
	c.kind = kind
	return &c
}

// RootPath returns the filesystem directory backing "/".
func (s *Store) RootPath() string { return s.rootPath }

// fullPath maps a provider path onto the filesystem. remote.Clean
// resolves every ".." against "/" so the result stays under rootPath.
func (s *Store) fullPath(p string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(remote.Clean(p)))
}

func toEntry(p string, info os.FileInfo) remote.Entry {
	e := remote.Entry{
		Name:    path.Base(p),
		Path:    p,
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e
}

func (s *Store) List(_ context.Context, dir string) ([]remote.Entry, error) {
	dir = remote.Clean(dir)
	des, err := os.ReadDir(s.fullPath(dir))
	if err != nil {
		return nil, remote.Classify("list", dir, err)
	}

	out := make([]remote.Entry, 0, len(des))
	for _, de := range des {
		if strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, toEntry(path.Join(dir, de.Name()), info))
	}
	return out, nil
}

func (s *Store) Stat(_ context.Context, p string) (remote.Entry, error) {
	p = remote.Clean(p)
	info, err := os.Stat(s.fullPath(p))
	if err != nil {
		return remote.Entry{}, remote.Classify("stat", p, err)
	}
	return toEntry(p, info), nil
}

func (s *Store) Read(_ context.Context, p string) (io.ReadCloser, error) {
	p = remote.Clean(p)
	f, err := os.Open(s.fullPath(p))
	if err != nil {
		return nil, remote.Classify("read", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, remote.Classify("read", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, &remote.ProtocolError{Op: "read", Path: p, Reason: remote.ReasonOther, Err: fmt.Errorf("is a directory")}
	}
	return f, nil
}

// Write stores body atomically: the content goes to a temp file in the
// target directory which is renamed into place once complete.
func (s *Store) Write(_ context.Context, p string, body io.Reader) error {
	p = remote.Clean(p)
	full := s.fullPath(p)
	dir := filepath.Dir(full)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return remote.Classify("write", p, fmt.Errorf("create dirs: %w", err))
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return remote.Classify("write", p, fmt.Errorf("create temp: %w", err))
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return remote.Classify("write", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return remote.Classify("write", p, fmt.Errorf("close temp: %w", err))
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return remote.Classify("write", p, fmt.Errorf("rename temp: %w", err))
	}
	return nil
}

func (s *Store) Mkdir(_ context.Context, p string) error {
	p = remote.Clean(p)
	if err := os.Mkdir(s.fullPath(p), 0755); err != nil {
		return remote.Classify("mkdir", p, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, p string) error {
	p = remote.Clean(p)
	if p == "/" {
		return &remote.ProtocolError{Op: "delete", Path: p, Reason: remote.ReasonPermissionDenied}
	}
	full := s.fullPath(p)
	if _, err := os.Lstat(full); err != nil {
		return remote.Classify("delete", p, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return remote.Classify("delete", p, err)
	}
	return nil
}

func (s *Store) Rename(_ context.Context, oldPath, newPath string) error {
	oldPath, newPath = remote.Clean(oldPath), remote.Clean(newPath)
	dst := s.fullPath(newPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return remote.Classify("rename", newPath, err)
	}
	if err := os.Rename(s.fullPath(oldPath), dst); err != nil {
		return remote.Classify("rename", oldPath, err)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, p string) (bool, error) {
	p = remote.Clean(p)
	_, err := os.Stat(s.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, remote.Classify("exists", p, err)
	}
	return true, nil
}

// Kind returns "local" unless overridden by WithKind.
func (s *Store) Kind() string { return s.kind }

// Close is a no-op for local stores.
func (s *Store) Close() error { return nil }
