// Package cache provides the local on-disk content cache. Each file
// identity owns exactly one path below the cache directory: a regular
// file, or a directory tree for collections.
//
// The cache does not serialize work per identity; callers that mutate
// an entry must hold that identity's transfer lock.
package cache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/fruitsalade/provsync/internal/metrics"
	"github.com/fruitsalade/provsync/internal/models"
)

const (
	filesDir  = "files"
	tmpDir    = "tmp"
	indexFile = "index.json"
)

// ErrNotCached is returned for identities without a cache entry.
var ErrNotCached = errors.New("not cached")

// IOError is a local disk failure while handling an entry.
type IOError struct {
	Op  string
	ID  models.FileID
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Cache manages locally cached files.
type Cache struct {
	fs  afero.Fs
	dir string

	mu      sync.RWMutex
	entries map[models.FileID]*models.CacheEntry
	size    int64
}

// New creates a cache on the OS filesystem.
func New(dir string) (*Cache, error) {
	return NewWithFs(afero.NewOsFs(), dir)
}

// NewWithFs creates a cache on fs. Tests pass afero.NewMemMapFs().
func NewWithFs(fs afero.Fs, dir string) (*Cache, error) {
	for _, d := range []string{filepath.Join(dir, filesDir), filepath.Join(dir, tmpDir)} {
		if err := fs.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return &Cache{
		fs:      fs,
		dir:     dir,
		entries: make(map[models.FileID]*models.CacheEntry),
	}, nil
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string { return c.dir }

// Fs returns the filesystem the cache lives on.
func (c *Cache) Fs() afero.Fs { return c.fs }

// Path returns the one local path owned by id, whether or not it is
// materialized.
func (c *Cache) Path(id models.FileID) string {
	name := url.PathEscape(string(id))
	if name == "." || name == ".." {
		name = strings.ReplaceAll(name, ".", "%2E")
	}
	return filepath.Join(c.dir, filesDir, name)
}

func (c *Cache) tempPath() string {
	return filepath.Join(c.dir, tmpDir, uuid.NewString())
}

// ScratchDir creates an empty directory in the scratch area. The
// caller removes it.
func (c *Cache) ScratchDir(prefix string) (string, error) {
	return afero.TempDir(c.fs, filepath.Join(c.dir, tmpDir), prefix)
}

// ScratchFile creates a file in the scratch area. The caller closes
// and removes it.
func (c *Cache) ScratchFile(prefix string) (afero.File, error) {
	return afero.TempFile(c.fs, filepath.Join(c.dir, tmpDir), prefix)
}

// Lookup returns a copy of id's entry.
func (c *Cache) Lookup(id models.FileID) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return models.CacheEntry{}, false
	}
	e.LastAccess = time.Now()
	return *e, true
}

// Materialize confirms id is cached, or creates it by running fill
// into a temp file that is renamed into place once fill succeeds.
func (c *Cache) Materialize(id models.FileID, fill func(w io.Writer) error) (string, error) {
	if e, ok := c.Lookup(id); ok {
		if _, err := c.fs.Stat(e.LocalPath); err == nil {
			return e.LocalPath, nil
		}
		c.forget(id)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(fill(pw))
	}()
	e, err := c.Put(id, pr)
	pr.Close()
	if err != nil {
		return "", err
	}
	return e.LocalPath, nil
}

// Put stores r as id's content, replacing any previous content.
// Content is written atomically (temp file then rename). A failed Put
// leaves no entry for id.
func (c *Cache) Put(id models.FileID, r io.Reader) (models.CacheEntry, error) {
	c.forget(id)
	st, err := c.Stage(func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
	if err != nil {
		return models.CacheEntry{}, &IOError{Op: "put", ID: id, Err: err}
	}
	return st.Commit(id)
}

// Staged is content written to the cache's scratch area that does not
// belong to any identity yet.
type Staged struct {
	c      *Cache
	path   string
	size   int64
	digest string
}

// Stage runs fill into a scratch file.
func (c *Cache) Stage(fill func(w io.Writer) error) (*Staged, error) {
	tmp := c.tempPath()
	f, err := c.fs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	h := blake3.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	err = fill(cw)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		c.fs.Remove(tmp)
		return nil, fmt.Errorf("write content: %w", err)
	}
	return &Staged{c: c, path: tmp, size: cw.n, digest: hex.EncodeToString(h.Sum(nil))}, nil
}

// Size returns the staged byte count.
func (s *Staged) Size() int64 { return s.size }

// Open reads the staged content.
func (s *Staged) Open() (afero.File, error) { return s.c.fs.Open(s.path) }

// Discard removes the staged content. It is a no-op after Commit.
func (s *Staged) Discard() {
	if s.path != "" {
		s.c.fs.Remove(s.path)
		s.path = ""
	}
}

// Commit installs the staged content as id's content.
func (s *Staged) Commit(id models.FileID) (models.CacheEntry, error) {
	c := s.c
	if s.path == "" {
		return models.CacheEntry{}, &IOError{Op: "put", ID: id, Err: errors.New("staged content already used")}
	}
	tmp := s.path
	s.path = ""
	c.forget(id)

	final := c.Path(id)
	if err := c.fs.RemoveAll(final); err != nil {
		c.fs.Remove(tmp)
		return models.CacheEntry{}, &IOError{Op: "put", ID: id, Err: err}
	}
	if err := c.fs.Rename(tmp, final); err != nil {
		c.fs.Remove(tmp)
		return models.CacheEntry{}, &IOError{Op: "put", ID: id, Err: fmt.Errorf("rename temp file: %w", err)}
	}

	info, err := c.fs.Stat(final)
	if err != nil {
		return models.CacheEntry{}, &IOError{Op: "put", ID: id, Err: err}
	}
	now := time.Now()
	e := &models.CacheEntry{
		FileID:     id,
		LocalPath:  final,
		Size:       s.size,
		ModTime:    info.ModTime(),
		Digest:     s.digest,
		LastSync:   now,
		LastAccess: now,
	}
	c.install(e)
	return *e, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Clone copies src's cached content to dst.
func (c *Cache) Clone(src, dst models.FileID) (models.CacheEntry, error) {
	e, ok := c.Lookup(src)
	if !ok {
		return models.CacheEntry{}, &IOError{Op: "clone", ID: src, Err: ErrNotCached}
	}
	if !e.IsDir {
		f, err := c.fs.Open(e.LocalPath)
		if err != nil {
			return models.CacheEntry{}, &IOError{Op: "clone", ID: src, Err: err}
		}
		defer f.Close()
		return c.Put(dst, f)
	}
	return c.PutTree(dst, func(fs afero.Fs, dir string) error {
		return afero.Walk(fs, e.LocalPath, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(e.LocalPath, p)
			if err != nil || rel == "." {
				return err
			}
			target := filepath.Join(dir, rel)
			if info.IsDir() {
				return fs.MkdirAll(target, 0755)
			}
			in, err := fs.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := fs.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		})
	})
}

// PutTree stores a collection. populate fills dir, a scratch directory,
// which then becomes id's content. A failed PutTree leaves no entry.
func (c *Cache) PutTree(id models.FileID, populate func(fs afero.Fs, dir string) error) (models.CacheEntry, error) {
	c.forget(id)

	tmp := c.tempPath()
	if err := c.fs.MkdirAll(tmp, 0755); err != nil {
		return models.CacheEntry{}, &IOError{Op: "put_tree", ID: id, Err: err}
	}
	defer c.fs.RemoveAll(tmp)

	if err := populate(c.fs, tmp); err != nil {
		return models.CacheEntry{}, &IOError{Op: "put_tree", ID: id, Err: err}
	}

	final := c.Path(id)
	if err := c.fs.RemoveAll(final); err != nil {
		return models.CacheEntry{}, &IOError{Op: "put_tree", ID: id, Err: err}
	}
	if err := c.moveTree(tmp, final); err != nil {
		c.fs.RemoveAll(final)
		return models.CacheEntry{}, &IOError{Op: "put_tree", ID: id, Err: err}
	}

	size, mod, digest, err := c.treeInfo(final)
	if err != nil {
		return models.CacheEntry{}, &IOError{Op: "put_tree", ID: id, Err: err}
	}
	now := time.Now()
	e := &models.CacheEntry{
		FileID:     id,
		LocalPath:  final,
		Size:       size,
		ModTime:    mod,
		Digest:     digest,
		IsDir:      true,
		LastSync:   now,
		LastAccess: now,
	}
	c.install(e)
	return *e, nil
}

// moveTree renames every file of src into dst. Directories are created
// rather than renamed since not every afero.Fs moves directory children.
func (c *Cache) moveTree(src, dst string) error {
	if err := c.fs.MkdirAll(dst, 0755); err != nil {
		return err
	}
	return afero.Walk(c.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return c.fs.MkdirAll(target, 0755)
		}
		return c.fs.Rename(p, target)
	})
}

// Open opens a cached file for reading.
func (c *Cache) Open(id models.FileID) (afero.File, error) {
	e, ok := c.Lookup(id)
	if !ok {
		return nil, &IOError{Op: "open", ID: id, Err: ErrNotCached}
	}
	f, err := c.fs.Open(e.LocalPath)
	if err != nil {
		return nil, &IOError{Op: "open", ID: id, Err: err}
	}
	return f, nil
}

// Invalidate removes id's content and entry. Invalidating an identity
// that is not cached is not an error.
func (c *Cache) Invalidate(id models.FileID) error {
	c.forget(id)
	if err := c.fs.RemoveAll(c.Path(id)); err != nil {
		return &IOError{Op: "invalidate", ID: id, Err: err}
	}
	return nil
}

// LocalSize returns the size of id's cached content.
func (c *Cache) LocalSize(id models.FileID) (int64, error) {
	e, ok := c.Lookup(id)
	if !ok {
		return 0, &IOError{Op: "size", ID: id, Err: ErrNotCached}
	}
	if !e.IsDir {
		info, err := c.fs.Stat(e.LocalPath)
		if err != nil {
			return 0, &IOError{Op: "size", ID: id, Err: err}
		}
		return info.Size(), nil
	}
	size, _, _, err := c.treeInfo(e.LocalPath)
	if err != nil {
		return 0, &IOError{Op: "size", ID: id, Err: err}
	}
	return size, nil
}

// Changed reports whether id's content differs from what was recorded
// at its last sync. A modification time or size mismatch is confirmed
// by comparing content digests, so touching a file is not a change.
func (c *Cache) Changed(id models.FileID) (bool, error) {
	e, ok := c.Lookup(id)
	if !ok {
		return false, &IOError{Op: "changed", ID: id, Err: ErrNotCached}
	}

	var (
		size   int64
		mod    time.Time
		digest string
		err    error
	)
	if e.IsDir {
		size, mod, digest, err = c.treeInfo(e.LocalPath)
	} else {
		var info os.FileInfo
		info, err = c.fs.Stat(e.LocalPath)
		if err == nil {
			size, mod = info.Size(), info.ModTime()
			if size == e.Size && mod.Equal(e.ModTime) {
				return false, nil
			}
			digest, err = c.fileDigest(e.LocalPath)
		}
	}
	if err != nil {
		return false, &IOError{Op: "changed", ID: id, Err: err}
	}
	if digest == e.Digest {
		c.update(id, func(e *models.CacheEntry) { e.ModTime = mod })
		return false, nil
	}
	return true, nil
}

// MarkSynced records the current on-disk content of id as the synced
// baseline.
func (c *Cache) MarkSynced(id models.FileID, state models.SyncState) error {
	e, ok := c.Lookup(id)
	if !ok {
		return &IOError{Op: "mark_synced", ID: id, Err: ErrNotCached}
	}

	var (
		size   int64
		mod    time.Time
		digest string
		err    error
	)
	if e.IsDir {
		size, mod, digest, err = c.treeInfo(e.LocalPath)
	} else {
		var info os.FileInfo
		if info, err = c.fs.Stat(e.LocalPath); err == nil {
			size, mod = info.Size(), info.ModTime()
			digest, err = c.fileDigest(e.LocalPath)
		}
	}
	if err != nil {
		return &IOError{Op: "mark_synced", ID: id, Err: err}
	}

	c.update(id, func(e *models.CacheEntry) {
		c.size += size - e.Size
		e.Size, e.ModTime, e.Digest = size, mod, digest
		e.LastSync = time.Now()
		e.State = state
	})
	return nil
}

// SetState records the last known sync state in the index.
func (c *Cache) SetState(id models.FileID, state models.SyncState) {
	c.update(id, func(e *models.CacheEntry) { e.State = state })
}

func (c *Cache) fileDigest(p string) (string, error) {
	f, err := c.fs.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// treeInfo returns total size, newest modification time and a digest
// over the relative paths and contents of every file below root.
func (c *Cache) treeInfo(root string) (int64, time.Time, string, error) {
	var (
		size   int64
		newest time.Time
	)
	h := blake3.New()
	err := afero.Walk(c.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		size += info.Size()
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		d, err := c.fileDigest(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%s\n", filepath.ToSlash(rel), d)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, "", err
	}
	return size, newest, hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Cache) install(e *models.CacheEntry) {
	c.mu.Lock()
	c.entries[e.FileID] = e
	c.size += e.Size
	size, n := c.size, len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheStats(size, n)
}

func (c *Cache) forget(id models.FileID) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.size -= e.Size
		delete(c.entries, id)
	}
	size, n := c.size, len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheStats(size, n)
}

func (c *Cache) update(id models.FileID, fn func(e *models.CacheEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		fn(e)
	}
}

// Stats returns the total cached bytes and entry count.
func (c *Cache) Stats() (size int64, count int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size, len(c.entries)
}

// List returns copies of all entries ordered by identity.
func (c *Cache) List() []models.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]models.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FileID < entries[j].FileID })
	return entries
}

// Clear removes every cached entry and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for id, e := range c.entries {
		c.fs.RemoveAll(e.LocalPath)
		delete(c.entries, id)
		count++
	}
	c.size = 0
	metrics.SetCacheStats(0, 0)
	return count
}

// SaveIndex persists the entry table to index.json in the cache
// directory.
func (c *Cache) SaveIndex() error {
	data, err := json.MarshalIndent(c.List(), "", "  ")
	if err != nil {
		return err
	}
	tmp := c.tempPath()
	if err := afero.WriteFile(c.fs, tmp, data, 0644); err != nil {
		return &IOError{Op: "save_index", Err: err}
	}
	if err := c.fs.Rename(tmp, filepath.Join(c.dir, indexFile)); err != nil {
		c.fs.Remove(tmp)
		return &IOError{Op: "save_index", Err: err}
	}
	return nil
}

// LoadIndex restores the entry table. Entries whose content is gone
// from disk are dropped. Leftover temp files are removed.
func (c *Cache) LoadIndex() error {
	if stale, err := afero.ReadDir(c.fs, filepath.Join(c.dir, tmpDir)); err == nil {
		for _, fi := range stale {
			c.fs.RemoveAll(filepath.Join(c.dir, tmpDir, fi.Name()))
		}
	}

	data, err := afero.ReadFile(c.fs, filepath.Join(c.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &IOError{Op: "load_index", Err: err}
	}

	var entries []models.CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return &IOError{Op: "load_index", Err: err}
	}

	c.mu.Lock()
	c.entries = make(map[models.FileID]*models.CacheEntry, len(entries))
	c.size = 0
	for i := range entries {
		e := entries[i]
		e.LocalPath = c.Path(e.FileID)
		if _, err := c.fs.Stat(e.LocalPath); err != nil {
			continue
		}
		c.entries[e.FileID] = &e
		c.size += e.Size
	}
	size, n := c.size, len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheStats(size, n)
	return nil
}
