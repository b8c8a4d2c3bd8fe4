// Package syncer coordinates transfers between the local cache and the
// providers. At most one transfer per file identity is in flight at any
// time; every sync state transition happens under that identity's lock.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/cache"
	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/metrics"
	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/storage"
	"github.com/fruitsalade/provsync/internal/syncstate"
)

const (
	dirPull = "pull"
	dirPush = "push"
)

var (
	// ErrTransferInProgress is returned by non-blocking calls when the
	// identity is locked by another transfer.
	ErrTransferInProgress = errors.New("transfer in progress")

	// ErrSyncConflict is returned when cache and provider both changed
	// since the last sync. It persists until Resolve is called.
	ErrSyncConflict = errors.New("sync conflict: cache and provider both changed")

	// ErrPushIncomplete is returned when the last push failed midway.
	// The cache holds the authoritative copy; Push or Resolve retries.
	ErrPushIncomplete = errors.New("previous push did not complete")

	// ErrSameProvider is returned when source and destination coincide.
	ErrSameProvider = errors.New("file is already on the destination provider")

	// ErrCollectionUnsupported is returned by operations that only
	// handle single files.
	ErrCollectionUnsupported = errors.New("operation not supported on collections")
)

// FileLookup resolves identities to records.
type FileLookup interface {
	Lookup(ctx context.Context, id models.FileID) (*models.FileRecord, error)
}

// Providers leases provider stores.
type Providers interface {
	Acquire(ctx context.Context, id int) (*storage.Lease, error)
}

// Coordinator is the sync coordinator.
type Coordinator struct {
	locks     *lockTable
	cache     *cache.Cache
	states    *syncstate.Tracker
	files     FileLookup
	providers Providers
}

// New creates a coordinator.
func New(c *cache.Cache, states *syncstate.Tracker, files FileLookup, providers Providers) *Coordinator {
	return &Coordinator{
		locks:     newLockTable(),
		cache:     c,
		states:    states,
		files:     files,
		providers: providers,
	}
}

// Cache returns the local cache.
func (c *Coordinator) Cache() *cache.Cache { return c.cache }

// State returns id's current state without locking. Identities that
// were never materialized report Unknown.
func (c *Coordinator) State(id models.FileID) models.SyncState {
	return c.states.State(id)
}

// target is a resolved identity with its provider leased.
type target struct {
	rec   *models.FileRecord
	lease *storage.Lease
	path  string
}

func (c *Coordinator) resolve(ctx context.Context, id models.FileID) (*target, error) {
	rec, err := c.files.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	lease, err := c.providers.Acquire(ctx, rec.ProviderID)
	if err != nil {
		return nil, err
	}
	return &target{rec: rec, lease: lease, path: lease.Descriptor.FilePath(rec)}, nil
}

// locked runs fn holding id's lock. The lock wait honours ctx; fn runs
// detached from ctx cancellation so a started transfer is never torn.
func (c *Coordinator) locked(ctx context.Context, id models.FileID, fn func(ctx context.Context) (models.SyncState, error)) (models.SyncState, error) {
	release, err := c.locks.lock(ctx, id)
	if err != nil {
		return c.states.State(id), err
	}
	defer release()
	return fn(context.WithoutCancel(ctx))
}

// lockedTarget is locked plus resolve.
func (c *Coordinator) lockedTarget(ctx context.Context, id models.FileID, fn func(ctx context.Context, t *target) (models.SyncState, error)) (models.SyncState, error) {
	return c.locked(ctx, id, func(ctx context.Context) (models.SyncState, error) {
		t, err := c.resolve(ctx, id)
		if err != nil {
			return c.states.State(id), err
		}
		defer t.lease.Release()
		return fn(ctx, t)
	})
}

// EnsureCacheFresh brings the cache copy of id up to date when that is
// safe and returns the resulting state. It blocks while another
// transfer of id is running.
func (c *Coordinator) EnsureCacheFresh(ctx context.Context, id models.FileID) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		return c.ensure(ctx, id, t)
	})
}

// TryEnsureCacheFresh is EnsureCacheFresh that fails with
// ErrTransferInProgress instead of waiting.
func (c *Coordinator) TryEnsureCacheFresh(ctx context.Context, id models.FileID) (models.SyncState, error) {
	release, ok := c.locks.tryLock(id)
	if !ok {
		metrics.RecordTransferInProgress()
		return c.states.State(id), fmt.Errorf("sync %s: %w", id, ErrTransferInProgress)
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	t, err := c.resolve(ctx, id)
	if err != nil {
		return c.states.State(id), err
	}
	defer t.lease.Release()
	return c.ensure(ctx, id, t)
}

type remoteMeta struct {
	size  int64
	mod   time.Time
	isDir bool
}

// remoteInfo describes p. For directories size is the total of every
// file below and mod the newest modification time.
func remoteInfo(ctx context.Context, s remote.Store, p string) (remoteMeta, error) {
	e, err := s.Stat(ctx, p)
	if err != nil {
		return remoteMeta{}, err
	}
	if !e.IsDir {
		return remoteMeta{size: e.Size, mod: e.ModTime}, nil
	}
	m := remoteMeta{isDir: true}
	err = remote.Walk(ctx, s, p, func(_ string, e remote.Entry) error {
		m.size += e.Size
		if e.ModTime.After(m.mod) {
			m.mod = e.ModTime
		}
		return nil
	})
	return m, err
}

// ensure implements the freshness decision. Must hold id's lock.
func (c *Coordinator) ensure(ctx context.Context, id models.FileID, t *target) (models.SyncState, error) {
	rec, _ := c.states.Get(id)
	_, cached := c.cache.Lookup(id)

	meta, err := remoteInfo(ctx, t.lease.Store, t.path)
	if err != nil {
		// The provider could not be asked. The last known state stands.
		return rec.State, fmt.Errorf("sync %s: %w", id, err)
	}

	if !cached || rec.State == models.Unknown {
		return c.pull(ctx, id, t, meta)
	}

	if rec.State == models.Corrupted {
		switch {
		case rec.Conflict:
			return models.Corrupted, fmt.Errorf("sync %s: %w", id, ErrSyncConflict)
		case rec.FailedOp == dirPush:
			return models.Corrupted, fmt.Errorf("sync %s: %w", id, ErrPushIncomplete)
		}
		logging.Info("re-pulling after failed transfer", logging.FileID(string(id)))
		return c.pull(ctx, id, t, meta)
	}

	localChanged := rec.State == models.CacheNewer
	if !localChanged {
		if localChanged, err = c.cache.Changed(id); err != nil {
			return rec.State, err
		}
	}
	remoteChanged := meta.size != rec.RemoteSize || !meta.mod.Equal(rec.RemoteModTime)

	switch {
	case localChanged && remoteChanged:
		c.states.MarkConflict(id)
		c.cache.SetState(id, models.Corrupted)
		logging.Warn("cache and provider both changed",
			logging.FileID(string(id)),
			zap.Int("provider_id", t.rec.ProviderID),
			zap.String("path", t.path))
		return models.Corrupted, fmt.Errorf("sync %s: %w", id, ErrSyncConflict)
	case localChanged:
		if rec.State != models.CacheNewer {
			c.states.MarkCacheNewer(id)
			c.cache.SetState(id, models.CacheNewer)
		}
		return models.CacheNewer, nil
	case remoteChanged:
		return c.pull(ctx, id, t, meta)
	}

	if rec.State != models.InSync {
		c.states.MarkInSync(id, syncstate.Baseline{
			RemoteModTime: rec.RemoteModTime, RemoteSize: rec.RemoteSize,
			LocalModTime: rec.LocalModTime, LocalSize: rec.LocalSize,
		})
		c.cache.SetState(id, models.InSync)
	}
	return models.InSync, nil
}

// pull replaces the cache copy with the provider copy. meta is the
// provider metadata observed before the transfer started.
func (c *Coordinator) pull(ctx context.Context, id models.FileID, t *target, meta remoteMeta) (models.SyncState, error) {
	start := time.Now()
	store := t.lease.Store

	var (
		entry models.CacheEntry
		err   error
	)
	if meta.isDir {
		entry, err = c.cache.PutTree(id, func(fs afero.Fs, dir string) error {
			return remote.Walk(ctx, store, t.path, func(rel string, _ remote.Entry) error {
				return copyRemoteFile(ctx, store, path.Join(t.path, rel), fs, filepath.Join(dir, filepath.FromSlash(rel)))
			})
		})
	} else {
		var rc io.ReadCloser
		if rc, err = store.Read(ctx, t.path); err == nil {
			entry, err = c.cache.Put(id, rc)
			rc.Close()
		}
	}
	if err != nil {
		c.states.MarkCorrupted(id, dirPull)
		metrics.RecordTransfer(dirPull, 0, time.Since(start), false)
		logging.Warn("pull failed",
			logging.FileID(string(id)),
			zap.Int("provider_id", t.rec.ProviderID),
			zap.String("path", t.path),
			zap.Error(err))
		return models.Corrupted, fmt.Errorf("pull %s: %w", id, err)
	}

	c.states.MarkInSync(id, syncstate.Baseline{
		RemoteModTime: meta.mod, RemoteSize: meta.size,
		LocalModTime: entry.ModTime, LocalSize: entry.Size,
	})
	c.cache.SetState(id, models.InSync)
	metrics.RecordTransfer(dirPull, entry.Size, time.Since(start), true)
	logging.Debug("pulled",
		logging.FileID(string(id)),
		zap.String("path", t.path),
		zap.Int64("size", entry.Size),
		zap.Duration("took", time.Since(start)))
	return models.InSync, nil
}

func copyRemoteFile(ctx context.Context, s remote.Store, src string, fs afero.Fs, dst string) error {
	rc, err := s.Read(ctx, src)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	f, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// upload writes id's cache content to p on s.
func (c *Coordinator) upload(ctx context.Context, id models.FileID, s remote.Store, p string) error {
	e, ok := c.cache.Lookup(id)
	if !ok {
		return &cache.IOError{Op: "upload", ID: id, Err: cache.ErrNotCached}
	}
	fs := c.cache.Fs()
	if !e.IsDir {
		f, err := fs.Open(e.LocalPath)
		if err != nil {
			return &cache.IOError{Op: "upload", ID: id, Err: err}
		}
		defer f.Close()
		return s.Write(ctx, p, f)
	}
	return afero.Walk(fs, e.LocalPath, func(local string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(e.LocalPath, local)
		if err != nil {
			return err
		}
		f, err := fs.Open(local)
		if err != nil {
			return &cache.IOError{Op: "upload", ID: id, Err: err}
		}
		defer f.Close()
		return s.Write(ctx, path.Join(p, filepath.ToSlash(rel)), f)
	})
}

// push writes the cache copy to the provider and records the new
// baseline. Must hold id's lock.
func (c *Coordinator) push(ctx context.Context, id models.FileID, t *target) (models.SyncState, error) {
	prev := c.states.State(id)
	if err := t.lease.Writable(); err != nil {
		return prev, err
	}
	if _, ok := c.cache.Lookup(id); !ok {
		return prev, &cache.IOError{Op: "push", ID: id, Err: cache.ErrNotCached}
	}

	start := time.Now()
	fail := func(err error) (models.SyncState, error) {
		c.states.MarkCorrupted(id, dirPush)
		c.cache.SetState(id, models.Corrupted)
		metrics.RecordTransfer(dirPush, 0, time.Since(start), false)
		logging.Warn("push failed",
			logging.FileID(string(id)),
			zap.Int("provider_id", t.rec.ProviderID),
			zap.String("path", t.path),
			zap.Error(err))
		return models.Corrupted, fmt.Errorf("push %s: %w", id, err)
	}

	if err := c.upload(ctx, id, t.lease.Store, t.path); err != nil {
		return fail(err)
	}
	meta, err := remoteInfo(ctx, t.lease.Store, t.path)
	if err != nil {
		return fail(err)
	}
	if err := c.cache.MarkSynced(id, models.InSync); err != nil {
		return fail(err)
	}
	e, _ := c.cache.Lookup(id)
	c.states.MarkInSync(id, syncstate.Baseline{
		RemoteModTime: meta.mod, RemoteSize: meta.size,
		LocalModTime: e.ModTime, LocalSize: e.Size,
	})
	metrics.RecordTransfer(dirPush, meta.size, time.Since(start), true)
	logging.Debug("pushed", logging.FileID(string(id)), zap.String("path", t.path), zap.Int64("size", meta.size))
	return models.InSync, nil
}

// Pull unconditionally replaces the cache copy with the provider copy,
// discarding unpushed local edits.
func (c *Coordinator) Pull(ctx context.Context, id models.FileID) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		meta, err := remoteInfo(ctx, t.lease.Store, t.path)
		if err != nil {
			return c.states.State(id), fmt.Errorf("pull %s: %w", id, err)
		}
		return c.pull(ctx, id, t, meta)
	})
}

// Push unconditionally writes the cache copy to the provider.
func (c *Coordinator) Push(ctx context.Context, id models.FileID) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		return c.push(ctx, id, t)
	})
}

// Resolve settles a conflict or incomplete transfer: keepLocal pushes
// the cache copy, otherwise the provider copy is pulled.
func (c *Coordinator) Resolve(ctx context.Context, id models.FileID, keepLocal bool) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		logging.Info("resolving sync state",
			logging.FileID(string(id)),
			zap.Stringer("state", c.states.State(id)),
			zap.Bool("keep_local", keepLocal))
		if keepLocal {
			return c.push(ctx, id, t)
		}
		meta, err := remoteInfo(ctx, t.lease.Store, t.path)
		if err != nil {
			return c.states.State(id), err
		}
		return c.pull(ctx, id, t, meta)
	})
}

// Refresh compares both copies and records what changed without
// transferring anything.
func (c *Coordinator) Refresh(ctx context.Context, id models.FileID) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		rec, _ := c.states.Get(id)
		if _, cached := c.cache.Lookup(id); !cached || rec.State == models.Unknown || rec.State == models.Corrupted {
			return rec.State, nil
		}
		meta, err := remoteInfo(ctx, t.lease.Store, t.path)
		if err != nil {
			return rec.State, err
		}
		localChanged := rec.State == models.CacheNewer
		if !localChanged {
			if localChanged, err = c.cache.Changed(id); err != nil {
				return rec.State, err
			}
		}
		remoteChanged := meta.size != rec.RemoteSize || !meta.mod.Equal(rec.RemoteModTime)

		switch {
		case localChanged && remoteChanged:
			c.states.MarkConflict(id)
		case localChanged:
			c.states.MarkCacheNewer(id)
		case remoteChanged:
			c.states.MarkProvNewer(id)
		}
		st := c.states.State(id)
		c.cache.SetState(id, st)
		return st, nil
	})
}

// Forget drops id's cache content and sync record.
func (c *Coordinator) Forget(ctx context.Context, id models.FileID) error {
	_, err := c.locked(ctx, id, func(context.Context) (models.SyncState, error) {
		err := c.cache.Invalidate(id)
		c.states.Forget(id)
		return models.Unknown, err
	})
	return err
}

// WithFresh ensures id is fresh and runs fn on its cache content while
// still holding the lock. CacheNewer content is used as is.
func (c *Coordinator) WithFresh(ctx context.Context, id models.FileID, fn func(localPath string, e models.CacheEntry) error) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		st, err := c.ensure(ctx, id, t)
		if err != nil {
			return st, err
		}
		e, ok := c.cache.Lookup(id)
		if !ok {
			return st, &cache.IOError{Op: "open", ID: id, Err: cache.ErrNotCached}
		}
		return st, fn(e.LocalPath, e)
	})
}

// ImportLocal stores r as the content of the already registered id and
// pushes it to the provider.
func (c *Coordinator) ImportLocal(ctx context.Context, id models.FileID, r io.Reader) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		if _, err := c.cache.Put(id, r); err != nil {
			return c.states.State(id), err
		}
		return c.push(ctx, id, t)
	})
}

// ImportLocalTree is ImportLocal for collections.
func (c *Coordinator) ImportLocalTree(ctx context.Context, id models.FileID, populate func(fs afero.Fs, dir string) error) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		if _, err := c.cache.PutTree(id, populate); err != nil {
			return c.states.State(id), err
		}
		return c.push(ctx, id, t)
	})
}
