package syncer

import (
	"context"
	"fmt"
	"io"
	"path"

	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/storage"
	"github.com/fruitsalade/provsync/internal/syncstate"
)

// CommitFunc applies a catalog change once the provider side of an
// operation has been confirmed. If it fails the provider side is
// rolled back.
type CommitFunc func(ctx context.Context) error

// MoveFunc runs after the destination copy of a move is confirmed. It
// receives the source store so the caller can remove the original.
type MoveFunc func(ctx context.Context, src remote.Store, srcPath string) error

// acquirePair leases two distinct providers, always in ascending ID
// order so that concurrent transfers in opposite directions cannot
// deadlock against a pending registry update.
func (c *Coordinator) acquirePair(ctx context.Context, src, dst int) (*storage.Lease, *storage.Lease, error) {
	if src == dst {
		return nil, nil, ErrSameProvider
	}
	first, second := src, dst
	if second < first {
		first, second = second, first
	}
	l1, err := c.providers.Acquire(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	l2, err := c.providers.Acquire(ctx, second)
	if err != nil {
		l1.Release()
		return nil, nil, err
	}
	if first == src {
		return l1, l2, nil
	}
	return l2, l1, nil
}

// writeConfirmed uploads id's cache content to p and stats it back.
// A failed upload removes whatever reached the provider.
func (c *Coordinator) writeConfirmed(ctx context.Context, id models.FileID, s remote.Store, p string) (remoteMeta, error) {
	if err := c.upload(ctx, id, s, p); err != nil {
		if derr := s.Delete(ctx, p); derr != nil && !remote.IsNotFound(derr) {
			logging.Warn("cleanup after failed write", zap.String("path", p), zap.Error(derr))
		}
		return remoteMeta{}, err
	}
	return remoteInfo(ctx, s, p)
}

func (m remoteMeta) entry(p string) remote.Entry {
	return remote.Entry{Name: path.Base(p), Path: p, Size: m.size, ModTime: m.mod, IsDir: m.isDir}
}

// Export writes id's fresh content to dstPath on provider dstProvider.
// The identity itself is left where it is.
func (c *Coordinator) Export(ctx context.Context, id models.FileID, dstProvider int, dstPath string) (remote.Entry, error) {
	return c.export(ctx, id, dstProvider, dstPath, nil)
}

// Move writes id's fresh content to dstPath on dstProvider, then runs
// commit, which removes the original and relocates the record. On
// success the identity is in sync with its new location. If commit
// fails the destination copy is removed again.
func (c *Coordinator) Move(ctx context.Context, id models.FileID, dstProvider int, dstPath string, commit MoveFunc) (remote.Entry, error) {
	if commit == nil {
		return remote.Entry{}, fmt.Errorf("move %s: no commit function", id)
	}
	return c.export(ctx, id, dstProvider, dstPath, commit)
}

func (c *Coordinator) export(ctx context.Context, id models.FileID, dstProvider int, dstPath string, commit MoveFunc) (remote.Entry, error) {
	var written remote.Entry
	_, err := c.locked(ctx, id, func(ctx context.Context) (models.SyncState, error) {
		rec, err := c.files.Lookup(ctx, id)
		if err != nil {
			return c.states.State(id), err
		}
		src, dst, err := c.acquirePair(ctx, rec.ProviderID, dstProvider)
		if err != nil {
			return c.states.State(id), err
		}
		defer src.Release()
		defer dst.Release()

		if err := dst.Writable(); err != nil {
			return c.states.State(id), err
		}
		if commit != nil {
			if err := src.Writable(); err != nil {
				return c.states.State(id), err
			}
		}

		t := &target{rec: rec, lease: src, path: src.Descriptor.FilePath(rec)}
		st, err := c.ensure(ctx, id, t)
		if err != nil {
			return st, err
		}

		meta, err := c.writeConfirmed(ctx, id, dst.Store, dstPath)
		if err != nil {
			return st, fmt.Errorf("write to provider %d: %w", dstProvider, err)
		}
		written = meta.entry(dstPath)
		if commit == nil {
			return st, nil
		}

		if err := commit(ctx, src.Store, t.path); err != nil {
			if derr := dst.Store.Delete(ctx, dstPath); derr != nil {
				logging.Warn("rolling back destination copy failed",
					logging.FileID(string(id)),
					zap.Int("provider_id", dstProvider),
					zap.String("path", dstPath),
					zap.Error(derr))
			}
			written = remote.Entry{}
			return st, err
		}

		// The destination now holds exactly the cache content.
		if err := c.cache.MarkSynced(id, models.InSync); err != nil {
			c.states.MarkUnknown(id)
			return models.Unknown, err
		}
		e, _ := c.cache.Lookup(id)
		c.states.MarkInSync(id, syncstate.Baseline{
			RemoteModTime: meta.mod, RemoteSize: meta.size,
			LocalModTime: e.ModTime, LocalSize: e.Size,
		})
		logging.Info("moved",
			logging.FileID(string(id)),
			zap.Int("from_provider", rec.ProviderID),
			zap.Int("to_provider", dstProvider),
			zap.String("path", dstPath))
		return models.InSync, nil
	})
	return written, err
}

// Seed gives the freshly registered id a cache copy of src's content
// and records written as its provider copy.
func (c *Coordinator) Seed(ctx context.Context, id, src models.FileID, written remote.Entry) error {
	_, err := c.locked(ctx, id, func(context.Context) (models.SyncState, error) {
		e, err := c.cache.Clone(src, id)
		if err != nil {
			return models.Unknown, err
		}
		c.states.MarkInSync(id, syncstate.Baseline{
			RemoteModTime: written.ModTime, RemoteSize: written.Size,
			LocalModTime: e.ModTime, LocalSize: e.Size,
		})
		c.cache.SetState(id, models.InSync)
		return models.InSync, nil
	})
	return err
}

// Transform rewrites a single file through fn and stores the result
// under newName on the same provider. Once the new object is confirmed
// commit renames the record and the original object is removed. The
// identity ends in sync with the new content.
func (c *Coordinator) Transform(ctx context.Context, id models.FileID, newName string, fn func(r io.Reader, w io.Writer) error, commit CommitFunc) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		if err := t.lease.Writable(); err != nil {
			return c.states.State(id), err
		}
		if t.rec.IsCollection {
			return c.states.State(id), ErrCollectionUnsupported
		}
		st, err := c.ensure(ctx, id, t)
		if err != nil {
			return st, err
		}

		src, err := c.cache.Open(id)
		if err != nil {
			return st, err
		}
		staged, err := c.cache.Stage(func(w io.Writer) error { return fn(src, w) })
		src.Close()
		if err != nil {
			return st, err
		}
		defer staged.Discard()

		store := t.lease.Store
		newPath := t.lease.Descriptor.PathFor(t.rec.OwnerLogin, newName)
		body, err := staged.Open()
		if err != nil {
			return st, err
		}
		err = store.Write(ctx, newPath, body)
		body.Close()
		if err != nil {
			return st, err
		}
		meta, err := remoteInfo(ctx, store, newPath)
		if err == nil && commit != nil {
			err = commit(ctx)
		}
		if err != nil {
			if derr := store.Delete(ctx, newPath); derr != nil && !remote.IsNotFound(derr) {
				logging.Warn("removing rewritten object failed", zap.String("path", newPath), zap.Error(derr))
			}
			return st, err
		}
		if newPath != t.path {
			if err := store.Delete(ctx, t.path); err != nil && !remote.IsNotFound(err) {
				logging.Warn("original object left behind", logging.FileID(string(id)), zap.String("path", t.path), zap.Error(err))
			}
		}

		e, err := staged.Commit(id)
		if err != nil {
			// The provider copy is authoritative; the next sync pulls it.
			c.states.MarkUnknown(id)
			return models.Unknown, err
		}
		c.states.MarkInSync(id, syncstate.Baseline{
			RemoteModTime: meta.mod, RemoteSize: meta.size,
			LocalModTime: e.ModTime, LocalSize: e.Size,
		})
		c.cache.SetState(id, models.InSync)
		return models.InSync, nil
	})
}

// Rename renames id's provider object to newName, then runs commit.
// If commit fails the provider object is renamed back.
func (c *Coordinator) Rename(ctx context.Context, id models.FileID, newName string, commit CommitFunc) (models.SyncState, error) {
	return c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		st := c.states.State(id)
		if err := t.lease.Writable(); err != nil {
			return st, err
		}
		newPath := t.lease.Descriptor.PathFor(t.rec.OwnerLogin, newName)
		if newPath == t.path {
			return st, nil
		}
		store := t.lease.Store
		if err := store.Rename(ctx, t.path, newPath); err != nil {
			return st, err
		}
		if commit != nil {
			if err := commit(ctx); err != nil {
				if rerr := store.Rename(ctx, newPath, t.path); rerr != nil {
					logging.Error("rename rollback failed",
						logging.FileID(string(id)),
						zap.String("from", newPath),
						zap.String("to", t.path),
						zap.Error(rerr))
				}
				return st, err
			}
		}
		// Some backends rewrite the object on rename; the content did not change.
		if st == models.InSync || st == models.CacheNewer {
			if meta, err := remoteInfo(ctx, store, newPath); err == nil {
				c.states.Rebase(id, meta.mod, meta.size)
			}
		}
		return st, nil
	})
}

// Remove deletes id's provider object, then runs commit and drops the
// cache copy and sync record. A provider object that is already gone
// is not an error.
func (c *Coordinator) Remove(ctx context.Context, id models.FileID, commit CommitFunc) error {
	_, err := c.lockedTarget(ctx, id, func(ctx context.Context, t *target) (models.SyncState, error) {
		st := c.states.State(id)
		if err := t.lease.Writable(); err != nil {
			return st, err
		}
		if err := t.lease.Store.Delete(ctx, t.path); err != nil && !remote.IsNotFound(err) {
			return st, err
		}
		if commit != nil {
			if err := commit(ctx); err != nil {
				return st, err
			}
		}
		if err := c.cache.Invalidate(id); err != nil {
			logging.Warn("dropping cache copy failed", logging.FileID(string(id)), zap.Error(err))
		}
		c.states.Forget(id)
		return models.Unknown, nil
	})
	return err
}
