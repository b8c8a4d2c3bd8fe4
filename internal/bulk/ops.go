package bulk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/archive"
	"github.com/fruitsalade/provsync/internal/catalog"
	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/storage"
)

// syncItem pulls identities whose cache is missing or stale. Files
// already in sync, or holding unpushed edits, are skipped.
func (r *Runner) syncItem(p *plan) func(context.Context, models.FileID) Outcome {
	return func(ctx context.Context, id models.FileID) Outcome {
		if _, err := p.record(id); err != nil {
			return Outcome{Err: err}
		}
		if err := r.authorize(ctx, p.req.Principal, id, catalog.AccessRead); err != nil {
			return Outcome{Err: err}
		}
		switch r.co.State(id) {
		case models.InSync, models.CacheNewer:
			return Outcome{Skipped: true}
		}
		_, err := r.co.EnsureCacheFresh(ctx, id)
		return Outcome{Err: err}
	}
}

func (r *Runner) deleteItem(p *plan) func(context.Context, models.FileID) Outcome {
	return func(ctx context.Context, id models.FileID) Outcome {
		if _, err := p.record(id); err != nil {
			return Outcome{Err: err}
		}
		if err := r.authorize(ctx, p.req.Principal, id, catalog.AccessOwner); err != nil {
			return Outcome{Err: err}
		}
		err := r.co.Remove(ctx, id, func(ctx context.Context) error {
			return r.cat.Remove(ctx, id)
		})
		return Outcome{Err: err}
	}
}

func (r *Runner) prepareTransfer(p *plan) *PreconditionError {
	op := p.req.Op
	destID := p.req.Options.DestProvider
	if destID == 0 {
		return reject(op, ErrMissingParameter, "no destination provider")
	}
	dest, ok := r.providers.Descriptor(destID)
	switch {
	case !ok:
		return reject(op, storage.ErrProviderNotFound, "provider %d", destID)
	case !dest.Online:
		return reject(op, storage.ErrProviderOffline, "provider %d (%s)", destID, dest.Name)
	case dest.ReadOnly:
		return reject(op, ErrReadOnly, "provider %d (%s)", destID, dest.Name)
	}
	p.dest = dest
	if op == OpMove {
		p.item = r.moveItem(p)
	} else {
		p.item = r.copyItem(p)
	}
	return nil
}

func (r *Runner) checkName(ctx context.Context, providerID int, rec *models.FileRecord, name string) error {
	exists, err := r.cat.NameExists(ctx, providerID, rec.OwnerID, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%q already exists on provider %d: %w", name, providerID, ErrNameCollision)
	}
	return nil
}

func (r *Runner) moveItem(p *plan) func(context.Context, models.FileID) Outcome {
	return func(ctx context.Context, id models.FileID) Outcome {
		rec, err := p.record(id)
		if err != nil {
			return Outcome{Err: err}
		}
		if err := r.authorize(ctx, p.req.Principal, id, catalog.AccessOwner); err != nil {
			return Outcome{Err: err}
		}
		if rec.ProviderID == p.dest.ID {
			return Outcome{Skipped: true}
		}
		if err := r.checkName(ctx, p.dest.ID, rec, rec.Name); err != nil {
			return Outcome{Err: err}
		}
		dstPath := p.dest.PathFor(rec.OwnerLogin, rec.Name)
		_, err = r.co.Move(ctx, id, p.dest.ID, dstPath, func(ctx context.Context, src remote.Store, srcPath string) error {
			if err := r.cat.Relocate(ctx, id, p.dest.ID); err != nil {
				return err
			}
			if err := src.Delete(ctx, srcPath); err != nil && !remote.IsNotFound(err) {
				if rerr := r.cat.Relocate(ctx, id, rec.ProviderID); rerr != nil {
					logging.Error("restoring record location failed",
						logging.FileID(string(id)),
						zap.Int("provider_id", rec.ProviderID),
						zap.Error(rerr))
				}
				return fmt.Errorf("remove source copy: %w", err)
			}
			return nil
		})
		return Outcome{Err: err}
	}
}

// copyItem claims the name with a new record first, so a concurrent
// writer cannot be overwritten at the destination.
func (r *Runner) copyItem(p *plan) func(context.Context, models.FileID) Outcome {
	return func(ctx context.Context, id models.FileID) Outcome {
		rec, err := p.record(id)
		if err != nil {
			return Outcome{Err: err}
		}
		if err := r.authorize(ctx, p.req.Principal, id, catalog.AccessRead); err != nil {
			return Outcome{Err: err}
		}
		if err := r.checkName(ctx, p.dest.ID, rec, rec.Name); err != nil {
			return Outcome{Err: err}
		}
		nrec, err := r.cat.Register(ctx, models.FileRecord{
			Name:         rec.Name,
			ProviderID:   p.dest.ID,
			OwnerID:      rec.OwnerID,
			OwnerLogin:   rec.OwnerLogin,
			Size:         rec.Size,
			ModTime:      rec.ModTime,
			IsCollection: rec.IsCollection,
		})
		if err != nil {
			return Outcome{Err: asCollision(err)}
		}

		written, err := r.co.Export(ctx, id, p.dest.ID, p.dest.PathFor(rec.OwnerLogin, rec.Name))
		if err != nil {
			if rerr := r.cat.Remove(ctx, nrec.ID); rerr != nil {
				logging.Warn("removing unused copy record failed", logging.FileID(string(nrec.ID)), zap.Error(rerr))
			}
			return Outcome{Err: err}
		}
		if err := r.cat.UpdateContent(ctx, nrec.ID, written.Size, written.ModTime); err != nil {
			logging.Warn("recording copy size failed", logging.FileID(string(nrec.ID)), zap.Error(err))
		}
		if err := r.co.Seed(ctx, nrec.ID, id, written); err != nil {
			// The copy is complete on the provider; its cache fills on first use.
			logging.Warn("seeding copy cache failed", logging.FileID(string(nrec.ID)), zap.Error(err))
		}
		return Outcome{NewIDs: []models.FileID{nrec.ID}}
	}
}

func (r *Runner) prepareCompress(ctx context.Context, p *plan) *PreconditionError {
	codec, err := archive.ParseCodec(p.req.Options.Codec)
	if err != nil {
		return reject(OpCompress, ErrUnsupportedFormat, "%v", err)
	}
	for _, id := range p.ids {
		rec, ok := p.recs[id]
		if !ok {
			continue
		}
		desc, ok := r.providers.Descriptor(rec.ProviderID)
		if !ok {
			continue
		}
		if desc.ReadOnly {
			return reject(OpCompress, ErrReadOnly, "provider %d (%s) holds %q", desc.ID, desc.Name, rec.Name)
		}
		newName := rec.Name + codec.Suffix()
		if err := r.checkName(ctx, rec.ProviderID, rec, newName); err != nil {
			return reject(OpCompress, ErrNameCollision, "%v", err)
		}
	}

	p.item = func(ctx context.Context, id models.FileID) Outcome {
		rec, err := p.record(id)
		if err != nil {
			return Outcome{Err: err}
		}
		if err := r.authorize(ctx, p.req.Principal, id, catalog.AccessOwner); err != nil {
			return Outcome{Err: err}
		}
		newName := rec.Name + codec.Suffix()
		_, err = r.co.Transform(ctx, id, newName, codec.Compress, func(ctx context.Context) error {
			return r.cat.Rename(ctx, id, newName)
		})
		if err != nil {
			return Outcome{Err: err}
		}
		if e, ok := r.co.Cache().Lookup(id); ok {
			if err := r.cat.UpdateContent(ctx, id, e.Size, e.ModTime); err != nil {
				logging.Warn("recording compressed size failed", logging.FileID(string(id)), zap.Error(err))
			}
		}
		return Outcome{}
	}
	return nil
}

func (r *Runner) prepareExtract(p *plan) *PreconditionError {
	mode := p.req.Options.Mode
	switch mode {
	case "":
		mode = ExtractFlat
	case ExtractFlat, ExtractCollection:
	default:
		return reject(OpExtract, ErrMissingParameter, "unknown extract mode %q", mode)
	}
	for _, id := range p.ids {
		rec, ok := p.recs[id]
		if !ok {
			continue
		}
		if _, err := archive.DetectFormat(rec.Name); err != nil || rec.IsCollection {
			return reject(OpExtract, ErrUnsupportedFormat, "%q", rec.Name)
		}
	}

	p.item = func(ctx context.Context, id models.FileID) Outcome {
		rec, err := p.record(id)
		if err != nil {
			return Outcome{Err: err}
		}
		if err := r.authorize(ctx, p.req.Principal, id, catalog.AccessRead); err != nil {
			return Outcome{Err: err}
		}
		if desc, ok := r.providers.Descriptor(rec.ProviderID); ok && desc.ReadOnly {
			return Outcome{Err: fmt.Errorf("provider %d (%s): %w", desc.ID, desc.Name, ErrReadOnly)}
		}

		fs := r.co.Cache().Fs()
		scratch, err := r.co.Cache().ScratchDir("extract-")
		if err != nil {
			return Outcome{Err: err}
		}
		defer fs.RemoveAll(scratch)

		var members []string
		_, err = r.co.WithFresh(ctx, id, func(localPath string, e models.CacheEntry) error {
			var xerr error
			members, xerr = archive.ExtractWithLimits(fs, localPath, rec.Name, scratch, r.cfg.extractLimits())
			return xerr
		})
		if err != nil {
			return Outcome{Err: err}
		}

		var created []models.FileID
		if mode == ExtractCollection {
			created, err = r.extractCollection(ctx, rec, fs, scratch)
		} else {
			created, err = r.extractFlat(ctx, rec, fs, scratch, members)
		}
		return Outcome{Err: err, NewIDs: created}
	}
	return nil
}

// extractFlat registers one record per member, named after the
// member's base name. Every name is checked before anything is written.
func (r *Runner) extractFlat(ctx context.Context, rec *models.FileRecord, fs afero.Fs, scratch string, members []string) ([]models.FileID, error) {
	byName := make(map[string]string, len(members))
	for _, m := range members {
		name := path.Base(m)
		if !IsLegalFilename(name) {
			return nil, fmt.Errorf("member %q: %w", m, ErrIllegalFilename)
		}
		if prev, dup := byName[name]; dup {
			return nil, fmt.Errorf("members %q and %q: %w", prev, m, ErrNameCollision)
		}
		if err := r.checkName(ctx, rec.ProviderID, rec, name); err != nil {
			return nil, err
		}
		byName[name] = m
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var created []models.FileID
	for _, name := range names {
		local := filepath.Join(scratch, filepath.FromSlash(byName[name]))
		info, err := fs.Stat(local)
		if err != nil {
			return created, err
		}
		nrec, err := r.cat.Register(ctx, models.FileRecord{
			Name:       name,
			ProviderID: rec.ProviderID,
			OwnerID:    rec.OwnerID,
			OwnerLogin: rec.OwnerLogin,
			Size:       info.Size(),
			ModTime:    info.ModTime(),
		})
		if err != nil {
			return created, asCollision(err)
		}
		f, err := fs.Open(local)
		if err != nil {
			r.abandon(ctx, nrec.ID)
			return created, err
		}
		_, err = r.co.ImportLocal(ctx, nrec.ID, f)
		f.Close()
		if err != nil {
			r.abandon(ctx, nrec.ID)
			return created, err
		}
		created = append(created, nrec.ID)
	}
	return created, nil
}

func (r *Runner) extractCollection(ctx context.Context, rec *models.FileRecord, fs afero.Fs, scratch string) ([]models.FileID, error) {
	name := archive.Stem(rec.Name)
	if !IsLegalFilename(name) {
		return nil, fmt.Errorf("collection %q: %w", name, ErrIllegalFilename)
	}
	if err := r.checkName(ctx, rec.ProviderID, rec, name); err != nil {
		return nil, err
	}
	var size int64
	err := afero.Walk(fs, scratch, func(_ string, fi os.FileInfo, err error) error {
		if err == nil && fi.Mode().IsRegular() {
			size += fi.Size()
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	nrec, err := r.cat.Register(ctx, models.FileRecord{
		Name:         name,
		ProviderID:   rec.ProviderID,
		OwnerID:      rec.OwnerID,
		OwnerLogin:   rec.OwnerLogin,
		Size:         size,
		IsCollection: true,
	})
	if err != nil {
		return nil, asCollision(err)
	}
	_, err = r.co.ImportLocalTree(ctx, nrec.ID, func(dfs afero.Fs, dir string) error {
		return copyTree(fs, scratch, dfs, dir)
	})
	if err != nil {
		r.abandon(ctx, nrec.ID)
		return nil, err
	}
	return []models.FileID{nrec.ID}, nil
}

// abandon removes a record created by a failed extraction, along with
// anything already written for it.
func (r *Runner) abandon(ctx context.Context, id models.FileID) {
	err := r.co.Remove(ctx, id, func(ctx context.Context) error { return r.cat.Remove(ctx, id) })
	if err == nil {
		return
	}
	logging.Warn("cleaning up extracted file failed", logging.FileID(string(id)), zap.Error(err))
	if ferr := r.co.Forget(ctx, id); ferr != nil {
		logging.Warn("forgetting extracted file failed", logging.FileID(string(id)), zap.Error(ferr))
	}
	if rerr := r.cat.Remove(ctx, id); rerr != nil {
		logging.Warn("removing extracted record failed", logging.FileID(string(id)), zap.Error(rerr))
	}
}

func copyTree(src afero.Fs, srcDir string, dst afero.Fs, dstDir string) error {
	return afero.Walk(src, srcDir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, rel)
		if fi.IsDir() {
			return dst.MkdirAll(target, 0755)
		}
		in, err := src.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := dst.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
