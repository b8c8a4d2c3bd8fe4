package bulk

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/archive"
	"github.com/fruitsalade/provsync/internal/catalog"
	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/models"
)

const bundleSuffix = ".tar.gz"

func (r *Runner) prepareDownload(p *plan) *PreconditionError {
	opts := p.req.Options
	if opts.Output == nil {
		return reject(OpDownload, ErrMissingParameter, "no output")
	}
	if opts.ArchiveName != "" && !IsLegalFilename(opts.ArchiveName) {
		return reject(OpDownload, ErrIllegalFilename, "filename %q is not acceptable", opts.ArchiveName)
	}
	var total int64
	for _, rec := range p.recs {
		total += rec.Size
	}
	if total > r.cfg.MaxDownloadBytes {
		return reject(OpDownload, ErrSizeLimitExceeded,
			"cannot download data that exceeds %d MB (selected %d bytes)", r.cfg.MaxDownloadBytes>>20, total)
	}

	p.item = func(ctx context.Context, id models.FileID) Outcome {
		if _, err := p.record(id); err != nil {
			return Outcome{Err: err}
		}
		if err := r.authorize(ctx, p.req.Principal, id, catalog.AccessRead); err != nil {
			return Outcome{Err: err}
		}
		_, err := r.co.EnsureCacheFresh(ctx, id)
		return Outcome{Err: err}
	}
	p.finish = r.finishDownload(p)
	return nil
}

// finishDownload streams the fresh content to the output: a single
// file as is, anything else as one bundle.
func (r *Runner) finishDownload(p *plan) func(context.Context, *Result) error {
	return func(ctx context.Context, res *Result) error {
		out := p.req.Options.Output
		if len(p.ids) == 1 {
			rec, ok := p.recs[p.ids[0]]
			if !ok || res.Outcomes[0].Err != nil {
				return nil
			}
			if !rec.IsCollection {
				return r.streamFile(ctx, rec, out, res)
			}
		}

		ready := 0
		for _, o := range res.Outcomes {
			if o.Err == nil {
				ready++
			}
		}
		if ready == 0 {
			return nil
		}
		return r.streamBundle(ctx, p, out, res)
	}
}

func (r *Runner) streamFile(ctx context.Context, rec *models.FileRecord, out io.Writer, res *Result) error {
	fs := r.co.Cache().Fs()
	var streamErr error
	_, err := r.co.WithFresh(ctx, rec.ID, func(localPath string, _ models.CacheEntry) error {
		f, err := fs.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(out, f); err != nil {
			streamErr = fmt.Errorf("stream %s: %w", rec.Name, err)
			return streamErr
		}
		return nil
	})
	if streamErr != nil {
		return streamErr
	}
	if err != nil {
		res.Outcomes[0].Err = err
		return nil
	}
	res.DownloadName = rec.Name
	return nil
}

// streamBundle builds the bundle in a scratch file that is removed on
// every return path.
func (r *Runner) streamBundle(ctx context.Context, p *plan, out io.Writer, res *Result) error {
	c := r.co.Cache()
	fs := c.Fs()
	tmp, err := c.ScratchFile("bundle-")
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		if err := fs.Remove(tmpName); err != nil {
			logging.Warn("removing download bundle failed", zap.String("path", tmpName), zap.Error(err))
		}
	}()

	b := archive.NewBundle(tmp)
	for i, id := range p.ids {
		if res.Outcomes[i].Err != nil {
			continue
		}
		rec := p.recs[id]
		var addErr error
		_, err := r.co.WithFresh(ctx, id, func(localPath string, _ models.CacheEntry) error {
			_, addErr = b.Add(fs, localPath, rec.Name)
			return addErr
		})
		if addErr != nil {
			return fmt.Errorf("bundle %s: %w", rec.Name, addErr)
		}
		if err != nil {
			res.Outcomes[i].Err = err
		}
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("close bundle: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind bundle: %w", err)
	}
	if _, err := io.Copy(out, tmp); err != nil {
		return fmt.Errorf("stream bundle: %w", err)
	}

	name := p.req.Options.ArchiveName
	if name == "" {
		name = "provsync-" + p.opID[:8]
	}
	if !strings.HasSuffix(name, bundleSuffix) {
		name += bundleSuffix
	}
	res.DownloadName = name
	return nil
}
