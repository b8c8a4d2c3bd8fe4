// Package bulk runs one kind of operation over many file identities.
// Items are processed independently: a failing item is recorded in the
// result and the rest carry on.
package bulk

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/provsync/internal/archive"
	"github.com/fruitsalade/provsync/internal/catalog"
	"github.com/fruitsalade/provsync/internal/events"
	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/metrics"
	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/syncer"
	"github.com/fruitsalade/provsync/internal/tasks"
)

// Op is a bulk operation kind.
type Op string

const (
	OpDownload Op = "download"
	OpMove     Op = "move"
	OpCopy     Op = "copy"
	OpExtract  Op = "extract"
	OpCompress Op = "compress"
	OpDelete   Op = "delete"
	OpSync     Op = "sync"
)

// ParseOp validates an operation name.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpDownload, OpMove, OpCopy, OpExtract, OpCompress, OpDelete, OpSync:
		return op, nil
	}
	return "", fmt.Errorf("unknown bulk operation %q", s)
}

// ExtractMode selects how archive members become records.
type ExtractMode string

const (
	// ExtractFlat registers one file record per regular file.
	ExtractFlat ExtractMode = "flat"
	// ExtractCollection registers one collection named after the archive.
	ExtractCollection ExtractMode = "collection"
)

const DefaultMaxDownloadBytes int64 = 400 << 20

var legalFilename = regexp.MustCompile(`^[a-zA-Z0-9][\w~!@#%^&*()\-+=:\[\]{}|<>,.?]*$`)

// IsLegalFilename reports whether name may be used for a new file.
func IsLegalFilename(name string) bool {
	return legalFilename.MatchString(name)
}

// Options carries the per-operation parameters.
type Options struct {
	// DestProvider is the target of move and copy.
	DestProvider int
	// Output receives download content.
	Output io.Writer
	// ArchiveName names a multi-file download bundle.
	ArchiveName string
	// Mode selects extraction layout; empty means flat.
	Mode ExtractMode
	// Codec selects the compress codec; empty means gzip.
	Codec string
}

// Request is one bulk operation. An empty Principal skips access checks.
type Request struct {
	Op        Op
	IDs       []models.FileID
	Principal string
	Options   Options
}

// Outcome is the result for one identity.
type Outcome struct {
	ID      models.FileID   `json:"id"`
	OK      bool            `json:"ok"`
	Skipped bool            `json:"skipped,omitempty"`
	Err     error           `json:"-"`
	Reason  string          `json:"reason,omitempty"`
	NewIDs  []models.FileID `json:"new_ids,omitempty"`
}

// Result aggregates every outcome of a bulk operation. Skipped items
// count as succeeded.
type Result struct {
	Op           Op        `json:"op"`
	OperationID  string    `json:"operation_id"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	Outcomes     []Outcome `json:"outcomes"`
	DownloadName string    `json:"download_name,omitempty"`
}

// Failures returns the failed outcomes in request order.
func (r *Result) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK {
			out = append(out, o)
		}
	}
	return out
}

func (r *Result) tally() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for _, o := range r.Outcomes {
		switch {
		case !o.OK:
			r.Failed++
		case o.Skipped:
			r.Succeeded++
			r.Skipped++
		default:
			r.Succeeded++
		}
	}
}

// Providers describes configured providers without leasing them.
type Providers interface {
	Descriptor(id int) (models.ProviderDescriptor, bool)
}

// Notifier receives item and aggregate progress.
type Notifier interface {
	Publish(events.Event)
}

// Config tunes a Runner.
type Config struct {
	Concurrency      int
	MaxDownloadBytes int64
	// Extract bounds each unpacked archive; zero fields fall back to
	// archive.DefaultLimits.
	Extract archive.Limits
}

func (c Config) extractLimits() archive.Limits {
	lim := c.Extract
	if lim.MaxBytes == 0 {
		lim.MaxBytes = archive.DefaultLimits.MaxBytes
	}
	if lim.MaxEntries == 0 {
		lim.MaxEntries = archive.DefaultLimits.MaxEntries
	}
	return lim
}

// Runner executes bulk operations.
type Runner struct {
	co        *syncer.Coordinator
	cat       catalog.Catalog
	providers Providers
	notify    Notifier
	spawner   tasks.Spawner
	cfg       Config
}

// Option configures a Runner.
type Option func(*Runner)

// WithNotifier publishes progress to n.
func WithNotifier(n Notifier) Option { return func(r *Runner) { r.notify = n } }

// WithSpawner runs submitted operations on s instead of a private pool.
func WithSpawner(s tasks.Spawner) Option { return func(r *Runner) { r.spawner = s } }

// New creates a Runner.
func New(co *syncer.Coordinator, cat catalog.Catalog, providers Providers, cfg Config, opts ...Option) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = DefaultMaxDownloadBytes
	}
	r := &Runner{co: co, cat: cat, providers: providers, cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	if r.spawner == nil {
		r.spawner = tasks.NewPool(cfg.Concurrency)
	}
	return r
}

// plan is a request that passed its preconditions.
type plan struct {
	req    Request
	opID   string
	ids    []models.FileID
	recs   map[models.FileID]*models.FileRecord
	dest   models.ProviderDescriptor
	item   func(ctx context.Context, id models.FileID) Outcome
	finish func(ctx context.Context, res *Result) error
}

// Run executes req and waits for every item. A *PreconditionError
// means nothing ran; any other error comes from the final step of the
// operation (streaming a download) after items were processed.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	p, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, p)
}

// Job is a bulk operation running in the background.
type Job struct {
	Task *tasks.Task
	p    *plan

	mu     sync.Mutex
	result *Result
}

// Result returns the operation result once the job is done, nil
// before. A job cancelled before it started reports every item as
// cancelled.
func (j *Job) Result() *Result {
	select {
	case <-j.Task.Done():
	default:
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.result == nil {
		j.result = cancelledResult(j.p)
	}
	return j.result
}

// Submit checks req's preconditions now and runs the items in the
// background, detached from ctx's cancellation.
func (r *Runner) Submit(ctx context.Context, req Request) (*Job, error) {
	p, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	j := &Job{p: p}
	j.Task = r.spawner.Submit(ctx, "bulk "+string(req.Op), func(ctx context.Context) error {
		res, err := r.execute(ctx, p)
		j.mu.Lock()
		j.result = res
		j.mu.Unlock()
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("bulk %s: %d of %d items failed", req.Op, res.Failed, len(res.Outcomes))
		}
		return nil
	})
	return j, nil
}

func cancelledResult(p *plan) *Result {
	res := &Result{Op: p.req.Op, OperationID: p.opID, Outcomes: make([]Outcome, len(p.ids))}
	for i, id := range p.ids {
		res.Outcomes[i] = Outcome{ID: id, Err: ErrCancelled, Reason: reasonOf(ErrCancelled)}
	}
	res.Outcomes = expand(p.req.IDs, res.Outcomes)
	res.tally()
	return res
}

const reasonDuplicate = "duplicate"

// expand lays the outcomes of the distinct ids out in submitted order,
// one per submitted id. Repeats of an id are skipped as duplicates.
func expand(submitted []models.FileID, outs []Outcome) []Outcome {
	if len(submitted) == len(outs) {
		return outs
	}
	byID := make(map[models.FileID]Outcome, len(outs))
	for _, o := range outs {
		byID[o.ID] = o
	}
	seen := make(map[models.FileID]bool, len(outs))
	all := make([]Outcome, 0, len(submitted))
	for _, id := range submitted {
		if seen[id] {
			all = append(all, Outcome{ID: id, OK: true, Skipped: true, Reason: reasonDuplicate})
			continue
		}
		seen[id] = true
		all = append(all, byID[id])
	}
	return all
}

func dedupe(ids []models.FileID) []models.FileID {
	seen := make(map[models.FileID]bool, len(ids))
	out := make([]models.FileID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (r *Runner) prepare(ctx context.Context, req Request) (*plan, error) {
	if _, err := ParseOp(string(req.Op)); err != nil {
		return nil, &PreconditionError{Op: req.Op, Err: ErrMissingParameter, Detail: err.Error()}
	}
	p := &plan{
		req:  req,
		opID: uuid.New().String(),
		ids:  dedupe(req.IDs),
		recs: make(map[models.FileID]*models.FileRecord),
	}
	if len(p.ids) == 0 {
		return nil, r.rejected(reject(req.Op, ErrMissingParameter, "no files selected"))
	}
	// Missing records fail their own item later.
	for _, id := range p.ids {
		if rec, err := r.cat.Lookup(ctx, id); err == nil {
			p.recs[id] = rec
		}
	}

	var perr *PreconditionError
	switch req.Op {
	case OpDownload:
		perr = r.prepareDownload(p)
	case OpMove, OpCopy:
		perr = r.prepareTransfer(p)
	case OpExtract:
		perr = r.prepareExtract(p)
	case OpCompress:
		perr = r.prepareCompress(ctx, p)
	case OpDelete:
		p.item = r.deleteItem(p)
	case OpSync:
		p.item = r.syncItem(p)
	}
	if perr != nil {
		return nil, r.rejected(perr)
	}
	return p, nil
}

func (r *Runner) rejected(e *PreconditionError) error {
	metrics.RecordBulkRejected(string(e.Op), reasonOf(e.Err))
	logging.Warn("bulk operation rejected",
		zap.String("op", string(e.Op)),
		zap.Error(e))
	return e
}

// execute dispatches every item. Once ctx is cancelled no further item
// starts; items already started run to completion detached from ctx.
func (r *Runner) execute(ctx context.Context, p *plan) (*Result, error) {
	start := time.Now()
	ctx = logging.WithOperationID(ctx, p.opID)
	log := logging.WithContext(ctx)
	work := context.WithoutCancel(ctx)

	res := &Result{Op: p.req.Op, OperationID: p.opID, Outcomes: make([]Outcome, len(p.ids))}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range p.ids {
		if ctx.Err() != nil {
			res.Outcomes[i] = Outcome{ID: id, Err: ErrCancelled}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				res.Outcomes[i] = Outcome{ID: id, Err: ErrCancelled}
				return nil
			}
			res.Outcomes[i] = p.item(work, id)
			return nil
		})
	}
	_ = g.Wait()

	var finishErr error
	if p.finish != nil {
		finishErr = p.finish(work, res)
	}

	for i := range res.Outcomes {
		o := &res.Outcomes[i]
		o.ID = p.ids[i]
		o.OK = o.Err == nil
		o.Reason = reasonOf(o.Err)
		metrics.RecordBulkItem(string(p.req.Op), o.OK, o.Skipped)
		r.publishItem(p, *o)
		if !o.OK {
			log.Warn("bulk item failed",
				zap.String("op", string(p.req.Op)),
				logging.FileID(string(o.ID)),
				zap.String("reason", o.Reason),
				zap.Error(o.Err))
		}
	}
	res.Outcomes = expand(p.req.IDs, res.Outcomes)
	for _, o := range res.Outcomes {
		if o.Reason == reasonDuplicate {
			metrics.RecordBulkItem(string(p.req.Op), true, true)
			r.publishItem(p, o)
		}
	}
	res.tally()
	metrics.RecordBulkDuration(string(p.req.Op), time.Since(start))

	log.Info("bulk operation finished",
		zap.String("op", string(p.req.Op)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", time.Since(start)))
	r.publishDone(res, finishErr)
	return res, finishErr
}

func (r *Runner) publishItem(p *plan, o Outcome) {
	if r.notify == nil {
		return
	}
	ev := events.Event{
		Type:        events.EventItem,
		OperationID: p.opID,
		Op:          string(p.req.Op),
		FileID:      string(o.ID),
		State:       r.co.State(o.ID).String(),
		OK:          o.OK,
		Skipped:     o.Skipped,
		Timestamp:   time.Now().Unix(),
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	r.notify.Publish(ev)
}

func (r *Runner) publishDone(res *Result, err error) {
	if r.notify == nil {
		return
	}
	ev := events.Event{
		Type:        events.EventBulkDone,
		OperationID: res.OperationID,
		Op:          string(res.Op),
		OK:          res.Failed == 0 && err == nil,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		Timestamp:   time.Now().Unix(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.notify.Publish(ev)
}

// authorize checks principal's access to id. The empty principal is
// the system itself.
func (r *Runner) authorize(ctx context.Context, principal string, id models.FileID, level catalog.AccessLevel) error {
	if principal == "" {
		return nil
	}
	ok, err := r.cat.HasAccess(ctx, principal, id, level)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s access to file %s for %q: %w", level, id, principal, ErrAuthorizationDenied)
	}
	return nil
}

// record returns id's record looked up during prepare.
func (p *plan) record(id models.FileID) (*models.FileRecord, error) {
	if rec, ok := p.recs[id]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("file %s: %w", id, catalog.ErrNotFound)
}
