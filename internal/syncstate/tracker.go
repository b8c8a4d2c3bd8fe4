// Package syncstate records, per file identity, how the cached copy
// relates to the provider copy.
//
// Mutations are only made by the sync coordinator while it holds the
// identity's transfer lock; readers may observe a state at any time.
package syncstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/fruitsalade/provsync/internal/metrics"
	"github.com/fruitsalade/provsync/internal/models"
)

// Record is the tracked state of one identity. RemoteModTime/RemoteSize
// and LocalModTime/LocalSize are the metadata observed at LastSync.
type Record struct {
	State         models.SyncState `json:"state"`
	Conflict      bool             `json:"conflict,omitempty"`
	FailedOp      string           `json:"failed_op,omitempty"`
	RemoteModTime time.Time        `json:"remote_mtime"`
	RemoteSize    int64            `json:"remote_size"`
	LocalModTime  time.Time        `json:"local_mtime"`
	LocalSize     int64            `json:"local_size"`
	LastSync      time.Time        `json:"last_sync"`
}

// Baseline is the metadata of both copies right after a transfer.
type Baseline struct {
	RemoteModTime time.Time
	RemoteSize    int64
	LocalModTime  time.Time
	LocalSize     int64
}

// Tracker holds the state table.
type Tracker struct {
	mu      sync.RWMutex
	records map[models.FileID]*Record
	now     func() time.Time
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		records: make(map[models.FileID]*Record),
		now:     time.Now,
	}
}

// State returns id's state, Unknown if it was never recorded.
func (t *Tracker) State(id models.FileID) models.SyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[id]; ok {
		return r.State
	}
	return models.Unknown
}

// Get returns a copy of id's record.
func (t *Tracker) Get(id models.FileID) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (t *Tracker) set(id models.FileID, fn func(r *Record)) {
	t.mu.Lock()
	r, ok := t.records[id]
	if !ok {
		r = &Record{}
		t.records[id] = r
	}
	before := r.State
	fn(r)
	after := r.State
	t.mu.Unlock()

	if before != after || !ok {
		metrics.RecordSyncTransition(after.String())
	}
}

// MarkInSync records a completed transfer and its new baseline.
func (t *Tracker) MarkInSync(id models.FileID, b Baseline) {
	t.set(id, func(r *Record) {
		*r = Record{
			State:         models.InSync,
			RemoteModTime: b.RemoteModTime,
			RemoteSize:    b.RemoteSize,
			LocalModTime:  b.LocalModTime,
			LocalSize:     b.LocalSize,
			LastSync:      t.now(),
		}
	})
}

// Rebase replaces the remote half of id's baseline without touching
// its state. Used when the provider copy moved without changing.
func (t *Tracker) Rebase(id models.FileID, remoteMod time.Time, remoteSize int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.RemoteModTime, r.RemoteSize = remoteMod, remoteSize
	}
}

// MarkCacheNewer records unpushed local edits. The baseline is kept.
func (t *Tracker) MarkCacheNewer(id models.FileID) {
	t.set(id, func(r *Record) {
		r.State = models.CacheNewer
		r.Conflict, r.FailedOp = false, ""
	})
}

// MarkProvNewer records an unpulled provider change.
func (t *Tracker) MarkProvNewer(id models.FileID) {
	t.set(id, func(r *Record) {
		r.State = models.ProvNewer
		r.Conflict, r.FailedOp = false, ""
	})
}

// MarkCorrupted records a transfer in direction op ("pull" or "push")
// that did not complete.
func (t *Tracker) MarkCorrupted(id models.FileID, op string) {
	t.set(id, func(r *Record) {
		r.State = models.Corrupted
		r.Conflict, r.FailedOp = false, op
	})
}

// MarkConflict records that both copies changed since the last sync.
// It is reported as Corrupted and only cleared by explicit resolution.
func (t *Tracker) MarkConflict(id models.FileID) {
	t.set(id, func(r *Record) {
		r.State = models.Corrupted
		r.Conflict, r.FailedOp = true, ""
	})
}

// MarkUnknown resets id to Unknown while keeping nothing else.
func (t *Tracker) MarkUnknown(id models.FileID) {
	t.set(id, func(r *Record) { *r = Record{} })
}

// Forget drops id entirely.
func (t *Tracker) Forget(id models.FileID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Snapshot returns a copy of every record.
func (t *Tracker) Snapshot() map[models.FileID]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[models.FileID]Record, len(t.records))
	for id, r := range t.records {
		out[id] = *r
	}
	return out
}

// Save writes the table as JSON to path on fs, via a temp file.
func (t *Tracker) Save(fs afero.Fs, path string) error {
	data, err := json.MarshalIndent(t.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}

// Load replaces the table with the one saved at path. A missing file
// leaves the tracker empty.
func (t *Tracker) Load(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap map[models.FileID]Record
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[models.FileID]*Record, len(snap))
	for id, r := range snap {
		r := r
		t.records[id] = &r
	}
	return nil
}
