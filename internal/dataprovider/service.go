// Package dataprovider is the entry point used by front ends: it binds
// the provider registry, catalog, cache coordinator and bulk runner
// into the operations a user can ask for.
package dataprovider

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/bulk"
	"github.com/fruitsalade/provsync/internal/catalog"
	"github.com/fruitsalade/provsync/internal/events"
	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/storage"
	"github.com/fruitsalade/provsync/internal/syncer"
	"github.com/fruitsalade/provsync/internal/syncstate"
	"github.com/fruitsalade/provsync/internal/tasks"
)

const stateFile = "syncstate.json"

// Deps are the collaborators a Service is built from.
type Deps struct {
	Registry *storage.Registry
	Catalog  catalog.Catalog
	States   *syncstate.Tracker
	Coord    *syncer.Coordinator
	Notifier bulk.Notifier
	Spawner  tasks.Spawner
	Bulk     bulk.Config
}

// Service implements the provider-facing operations.
type Service struct {
	reg    *storage.Registry
	cat    catalog.Catalog
	states *syncstate.Tracker
	co     *syncer.Coordinator
	notify bulk.Notifier
	runner *bulk.Runner
}

// New builds a Service. Notifier and Spawner are optional.
func New(d Deps) *Service {
	opts := []bulk.Option{}
	if d.Notifier != nil {
		opts = append(opts, bulk.WithNotifier(d.Notifier))
	}
	if d.Spawner != nil {
		opts = append(opts, bulk.WithSpawner(d.Spawner))
	}
	return &Service{
		reg:    d.Registry,
		cat:    d.Catalog,
		states: d.States,
		co:     d.Coord,
		notify: d.Notifier,
		runner: bulk.New(d.Coord, d.Catalog, d.Registry, d.Bulk, opts...),
	}
}

// Coordinator exposes the underlying sync coordinator.
func (s *Service) Coordinator() *syncer.Coordinator { return s.co }

// Restore reloads the cache index and sync table saved by Checkpoint.
// Sync records without a cache copy are dropped.
func (s *Service) Restore() error {
	c := s.co.Cache()
	if err := c.LoadIndex(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}
	if err := s.states.Load(c.Fs(), filepath.Join(c.Dir(), stateFile)); err != nil {
		return fmt.Errorf("load sync states: %w", err)
	}
	for id := range s.states.Snapshot() {
		if _, ok := c.Lookup(id); !ok {
			s.states.Forget(id)
		}
	}
	return nil
}

// Checkpoint persists the cache index and sync table.
func (s *Service) Checkpoint() error {
	c := s.co.Cache()
	if err := c.SaveIndex(); err != nil {
		return fmt.Errorf("save cache index: %w", err)
	}
	if err := s.states.Save(c.Fs(), filepath.Join(c.Dir(), stateFile)); err != nil {
		return fmt.Errorf("save sync states: %w", err)
	}
	return nil
}

// CurrentSyncState reports id's state without any I/O. Identities that
// were never materialized are Unknown.
func (s *Service) CurrentSyncState(id models.FileID) models.SyncState {
	return s.co.State(id)
}

// SyncToCache makes the cache copy of id current. On failure the
// previous state is kept and the error is returned.
func (s *Service) SyncToCache(ctx context.Context, id models.FileID) (models.SyncState, error) {
	st, err := s.co.EnsureCacheFresh(ctx, id)
	s.publishSync(id, st, err)
	return st, err
}

// Push writes the cache copy of id back to its provider.
func (s *Service) Push(ctx context.Context, id models.FileID) (models.SyncState, error) {
	st, err := s.co.Push(ctx, id)
	s.publishSync(id, st, err)
	return st, err
}

// Resolve settles a conflict, keeping the cache copy when keepLocal is
// set and the provider copy otherwise.
func (s *Service) Resolve(ctx context.Context, id models.FileID, keepLocal bool) (models.SyncState, error) {
	st, err := s.co.Resolve(ctx, id, keepLocal)
	s.publishSync(id, st, err)
	return st, err
}

func (s *Service) publishSync(id models.FileID, st models.SyncState, err error) {
	if s.notify == nil {
		return
	}
	e := events.Event{
		Type:      events.EventSync,
		FileID:    string(id),
		State:     st.String(),
		OK:        err == nil,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.notify.Publish(e)
}

// Browse lists what principal may see on a provider. Vault providers
// confine the listing to the principal's own directory and create it on
// first use; other providers list their remote root.
func (s *Service) Browse(ctx context.Context, providerID int, principal string) ([]remote.Entry, error) {
	lease, err := s.reg.Acquire(ctx, providerID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	var entries []remote.Entry
	if b, ok := lease.Store.(remote.Browser); ok && lease.Descriptor.IsBrowsable() {
		entries, err = b.Browse(ctx, principal)
	} else {
		entries, err = lease.Store.List(ctx, lease.Descriptor.RemoteRoot)
	}
	if err != nil {
		logging.Warn("browse failed",
			zap.Int("provider_id", providerID),
			zap.String("principal", principal),
			zap.Error(err))
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Rename gives id a new name on its provider and in the catalog. The
// catalog is only changed once the provider rename succeeded, and the
// provider rename is undone if the catalog update fails.
func (s *Service) Rename(ctx context.Context, id models.FileID, principal, newName string) error {
	if !bulk.IsLegalFilename(newName) {
		return fmt.Errorf("%w: %q", bulk.ErrIllegalFilename, newName)
	}
	rec, err := s.cat.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if principal != "" {
		ok, err := s.cat.HasAccess(ctx, principal, id, catalog.AccessOwner)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s needs owner access to %s", bulk.ErrAuthorizationDenied, principal, id)
		}
	}
	if newName == rec.Name {
		return nil
	}
	taken, err := s.cat.NameExists(ctx, rec.ProviderID, rec.OwnerID, newName)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %q on provider %d", bulk.ErrNameCollision, newName, rec.ProviderID)
	}

	_, err = s.co.Rename(ctx, id, newName, func(ctx context.Context) error {
		return s.cat.Rename(ctx, id, newName)
	})
	if err != nil {
		return err
	}
	logging.Info("renamed file",
		logging.FileID(string(id)),
		zap.String("from", rec.Name),
		zap.String("to", newName))
	return nil
}

// RunBulk applies op to ids and waits for every item.
func (s *Service) RunBulk(ctx context.Context, op bulk.Op, ids []models.FileID, principal string, opts bulk.Options) (*bulk.Result, error) {
	return s.runner.Run(ctx, bulk.Request{Op: op, IDs: ids, Principal: principal, Options: opts})
}

// SubmitBulk checks preconditions and queues op as a background task.
func (s *Service) SubmitBulk(ctx context.Context, op bulk.Op, ids []models.FileID, principal string, opts bulk.Options) (*bulk.Job, error) {
	return s.runner.Submit(ctx, bulk.Request{Op: op, IDs: ids, Principal: principal, Options: opts})
}

// IsOffline reports whether err means the provider could not be reached.
func IsOffline(err error) bool {
	return remote.IsUnavailable(err) || errors.Is(err, storage.ErrProviderOffline)
}
