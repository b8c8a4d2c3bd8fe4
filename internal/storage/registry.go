package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
)

var (
	// ErrProviderNotFound is returned for unknown provider IDs.
	ErrProviderNotFound = errors.New("data provider not found")

	// ErrReadOnlyProvider is returned when a write targets a read-only provider.
	ErrReadOnlyProvider = errors.New("data provider is read-only")

	// ErrProviderOffline is returned when a provider is marked offline.
	ErrProviderOffline = errors.New("data provider is offline")
)

// DescriptorSource lists the configured providers.
type DescriptorSource interface {
	ListProviders(ctx context.Context) ([]models.ProviderDescriptor, error)
}

// RebuildBackoff is how long a provider whose store failed to build is
// reported unavailable before Acquire tries to build it again.
var RebuildBackoff = 30 * time.Second

// provider pairs a descriptor with its store. gate is held shared by
// every outstanding lease and exclusively while the provider is being
// replaced or removed. A provider whose store could not be built keeps
// the build error in place of a store.
type provider struct {
	desc     models.ProviderDescriptor
	store    remote.Store
	buildErr error
	failedAt time.Time
	gate     sync.RWMutex
	retired  bool
}

func (p *provider) unavailable() error {
	return fmt.Errorf("provider %d: %w: %v", p.desc.ID, remote.ErrUnavailable, p.buildErr)
}

// Registry resolves provider IDs to live stores.
type Registry struct {
	updateMu  sync.Mutex // serializes swaps
	mu        sync.RWMutex
	providers map[int]*provider
	source    DescriptorSource
	opts      Options
	build     BuildFunc
}

// NewRegistry creates a Registry and loads every provider from source.
func NewRegistry(ctx context.Context, source DescriptorSource, opts Options) (*Registry, error) {
	return NewRegistryWithBuilder(ctx, source, opts, NewStore)
}

// NewRegistryWithBuilder is NewRegistry with a custom store constructor.
func NewRegistryWithBuilder(ctx context.Context, source DescriptorSource, opts Options, build BuildFunc) (*Registry, error) {
	r := newRegistry(source, opts, build)
	if source == nil {
		return r, nil
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return r, nil
}

func newRegistry(source DescriptorSource, opts Options, build BuildFunc) *Registry {
	return &Registry{
		providers: make(map[int]*provider),
		source:    source,
		opts:      opts,
		build:     build,
	}
}

// Lease is shared access to a provider. The descriptor cannot change
// until the lease is released.
type Lease struct {
	Descriptor models.ProviderDescriptor
	Store      remote.Store
	release    func()
	once       sync.Once
}

// Release ends the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Writable returns ErrReadOnlyProvider or ErrProviderOffline when the
// provider cannot take writes.
func (l *Lease) Writable() error {
	switch {
	case l.Descriptor.ReadOnly:
		return fmt.Errorf("provider %d: %w", l.Descriptor.ID, ErrReadOnlyProvider)
	case !l.Descriptor.Online:
		return fmt.Errorf("provider %d: %w", l.Descriptor.ID, ErrProviderOffline)
	}
	return nil
}

// Acquire leases provider id. It blocks while the provider is being
// replaced. A provider whose store failed to build fails with
// remote.ErrUnavailable; once RebuildBackoff has passed the build is
// retried first. A goroutine holding a lease must not call Update for
// the same provider.
func (r *Registry) Acquire(ctx context.Context, id int) (*Lease, error) {
	rebuilt := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.mu.RLock()
		p := r.providers[id]
		r.mu.RUnlock()
		if p == nil {
			return nil, fmt.Errorf("provider %d: %w", id, ErrProviderNotFound)
		}

		p.gate.RLock()
		if p.retired {
			p.gate.RUnlock()
			continue
		}
		if p.buildErr != nil {
			err := p.unavailable()
			due := !rebuilt && time.Since(p.failedAt) >= RebuildBackoff
			p.gate.RUnlock()
			if !due {
				return nil, err
			}
			rebuilt = true
			r.rebuild(ctx, p)
			continue
		}
		return &Lease{Descriptor: p.desc, Store: p.store, release: p.gate.RUnlock}, nil
	}
}

// Descriptor returns the current descriptor of id.
func (r *Registry) Descriptor(id int) (models.ProviderDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return models.ProviderDescriptor{}, false
	}
	return p.desc, true
}

// Descriptors returns every registered descriptor ordered by ID.
func (r *Registry) Descriptors() []models.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProviderDescriptor, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update installs or replaces desc. An unchanged descriptor keeps its
// store. A replacement waits until every lease on the old provider has
// been released, so configuration never changes under a transfer. When
// the store cannot be built the provider stays registered and leases
// on it fail with remote.ErrUnavailable until a later build succeeds.
func (r *Registry) Update(ctx context.Context, desc models.ProviderDescriptor) error {
	r.mu.RLock()
	old := r.providers[desc.ID]
	r.mu.RUnlock()
	if old != nil && old.buildErr == nil && old.desc.Equal(&desc) {
		return nil
	}

	store, err := r.build(ctx, &desc, r.opts)
	if err != nil {
		err = fmt.Errorf("provider %d (%s): %w", desc.ID, desc.Name, err)
		r.swap(desc.ID, &provider{desc: desc, buildErr: err, failedAt: time.Now()})
		return err
	}
	r.swap(desc.ID, &provider{desc: desc, store: store})

	logging.Info("data provider updated",
		zap.Int("provider_id", desc.ID),
		zap.String("name", desc.Name),
		zap.String("kind", string(desc.Kind)),
		zap.Bool("online", desc.Online))
	return nil
}

// rebuild retries the build of a failed provider unless another caller
// already replaced it.
func (r *Registry) rebuild(ctx context.Context, failed *provider) {
	r.mu.RLock()
	current := r.providers[failed.desc.ID]
	r.mu.RUnlock()
	if current != failed {
		return
	}
	if err := r.Update(ctx, failed.desc); err != nil {
		logging.Warn("data provider still unavailable",
			zap.Int("provider_id", failed.desc.ID),
			zap.Error(err))
	}
}

// Remove unregisters id once its leases are released.
func (r *Registry) Remove(id int) {
	r.swap(id, nil)
}

// swap replaces the provider under id with next (nil removes it),
// retiring and closing the previous one after its leases drain.
func (r *Registry) swap(id int, next *provider) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.RLock()
	old := r.providers[id]
	r.mu.RUnlock()

	if old != nil {
		old.gate.Lock()
	}
	r.mu.Lock()
	if next == nil {
		delete(r.providers, id)
	} else {
		r.providers[id] = next
	}
	r.mu.Unlock()

	if old != nil {
		old.retired = true
		old.gate.Unlock()
		if old.store == nil {
			return
		}
		if err := old.store.Close(); err != nil {
			logging.Warn("closing replaced store failed", zap.Int("provider_id", id), zap.Error(err))
		}
	}
}

// Reload re-reads every descriptor from the source. Providers that
// fail to build are logged and stay registered as unavailable; failed
// builds are retried on every reload. Providers no longer listed are
// removed.
func (r *Registry) Reload(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	descs, err := r.source.ListProviders(ctx)
	if err != nil {
		return err
	}

	seen := make(map[int]bool, len(descs))
	for _, d := range descs {
		seen[d.ID] = true
		if err := r.Update(ctx, d); err != nil {
			logging.Error("failed to initialize data provider",
				zap.Int("provider_id", d.ID),
				zap.String("name", d.Name),
				zap.Error(err))
		}
	}

	r.mu.RLock()
	var stale []int
	for id := range r.providers {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		r.Remove(id)
	}

	logging.Info("data provider registry reloaded",
		zap.Int("providers", len(seen)),
		zap.Int("removed", len(stale)))
	return nil
}

// Close closes every store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		if p.store != nil {
			p.store.Close()
		}
	}
	return nil
}
