// Package storagetest builds provider registries over in-memory stores.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/remote/remotetest"
	"github.com/fruitsalade/provsync/internal/storage"
)

// Source is a mutable descriptor list.
type Source struct {
	mu    sync.Mutex
	descs []models.ProviderDescriptor
}

// ListProviders implements storage.DescriptorSource.
func (s *Source) ListProviders(context.Context) ([]models.ProviderDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ProviderDescriptor(nil), s.descs...), nil
}

// Set replaces the descriptor list.
func (s *Source) Set(descs ...models.ProviderDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descs = append([]models.ProviderDescriptor(nil), descs...)
}

// Env is a registry whose providers are backed by remotetest stores.
type Env struct {
	Registry *storage.Registry
	Source   *Source
	Stores   map[int]*remotetest.Store
}

// Descriptor returns an online local-kind descriptor rooted at root.
func Descriptor(id int, root string) models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID:         id,
		Name:       fmt.Sprintf("provider-%d", id),
		Kind:       models.KindLocal,
		Variant:    models.VariantPlain,
		RemoteRoot: root,
		Online:     true,
	}
}

// New builds a registry for descs. Each provider ID gets its own
// in-memory store, wrapped exactly as production stores are.
func New(t testing.TB, descs ...models.ProviderDescriptor) *Env {
	t.Helper()
	env := &Env{Source: &Source{}, Stores: make(map[int]*remotetest.Store)}
	for _, d := range descs {
		mem := remotetest.New()
		mem.MkdirAll(d.RemoteRoot)
		env.Stores[d.ID] = mem
	}
	env.Source.Set(descs...)

	build := func(_ context.Context, desc *models.ProviderDescriptor, opts storage.Options) (remote.Store, error) {
		mem, ok := env.Stores[desc.ID]
		if !ok {
			return nil, fmt.Errorf("no store for provider %d", desc.ID)
		}
		return storage.Wrap(desc, mem, opts), nil
	}
	reg, err := storage.NewRegistryWithBuilder(context.Background(), env.Source, storage.Options{}, build)
	require.NoError(t, err)
	env.Registry = reg
	t.Cleanup(func() { reg.Close() })
	return env
}

// Update re-registers desc, e.g. to take a provider offline.
func (e *Env) Update(t testing.TB, desc models.ProviderDescriptor) {
	t.Helper()
	require.NoError(t, e.Registry.Update(context.Background(), desc))
}
