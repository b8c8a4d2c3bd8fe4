package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/remote/remotetest"
)

type closeCounting struct {
	*remotetest.Store
	closed *atomic.Int32
}

func (c closeCounting) Close() error {
	c.closed.Add(1)
	return nil
}

type staticSource struct {
	descs []models.ProviderDescriptor
	err   error
}

func (s *staticSource) ListProviders(context.Context) ([]models.ProviderDescriptor, error) {
	return s.descs, s.err
}

func testRegistry(source DescriptorSource) (*Registry, *atomic.Int32, *atomic.Int32) {
	var built, closed atomic.Int32
	build := func(_ context.Context, desc *models.ProviderDescriptor, _ Options) (remote.Store, error) {
		if desc.Kind == "broken" {
			return nil, errors.New("cannot build")
		}
		built.Add(1)
		return closeCounting{Store: remotetest.New(), closed: &closed}, nil
	}
	return newRegistry(source, Options{}, build), &built, &closed
}

func desc(id int, root string) models.ProviderDescriptor {
	return models.ProviderDescriptor{ID: id, Name: "p", Kind: models.KindLocal, RemoteRoot: root, Online: true}
}

func TestAcquireUnknownProvider(t *testing.T) {
	r, _, _ := testRegistry(nil)
	_, err := r.Acquire(context.Background(), 9)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestUpdateReusesUnchangedStore(t *testing.T) {
	r, built, closed := testRegistry(nil)
	ctx := context.Background()

	require.NoError(t, r.Update(ctx, desc(1, "/a")))
	require.NoError(t, r.Update(ctx, desc(1, "/a")))
	assert.Equal(t, int32(1), built.Load())

	require.NoError(t, r.Update(ctx, desc(1, "/b")))
	assert.Equal(t, int32(2), built.Load())
	assert.Equal(t, int32(1), closed.Load())

	d, ok := r.Descriptor(1)
	require.True(t, ok)
	assert.Equal(t, "/b", d.RemoteRoot)
}

func TestUpdateWaitsForLeases(t *testing.T) {
	r, _, _ := testRegistry(nil)
	ctx := context.Background()
	require.NoError(t, r.Update(ctx, desc(1, "/a")))

	lease, err := r.Acquire(ctx, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, r.Update(ctx, desc(1, "/b")))
	}()

	select {
	case <-done:
		t.Fatal("update applied while a lease was outstanding")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "/a", lease.Descriptor.RemoteRoot)

	lease.Release()
	lease.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update did not proceed after release")
	}

	next, err := r.Acquire(ctx, 1)
	require.NoError(t, err)
	defer next.Release()
	assert.Equal(t, "/b", next.Descriptor.RemoteRoot)
}

func TestReloadKeepsBrokenAndRemovesStale(t *testing.T) {
	src := &staticSource{descs: []models.ProviderDescriptor{desc(1, "/a"), desc(2, "/b")}}
	r, _, closed := testRegistry(src)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx))
	assert.Len(t, r.Descriptors(), 2)

	broken := desc(3, "/c")
	broken.Kind = "broken"
	src.descs = []models.ProviderDescriptor{desc(1, "/a"), broken}
	require.NoError(t, r.Reload(ctx))

	ds := r.Descriptors()
	require.Len(t, ds, 2)
	assert.Equal(t, 1, ds[0].ID)
	assert.Equal(t, 3, ds[1].ID)
	assert.Equal(t, int32(1), closed.Load())

	_, err := r.Acquire(ctx, 3)
	assert.True(t, remote.IsUnavailable(err), "got %v", err)
	assert.NotErrorIs(t, err, ErrProviderNotFound)

	src.err = errors.New("db down")
	assert.Error(t, r.Reload(ctx))
}

func TestAcquireFailedDialIsUnavailable(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	var built atomic.Int32
	build := func(_ context.Context, d *models.ProviderDescriptor, _ Options) (remote.Store, error) {
		built.Add(1)
		if down.Load() {
			return nil, fmt.Errorf("dial host:22: %w", remote.ErrUnavailable)
		}
		return remotetest.New(), nil
	}
	src := &staticSource{descs: []models.ProviderDescriptor{desc(7, "/data")}}
	r := newRegistry(src, Options{}, build)
	ctx := context.Background()

	require.NoError(t, r.Reload(ctx))
	_, err := r.Acquire(ctx, 7)
	require.Error(t, err)
	assert.True(t, remote.IsUnavailable(err), "got %v", err)
	assert.NotErrorIs(t, err, ErrProviderNotFound)
	assert.Equal(t, int32(1), built.Load(), "no rebuild inside the backoff")

	// An unchanged descriptor is rebuilt on reload once the host is back.
	down.Store(false)
	require.NoError(t, r.Reload(ctx))
	lease, err := r.Acquire(ctx, 7)
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, int32(2), built.Load())
}

func TestAcquireRebuildsAfterBackoff(t *testing.T) {
	prev := RebuildBackoff
	RebuildBackoff = 0
	t.Cleanup(func() { RebuildBackoff = prev })

	var down atomic.Bool
	down.Store(true)
	build := func(_ context.Context, d *models.ProviderDescriptor, _ Options) (remote.Store, error) {
		if down.Load() {
			return nil, fmt.Errorf("dial host:22: %w", remote.ErrUnavailable)
		}
		return remotetest.New(), nil
	}
	r := newRegistry(nil, Options{}, build)
	ctx := context.Background()

	assert.Error(t, r.Update(ctx, desc(7, "/data")))
	_, err := r.Acquire(ctx, 7)
	assert.True(t, remote.IsUnavailable(err))

	down.Store(false)
	lease, err := r.Acquire(ctx, 7)
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "/data", lease.Descriptor.RemoteRoot)
}

func TestLeaseWritable(t *testing.T) {
	l := &Lease{Descriptor: models.ProviderDescriptor{ID: 1, Online: true, ReadOnly: true}}
	assert.ErrorIs(t, l.Writable(), ErrReadOnlyProvider)

	l.Descriptor = models.ProviderDescriptor{ID: 1}
	assert.ErrorIs(t, l.Writable(), ErrProviderOffline)

	l.Descriptor.Online = true
	assert.NoError(t, l.Writable())
}
