// Package storage builds remote stores from provider descriptors and
// routes provider IDs to live stores.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/storage/local"
	s3store "github.com/fruitsalade/provsync/internal/storage/s3"
	"github.com/fruitsalade/provsync/internal/storage/sftp"
	"github.com/fruitsalade/provsync/internal/storage/smb"
)

// Options are the process-wide settings applied to every store.
type Options struct {
	// Timeout bounds every remote call. Zero disables the deadline.
	Timeout time.Duration

	// KnownHostsFile is used by sftp providers that do not name their own.
	KnownHostsFile string
}

// BuildFunc constructs a store for a descriptor.
type BuildFunc func(ctx context.Context, desc *models.ProviderDescriptor, opts Options) (remote.Store, error)

// NewStore creates the backend for desc and wraps it with the
// availability guard and, for vault providers, the browsing restriction.
func NewStore(ctx context.Context, desc *models.ProviderDescriptor, opts Options) (remote.Store, error) {
	var inner remote.Store
	if desc.Online {
		var err error
		inner, err = newBackend(ctx, desc, opts)
		if err != nil {
			return nil, err
		}
	} else {
		inner = offlineStore{kind: string(desc.Kind)}
	}

	return Wrap(desc, inner, opts), nil
}

// Wrap applies the availability guard and, for vault providers, the
// browsing restriction to an already built backend.
func Wrap(desc *models.ProviderDescriptor, inner remote.Store, opts Options) remote.Store {
	var s remote.Store = remote.NewGuard(inner, desc.Online, opts.Timeout)
	if desc.IsBrowsable() {
		s = remote.NewVault(s, desc.RemoteRoot)
	}
	return s
}

func newBackend(ctx context.Context, desc *models.ProviderDescriptor, opts Options) (remote.Store, error) {
	switch desc.Kind {
	case models.KindLocal:
		return local.NewFromJSON(desc.Config)
	case models.KindSMB:
		return smb.NewFromJSON(desc.Config)
	case models.KindS3:
		return s3store.NewFromJSON(ctx, desc.Config)
	case models.KindSFTP:
		o, err := sftp.OptionsFromDescriptor(desc, opts.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		return sftp.Dial(ctx, o)
	default:
		return nil, fmt.Errorf("unknown provider kind: %s", desc.Kind)
	}
}

// offlineStore stands in for providers marked offline so that no
// connection is attempted. The guard never forwards calls to it.
type offlineStore struct{ kind string }

func (o offlineStore) unavailable(op, p string) error {
	return fmt.Errorf("%s %s: %w: provider offline", op, p, remote.ErrUnavailable)
}

func (o offlineStore) List(_ context.Context, dir string) ([]remote.Entry, error) {
	return nil, o.unavailable("list", dir)
}

func (o offlineStore) Stat(_ context.Context, p string) (remote.Entry, error) {
	return remote.Entry{}, o.unavailable("stat", p)
}

func (o offlineStore) Read(_ context.Context, p string) (io.ReadCloser, error) {
	return nil, o.unavailable("read", p)
}

func (o offlineStore) Write(_ context.Context, p string, _ io.Reader) error {
	return o.unavailable("write", p)
}

func (o offlineStore) Mkdir(_ context.Context, p string) error { return o.unavailable("mkdir", p) }

func (o offlineStore) Delete(_ context.Context, p string) error { return o.unavailable("delete", p) }

func (o offlineStore) Rename(_ context.Context, oldPath, _ string) error {
	return o.unavailable("rename", oldPath)
}

func (o offlineStore) Exists(_ context.Context, p string) (bool, error) {
	return false, o.unavailable("exists", p)
}

func (o offlineStore) Kind() string { return o.kind }

func (o offlineStore) Close() error { return nil }
