package storage

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
)

func localDesc(t *testing.T, variant models.Variant) *models.ProviderDescriptor {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"root_path": t.TempDir()})
	require.NoError(t, err)
	return &models.ProviderDescriptor{
		ID:         1,
		Name:       "local",
		Kind:       models.KindLocal,
		Variant:    variant,
		RemoteRoot: "/vault",
		Online:     true,
		Config:     raw,
	}
}

func TestNewStoreVaultVariant(t *testing.T) {
	ctx := context.Background()
	d := localDesc(t, models.VariantVaultBrowsable)

	s, err := NewStore(ctx, d, Options{Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, s.Mkdir(ctx, "/vault"))

	b, ok := s.(remote.Browser)
	require.True(t, ok, "vault providers must be browsable")

	entries, err := b.Browse(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, entries)

	ok, err = s.Exists(ctx, "/vault/alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewStorePlainVariant(t *testing.T) {
	s, err := NewStore(context.Background(), localDesc(t, models.VariantPlain), Options{})
	require.NoError(t, err)
	_, ok := s.(remote.Browser)
	assert.False(t, ok)
	assert.Equal(t, "local", s.Kind())
}

func TestNewStoreOffline(t *testing.T) {
	ctx := context.Background()
	d := &models.ProviderDescriptor{ID: 2, Kind: models.KindSFTP, Host: "unreachable.invalid", Online: false}

	s, err := NewStore(ctx, d, Options{})
	require.NoError(t, err, "offline providers must not dial")

	err = s.Write(ctx, "/x", strings.NewReader("x"))
	assert.True(t, remote.IsUnavailable(err))
	assert.Equal(t, "sftp", s.Kind())
}

func TestNewStoreUnknownKind(t *testing.T) {
	_, err := NewStore(context.Background(), &models.ProviderDescriptor{Kind: "ftp", Online: true}, Options{})
	assert.Error(t, err)
}
