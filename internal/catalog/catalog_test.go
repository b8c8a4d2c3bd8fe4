package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/models"
)

func TestMemoryRegisterAndLookup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(models.FileRecord{ID: "41", Name: "a.nii", ProviderID: 1, OwnerID: 2})

	rec, err := m.Register(ctx, models.FileRecord{Name: "b.nii", ProviderID: 1, OwnerID: 2})
	require.NoError(t, err)
	assert.Equal(t, models.FileID("42"), rec.ID)

	_, err = m.Register(ctx, models.FileRecord{Name: "b.nii", ProviderID: 1, OwnerID: 2})
	assert.ErrorIs(t, err, ErrNameTaken)

	exists, err := m.NameExists(ctx, 1, 2, "a.nii")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = m.NameExists(ctx, 2, 2, "a.nii")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Lookup(ctx, "404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMutations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(models.FileRecord{ID: "1", Name: "a", ProviderID: 1})

	require.NoError(t, m.Relocate(ctx, "1", 5))
	require.NoError(t, m.Rename(ctx, "1", "b"))
	mod := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, m.UpdateContent(ctx, "1", 99, mod))

	rec, err := m.Lookup(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.ProviderID)
	assert.Equal(t, "b", rec.Name)
	assert.Equal(t, int64(99), rec.Size)

	require.NoError(t, m.Remove(ctx, "1"))
	assert.ErrorIs(t, m.Remove(ctx, "1"), ErrNotFound)
}

func TestMemoryAccess(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(models.FileRecord{ID: "1", OwnerLogin: "alice"})
	m.Grant("1", "bob", AccessRead)
	m.SetAdmin("root")

	check := func(principal string, level AccessLevel) bool {
		ok, err := m.HasAccess(ctx, principal, "1", level)
		require.NoError(t, err)
		return ok
	}
	assert.True(t, check("alice", AccessOwner))
	assert.True(t, check("bob", AccessRead))
	assert.False(t, check("bob", AccessOwner))
	assert.False(t, check("mallory", AccessRead))
	assert.True(t, check("root", AccessOwner))
}

func TestMemoryRenameRefusesTakenName(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(models.FileRecord{ID: "1", Name: "a.nii", ProviderID: 1, OwnerID: 2})
	m.Put(models.FileRecord{ID: "2", Name: "b.nii", ProviderID: 1, OwnerID: 2})
	m.Put(models.FileRecord{ID: "3", Name: "c.nii", ProviderID: 1, OwnerID: 9})

	assert.ErrorIs(t, m.Rename(ctx, "1", "b.nii"), ErrNameTaken)
	require.NoError(t, m.Rename(ctx, "3", "b.nii"))
	require.NoError(t, m.Rename(ctx, "1", "a.nii"))
	assert.ErrorIs(t, m.Rename(ctx, "404", "x"), ErrNotFound)

	rec, err := m.Lookup(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "a.nii", rec.Name)
}
