package remote_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/remote/remotetest"
)

func callStrings(calls []remotetest.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

func TestBrowseProvisionsMissingDirectory(t *testing.T) {
	mem := remotetest.New()
	mem.MkdirAll("/vault")
	v := remote.NewVault(mem, "/vault")

	entries, err := v.Browse(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
	assert.Equal(t, []string{
		"list /vault/alice",
		"mkdir /vault/alice",
		"list /vault/alice",
	}, callStrings(mem.Calls()))
	assert.True(t, mem.HasDir("/vault/alice"))

	// Second browse finds the directory and does not mkdir again.
	mem.ResetCalls()
	_, err = v.Browse(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"list /vault/alice"}, callStrings(mem.Calls()))
}

func TestBrowseRetriesOnlyOnce(t *testing.T) {
	mem := remotetest.New()
	mem.MkdirAll("/vault")
	mem.Inject("list", "/vault/bob", remote.NotFound("list", "/vault/bob"), 0)
	v := remote.NewVault(mem, "/vault")

	_, err := v.Browse(context.Background(), "bob")
	require.Error(t, err)
	assert.True(t, remote.IsNotFound(err))
	assert.Equal(t, 2, mem.CallCount("list"))
	assert.Equal(t, 1, mem.CallCount("mkdir"))
}

func TestBrowseIgnoresMkdirFailure(t *testing.T) {
	mem := remotetest.New()
	mem.MkdirAll("/vault")
	mem.Inject("list", "/vault/carol", remote.NotFound("list", "/vault/carol"), 1)
	mem.Inject("mkdir", "/vault/carol", &remote.ProtocolError{Op: "mkdir", Reason: remote.ReasonPermissionDenied}, 1)
	mem.MkdirAll("/vault/carol")
	v := remote.NewVault(mem, "/vault")

	entries, err := v.Browse(context.Background(), "carol")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 2, mem.CallCount("list"))
}

func TestBrowseDoesNotRetryOtherErrors(t *testing.T) {
	mem := remotetest.New()
	boom := &remote.ProtocolError{Op: "list", Path: "/vault/dave", Reason: remote.ReasonPermissionDenied}
	mem.Inject("list", "", boom, 0)
	v := remote.NewVault(mem, "/vault")

	_, err := v.Browse(context.Background(), "dave")
	require.Error(t, err)
	assert.True(t, remote.IsPermissionDenied(err))
	assert.Equal(t, 0, mem.CallCount("mkdir"))
}

func TestBrowseConfinedToPrincipal(t *testing.T) {
	mem := remotetest.New()
	mem.PutFile("/vault/alice/a.txt", []byte("a"))
	mem.PutFile("/vault/bob/b.txt", []byte("b"))
	mem.PutFile("/vault/top.txt", []byte("t"))
	v := remote.NewVault(mem, "/vault")

	entries, err := v.Browse(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "/vault/alice/a.txt", entries[0].Path)
}

func TestBrowseWithoutPrincipalListsBase(t *testing.T) {
	mem := remotetest.New()
	mem.PutFile("/vault/top.txt", []byte("t"))
	v := remote.NewVault(mem, "/vault")

	entries, err := v.Browse(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "top.txt", entries[0].Name)
}

func TestEffectiveRootRejectsTraversal(t *testing.T) {
	v := remote.NewVault(remotetest.New(), "/vault")
	for _, p := range []string{"..", ".", "a/b", `a\b`, "x\x00y"} {
		_, err := v.EffectiveRoot(p)
		assert.Truef(t, errors.Is(err, remote.ErrInvalidPrincipal), "principal %q", p)
	}

	root, err := v.EffectiveRoot("alice")
	require.NoError(t, err)
	assert.Equal(t, "/vault/alice", root)
}
