package sftp

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/retry"
)

func newPipeStore(t *testing.T) *Store {
	t.Helper()
	c1, c2 := net.Pipe()
	server := sftp.NewRequestServer(c1, sftp.InMemHandler())
	go server.Serve()

	client, err := sftp.NewClientPipe(c2, c2)
	require.NoError(t, err)

	s := newFromClient(client, nil)
	t.Cleanup(func() {
		s.Close()
		server.Close()
	})
	return s
}

func TestWriteReadOverSFTP(t *testing.T) {
	s := newPipeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "/data/run1/scan.nii", strings.NewReader("voxels")))

	rc, err := s.Read(ctx, "/data/run1/scan.nii")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "voxels", string(data))

	e, err := s.Stat(ctx, "/data/run1/scan.nii")
	require.NoError(t, err)
	assert.Equal(t, int64(6), e.Size)

	entries, err := s.List(ctx, "/data/run1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp upload names must not be listed")
	assert.Equal(t, "scan.nii", entries[0].Name)
}

func TestOverwriteReplacesContent(t *testing.T) {
	s := newPipeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "/f.txt", strings.NewReader("one")))
	require.NoError(t, s.Write(ctx, "/f.txt", strings.NewReader("two")))

	rc, err := s.Read(ctx, "/f.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "two", string(data))
}

func TestMissingPathsAreNotFound(t *testing.T) {
	s := newPipeStore(t)
	ctx := context.Background()

	_, err := s.List(ctx, "/nope")
	assert.True(t, remote.IsNotFound(err), "got %v", err)

	_, err = s.Stat(ctx, "/nope.txt")
	assert.True(t, remote.IsNotFound(err), "got %v", err)

	ok, err := s.Exists(ctx, "/nope.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMkdirExisting(t *testing.T) {
	s := newPipeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Mkdir(ctx, "/vault"))
	assert.True(t, remote.IsExists(s.Mkdir(ctx, "/vault")))
}

func TestVaultBrowseOverSFTP(t *testing.T) {
	s := newPipeStore(t)
	ctx := context.Background()
	require.NoError(t, s.Mkdir(ctx, "/vault"))
	require.NoError(t, s.Write(ctx, "/vault/bob/private.txt", strings.NewReader("b")))

	v := remote.NewVault(s, "/vault")
	entries, err := v.Browse(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, entries)

	ok, err := s.Exists(ctx, "/vault/alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteTree(t *testing.T) {
	s := newPipeStore(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "/c/a.txt", strings.NewReader("a")))
	require.NoError(t, s.Write(ctx, "/c/sub/b.txt", strings.NewReader("b")))

	require.NoError(t, s.Delete(ctx, "/c"))
	ok, err := s.Exists(ctx, "/c")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, remote.IsNotFound(s.Delete(ctx, "/c")))
}

func TestOptionsFromDescriptor(t *testing.T) {
	t.Setenv("PROVSYNC_TEST_PW", "hunter2")

	desc := &models.ProviderDescriptor{ID: 7, Kind: models.KindSFTP, Host: "data.example.org", User: "cbrain", CredentialsRef: "env:PROVSYNC_TEST_PW"}
	_, err := OptionsFromDescriptor(desc, "")
	assert.Error(t, err, "host keys must be verified unless explicitly disabled")

	desc.Config = json.RawMessage(`{"insecure_ignore_host_key": true}`)
	opts, err := OptionsFromDescriptor(desc, "")
	require.NoError(t, err)
	assert.Len(t, opts.Auth, 1)
	assert.Equal(t, "cbrain", opts.User)

	desc.CredentialsRef = "env:PROVSYNC_TEST_UNSET"
	_, err = OptionsFromDescriptor(desc, "")
	assert.Error(t, err)

	desc.CredentialsRef = ""
	_, err = OptionsFromDescriptor(desc, "")
	assert.Error(t, err)
}

func TestDialRetriesRefusedHost(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	var waits []time.Duration
	_, err = Dial(context.Background(), Options{
		Endpoint: addr,
		User:     "alice",
		Timeout:  time.Second,
		Retry: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2,
			OnRetry: func(attempt int, wait time.Duration, err error) {
				waits = append(waits, wait)
			},
		},
	})
	require.Error(t, err)
	assert.True(t, remote.IsUnavailable(err), "got %v", err)
	assert.Len(t, waits, 2)
}

func TestSessionRedialsAfterConnectionLoss(t *testing.T) {
	var dials atomic.Int32
	var servers []*sftp.RequestServer
	s := &Store{addr: "pipe", dial: func(context.Context) (*sftp.Client, io.Closer, error) {
		dials.Add(1)
		c1, c2 := net.Pipe()
		server := sftp.NewRequestServer(c1, sftp.InMemHandler())
		servers = append(servers, server)
		go server.Serve()
		client, err := sftp.NewClientPipe(c2, c2)
		return client, nil, err
	}}
	t.Cleanup(func() {
		s.Close()
		for _, srv := range servers {
			srv.Close()
		}
	})
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "/a.txt", strings.NewReader("one")))
	assert.Equal(t, int32(1), dials.Load())

	first := s.client
	servers[0].Close()
	first.Wait()

	_, err := s.Stat(ctx, "/a.txt")
	require.Error(t, err)
	assert.True(t, remote.IsUnavailable(err), "got %v", err)

	require.NoError(t, s.Write(ctx, "/b.txt", strings.NewReader("two")))
	assert.Equal(t, int32(2), dials.Load())
	ok, err := s.Exists(ctx, "/b.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClosedStoreDoesNotRedial(t *testing.T) {
	var dials atomic.Int32
	s := &Store{addr: "pipe", dial: func(context.Context) (*sftp.Client, io.Closer, error) {
		dials.Add(1)
		return nil, nil, remote.ErrUnavailable
	}}
	require.NoError(t, s.Close())

	_, err := s.List(context.Background(), "/")
	assert.True(t, remote.IsUnavailable(err))
	assert.Zero(t, dials.Load())
}
