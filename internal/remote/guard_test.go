package remote_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/remote/remotetest"
)

func TestGuardOfflineSkipsBackend(t *testing.T) {
	mem := remotetest.New()
	mem.PutFile("/f.txt", []byte("x"))
	g := remote.NewGuard(mem, false, time.Second)
	ctx := context.Background()

	_, err := g.List(ctx, "/")
	assert.True(t, remote.IsUnavailable(err))
	_, err = g.Stat(ctx, "/f.txt")
	assert.True(t, remote.IsUnavailable(err))
	_, err = g.Read(ctx, "/f.txt")
	assert.True(t, remote.IsUnavailable(err))
	err = g.Write(ctx, "/g.txt", strings.NewReader("y"))
	assert.True(t, remote.IsUnavailable(err))
	err = g.Delete(ctx, "/f.txt")
	assert.True(t, remote.IsUnavailable(err))

	assert.Empty(t, mem.Calls())
}

func TestGuardTimeout(t *testing.T) {
	mem := remotetest.New()
	release := mem.Block("list")
	defer release()
	g := remote.NewGuard(mem, true, 20*time.Millisecond)

	start := time.Now()
	_, err := g.List(context.Background(), "/")
	require.Error(t, err)
	assert.True(t, remote.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGuardClassifiesBackendErrors(t *testing.T) {
	mem := remotetest.New()
	mem.Inject("stat", "/missing", fmt.Errorf("stat: %w", fs.ErrNotExist), 1)
	mem.Inject("stat", "/refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), 1)
	g := remote.NewGuard(mem, true, time.Second)

	_, err := g.Stat(context.Background(), "/missing")
	assert.True(t, remote.IsNotFound(err))

	_, err = g.Stat(context.Background(), "/refused")
	assert.True(t, remote.IsUnavailable(err))
}

func TestGuardReadOutlivesCall(t *testing.T) {
	mem := remotetest.New()
	mem.PutFile("/f.txt", []byte("hello"))
	g := remote.NewGuard(mem, true, time.Second)

	rc, err := g.Read(context.Background(), "/f.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))
}

func TestGuardReadPartialFailure(t *testing.T) {
	mem := remotetest.New()
	mem.PutFile("/f.txt", []byte("hello world"))
	mem.FailReadAfter("/f.txt", 3, errors.New("connection dropped"))
	g := remote.NewGuard(mem, true, time.Second)

	rc, err := g.Read(context.Background(), "/f.txt")
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	require.Error(t, err)
	var pe *remote.ProtocolError
	assert.True(t, errors.As(err, &pe))
}

func TestGuardCancelledContext(t *testing.T) {
	mem := remotetest.New()
	g := remote.NewGuard(mem, true, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.List(ctx, "/")
	assert.ErrorIs(t, err, context.Canceled)
}

// tricklingReader yields one byte per gap, pausing stall after the
// first byte when set.
type tricklingReader struct {
	left  int
	gap   time.Duration
	stall time.Duration
	sent  int
}

func (r *tricklingReader) Read(p []byte) (int, error) {
	if r.left == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	wait := r.gap
	if r.sent == 1 && r.stall > 0 {
		wait = r.stall
	}
	time.Sleep(wait)
	p[0] = 'x'
	r.left--
	r.sent++
	return 1, nil
}

// streamStore serves trickling bodies. Its writes notice a cancelled
// context only once they are done.
type streamStore struct {
	*remotetest.Store
	body      func() io.Reader
	writeTime time.Duration
	written   atomic.Int64
	finished  atomic.Bool
}

func (s *streamStore) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	return io.NopCloser(s.body()), nil
}

func (s *streamStore) Write(ctx context.Context, p string, body io.Reader) error {
	n, err := io.Copy(io.Discard, body)
	s.written.Store(n)
	if err != nil {
		return err
	}
	time.Sleep(s.writeTime)
	s.finished.Store(true)
	return ctx.Err()
}

func TestGuardSlowStreamFinishes(t *testing.T) {
	st := &streamStore{
		Store: remotetest.New(),
		body:  func() io.Reader { return &tricklingReader{left: 10, gap: 20 * time.Millisecond} },
	}
	g := remote.NewGuard(st, true, 100*time.Millisecond)

	rc, err := g.Read(context.Background(), "/big.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Len(t, data, 10)

	err = g.Write(context.Background(), "/big.bin", &tricklingReader{left: 10, gap: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.written.Load())
}

func TestGuardStalledStreamTimesOut(t *testing.T) {
	st := &streamStore{
		Store: remotetest.New(),
		body: func() io.Reader {
			return &tricklingReader{left: 10, gap: time.Millisecond, stall: 200 * time.Millisecond}
		},
	}
	g := remote.NewGuard(st, true, 50*time.Millisecond)

	rc, err := g.Read(context.Background(), "/big.bin")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.Error(t, err)
	assert.True(t, remote.IsTimeout(err))
	assert.Less(t, len(data), 10)
}

func TestGuardWriteTimeoutWaitsForBackend(t *testing.T) {
	st := &streamStore{
		Store:     remotetest.New(),
		writeTime: 150 * time.Millisecond,
	}
	g := remote.NewGuard(st, true, 20*time.Millisecond)

	err := g.Write(context.Background(), "/f.txt", strings.NewReader("late"))
	require.Error(t, err)
	assert.True(t, remote.IsTimeout(err))
	assert.True(t, st.finished.Load(), "write returned before the backend call ended")
}
