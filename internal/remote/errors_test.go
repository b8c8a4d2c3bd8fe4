package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "net" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return false }

var _ net.Error = fakeNetErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not exist", fs.ErrNotExist, IsNotFound},
		{"permission", fmt.Errorf("open: %w", fs.ErrPermission), IsPermissionDenied},
		{"exists", fs.ErrExist, IsExists},
		{"deadline", context.DeadlineExceeded, IsTimeout},
		{"net timeout", fakeNetErr{timeout: true}, IsTimeout},
		{"net other", fakeNetErr{}, IsUnavailable},
		{"closed", net.ErrClosed, IsUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("op", "/p", tt.err)
			assert.True(t, tt.check(got), "got %v", got)
		})
	}
}

func TestClassifyFilesystemErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := os.ReadDir(filepath.Join(dir, "missing"))
	require.Error(t, err)
	got := Classify("list", "/missing", err)
	assert.True(t, IsNotFound(got), "got %v", got)
	assert.False(t, IsUnavailable(got))

	err = os.Mkdir(dir, 0o755)
	require.Error(t, err)
	got = Classify("mkdir", "/", err)
	assert.True(t, IsExists(got), "got %v", got)

	_, err = os.Open(filepath.Join(dir, "nope.txt"))
	got = Classify("read", "/nope.txt", err)
	assert.True(t, IsNotFound(got), "got %v", got)
	assert.False(t, IsTimeout(got))
}

func TestClassifyNetworkErrno(t *testing.T) {
	err := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	assert.True(t, IsUnavailable(Classify("list", "/", err)))

	err = &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ETIMEDOUT)}
	assert.True(t, IsTimeout(Classify("read", "/f", err)))
}

func TestClassifyPassesThrough(t *testing.T) {
	assert.Nil(t, Classify("op", "/p", nil))

	pe := NotFound("stat", "/x")
	assert.Same(t, pe, Classify("op", "/p", pe))

	assert.True(t, errors.Is(Classify("op", "/p", context.Canceled), context.Canceled))

	var got *ProtocolError
	assert.True(t, errors.As(Classify("op", "/p", errors.New("weird")), &got))
	assert.Equal(t, ReasonOther, got.Reason)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/a", "/a"))
	assert.True(t, Within("/a", "/a/b/c"))
	assert.False(t, Within("/a", "/ab"))
	assert.False(t, Within("/a", "/a/../b"))
	assert.True(t, Within("/", "/anything"))
}
