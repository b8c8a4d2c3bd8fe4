package smb

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresMountPath(t *testing.T) {
	_, err := New(Config{Server: "//files/share"})
	assert.Error(t, err)
}

func TestStoreDelegatesToMount(t *testing.T) {
	mount := t.TempDir()
	raw, err := json.Marshal(Config{Server: "//files/share", MountPath: mount})
	require.NoError(t, err)

	s, err := NewFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "smb", s.Kind())
	assert.Equal(t, "//files/share", s.Server())

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "/x/y.txt", strings.NewReader("y")))
	ok, err := s.Exists(ctx, "/x/y.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}
