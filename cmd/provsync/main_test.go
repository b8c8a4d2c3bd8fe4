package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/provsync/internal/bulk"
)

func resetGlobals(t *testing.T) {
	t.Cleanup(func() {
		principal = ""
		verbose = false
	})
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"browse"}, {"sync"}, {"status"}, {"push"}, {"resolve"},
		{"rename"}, {"bulk"}, {"serve"},
		{"providers", "list"}, {"providers", "import"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
		assert.NotNil(t, cmd.RunE, "%v has no handler", path)
	}
}

func TestBulkFlags(t *testing.T) {
	resetGlobals(t)
	root := newRootCmd()
	cmd, args, err := root.Find([]string{"bulk", "copy", "1", "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"copy", "1", "2"}, args)

	require.NoError(t, cmd.ParseFlags([]string{
		"--dest", "2",
		"--mode", "collection",
		"--codec", "zstd",
		"--name", "bundle.tar.gz",
		"--out", "/tmp/dl.tar.gz",
		"--background",
		"--as", "alice",
		"-v",
	}))
	fl := cmd.Flags()
	dest, err := fl.GetInt("dest")
	require.NoError(t, err)
	assert.Equal(t, 2, dest)
	mode, err := fl.GetString("mode")
	require.NoError(t, err)
	assert.Equal(t, string(bulk.ExtractCollection), mode)
	codec, err := fl.GetString("codec")
	require.NoError(t, err)
	assert.Equal(t, "zstd", codec)
	out, err := fl.GetString("out")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dl.tar.gz", out)
	bg, err := fl.GetBool("background")
	require.NoError(t, err)
	assert.True(t, bg)

	assert.Equal(t, "alice", principal)
	assert.True(t, verbose)

	assert.Error(t, cmd.ValidateArgs([]string{"copy"}))
	assert.NoError(t, cmd.ValidateArgs([]string{"copy", "1"}))
}

func TestBulkFlagDefaults(t *testing.T) {
	resetGlobals(t)
	cmd, _, err := newRootCmd().Find([]string{"bulk"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags(nil))

	mode, err := cmd.Flags().GetString("mode")
	require.NoError(t, err)
	assert.Equal(t, string(bulk.ExtractFlat), mode)
	assert.Error(t, cmd.ParseFlags([]string{"--dest", "two"}))
}

func TestResolveAndServeFlags(t *testing.T) {
	root := newRootCmd()
	resolve, _, err := root.Find([]string{"resolve"})
	require.NoError(t, err)
	require.NoError(t, resolve.ParseFlags([]string{"--keep-local"}))
	keep, err := resolve.Flags().GetBool("keep-local")
	require.NoError(t, err)
	assert.True(t, keep)

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--checkpoint-every", "30s"}))
	every, err := serve.Flags().GetDuration("checkpoint-every")
	require.NoError(t, err)
	assert.Equal(t, "30s", every.String())
}

func TestArgumentChecksRunBeforeSetup(t *testing.T) {
	for _, args := range [][]string{
		{"sync"},
		{"rename", "1"},
		{"browse"},
		{"bulk", "sync"},
		{"providers", "list", "extra"},
	} {
		root := newRootCmd()
		root.SetArgs(args)
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		assert.Error(t, root.Execute(), "%v", args)
	}
}

func TestBulkHelpListsFlags(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"bulk", "--help"})
	require.NoError(t, root.Execute())
	for _, flag := range []string{"--dest", "--mode", "--codec", "--out", "--background", "--as"} {
		assert.Contains(t, buf.String(), flag)
	}
}

func TestParseOpRejectsUnknown(t *testing.T) {
	for _, op := range []string{"download", "move", "copy", "extract", "compress", "delete", "sync"} {
		got, err := bulk.ParseOp(op)
		require.NoError(t, err)
		assert.Equal(t, bulk.Op(op), got)
	}
	_, err := bulk.ParseOp("explode")
	assert.Error(t, err)
}
