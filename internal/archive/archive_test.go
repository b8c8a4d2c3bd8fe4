package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		stem   string
	}{
		{"data.tar", FormatTar, "data"},
		{"data.tar.gz", FormatTarGz, "data"},
		{"DATA.TGZ", FormatTarGz, "DATA"},
		{"run.tar.zst", FormatTarZst, "run"},
		{"scans.zip", FormatZip, "scans"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DetectFormat(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.format, f)
			assert.Equal(t, tt.stem, Stem(tt.name))
		})
	}

	for _, bad := range []string{"notes.txt", "image.gz", ".zip", "archive.rar"} {
		_, err := DetectFormat(bad)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, bad)
	}
}

func writeTree(t *testing.T, fs afero.Fs) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "/src/one.txt", []byte("one"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/coll/a.txt", []byte("aa"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/coll/sub/b.txt", []byte("bbb"), 0644))
}

func TestBundleRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTree(t, fs)

	var buf bytes.Buffer
	b := NewBundle(&buf)
	name, err := b.Add(fs, "/src/one.txt", "one.txt")
	require.NoError(t, err)
	assert.Equal(t, "one.txt", name)
	_, err = b.Add(fs, "/src/coll", "coll")
	require.NoError(t, err)
	dup, err := b.Add(fs, "/src/one.txt", "one.txt")
	require.NoError(t, err)
	assert.Equal(t, "one.txt.1", dup)
	require.NoError(t, b.Close())

	// Every entry is relative.
	var names []string
	var plain bytes.Buffer
	require.NoError(t, CodecGzip.Decompress(bytes.NewReader(buf.Bytes()), &plain))
	tr := tar.NewReader(&plain)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(h.Name, "/"), h.Name)
		names = append(names, h.Name)
	}
	assert.Contains(t, names, "coll/sub/b.txt")

	require.NoError(t, afero.WriteFile(fs, "/up/bundle.tar.gz", buf.Bytes(), 0644))
	files, err := Extract(fs, "/up/bundle.tar.gz", "bundle.tar.gz", "/out")
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{"coll/a.txt", "coll/sub/b.txt", "one.txt", "one.txt.1"}, files)

	data, err := afero.ReadFile(fs, "/out/coll/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(data))
}

func tarBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		body := entries[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestExtractTarZst(t *testing.T) {
	fs := afero.NewMemMapFs()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(tarBytes(t, map[string]string{"x/y.txt": "why"}))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, afero.WriteFile(fs, "/a", buf.Bytes(), 0644))

	files, err := Extract(fs, "/a", "pack.tar.zst", "/out")
	require.NoError(t, err)
	assert.Equal(t, []string{"x/y.txt"}, files)
}

func TestExtractZip(t *testing.T) {
	fs := afero.NewMemMapFs()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("docs/readme.md")
	require.NoError(t, err)
	_, err = w.Write([]byte("# hi"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, afero.WriteFile(fs, "/a.zip", buf.Bytes(), 0644))

	files, err := Extract(fs, "/a.zip", "a.zip", "/out")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/readme.md"}, files)
	data, err := afero.ReadFile(fs, filepath.Join("/out", "docs", "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, "# hi", string(data))
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	for _, name := range []string{"../evil.txt", "a/../../evil.txt", "/etc/passwd"} {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/a.tar", tarBytes(t, map[string]string{name: "x"}), 0644))
		_, err := Extract(fs, "/a.tar", "a.tar", "/out")
		assert.ErrorIs(t, err, ErrUnsafePath, name)
		exists, _ := afero.Exists(fs, "/evil.txt")
		assert.False(t, exists)
	}
}

func TestExtractLimits(t *testing.T) {
	entries := map[string]string{"a.txt": "aaaaaa", "b.txt": "bbbbbb", "c.txt": "cccccc"}
	tests := []struct {
		name    string
		lim     Limits
		wantErr bool
	}{
		{"unbounded", Limits{}, false},
		{"exact bytes", Limits{MaxBytes: 18}, false},
		{"bytes exceeded", Limits{MaxBytes: 10}, true},
		{"exact entries", Limits{MaxEntries: 3}, false},
		{"entries exceeded", Limits{MaxEntries: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/a.tar", tarBytes(t, entries), 0644))
			files, err := ExtractWithLimits(fs, "/a.tar", "a.tar", "/out", tt.lim)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrTooLarge)
				assert.Less(t, len(files), 3)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, files)
		})
	}
}

func TestExtractZipBombStops(t *testing.T) {
	fs := afero.NewMemMapFs()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("zeros.bin")
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 1<<20))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.Less(t, buf.Len(), 1<<16, "payload should compress well")
	require.NoError(t, afero.WriteFile(fs, "/bomb.zip", buf.Bytes(), 0644))

	_, err = ExtractWithLimits(fs, "/bomb.zip", "bomb.zip", "/out", Limits{MaxBytes: 1 << 16})
	assert.ErrorIs(t, err, ErrTooLarge)
	exists, _ := afero.Exists(fs, "/out/zeros.bin")
	assert.False(t, exists, "oversized member must be refused before writing")
}

func TestExtractGzipStreamBounded(t *testing.T) {
	fs := afero.NewMemMapFs()
	big := strings.Repeat("z", 1<<18)
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	_, err := gzw.Write(tarBytes(t, map[string]string{"big.txt": big}))
	require.NoError(t, err)
	require.NoError(t, gzw.Close())
	require.NoError(t, afero.WriteFile(fs, "/big.tar.gz", buf.Bytes(), 0644))

	_, err = ExtractWithLimits(fs, "/big.tar.gz", "big.tar.gz", "/out", Limits{MaxBytes: 1 << 10})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCodecs(t *testing.T) {
	input := strings.Repeat("provider data ", 200)
	for _, name := range []string{"", "gzip", "zstd", "LZ4"} {
		c, err := ParseCodec(name)
		require.NoError(t, err)

		var packed, unpacked bytes.Buffer
		require.NoError(t, c.Compress(strings.NewReader(input), &packed))
		assert.Less(t, packed.Len(), len(input))
		require.NoError(t, c.Decompress(&packed, &unpacked))
		assert.Equal(t, input, unpacked.String(), "codec %s", c)
	}

	assert.Equal(t, ".gz", CodecGzip.Suffix())
	assert.Equal(t, ".zst", CodecZstd.Suffix())
	assert.Equal(t, ".lz4", CodecLZ4.Suffix())
	_, err := ParseCodec("brotli")
	assert.Error(t, err)
}
