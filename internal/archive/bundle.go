package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// Bundle writes a relocatable .tar.gz: every entry name is relative,
// so the bundle unpacks wherever the recipient chooses.
type Bundle struct {
	gzw   *gzip.Writer
	tw    *tar.Writer
	names map[string]bool
}

// NewBundle starts a bundle on w. Close must be called to flush it.
func NewBundle(w io.Writer) *Bundle {
	gzw := gzip.NewWriter(w)
	return &Bundle{gzw: gzw, tw: tar.NewWriter(gzw), names: make(map[string]bool)}
}

// Add appends the file or directory tree at localPath under name.
// Name clashes with earlier entries get a numeric suffix; the name
// actually used is returned.
func (b *Bundle) Add(fs afero.Fs, localPath, name string) (string, error) {
	name = b.unique(strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/"))
	err := afero.Walk(fs, localPath, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() && !fi.Mode().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(localPath, file)
		if err != nil {
			return fmt.Errorf("get relative path of %s to %s: %w", file, localPath, err)
		}
		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return fmt.Errorf("make header %s: %w", file, err)
		}
		header.Name = path.Join(name, filepath.ToSlash(relPath))
		if fi.IsDir() {
			header.Name += "/"
		}
		header.Uid, header.Gid, header.Uname, header.Gname = 0, 0, "", ""
		if err := b.tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write %s header: %w", file, err)
		}
		if fi.IsDir() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return fmt.Errorf("open %s: %w", file, err)
		}
		defer f.Close()
		if _, err := io.Copy(b.tw, f); err != nil {
			return fmt.Errorf("copy %s: %w", file, err)
		}
		return nil
	})
	return name, err
}

func (b *Bundle) unique(name string) string {
	if name == "" {
		name = "file"
	}
	candidate := name
	for i := 1; b.names[candidate]; i++ {
		candidate = fmt.Sprintf("%s.%d", name, i)
	}
	b.names[candidate] = true
	return candidate
}

// Close flushes the tar and gzip streams. It does not close the
// underlying writer.
func (b *Bundle) Close() error {
	if err := b.tw.Close(); err != nil {
		b.gzw.Close()
		return err
	}
	return b.gzw.Close()
}
