// Package archive builds download bundles, extracts uploaded archives
// and compresses single files.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

var (
	// ErrUnsupportedFormat is returned for file names without a known
	// archive extension.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrUnsafePath is returned for archive entries that would land
	// outside the extraction directory.
	ErrUnsafePath = errors.New("archive entry escapes target directory")

	// ErrTooLarge is returned when an archive unpacks to more bytes or
	// entries than the extraction limits allow.
	ErrTooLarge = errors.New("archive exceeds extraction limits")
)

// Limits bound a single extraction. Zero fields are unbounded.
type Limits struct {
	MaxBytes   int64 // total uncompressed bytes written
	MaxEntries int   // headers read, directories included
}

// DefaultLimits are the limits Extract applies.
var DefaultLimits = Limits{MaxBytes: 4 << 30, MaxEntries: 10000}

// Format is an archive container format.
type Format int

const (
	FormatTar Format = iota + 1
	FormatTarGz
	FormatTarZst
	FormatZip
)

// extensions is checked in order, longest suffix first.
var extensions = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tar.zst", FormatTarZst},
	{".tgz", FormatTarGz},
	{".tar", FormatTar},
	{".zip", FormatZip},
}

// DetectFormat returns the format implied by name's extension.
func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(name)
	for _, e := range extensions {
		if strings.HasSuffix(lower, e.suffix) && len(lower) > len(e.suffix) {
			return e.format, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// Stem strips the archive extension from name.
func Stem(name string) string {
	lower := strings.ToLower(name)
	for _, e := range extensions {
		if strings.HasSuffix(lower, e.suffix) {
			return name[:len(name)-len(e.suffix)]
		}
	}
	return name
}

// safeJoin resolves an archive entry name below dir.
func safeJoin(dir, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	clean := path.Clean("/" + name)
	if path.IsAbs(name) || clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Extract unpacks the archive at archivePath on fs into dstDir under
// DefaultLimits. See ExtractWithLimits.
func Extract(fs afero.Fs, archivePath, name, dstDir string) ([]string, error) {
	return ExtractWithLimits(fs, archivePath, name, dstDir, DefaultLimits)
}

// ExtractWithLimits unpacks the archive at archivePath on fs into dstDir
// and returns the slash separated relative paths of the regular files it
// wrote. Links and special files are skipped. The archive name decides
// the format. Exceeding lim stops the extraction with ErrTooLarge; files
// already written are left for the caller to remove.
func ExtractWithLimits(fs afero.Fs, archivePath, name, dstDir string, lim Limits) ([]string, error) {
	format, err := DetectFormat(name)
	if err != nil {
		return nil, err
	}
	f, err := fs.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := fs.MkdirAll(dstDir, 0755); err != nil {
		return nil, err
	}

	x := &extractor{fs: fs, dst: dstDir, lim: lim}
	switch format {
	case FormatZip:
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		err = x.zip(f, info.Size())
		return x.files, err
	case FormatTarGz:
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("new gzip reader: %w", err)
		}
		defer gzr.Close()
		err = x.tar(gzr)
		return x.files, err
	case FormatTarZst:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("new zstd reader: %w", err)
		}
		defer dec.Close()
		err = x.tar(dec)
		return x.files, err
	default:
		err = x.tar(f)
		return x.files, err
	}
}

// extractor tracks what one extraction has written against its limits.
type extractor struct {
	fs      afero.Fs
	dst     string
	lim     Limits
	written int64
	entries int
	files   []string
}

func (x *extractor) entry() error {
	x.entries++
	if x.lim.MaxEntries > 0 && x.entries > x.lim.MaxEntries {
		return fmt.Errorf("%w: more than %d entries", ErrTooLarge, x.lim.MaxEntries)
	}
	return nil
}

func (x *extractor) tar(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return fmt.Errorf("read tar header: %w", err)
		}
		if err := x.entry(); err != nil {
			return err
		}

		target, err := safeJoin(x.dst, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := x.fs.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.write(target, tr, header.Size); err != nil {
				return fmt.Errorf("extract %s: %w", header.Name, err)
			}
		}
	}
}

func (x *extractor) zip(r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	for _, zf := range zr.File {
		if err := x.entry(); err != nil {
			return err
		}
		target, err := safeJoin(x.dst, zf.Name)
		if err != nil {
			return err
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := x.fs.MkdirAll(target, 0755); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("extract %s: %w", zf.Name, err)
			}
			err = x.write(target, rc, int64(zf.UncompressedSize64))
			rc.Close()
			if err != nil {
				return fmt.Errorf("extract %s: %w", zf.Name, err)
			}
		}
	}
	return nil
}

// write copies one member to target. declared is the size the archive
// claims for it; the copy is bounded by the remaining byte budget
// whatever the header says.
func (x *extractor) write(target string, r io.Reader, declared int64) error {
	remaining := int64(-1)
	if x.lim.MaxBytes > 0 {
		remaining = x.lim.MaxBytes - x.written
		if declared > remaining {
			return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, x.lim.MaxBytes)
		}
		r = io.LimitReader(r, remaining+1)
	}

	if err := x.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := x.fs.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, r)
	x.written += n
	if err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if remaining >= 0 && n > remaining {
		return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, x.lim.MaxBytes)
	}
	x.files = append(x.files, relSlash(x.dst, target))
	return nil
}

func relSlash(dir, p string) string {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}
