package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is a single-file compression algorithm.
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

// ParseCodec accepts a codec name. Empty means gzip.
func ParseCodec(name string) (Codec, error) {
	switch Codec(strings.ToLower(strings.TrimSpace(name))) {
	case "", CodecGzip:
		return CodecGzip, nil
	case CodecZstd:
		return CodecZstd, nil
	case CodecLZ4:
		return CodecLZ4, nil
	default:
		return "", fmt.Errorf("unknown codec %q", name)
	}
}

// Suffix is the file name extension the codec appends.
func (c Codec) Suffix() string {
	switch c {
	case CodecZstd:
		return ".zst"
	case CodecLZ4:
		return ".lz4"
	default:
		return ".gz"
	}
}

// Compress streams r through the codec into w.
func (c Codec) Compress(r io.Reader, w io.Writer) error {
	var enc io.WriteCloser
	switch c {
	case CodecGzip:
		enc = gzip.NewWriter(w)
	case CodecZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("zstd encoder: %w", err)
		}
		enc = zw
	case CodecLZ4:
		enc = lz4.NewWriter(w)
	default:
		return fmt.Errorf("unknown codec %q", string(c))
	}

	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return fmt.Errorf("%s compress: %w", c, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%s compress: %w", c, err)
	}
	return nil
}

// Decompress is the inverse of Compress.
func (c Codec) Decompress(r io.Reader, w io.Writer) error {
	var dec io.Reader
	switch c {
	case CodecGzip:
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("gzip decompress: %w", err)
		}
		defer gzr.Close()
		dec = gzr
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		defer zr.Close()
		dec = zr
	case CodecLZ4:
		dec = lz4.NewReader(r)
	default:
		return fmt.Errorf("unknown codec %q", string(c))
	}
	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("%s decompress: %w", c, err)
	}
	return nil
}
