package resource

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression suffixes recognized by Decompress, in lookup order.
const (
	ZstdSuffix = ".zst"
	LZ4Suffix  = ".lz4"
)

type codec struct {
	suffix string
	open   func(io.Reader) (io.ReadCloser, error)
}

var codecs = []codec{
	{ZstdSuffix, func(r io.Reader) (io.ReadCloser, error) {
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	}},
	{LZ4Suffix, func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	}},
}

// Decompress serves a resource from a compressed sibling in Inner when one
// exists: name+".zst" (zstd stream), then name+".lz4" (LZ4 frame), then name
// itself. Readers always see the decompressed bytes, so content hashes are
// those of the original resource.
type Decompress struct {
	Inner Provider
}

// Open implements Provider.
func (d Decompress) Open(name string) (io.ReadCloser, error) {
	for _, c := range codecs {
		rc, err := d.Inner.Open(name + c.suffix)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		dec, err := c.open(rc)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("failed to decompress %s%s: %w", name, c.suffix, err)
		}
		return &decompressed{ReadCloser: dec, src: rc}, nil
	}
	return d.Inner.Open(name)
}

type decompressed struct {
	io.ReadCloser
	src io.Closer
}

func (d *decompressed) Close() error {
	return errors.Join(d.ReadCloser.Close(), d.src.Close())
}
