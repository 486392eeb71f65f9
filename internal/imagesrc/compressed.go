package imagesrc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type decompressingSource struct {
	path string
	size int64
	open func(f *os.File) (io.ReadCloser, error)
}

func (s *decompressingSource) Name() string { return s.path }
func (s *decompressingSource) Size() int64 { return s.size }
func (s *decompressingSource) Close() error { return nil }

func (s *decompressingSource) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	rc, err := s.open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return rc, nil
}

// OpenGzip returns a block stream of the decompressed contents of a gzip
// file. The declared size is taken from the gzip trailer, which stores the
// uncompressed size modulo 2^32: larger images are rejected by the writer's
// size check.
func OpenGzip(path string) (BlockSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < 18 {
		return nil, fmt.Errorf("%s: too short for a gzip file", path)
	}
	// Validate the header before trusting the trailer.
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	zr.Close()
	var trailer [4]byte
	if _, err := f.ReadAt(trailer[:], st.Size()-4); err != nil {
		return nil, err
	}
	return &decompressingSource{
		path: path,
		size: int64(binary.LittleEndian.Uint32(trailer[:])),
		open: func(f *os.File) (io.ReadCloser, error) {
			zr, err := gzip.NewReader(f)
			if err != nil {
				return nil, err
			}
			return &multiCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
		},
	}, nil
}

// OpenZstd returns a block stream of the decompressed contents of a zstd
// file. The frame header must declare the content size.
func OpenZstd(path string) (BlockSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, zstd.HeaderMaxSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%s: reading zstd header: %w", path, err)
	}
	var hdr zstd.Header
	if err := hdr.Decode(buf[:n]); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !hdr.HasFCS {
		return nil, fmt.Errorf("%s: zstd frame does not declare its content size (compress with --content-size)", path)
	}
	return &decompressingSource{
		path: path,
		size: int64(hdr.FrameContentSize),
		open: func(f *os.File) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(f)
			if err != nil {
				return nil, err
			}
			rc := zr.IOReadCloser()
			return &multiCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
		},
	}, nil
}
