// Package imagesrc opens the payload which is written to a device. A payload
// is either a block stream (an opaque blob of known size, written verbatim to
// the device) or a file tree (copied file by file onto a file system).
package imagesrc

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Mode selects how a payload is interpreted.
type Mode string

const (
	// Auto treats directories and .iso files as trees, everything else as a
	// block stream.
	Auto  Mode = "auto"
	Block Mode = "block"
	Tree  Mode = "tree"
)

// ParseMode parses the --mode flag value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "", Auto:
		return Auto, nil
	case Block, Tree:
		return m, nil
	}
	return "", fmt.Errorf("invalid mode %q (want one of auto, block, tree)", s)
}

// Source is an opened payload.
type Source interface {
	// Name identifies the payload in messages.
	Name() string
	// Size is the number of bytes which will be written.
	Size() int64
	Close() error
}

// BlockSource is a payload written verbatim to the device.
type BlockSource interface {
	Source
	// Open returns a new reader over the payload. Its length must equal
	// Size; the writer verifies this.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// File is one entry of a TreeSource.
type File struct {
	Path  string // slash-separated, relative to the tree root
	Size  int64
	IsDir bool
}

// TreeSource is a payload copied file by file.
type TreeSource interface {
	Source
	// Files lists all entries depth-first, directories before their contents,
	// siblings in lexical order.
	Files() []File
	Open(path string) (io.ReadCloser, error)
}

// Options configure remote sources.
type Options struct {
	S3Region string
	// S3 overrides the S3 client, for testing.
	S3 S3API
}

// Open opens the payload at path. s3://bucket/key paths refer to S3 objects,
// which are always block streams.
func Open(ctx context.Context, path string, mode Mode, opts Options) (Source, error) {
	if strings.HasPrefix(path, "s3://") {
		if mode == Tree {
			return nil, fmt.Errorf("%s: S3 objects can only be written as block streams", path)
		}
		return openS3(ctx, path, opts)
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if mode == Auto {
		mode = Block
		if st.IsDir() || strings.EqualFold(filepath.Ext(path), ".iso") {
			mode = Tree
		}
	}

	switch mode {
	case Tree:
		if st.IsDir() {
			return OpenDir(path)
		}
		return OpenISO(path)

	case Block:
		if st.IsDir() {
			return nil, fmt.Errorf("%s is a directory, which can only be copied as a tree", path)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".gz":
			return OpenGzip(path)
		case ".zst":
			return OpenZstd(path)
		}
		return OpenFile(path)
	}
	return nil, fmt.Errorf("invalid mode %q", mode)
}

// multiCloser closes a decompressor and the file underneath it.
type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
