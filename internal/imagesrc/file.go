package imagesrc

import (
	"context"
	"fmt"
	"io"
	"os"
)

type fileSource struct {
	path string
	size int64
}

// OpenFile returns a block stream of the raw file at path.
func OpenFile(path string) (BlockSource, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &fileSource{path: path, size: st.Size()}, nil
}

func (s *fileSource) Name() string { return s.path }
func (s *fileSource) Size() int64 { return s.size }
func (s *fileSource) Close() error { return nil }

func (s *fileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(s.path)
}
