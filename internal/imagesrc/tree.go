package imagesrc

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kdomanski/iso9660"
)

type dirSource struct {
	root  string
	files []File
	size  int64
}

// OpenDir returns a tree of the host directory root. Symbolic links are
// followed for files; directories reached through links are not entered.
func OpenDir(root string) (TreeSource, error) {
	s := &dirSource{root: root}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			s.files = append(s.files, File{Path: rel, IsDir: true})
			return nil
		}
		st, err := os.Stat(p)
		if err != nil {
			return err
		}
		if st.IsDir() {
			return nil
		}
		if !st.Mode().IsRegular() {
			return fmt.Errorf("%s: unsupported file type %v", p, st.Mode().Type())
		}
		s.files = append(s.files, File{Path: rel, Size: st.Size()})
		s.size += st.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *dirSource) Name() string { return s.root }
func (s *dirSource) Size() int64 { return s.size }
func (s *dirSource) Close() error { return nil }
func (s *dirSource) Files() []File { return s.files }

func (s *dirSource) Open(rel string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, filepath.FromSlash(rel)))
}

type isoSource struct {
	path  string
	f     *os.File
	files []File
	index map[string]*iso9660.File
	size  int64
}

// OpenISO returns a tree of the contents of an ISO 9660 image, read
// in-process without mounting. Rock Ridge names are used when present.
func OpenISO(p string) (TreeSource, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	img, err := iso9660.OpenImage(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	root, err := img.RootDir()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	s := &isoSource{
		path:  p,
		f:     f,
		index: make(map[string]*iso9660.File),
	}
	if err := s.walk(root, ""); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return s, nil
}

func (s *isoSource) walk(dir *iso9660.File, prefix string) error {
	children, err := dir.GetChildren()
	if err != nil {
		return err
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Name() < children[j].Name()
	})
	for _, child := range children {
		name := child.Name()
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00\x01") {
			continue
		}
		rel := path.Join(prefix, name)
		if child.IsDir() {
			s.files = append(s.files, File{Path: rel, IsDir: true})
			if err := s.walk(child, rel); err != nil {
				return err
			}
			continue
		}
		s.files = append(s.files, File{Path: rel, Size: child.Size()})
		s.index[rel] = child
		s.size += child.Size()
	}
	return nil
}

func (s *isoSource) Name() string { return s.path }
func (s *isoSource) Size() int64 { return s.size }
func (s *isoSource) Files() []File { return s.files }
func (s *isoSource) Close() error { return s.f.Close() }

func (s *isoSource) Open(rel string) (io.ReadCloser, error) {
	f, ok := s.index[rel]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: rel, Err: fs.ErrNotExist}
	}
	return io.NopCloser(f.Reader()), nil
}
