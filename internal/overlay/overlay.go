// Package overlay merges a boot-configuration directory into a fixed
// top-level directory of the target volume.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/usbflash/tools/internal/progress"
)

// DefaultDestDir is where boot configuration lives on UEFI boot media.
const DefaultDestDir = "EFI"

var (
	ErrSourceMissing = errors.New("overlay source missing")
	ErrCancelled     = errors.New("cancelled")
)

// OverlayError reports the path at which installing the overlay failed.
type OverlayError struct {
	Path string
	Err  error
}

func (e *OverlayError) Error() string {
	return fmt.Sprintf("installing overlay: %s: %v", e.Path, e.Err)
}

func (e *OverlayError) Unwrap() error { return e.Err }

// Installer copies an overlay directory tree into DestDir below a target
// root. Existing directories are merged, colliding files replaced and files
// which only exist in the destination left alone, so installing the same
// overlay twice yields the same result as installing it once.
type Installer struct {
	// DestDir is relative to the target root. Empty means DefaultDestDir.
	DestDir string

	Log *slog.Logger
}

func (in *Installer) destDir() string {
	if in.DestDir != "" {
		return in.DestDir
	}
	return DefaultDestDir
}

func (in *Installer) logger() *slog.Logger {
	if in.Log != nil {
		return in.Log
	}
	return slog.Default()
}

// Dest returns the directory below root which receives the overlay.
func (in *Installer) Dest(root string) string {
	return filepath.Join(root, in.destDir())
}

// Result describes an installed overlay.
type Result struct {
	Files []string // slash-separated, relative to the overlay root
	Bytes int64
}

// CheckSource returns an error wrapping ErrSourceMissing unless dir is an
// existing directory.
func CheckSource(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return &OverlayError{Path: dir, Err: fmt.Errorf("%w: %v", ErrSourceMissing, err)}
	}
	if !st.IsDir() {
		return &OverlayError{Path: dir, Err: fmt.Errorf("%w: not a directory", ErrSourceMissing)}
	}
	return nil
}

// Files lists the regular files below dir, relative to dir and
// slash-separated, in lexical walk order.
func Files(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if st, err := os.Stat(p); err != nil || st.IsDir() {
				return err
			}
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

// Install merges overlayDir into DestDir below root. ctx is checked before
// each file. The first failing file aborts the remainder.
func (in *Installer) Install(ctx context.Context, root, overlayDir string, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	if err := CheckSource(overlayDir); err != nil {
		return nil, err
	}
	dest := in.Dest(root)
	log := in.logger().With("overlay", overlayDir, "dest", dest)

	type entry struct {
		rel  string
		dir  bool
		size int64
	}
	var (
		entries []entry
		total   int64
	)
	err := filepath.WalkDir(overlayDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(overlayDir, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			entries = append(entries, entry{rel: rel, dir: true})
			return nil
		}
		st, err := os.Stat(p)
		if err != nil {
			return err
		}
		if st.IsDir() {
			return nil
		}
		entries = append(entries, entry{rel: rel, size: st.Size()})
		total += st.Size()
		return nil
	})
	if err != nil {
		var pe *fs.PathError
		if errors.As(err, &pe) {
			return nil, &OverlayError{Path: pe.Path, Err: err}
		}
		return nil, &OverlayError{Path: overlayDir, Err: err}
	}

	log.Info("overlay_install_start", "entries", len(entries), "bytes", total)
	res := &Result{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, &OverlayError{Path: e.rel, Err: fmt.Errorf("%w: %v", ErrCancelled, err)}
		}
		target := filepath.Join(dest, e.rel)
		if e.dir {
			if err := os.MkdirAll(target, 0755); err != nil {
				return res, &OverlayError{Path: target, Err: err}
			}
			continue
		}
		n, err := copyFile(filepath.Join(overlayDir, e.rel), target)
		if err != nil {
			return res, &OverlayError{Path: target, Err: err}
		}
		res.Files = append(res.Files, filepath.ToSlash(e.rel))
		res.Bytes += n
		sink.Report(progress.Fraction(res.Bytes, total),
			fmt.Sprintf("Setting up %s... %d files", in.destDir(), len(res.Files)))
	}
	sink.Report(100, fmt.Sprintf("Installed %d files into %s", len(res.Files), in.destDir()))
	log.Info("overlay_install_done", "files", len(res.Files), "bytes", res.Bytes)
	return res, nil
}

// copyFile atomically replaces dest with the contents of src.
func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	pf, err := renameio.NewPendingFile(dest,
		renameio.WithTempDir(filepath.Dir(dest)),
		renameio.WithPermissions(0644))
	if err != nil {
		return 0, err
	}
	defer pf.Cleanup()
	n, err := io.Copy(pf, in)
	if err != nil {
		return n, err
	}
	return n, pf.CloseAtomicallyReplace()
}
