// Package imagewriter streams an image payload onto a device: either
// verbatim in fixed-size chunks (block-stream mode), or file by file onto a
// mounted file system (tree-copy mode). Both modes poll for cancellation
// between units of work and report progress after each of them.
package imagewriter

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/usbflash/tools/internal/imagesrc"
	"github.com/usbflash/tools/internal/progress"
)

const (
	MB = 1024 * 1024

	DefaultChunkSize = 8 * MB
)

var (
	ErrCancelled    = errors.New("cancelled")
	ErrSizeMismatch = errors.New("size mismatch")
	ErrIO           = errors.New("I/O failure")
)

// Kind classifies a WriteError.
type Kind int

const (
	IOFailure Kind = iota
	SizeMismatch
	Cancelled
)

func (k Kind) sentinel() error {
	switch k {
	case SizeMismatch:
		return ErrSizeMismatch
	case Cancelled:
		return ErrCancelled
	}
	return ErrIO
}

// WriteError describes why writing stopped. errors.Is matches ErrCancelled,
// ErrSizeMismatch or ErrIO according to Kind, as well as the underlying
// error.
type WriteError struct {
	Kind Kind
	Path string // file being copied in tree mode, if any
	Err  error
}

func (e *WriteError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%v: %s: %v", e.Kind.sentinel(), e.Path, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind.sentinel(), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == e.Kind.sentinel() }

// Result describes what was written.
type Result struct {
	Bytes int64

	// Block-stream mode only.
	Digest     []byte // SHA-256 of all bytes written
	HeadDigest []byte // SHA-256 of the first chunk
	HeadLen    int

	// Tree-copy mode only.
	Files []FileResult
}

// FileResult is one file written in tree-copy mode.
type FileResult struct {
	Path   string // slash-separated, relative to the destination root
	Size   int64
	Digest []byte
}

// Writer writes image payloads.
type Writer struct {
	// ChunkSize is the unit of writing and cancellation. Zero means
	// DefaultChunkSize.
	ChunkSize int

	Log *slog.Logger
}

func (w *Writer) chunkSize() int {
	if w.ChunkSize > 0 {
		return w.ChunkSize
	}
	return DefaultChunkSize
}

func (w *Writer) logger() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}

// deviceFlags opens devices for synchronous writes. Image files standing in
// for devices are never truncated.
const deviceFlags = os.O_WRONLY | os.O_SYNC

// WriteDevice opens the device or image file at path and writes src onto it
// starting at offset 0. The device is synced and closed on every path.
func (w *Writer) WriteDevice(ctx context.Context, src imagesrc.BlockSource, path string, sink progress.Sink) (*Result, error) {
	f, err := os.OpenFile(path, deviceFlags, 0)
	if err != nil {
		return nil, &WriteError{Kind: IOFailure, Path: path, Err: err}
	}
	res, err := w.WriteBlock(ctx, src, f, sink)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = &WriteError{Kind: IOFailure, Path: path, Err: cerr}
	}
	return res, err
}

// WriteBlock copies src to dst in chunks of ChunkSize bytes. Before every
// chunk, ctx is checked; a cancelled context stops writing within one chunk.
// The number of bytes written must equal src.Size(). If dst implements
// Sync, it is called before returning successfully.
func (w *Writer) WriteBlock(ctx context.Context, src imagesrc.BlockSource, dst io.Writer, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	declared := src.Size()
	log := w.logger().With("image", src.Name())
	log.Info("block_write_start", "size", declared, "chunk_size", w.chunkSize())

	rc, err := src.Open(ctx)
	if err != nil {
		return nil, &WriteError{Kind: IOFailure, Err: err}
	}
	defer rc.Close()

	res := &Result{}
	// Read one byte past the declared size to detect oversized payloads.
	r := io.LimitReader(rc, declared+1)
	buf := make([]byte, w.chunkSize())
	digest := sha256.New()
	sink.Report(0, fmt.Sprintf("Writing %s", humanize.IBytes(uint64(declared))))
	for {
		if err := ctx.Err(); err != nil {
			log.Info("block_write_cancelled", "written", res.Bytes)
			return res, &WriteError{Kind: Cancelled, Err: err}
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if res.Bytes+int64(n) > declared {
				return res, &WriteError{Kind: SizeMismatch, Err: fmt.Errorf("image yields more than the declared %d bytes", declared)}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return res, &WriteError{Kind: IOFailure, Err: fmt.Errorf("writing at offset %d: %w", res.Bytes, err)}
			}
			digest.Write(buf[:n])
			if res.HeadDigest == nil {
				sum := sha256.Sum256(buf[:n])
				res.HeadDigest = sum[:]
				res.HeadLen = n
			}
			res.Bytes += int64(n)
			sink.Report(progress.Fraction(res.Bytes, declared),
				fmt.Sprintf("Writing image... %s of %s",
					humanize.IBytes(uint64(res.Bytes)),
					humanize.IBytes(uint64(declared))))
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return res, &WriteError{Kind: IOFailure, Err: fmt.Errorf("reading image at offset %d: %w", res.Bytes, rerr)}
		}
	}
	if res.Bytes != declared {
		return res, &WriteError{Kind: SizeMismatch, Err: fmt.Errorf("wrote %d bytes, image declared %d", res.Bytes, declared)}
	}
	if s, ok := dst.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return res, &WriteError{Kind: IOFailure, Err: fmt.Errorf("sync: %w", err)}
		}
	}
	res.Digest = digest.Sum(nil)
	log.Info("block_write_done", "written", res.Bytes)
	return res, nil
}

// WriteTree copies all files of src below root, depth-first. Every file is
// written to a temporary file next to its destination and renamed into place
// once complete, so that cancellation or failure never leaves a partially
// written file behind. Files written before cancellation remain.
func (w *Writer) WriteTree(ctx context.Context, src imagesrc.TreeSource, root string, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	files := src.Files()
	total := src.Size()
	var nfiles int
	for _, f := range files {
		if !f.IsDir {
			nfiles++
		}
	}
	log := w.logger().With("image", src.Name())
	log.Info("tree_write_start", "files", nfiles, "bytes", total, "root", root)

	res := &Result{}
	buf := make([]byte, w.chunkSize())
	var copied int
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			log.Info("tree_write_cancelled", "files", copied, "written", res.Bytes)
			return res, &WriteError{Kind: Cancelled, Err: err}
		}
		dest := filepath.Join(root, filepath.FromSlash(f.Path))
		if f.IsDir {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return res, &WriteError{Kind: IOFailure, Path: f.Path, Err: err}
			}
			continue
		}
		fr, err := w.copyFile(ctx, src, f, dest, buf, func(n int64) {
			res.Bytes += n
			sink.Report(progress.Fraction(res.Bytes, total),
				fmt.Sprintf("Copying files... %d/%d", copied, nfiles))
		})
		if err != nil {
			var we *WriteError
			if errors.As(err, &we) {
				return res, err
			}
			return res, &WriteError{Kind: IOFailure, Path: f.Path, Err: err}
		}
		copied++
		res.Files = append(res.Files, *fr)
		sink.Report(progress.Fraction(res.Bytes, total),
			fmt.Sprintf("Copying files... %d/%d", copied, nfiles))
	}
	log.Info("tree_write_done", "files", copied, "written", res.Bytes)
	return res, nil
}

func (w *Writer) copyFile(ctx context.Context, src imagesrc.TreeSource, f imagesrc.File, dest string, buf []byte, written func(int64)) (*FileResult, error) {
	in, err := src.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, err
	}
	pf, err := renameio.NewPendingFile(dest,
		renameio.WithTempDir(filepath.Dir(dest)),
		renameio.WithPermissions(0644))
	if err != nil {
		return nil, err
	}
	defer pf.Cleanup()

	digest := sha256.New()
	n, err := copyChunks(ctx, io.MultiWriter(pf, digest), in, buf, written)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &WriteError{Kind: Cancelled, Path: f.Path, Err: err}
		}
		return nil, err
	}
	if n != f.Size {
		return nil, &WriteError{Kind: SizeMismatch, Path: f.Path, Err: fmt.Errorf("copied %d bytes, want %d", n, f.Size)}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return nil, err
	}
	return &FileResult{Path: f.Path, Size: n, Digest: digest.Sum(nil)}, nil
}

// copyChunks copies r to w, checking ctx before every chunk.
func copyChunks(ctx context.Context, w io.Writer, r io.Reader, buf []byte, written func(int64)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			written(int64(n))
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
