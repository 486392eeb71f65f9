// Package verify checks that what was written to a device matches its
// source.
package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/usbflash/tools/internal/imagewriter"
	"github.com/usbflash/tools/internal/progress"
	"golang.org/x/mod/sumdb/dirhash"
)

var ErrMismatch = errors.New("mismatch")

// Error names the check which failed.
type Error struct {
	What string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("verifying %s: %v", e.What, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Verifier re-reads written data.
type Verifier struct {
	// Full re-hashes everything written instead of only the first chunk
	// (block-stream mode) or file sizes (tree-copy mode).
	Full bool

	Log *slog.Logger
}

func (v *Verifier) logger() *slog.Logger {
	if v.Log != nil {
		return v.Log
	}
	return slog.Default()
}

// Block compares the device contents with the digests recorded while
// writing.
func (v *Verifier) Block(ctx context.Context, devicePath string, res *imagewriter.Result, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	f, err := os.Open(devicePath)
	if err != nil {
		return &Error{What: devicePath, Err: err}
	}
	defer f.Close()

	if !v.Full {
		h := sha256.New()
		if _, err := io.Copy(h, io.NewSectionReader(f, 0, int64(res.HeadLen))); err != nil {
			return &Error{What: devicePath, Err: err}
		}
		if got := h.Sum(nil); !bytes.Equal(got, res.HeadDigest) {
			return &Error{What: devicePath, Err: fmt.Errorf("%w: first %d bytes: got sha256 %x, want %x", ErrMismatch, res.HeadLen, got, res.HeadDigest)}
		}
		sink.Report(100, "Image verified")
		return nil
	}

	h := sha256.New()
	r := io.NewSectionReader(f, 0, res.Bytes)
	buf := make([]byte, imagewriter.DefaultChunkSize)
	var done int64
	for {
		n, err := r.Read(buf)
		h.Write(buf[:n])
		done += int64(n)
		sink.Report(progress.Fraction(done, res.Bytes), "Verifying image...")
		if err == io.EOF {
			break
		}
		if err != nil {
			return &Error{What: devicePath, Err: err}
		}
	}
	if got := h.Sum(nil); !bytes.Equal(got, res.Digest) {
		return &Error{What: devicePath, Err: fmt.Errorf("%w: got sha256 %x, want %x", ErrMismatch, got, res.Digest)}
	}
	v.logger().Info("block_verified", "device", devicePath, "bytes", done)
	return nil
}

// Tree checks that every file written in tree-copy mode exists below root
// with the expected size, and in Full mode the expected contents.
func (v *Verifier) Tree(ctx context.Context, root string, res *imagewriter.Result, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	for i, fr := range res.Files {
		p := filepath.Join(root, filepath.FromSlash(fr.Path))
		st, err := os.Stat(p)
		if err != nil {
			return &Error{What: fr.Path, Err: err}
		}
		if st.Size() != fr.Size {
			return &Error{What: fr.Path, Err: fmt.Errorf("%w: size %d, want %d", ErrMismatch, st.Size(), fr.Size)}
		}
		if v.Full {
			got, err := fileDigest(p)
			if err != nil {
				return &Error{What: fr.Path, Err: err}
			}
			if !bytes.Equal(got, fr.Digest) {
				return &Error{What: fr.Path, Err: fmt.Errorf("%w: got sha256 %x, want %x", ErrMismatch, got, fr.Digest)}
			}
		}
		sink.Report(progress.Fraction(int64(i+1), int64(len(res.Files))), "Verifying files...")
	}
	v.logger().Info("tree_verified", "root", root, "files", len(res.Files))
	return nil
}

// Overlay compares the dirhash of the overlay source with the installed
// copy below dest.
func (v *Verifier) Overlay(ctx context.Context, src, dest string, files []string) error {
	want, err := hashFiles(src, files)
	if err != nil {
		return &Error{What: "overlay source", Err: err}
	}
	got, err := hashFiles(dest, files)
	if err != nil {
		return &Error{What: "installed overlay", Err: err}
	}
	if got != want {
		return &Error{What: "installed overlay", Err: fmt.Errorf("%w: %s, want %s", ErrMismatch, got, want)}
	}
	v.logger().Info("overlay_verified", "dest", dest, "files", len(files), "hash", got)
	return nil
}

func hashFiles(root string, files []string) (string, error) {
	return dirhash.Hash1(files, func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(root, filepath.FromSlash(name)))
	})
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
