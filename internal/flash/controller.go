// Package flash drives writing bootable media: it validates a request,
// provisions the device, writes the image, installs the overlay and verifies
// the result, publishing progress along the way.
package flash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/usbflash/tools/internal/catalog"
	"github.com/usbflash/tools/internal/imagesrc"
	"github.com/usbflash/tools/internal/imagewriter"
	"github.com/usbflash/tools/internal/overlay"
	"github.com/usbflash/tools/internal/progress"
	"github.com/usbflash/tools/internal/provision"
	"github.com/usbflash/tools/internal/verify"
)

// Request describes an operation to start.
type Request struct {
	DeviceID    string // catalog ID or device path
	ImagePath   string // local path or s3://bucket/key
	OverlayPath string
	Mode        imagesrc.Mode

	// Device, if non-nil, is the snapshot from which the caller picked
	// DeviceID. Start rejects the request if the device changed since.
	Device *catalog.Device
}

// Controller runs at most one operation at a time.
type Controller struct {
	Catalog     *catalog.Catalog
	Provisioner *provision.Provisioner
	Writer      *imagewriter.Writer
	Installer   *overlay.Installer
	Verifier    *verify.Verifier
	Sources     imagesrc.Options
	Observers   []Observer
	Log         *slog.Logger

	startMu sync.Mutex
	active  atomic.Pointer[Handle]
}

// New returns a Controller operating on the system's devices.
func New(log *slog.Logger) *Controller {
	cat := catalog.New()
	cat.Log = log
	return &Controller{
		Catalog:     cat,
		Provisioner: provision.New(log),
		Writer:      &imagewriter.Writer{Log: log},
		Installer:   &overlay.Installer{Log: log},
		Verifier:    &verify.Verifier{Log: log},
		Log:         log,
	}
}

func (c *Controller) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// ListDevices returns the current candidate devices.
func (c *Controller) ListDevices() ([]catalog.Device, error) {
	return c.Catalog.List()
}

// State returns the state of the active operation, or Idle.
func (c *Controller) State() State {
	if h := c.active.Load(); h != nil {
		if s := h.Progress().State; s.Active() {
			return s
		}
	}
	return Idle
}

// Cancel cancels the operation h refers to.
func (c *Controller) Cancel(h *Handle) {
	if h != nil {
		h.Cancel()
	}
}

// Start validates req and starts the operation on a new goroutine.
// Validation failures are returned as *ValidationError before the device is
// modified. While another operation is active, Start returns ErrBusy.
// Cancelling ctx cancels the operation.
func (c *Controller) Start(ctx context.Context, req Request) (*Handle, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.active.Load() != nil {
		return nil, ErrBusy
	}
	op, err := c.validate(ctx, req)
	if err != nil {
		c.logger().Warn("start_rejected", "device", req.DeviceID, "image", req.ImagePath, "error", err)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	h := &Handle{
		id:        id,
		req:       req,
		device:    op.device,
		cancel:    cancel,
		observers: c.Observers,
		log:       c.logger().With("operation", id),
		done:      make(chan struct{}),
	}
	h.snap.Store(&Snapshot{State: Provisioning, Message: "Starting"})
	c.active.Store(h)
	h.log.Info("operation_start",
		"device", op.device.Path,
		"image", op.src.Name(),
		"image_size", op.src.Size(),
		"overlay", req.OverlayPath)
	go c.run(ctx, h, op)
	return h, nil
}

// operation holds what validation produced.
type operation struct {
	device catalog.Device
	src    imagesrc.Source
}

func (c *Controller) validate(ctx context.Context, req Request) (*operation, error) {
	if req.DeviceID == "" {
		return nil, &ValidationError{Field: "device", Reason: "no device selected"}
	}
	dev, err := c.Catalog.Lookup(req.DeviceID)
	if err != nil {
		return nil, &ValidationError{Field: "device", Reason: "not present", Err: err}
	}
	if s := req.Device; s != nil && (s.Capacity != dev.Capacity || s.Serial != dev.Serial) {
		return nil, &ValidationError{Field: "device", Reason: fmt.Sprintf("%s changed since it was listed", dev.Path)}
	}
	target, err := c.Provisioner.Preflight(dev.Path)
	if err != nil {
		return nil, &ValidationError{Field: "device", Reason: "cannot be provisioned", Err: err}
	}

	mode, err := imagesrc.ParseMode(string(req.Mode))
	if err != nil {
		return nil, &ValidationError{Field: "mode", Reason: err.Error()}
	}
	if req.OverlayPath == "" {
		return nil, &ValidationError{Field: "overlay", Reason: "no overlay directory given"}
	}
	if err := overlay.CheckSource(req.OverlayPath); err != nil {
		return nil, &ValidationError{Field: "overlay", Reason: "not a readable directory", Err: err}
	}
	if req.ImagePath == "" {
		return nil, &ValidationError{Field: "image", Reason: "no image given"}
	}
	src, err := imagesrc.Open(ctx, req.ImagePath, mode, c.Sources)
	if err != nil {
		return nil, &ValidationError{Field: "image", Reason: "cannot be read", Err: err}
	}
	if _, ok := src.(imagesrc.BlockSource); ok && src.Size() == 0 {
		src.Close()
		return nil, &ValidationError{Field: "image", Reason: src.Name() + " is empty"}
	}
	capacity := target.Size
	if _, ok := src.(imagesrc.TreeSource); ok && capacity > provision.MB {
		// The partition starts 1 MiB into the device.
		capacity -= provision.MB
	}
	if size := uint64(src.Size()); size > capacity {
		src.Close()
		reason := fmt.Sprintf("%s (%s) does not fit on %s (%s)",
			src.Name(), humanize.IBytes(size), dev.Path, humanize.IBytes(capacity))
		return nil, &ValidationError{Field: "image", Reason: reason}
	}
	return &operation{device: dev, src: src}, nil
}

func (c *Controller) run(ctx context.Context, h *Handle, op *operation) {
	start := time.Now()
	defer close(h.done)
	// Idle again before Done fires.
	defer c.active.CompareAndSwap(h, nil)
	defer h.cancel()
	defer func() {
		if err := op.src.Close(); err != nil {
			h.log.Warn("image_close_failed", "error", err)
		}
	}()

	err := c.execute(ctx, h, op)
	switch {
	case err == nil:
		h.transition(Completed, "Done", nil)
	case cancelled(err):
		h.err = ErrCancelled
		h.transition(Cancelled, "Cancelled", nil)
	default:
		h.err = &Error{State: h.Progress().State, Err: err}
		h.transition(Failed, h.err.Error(), h.err)
	}
	h.log.Info("operation_done",
		"state", h.Progress().State,
		"bytes_written", h.Progress().BytesWritten,
		"duration", time.Since(start))
}

func cancelled(err error) bool {
	return errors.Is(err, imagewriter.ErrCancelled) ||
		errors.Is(err, overlay.ErrCancelled) ||
		errors.Is(err, context.Canceled)
}

func (c *Controller) execute(ctx context.Context, h *Handle, op *operation) error {
	sink := &progress.Monotonic{Next: progress.SinkFunc(h.report)}
	dev := op.device.Path
	// Provisioning, remounting and verification run to completion once
	// started; cancellation is observed by the writer and overlay installer.
	uninterrupted := context.WithoutCancel(ctx)

	h.transition(Provisioning, "Preparing disk", nil)
	vol, err := c.Provisioner.Provision(uninterrupted, dev, provision.FAT32, progress.Span(sink, 0, 20))
	if err != nil {
		return err
	}
	defer func() {
		if vol == nil {
			return
		}
		if err := vol.Close(); err != nil {
			h.log.Warn("volume_close_failed", "dir", vol.Dir, "error", err)
		}
	}()

	h.transition(Writing, "Writing "+op.src.Name(), nil)
	var res *imagewriter.Result
	switch src := op.src.(type) {
	case imagesrc.BlockSource:
		// The image brings its own partition table, which replaces the one
		// just created.
		if err := vol.Close(); err != nil {
			return err
		}
		vol = nil
		res, err = c.Writer.WriteDevice(ctx, src, dev, progress.Span(sink, 20, 78))
		h.setBytes(res)
		if err != nil {
			return err
		}
		// The overlay modifies the boot partition, so the image is read
		// back before installing it.
		if err := c.Verifier.Block(uninterrupted, dev, res, progress.Span(sink, 78, 80)); err != nil {
			return err
		}
		vol, err = c.Provisioner.Remount(uninterrupted, dev)
		if err != nil {
			return err
		}

	case imagesrc.TreeSource:
		res, err = c.Writer.WriteTree(ctx, src, vol.Dir, progress.Span(sink, 20, 80))
		h.setBytes(res)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported image source %T", op.src)
	}

	h.transition(Overlaying, "Setting up "+filepath.Base(c.Installer.Dest(vol.Dir)), nil)
	installed, err := c.Installer.Install(ctx, vol.Dir, h.req.OverlayPath, progress.Span(sink, 80, 95))
	if err != nil {
		return err
	}

	h.transition(Verifying, "Verifying", nil)
	dest := c.Installer.Dest(vol.Dir)
	if len(res.Files) > 0 {
		rel, err := filepath.Rel(vol.Dir, dest)
		if err != nil {
			return err
		}
		written := &imagewriter.Result{Files: notOverlaid(res.Files, filepath.ToSlash(rel), installed.Files)}
		if err := c.Verifier.Tree(uninterrupted, vol.Dir, written, progress.Span(sink, 95, 98)); err != nil {
			return err
		}
	}
	if err := c.Verifier.Overlay(uninterrupted, h.req.OverlayPath, dest, installed.Files); err != nil {
		return err
	}
	sink.Report(99, "Unmounting")
	if err := vol.Close(); err != nil {
		return err
	}
	vol = nil
	sink.Report(100, "Done")
	return nil
}

// notOverlaid drops the files which the overlay replaced. FAT file names are
// case-insensitive.
func notOverlaid(files []imagewriter.FileResult, destDir string, overlaid []string) []imagewriter.FileResult {
	replaced := make(map[string]bool, len(overlaid))
	for _, f := range overlaid {
		replaced[strings.ToLower(destDir+"/"+f)] = true
	}
	var kept []imagewriter.FileResult
	for _, f := range files {
		if !replaced[strings.ToLower(f.Path)] {
			kept = append(kept, f)
		}
	}
	return kept
}
