package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/usbflash/tools/internal/catalog"
	"github.com/usbflash/tools/internal/config"
	"github.com/usbflash/tools/internal/flash"
	"github.com/usbflash/tools/internal/imagesrc"
	"github.com/usbflash/tools/internal/measure"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

type flashImplConfig struct {
	device  string
	image   string
	overlay string
	mode    string
	report  string
	yes     bool
	plain   bool

	// controller builds the controller; nil means newController.
	controller func(*config.Config, *slog.Logger) *flash.Controller
}

func flashCmd() *cobra.Command {
	var impl flashImplConfig
	cmd := &cobra.Command{
		GroupID: "devices",
		Use:     "flash",
		Short:   "Erase a device and write a bootable image with a boot configuration overlay",
		Long: `Erase a device and write a bootable image with a boot configuration overlay.

The device is re-partitioned with a single FAT32 partition. Disk images are
then written verbatim (replacing that partition table); directories and ISO
images are copied file by file onto the FAT32 file system. Finally, the
overlay directory is merged into EFI/ and the result is verified.

Interrupting usbflash (Ctrl-C) stops writing at the next chunk or file. The
device is left partially written and must be flashed again.

Examples:
  # Write an Ubuntu installer with an OpenCore configuration to sdx:
  % usbflash flash --device=/dev/sdx --image=ubuntu-24.04.iso --overlay=~/EFI

  # Write a compressed disk image from S3, without asking for confirmation:
  % usbflash flash --device=sdx --image=s3://images/gokrazy.img.zst --overlay=./EFI --yes
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), cmd.Flags(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&impl.device, "device", "d", "", "device to overwrite (e.g. /dev/sdx or sdx); may be omitted if exactly one removable device is present")
	cmd.Flags().StringVarP(&impl.image, "image", "", "", "image to write: a disk image (optionally .gz or .zst), an .iso, a directory or an s3://bucket/key URL")
	cmd.Flags().StringVarP(&impl.overlay, "overlay", "", "", "boot configuration directory to install into EFI/ (default: --overlay-dir)")
	cmd.Flags().StringVarP(&impl.mode, "mode", "", string(imagesrc.Auto), "how to write the image: auto, block or tree")
	cmd.Flags().StringVarP(&impl.report, "report", "", "", "if non-empty, write a JSON report of the outcome to this file")
	cmd.Flags().BoolVarP(&impl.yes, "yes", "y", false, "do not ask for confirmation before erasing the device")
	cmd.Flags().BoolVarP(&impl.plain, "plain", "", false, "print one line per step instead of a progress bar")
	return cmd
}

func (r *flashImplConfig) run(ctx context.Context, fs *pflag.FlagSet, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	log := newLogger(stderr, cfg.Verbose)
	mkController := r.controller
	if mkController == nil {
		mkController = newController
	}
	ctrl := mkController(cfg, log)
	jrnl, err := openJournal(cfg, log)
	if err != nil {
		// A journal is nice to have; flashing works without it.
		log.Warn("journal_unavailable", "path", cfg.Journal, "error", err)
	}
	if jrnl != nil {
		defer jrnl.Close()
		ctrl.Observers = append(ctrl.Observers, jrnl)
	}

	if r.overlay == "" {
		r.overlay = cfg.OverlayDir
	}
	mode, err := imagesrc.ParseMode(r.mode)
	if err != nil {
		return err
	}

	var dev catalog.Device
	if r.device == "" {
		devices, err := ctrl.ListDevices()
		if err != nil {
			return err
		}
		if dev, err = pickDevice(stderr, devices); err != nil {
			return err
		}
	} else {
		if dev, err = ctrl.Catalog.Lookup(r.device); err != nil {
			return fmt.Errorf("%w (see usbflash list)", err)
		}
	}

	if !r.yes {
		ok, err := confirm(stdin, stdout, dev)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(stdout, "Aborted, the device was not modified.")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	h, err := ctrl.Start(ctx, flash.Request{
		DeviceID:    dev.ID,
		ImagePath:   r.image,
		OverlayPath: r.overlay,
		Mode:        mode,
		Device:      &dev,
	})
	if err != nil {
		return err
	}

	plain := r.plain || !isTerminal(stderr)
	var eg errgroup.Group
	eg.Go(func() error {
		if plain {
			renderPlain(h, stderr)
		} else {
			renderBar(h, stderr)
		}
		return nil
	})
	eg.Go(h.Wait)
	opErr := eg.Wait()

	if r.report != "" {
		if err := writeReport(r.report, h, start); err != nil {
			log.Error("report_write_failed", "path", r.report, "error", err)
			if opErr == nil {
				opErr = err
			}
		}
	}
	return outcome(stdout, h, opErr, time.Since(start))
}

// confirm asks the user whether dev may be erased.
func confirm(stdin io.Reader, stdout io.Writer, dev catalog.Device) (bool, error) {
	fmt.Fprintf(stdout, "All data on %s (%s, %s) will be erased.\n", dev.Path, dev.Label, humanize.IBytes(dev.Capacity))
	fmt.Fprint(stdout, "Are you sure? [y/N]: ")
	response, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

const renderInterval = 100 * time.Millisecond

// renderBar draws a progress bar until the operation finished.
func renderBar(h *flash.Handle, w io.Writer) {
	bar := progressbar.NewOptions64(1000,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()
	update := func() {
		snap := h.Progress()
		bar.Describe(fmt.Sprintf("%-12s %s", snap.State, snap.Message))
		bar.Set64(int64(snap.Percent * 10))
	}
	for {
		select {
		case <-h.Done():
			update()
			fmt.Fprintln(w)
			return
		case <-ticker.C:
			update()
		}
	}
}

// renderPlain prints one line per state, with the time each one took.
func renderPlain(h *flash.Handle, w io.Writer) {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()
	state := flash.Idle
	var done func(string)
	update := func() {
		snap := h.Progress()
		if snap.State == state {
			return
		}
		if done != nil {
			fragment := " " + state.String()
			if snap.State == flash.Failed || snap.State == flash.Cancelled {
				fragment += ", " + snap.State.String()
			}
			done(fragment)
			done = nil
		}
		state = snap.State
		if !state.Terminal() {
			done = measure.Interactively(w, state.String())
		}
	}
	for {
		select {
		case <-h.Done():
			update()
			return
		case <-ticker.C:
			update()
		}
	}
}

type report struct {
	ID           string    `json:"id"`
	Device       string    `json:"device"`
	Image        string    `json:"image"`
	Overlay      string    `json:"overlay"`
	State        string    `json:"state"`
	Percent      float64   `json:"percent"`
	Message      string    `json:"message"`
	Error        string    `json:"error,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

func newReport(h *flash.Handle, started time.Time) report {
	snap := h.Progress()
	rep := report{
		ID:           h.ID(),
		Device:       h.Device().Path,
		Image:        h.Request().ImagePath,
		Overlay:      h.Request().OverlayPath,
		State:        snap.State.String(),
		Percent:      snap.Percent,
		Message:      snap.Message,
		BytesWritten: snap.BytesWritten,
		Started:      started,
		Finished:     time.Now(),
	}
	if snap.Err != nil {
		rep.Error = snap.Err.Error()
	}
	return rep
}

func writeReport(path string, h *flash.Handle, started time.Time) error {
	b, err := json.MarshalIndent(newReport(h, started), "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append(b, '\n'), 0644)
}

// outcome prints the result of the operation and maps it to an exit status.
func outcome(stdout io.Writer, h *flash.Handle, err error, elapsed time.Duration) error {
	snap := h.Progress()
	switch {
	case err == nil:
		fmt.Fprintf(stdout, "Wrote %s to %s in %v. The device is ready to boot.\n",
			humanize.IBytes(uint64(snap.BytesWritten)), h.Device().Path, elapsed.Round(time.Second))
		return nil
	case errors.Is(err, flash.ErrCancelled):
		return &ExitError{
			Code: 130,
			Msg:  fmt.Sprintf("Cancelled after writing %s. %s holds an incomplete image; flash it again before use.", humanize.IBytes(uint64(snap.BytesWritten)), h.Device().Path),
		}
	}
	return err
}
