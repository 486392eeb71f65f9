// Package provision prepares a storage device for receiving bootable media:
// it wipes the device, writes a single-partition table, creates a FAT32 file
// system, marks the partition active and mounts it. Each step is verified
// before the next one runs.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/usbflash/tools/internal/progress"
)

// Step names one provisioning step.
type Step string

const (
	StepWipe      Step = "wipe"
	StepPartition Step = "partition"
	StepFormat    Step = "format"
	StepActivate  Step = "activate"
	StepMount     Step = "mount"
)

// ProvisionError reports the step at which provisioning stopped.
type ProvisionError struct {
	Step Step
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed at step %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

const (
	MB = 1024 * 1024

	// wipeSize bytes are zeroed at both ends of the device, covering the
	// MBR, the primary GPT and the backup GPT.
	wipeSize = 1 * MB
)

// Provisioner runs the provisioning steps against a device node or disk
// image file.
type Provisioner struct {
	Formatter Formatter
	Mounter   Mounter

	// MountRoot is the directory in which mount points are created. Empty
	// means os.TempDir().
	MountRoot string

	// Label is the FAT volume label.
	Label string

	// SettleTimeout bounds how long to wait for partition device nodes to
	// appear after re-reading the partition table.
	SettleTimeout time.Duration

	Log *slog.Logger
}

// New returns a Provisioner which uses mkfs.vfat and mount(8).
func New(log *slog.Logger) *Provisioner {
	return &Provisioner{
		Formatter:     &MkfsFormatter{Log: log},
		Mounter:       &SysMounter{Log: log},
		Label:         "BOOT",
		SettleTimeout: 10 * time.Second,
		Log:           log,
	}
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Preflight checks that path can be provisioned and returns its size. Block
// devices must not have any partition mounted.
func (p *Provisioner) Preflight(path string) (Target, error) {
	t, err := statTarget(path)
	if err != nil {
		return Target{}, err
	}
	if t.Block {
		if err := verifyNotMounted(path); err != nil {
			return Target{}, err
		}
	}
	return t, nil
}

// Provision runs all steps against path and returns the mounted volume. The
// first failing step aborts provisioning; no later step runs and nothing is
// retried. The caller must Close the returned Volume.
func (p *Provisioner) Provision(ctx context.Context, path string, kind FilesystemKind, sink progress.Sink) (*Volume, error) {
	if sink == nil {
		sink = progress.Discard
	}
	if kind != FAT32 {
		return nil, &ProvisionError{Step: StepFormat, Err: fmt.Errorf("unsupported file system %q", kind)}
	}
	t, err := p.Preflight(path)
	if err != nil {
		return nil, &ProvisionError{Step: StepWipe, Err: err}
	}
	f, err := openTarget(path)
	if err != nil {
		return nil, &ProvisionError{Step: StepWipe, Err: err}
	}
	defer f.Close()

	log := p.logger().With("device", path)
	log.Info("provision_start", "size", t.Size, "block_device", t.Block)

	var part Partition
	steps := []struct {
		step    Step
		message string
		fn      func() error
	}{
		{StepWipe, "Wiping partition table", func() error {
			return wipe(f, t)
		}},
		{StepPartition, "Creating partition", func() error {
			var err error
			part, err = p.partition(ctx, f, t)
			return err
		}},
		{StepFormat, "Creating FAT32 file system", func() error {
			if err := p.Formatter.Format(ctx, part, kind, p.Label); err != nil {
				return err
			}
			return verifyFAT32(part)
		}},
		{StepActivate, "Marking partition active", func() error {
			if err := setActive(f); err != nil {
				return err
			}
			if err := f.Sync(); err != nil {
				return err
			}
			return verifyMBR(f, t.Size, active)
		}},
	}
	const total = 5 // steps plus mounting
	for i, s := range steps {
		sink.Report(float64(i)*100/total, s.message)
		start := time.Now()
		if err := s.fn(); err != nil {
			log.Error("provision_step_failed", "step", s.step, "error", err)
			return nil, &ProvisionError{Step: s.step, Err: err}
		}
		log.Info("provision_step_done", "step", s.step, "duration", time.Since(start))
	}

	sink.Report(float64(len(steps))*100/total, "Mounting partition")
	vol, err := p.mount(ctx, part, "vfat")
	if err != nil {
		log.Error("provision_step_failed", "step", StepMount, "error", err)
		return nil, &ProvisionError{Step: StepMount, Err: err}
	}
	sink.Report(100, "Disk prepared")
	log.Info("provision_done", "mountpoint", vol.Dir)
	return vol, nil
}

func wipe(f *os.File, t Target) error {
	zero := make([]byte, wipeSize)
	head := zero
	if t.Size < uint64(len(head)) {
		head = zero[:t.Size]
	}
	if _, err := f.WriteAt(head, 0); err != nil {
		return err
	}
	if t.Size >= 2*wipeSize {
		if _, err := f.WriteAt(zero, int64(t.Size)-wipeSize); err != nil {
			return err
		}
	}
	if err := f.Sync(); err != nil {
		return err
	}
	var sector [sectorSize]byte
	if _, err := f.ReadAt(sector[:], 0); err != nil {
		return fmt.Errorf("reading back sector 0: %w", err)
	}
	if !bytes.Equal(sector[:], zero[:sectorSize]) {
		return errors.New("sector 0 not zero after wiping")
	}
	return nil
}

func (p *Provisioner) partition(ctx context.Context, f *os.File, t Target) (Partition, error) {
	if err := writeMBR(io.NewOffsetWriter(f, 0), t.Size); err != nil {
		return Partition{}, err
	}
	if err := f.Sync(); err != nil {
		return Partition{}, err
	}
	if err := verifyMBR(f, t.Size, inactive); err != nil {
		return Partition{}, err
	}
	size := int64(t.Size/sectorSize-firstLBA) * sectorSize
	if !t.Block {
		return Partition{
			Target: t,
			Number: 1,
			Path:   t.Path,
			Offset: firstLBA * sectorSize,
			Size:   size,
		}, nil
	}
	node, err := p.rereadPartitions(ctx, f, t.Path, 1)
	if err != nil {
		return Partition{}, err
	}
	return Partition{
		Target: t,
		Number: 1,
		Path:   node,
		Size:   size,
	}, nil
}

// rereadPartitions makes Linux re-read the partition table and waits for the
// device node of partition number to appear.
func (p *Provisioner) rereadPartitions(ctx context.Context, f *os.File, dev string, number int) (string, error) {
	syncAll()
	if err := rereadPartitions(f.Fd()); err != nil {
		// The kernel may still pick up the new table via udev.
		p.logger().Warn("reread_partitions_failed", "device", dev, "error", err)
	}
	syncAll()

	node := partitionPath(dev, number)
	deadline := time.Now().Add(p.SettleTimeout)
	for {
		if _, err := os.Stat(node); err == nil {
			return node, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("partition %s did not appear within %v (unplug and re-plug the device?)", node, p.SettleTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *Provisioner) mount(ctx context.Context, part Partition, fstype string) (*Volume, error) {
	root := p.MountRoot
	if root != "" {
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, err
		}
	}
	dir, err := os.MkdirTemp(root, "usbflash-")
	if err != nil {
		return nil, err
	}
	if err := p.Mounter.Mount(ctx, part, fstype, dir); err != nil {
		os.Remove(dir)
		return nil, err
	}
	vol := &Volume{
		Dir:       dir,
		Partition: part,
		mounter:   p.Mounter,
		log:       p.logger(),
	}
	if fstype == "" {
		// Written images bring their own contents.
		return vol, nil
	}
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) > 0 {
		err = fmt.Errorf("freshly formatted file system at %s is not empty (%d entries)", dir, len(entries))
	}
	if err != nil {
		if cerr := vol.Close(); cerr != nil {
			p.logger().Warn("volume_close_failed", "dir", dir, "error", cerr)
		}
		return nil, err
	}
	return vol, nil
}

// Remount mounts the boot partition of a device whose partition table was
// replaced by a written disk image: the EFI system partition or first FAT
// partition if there is one, partition 1 otherwise. The file system type is
// probed by the kernel.
func (p *Provisioner) Remount(ctx context.Context, path string) (*Volume, error) {
	vol, err := p.remount(ctx, path)
	if err != nil {
		return nil, &ProvisionError{Step: StepMount, Err: err}
	}
	return vol, nil
}

func (p *Provisioner) remount(ctx context.Context, path string) (*Volume, error) {
	t, err := statTarget(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, permissionHint(path, err)
	}
	defer f.Close()
	extents, err := readPartitions(f)
	if err != nil {
		return nil, err
	}
	e, err := bootPartition(extents)
	if err != nil {
		return nil, err
	}
	p.logger().Info("boot_partition", "device", path, "number", e.Number, "start", e.Start, "size", e.Size)
	part := Partition{Target: t, Number: e.Number, Size: e.Size}
	if t.Block {
		node, err := p.rereadPartitions(ctx, f, path, e.Number)
		if err != nil {
			return nil, err
		}
		part.Path = node
	} else {
		part.Path = path
		part.Offset = e.Start
	}
	return p.mount(ctx, part, "")
}
