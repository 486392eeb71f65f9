package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// Mounter attaches partitions to directories.
type Mounter interface {
	// Mount mounts p onto dir. An empty fstype lets the kernel probe.
	Mount(ctx context.Context, p Partition, fstype, dir string) error
	Unmount(ctx context.Context, dir string) error
}

// SysMounter uses mount(8) and umount(8). Image files are attached through a
// loop device at the partition offset.
type SysMounter struct {
	Log *slog.Logger
}

func (m *SysMounter) logger() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

func (m *SysMounter) Mount(ctx context.Context, p Partition, fstype, dir string) error {
	var args []string
	if fstype != "" {
		args = append(args, "-t", fstype)
	}
	if !p.Target.Block {
		args = append(args, "-o", "loop,offset="+strconv.FormatInt(p.Offset, 10)+
			",sizelimit="+strconv.FormatInt(p.Size, 10))
	}
	args = append(args, p.Path, dir)
	return run(ctx, m.logger(), "mount", args...)
}

func (m *SysMounter) Unmount(ctx context.Context, dir string) error {
	return run(ctx, m.logger(), "umount", dir)
}

// Volume is a mounted partition. Close unmounts it and removes the mount
// point.
type Volume struct {
	Dir       string
	Partition Partition

	mounter Mounter
	log     *slog.Logger

	once     sync.Once
	closeErr error
}

// Close is safe to call multiple times.
func (v *Volume) Close() error {
	v.once.Do(func() {
		// Unmounting must not be interrupted by the operation's cancellation.
		ctx := context.Background()
		if err := v.mounter.Unmount(ctx, v.Dir); err != nil {
			v.closeErr = fmt.Errorf("unmounting %s: %w", v.Dir, err)
			return
		}
		if err := os.Remove(v.Dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			v.closeErr = err
			return
		}
		v.log.Info("volume_unmounted", "partition", v.Partition.String(), "dir", v.Dir)
	})
	return v.closeErr
}
