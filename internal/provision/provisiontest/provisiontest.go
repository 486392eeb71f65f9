// Package provisiontest provides Formatter and Mounter implementations which
// operate on disk image files without requiring root privileges.
package provisiontest

import (
	"context"
	"os"
	"sync"

	"github.com/usbflash/tools/internal/provision"
)

// Formatter writes a minimal FAT32 boot sector at the partition start.
type Formatter struct {
	// Err, if non-nil, is returned without touching the partition.
	Err error

	mu    sync.Mutex
	Calls []provision.Partition
}

func (f *Formatter) Format(ctx context.Context, p provision.Partition, kind provision.FilesystemKind, label string) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, p)
	f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	out, err := os.OpenFile(p.Path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.WriteAt(BootSector(), p.Offset); err != nil {
		return err
	}
	return out.Close()
}

// BootSector returns a boot sector carrying the FAT32 file system type and
// the boot signature.
func BootSector() []byte {
	bs := make([]byte, 512)
	bs[0], bs[1], bs[2] = 0xeb, 0x58, 0x90
	copy(bs[3:], "MSWIN4.1")
	copy(bs[0x52:], "FAT32   ")
	bs[0x1fe], bs[0x1ff] = 0x55, 0xaa
	return bs
}

// Mounter leaves the mount point as a plain directory, so that files written
// to it end up on the host file system. Unmount removes the directory.
type Mounter struct {
	// Err, if non-nil, is returned by Mount.
	Err error

	mu       sync.Mutex
	Mounts   []provision.Partition
	FSTypes  []string
	Unmounts []string
}

func (m *Mounter) Mount(ctx context.Context, p provision.Partition, fstype, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Mounts = append(m.Mounts, p)
	m.FSTypes = append(m.FSTypes, fstype)
	return nil
}

func (m *Mounter) Unmount(ctx context.Context, dir string) error {
	m.mu.Lock()
	m.Unmounts = append(m.Unmounts, dir)
	m.mu.Unlock()
	return os.RemoveAll(dir)
}

// Active returns the number of mounts which were not unmounted yet.
func (m *Mounter) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Mounts) - len(m.Unmounts)
}

// Image creates a sparse disk image file of the given size.
func Image(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
