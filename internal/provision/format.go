package provision

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// FilesystemKind names the file system the provisioner creates.
type FilesystemKind string

const FAT32 FilesystemKind = "fat32"

// Partition addresses one partition of a Target. For block devices, Path is
// the partition device node and Offset is zero. For image files, Path is the
// image itself and Offset is the partition start.
type Partition struct {
	Target Target
	Number int
	Path   string
	Offset int64
	Size   int64
}

func (p Partition) String() string {
	if p.Offset == 0 {
		return p.Path
	}
	return fmt.Sprintf("%s@%d", p.Path, p.Offset)
}

// Formatter creates a file system on a partition.
type Formatter interface {
	Format(ctx context.Context, p Partition, kind FilesystemKind, label string) error
}

// MkfsFormatter formats partitions using mkfs.vfat from dosfstools.
type MkfsFormatter struct {
	// Command defaults to mkfs.vfat.
	Command string
	Log     *slog.Logger
}

func (m *MkfsFormatter) Format(ctx context.Context, p Partition, kind FilesystemKind, label string) error {
	if kind != FAT32 {
		return fmt.Errorf("unsupported file system %q", kind)
	}
	command := m.Command
	if command == "" {
		command = "mkfs.vfat"
	}
	log := m.Log
	if log == nil {
		log = slog.Default()
	}
	args := []string{"-F", "32", "-n", volumeLabel(label)}
	if p.Offset != 0 {
		args = append(args,
			"--offset="+strconv.FormatInt(p.Offset/sectorSize, 10),
			p.Path,
			// block count in KiB
			strconv.FormatInt(p.Size/1024, 10))
	} else {
		args = append(args, p.Path)
	}
	return run(ctx, log, command, args...)
}

// volumeLabel returns a label which FAT accepts: upper case, at most 11
// characters.
func volumeLabel(label string) string {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		label = "BOOT"
	}
	if len(label) > 11 {
		label = label[:11]
	}
	return label
}

// verifyFAT32 reads the boot sector of p and checks for a FAT32 file system.
func verifyFAT32(p Partition) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	var bs [sectorSize]byte
	if _, err := f.ReadAt(bs[:], p.Offset); err != nil {
		return fmt.Errorf("reading boot sector of %v: %w", p, err)
	}
	if got, want := bs[0x52:0x5a], []byte("FAT32   "); !bytes.Equal(got, want) {
		return fmt.Errorf("boot sector of %v: file system type %q, want %q", p, got, want)
	}
	if bs[0x1fe] != 0x55 || bs[0x1ff] != 0xaa {
		return fmt.Errorf("boot sector of %v: missing signature", p)
	}
	return nil
}
