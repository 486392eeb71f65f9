package provision

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Target is a device node or a regular file standing in for one (a disk
// image). Regular files are addressed by partition offset instead of a
// partition device node.
type Target struct {
	Path  string
	Size  uint64
	Block bool
}

func statTarget(path string) (Target, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Target{}, err
	}
	switch {
	case st.Mode()&os.ModeDevice != 0 && st.Mode()&os.ModeCharDevice == 0:
		f, err := os.Open(path)
		if err != nil {
			return Target{}, permissionHint(path, err)
		}
		defer f.Close()
		size, err := deviceSize(f.Fd())
		if err != nil {
			return Target{}, fmt.Errorf("%s: determining device size: %w", path, err)
		}
		if size == 0 {
			return Target{}, fmt.Errorf("path %s does not seem to be a device", path)
		}
		return Target{Path: path, Size: size, Block: true}, nil

	case st.Mode().IsRegular():
		return Target{Path: path, Size: uint64(st.Size())}, nil
	}
	return Target{}, fmt.Errorf("%s is neither a block device nor a regular file (mode %v)", path, st.Mode())
}

func openTarget(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, permissionHint(path, err)
	}
	return f, nil
}

func permissionHint(path string, err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		switch pe.Err {
		case syscall.EACCES:
			return fmt.Errorf("%w (run as root, or use: sudo setfacl -m u:${USER}:rw %s)", err, path)
		case syscall.EROFS:
			return fmt.Errorf("%w (read-only; check if the device has a physical write-protect switch)", err)
		}
	}
	return err
}

// partitionPath returns the device node of partition number of dev.
func partitionPath(dev string, number int) string {
	// Device names ending in a digit (nvme0n1, mmcblk0, loop0) separate the
	// partition number with a p.
	if last := dev[len(dev)-1]; last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", dev, number)
	}
	return fmt.Sprintf("%s%d", dev, number)
}

// verifyNotMounted returns an error if dev or any of its partitions is
// mounted.
func verifyNotMounted(dev string) error {
	b, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		if os.IsNotExist(err) {
			return nil // platform does not have /proc/self/mountinfo, fall back to not verifying
		}
		return err
	}
	if src, ok := mountedFrom(string(b), dev); ok {
		return fmt.Errorf("partition %s of device %s is mounted", src, dev)
	}
	return nil
}

// mountedFrom returns the first mount source in mountinfo which is dev or one
// of its partitions.
func mountedFrom(mountinfo, dev string) (string, bool) {
	for _, line := range strings.Split(strings.TrimSpace(mountinfo), "\n") {
		src, ok := mountSource(line)
		if !ok {
			continue
		}
		if src == dev || strings.HasPrefix(src, dev) && isPartitionSuffix(strings.TrimPrefix(src, dev)) {
			return src, true
		}
	}
	return "", false
}

// mountSource extracts the mount source from a mountinfo line. The source
// follows the filesystem type after the " - " separator, which in turn follows
// a variable number of optional fields.
func mountSource(line string) (string, bool) {
	parts := strings.Split(line, " ")
	for i, p := range parts {
		if p == "-" && i+2 < len(parts) {
			return parts[i+2], true
		}
	}
	return "", false
}

func isPartitionSuffix(s string) bool {
	s = strings.TrimPrefix(s, "p")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
