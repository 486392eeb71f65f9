//go:build !linux

package provision

import (
	"fmt"
	"runtime"
)

func deviceSize(fd uintptr) (uint64, error) {
	return 0, fmt.Errorf("determining block device sizes is not implemented on %s; write to an image file instead", runtime.GOOS)
}

func rereadPartitions(fd uintptr) error {
	return fmt.Errorf("re-reading partition tables is not implemented on %s", runtime.GOOS)
}

func syncAll() {}
