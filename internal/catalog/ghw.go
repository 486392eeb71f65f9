package catalog

import (
	"path/filepath"

	"github.com/jaypipes/ghw"
)

// SystemLister enumerates block devices via sysfs/udev.
type SystemLister struct{}

func (SystemLister) Disks() ([]Device, error) {
	block, err := ghw.Block()
	if err != nil {
		return nil, err
	}
	disks := make([]Device, 0, len(block.Disks))
	for _, disk := range block.Disks {
		disks = append(disks, Device{
			ID:        disk.Name,
			Path:      filepath.Join("/dev", disk.Name),
			Vendor:    disk.Vendor,
			Model:     disk.Model,
			Serial:    disk.SerialNumber,
			Capacity:  disk.SizeBytes,
			Removable: disk.IsRemovable,
		})
	}
	return disks, nil
}
