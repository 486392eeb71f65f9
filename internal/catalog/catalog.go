// Package catalog enumerates removable storage devices which are plausible
// targets for writing bootable media.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

const GiB = 1024 * 1024 * 1024

// Default capacity bounds (inclusive) for candidate devices.
const (
	DefaultMinCapacity = 4 * GiB
	DefaultMaxCapacity = 128 * GiB
)

// ErrNotFound is returned by Lookup when the device is absent or no longer a
// candidate.
var ErrNotFound = errors.New("device not found")

// Device is an immutable snapshot of one storage device.
type Device struct {
	ID        string // kernel name, e.g. sdb
	Path      string // device node, e.g. /dev/sdb
	Label     string
	Vendor    string
	Model     string
	Serial    string
	Capacity  uint64 // bytes
	Removable bool
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Path, d.Label)
}

// Lister returns all block devices of the system, unfiltered.
type Lister interface {
	Disks() ([]Device, error)
}

// Catalog filters the devices of a Lister down to candidates.
type Catalog struct {
	Lister      Lister
	MinCapacity uint64
	MaxCapacity uint64
	Log         *slog.Logger
}

// New returns a Catalog backed by the system's block device information,
// using the default capacity bounds.
func New() *Catalog {
	return &Catalog{
		Lister:      SystemLister{},
		MinCapacity: DefaultMinCapacity,
		MaxCapacity: DefaultMaxCapacity,
	}
}

func (c *Catalog) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func (c *Catalog) candidate(d Device) bool {
	return d.Removable &&
		d.Capacity >= c.MinCapacity &&
		d.Capacity <= c.MaxCapacity
}

// List returns a fresh snapshot of all candidate devices, sorted by path. An
// empty result is not an error.
func (c *Catalog) List() ([]Device, error) {
	disks, err := c.Lister.Disks()
	if err != nil {
		return nil, fmt.Errorf("enumerating block devices: %w", err)
	}
	devices := make([]Device, 0, len(disks))
	for _, d := range disks {
		if !c.candidate(d) {
			c.logger().Debug("device_skipped",
				"path", d.Path,
				"removable", d.Removable,
				"capacity", d.Capacity)
			continue
		}
		if d.Label == "" {
			d.Label = label(d)
		}
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Path < devices[j].Path
	})
	c.logger().Debug("devices_listed", "total", len(disks), "candidates", len(devices))
	return devices, nil
}

// Lookup re-queries the system and returns the candidate device whose ID or
// path equals id.
func (c *Catalog) Lookup(id string) (Device, error) {
	devices, err := c.List()
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.ID == id || d.Path == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

func label(d Device) string {
	var parts []string
	for _, s := range []string{d.Vendor, d.Model} {
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "unknown") {
			continue
		}
		parts = append(parts, s)
	}
	parts = append(parts, humanize.IBytes(d.Capacity))
	return strings.Join(parts, " ")
}
