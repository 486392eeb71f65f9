package provision

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	sectorSize = 512

	// firstLBA aligns the data partition to 1 MiB.
	firstLBA = 2048

	// mbrEntries is the offset of the first partition entry within the MBR.
	mbrEntries = 446
)

var (
	active   = byte(0x80)
	inactive = byte(0x00)

	// invalidCHS results in using the sector values instead
	invalidCHS = [3]byte{0xFE, 0xFF, 0xFF}

	fat32LBA      = byte(0x0c)
	protectiveGPT = byte(0xee)

	signature = uint16(0xAA55)
)

// ErrNoPartition is returned when a disk carries no usable partition.
var ErrNoPartition = errors.New("no usable partition found")

// Extent describes one partition found in a partition table.
type Extent struct {
	Number int
	Type   byte // MBR type; protectiveGPT for GPT entries
	GUID   [16]byte
	Active bool
	Start  int64 // bytes
	Size   int64 // bytes
}

// writeMBR writes a partition table with a single inactive primary FAT32 (LBA)
// partition spanning from firstLBA to the end of the device.
func writeMBR(w io.Writer, devsize uint64) error {
	sectors := devsize / sectorSize
	if sectors <= firstLBA {
		return fmt.Errorf("device too small: %d bytes", devsize)
	}
	if sectors-firstLBA > math.MaxUint32 {
		return fmt.Errorf("device too large for an MBR partition table: %d bytes", devsize)
	}
	for _, v := range []interface{}{
		[446]byte{}, // boot code

		inactive,
		invalidCHS,
		fat32LBA,
		invalidCHS,
		uint32(firstLBA),
		uint32(sectors - firstLBA),

		[16]byte{}, // partition 2
		[16]byte{}, // partition 3
		[16]byte{}, // partition 4

		signature,
	} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

type mbrEntry struct {
	Status   byte
	CHSFirst [3]byte
	Type     byte
	CHSLast  [3]byte
	LBA      uint32
	Sectors  uint32
}

type mbr struct {
	BootCode  [446]byte
	Entries   [4]mbrEntry
	Signature uint16
}

func readMBR(r io.ReaderAt) (*mbr, error) {
	var buf [sectorSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return nil, fmt.Errorf("reading MBR: %w", err)
	}
	var m mbr
	if err := binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, &m); err != nil {
		return nil, err
	}
	if m.Signature != signature {
		return nil, fmt.Errorf("%w: MBR signature %#04x, want %#04x", ErrNoPartition, m.Signature, signature)
	}
	return &m, nil
}

// verifyMBR checks that r carries exactly the partition table written by
// writeMBR, with the boot indicator of the first partition set to status.
func verifyMBR(r io.ReaderAt, devsize uint64, status byte) error {
	m, err := readMBR(r)
	if err != nil {
		return err
	}
	want := mbrEntry{
		Status:   status,
		CHSFirst: invalidCHS,
		Type:     fat32LBA,
		CHSLast:  invalidCHS,
		LBA:      firstLBA,
		Sectors:  uint32(devsize/sectorSize - firstLBA),
	}
	if got := m.Entries[0]; got != want {
		return fmt.Errorf("partition 1: got %+v, want %+v", got, want)
	}
	for i, e := range m.Entries[1:] {
		if e != (mbrEntry{}) {
			return fmt.Errorf("partition %d unexpectedly present: %+v", i+2, e)
		}
	}
	return nil
}

// setActive sets the boot indicator of the first partition.
func setActive(w io.WriterAt) error {
	_, err := w.WriteAt([]byte{active}, mbrEntries)
	return err
}

// espGUID is the GPT partition type of an EFI system partition.
var espGUID = mustParseGUID("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")

func mustParseGUID(guid string) [16]byte {
	// See Intel EFI specification, Appendix A: GUID and Time Formats
	var (
		timeLow                 uint32
		timeMid                 uint16
		timeHighAndVersion      uint16
		clockSeqHighAndReserved uint8
		clockSeqLow             uint8
		node                    [6]byte
	)
	_, err := fmt.Sscanf(guid,
		"%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		&timeLow,
		&timeMid,
		&timeHighAndVersion,
		&clockSeqHighAndReserved,
		&clockSeqLow,
		&node[0],
		&node[1],
		&node[2],
		&node[3],
		&node[4],
		&node[5])
	if err != nil {
		panic(err)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], timeLow)
	binary.LittleEndian.PutUint16(buf[4:6], timeMid)
	binary.LittleEndian.PutUint16(buf[6:8], timeHighAndVersion)
	buf[8] = clockSeqHighAndReserved
	buf[9] = clockSeqLow
	copy(buf[10:], node[:])
	return buf
}

// readPartitions returns the partitions of an MBR disk, or of a GPT disk when
// the MBR only contains the protective entry.
func readPartitions(r io.ReaderAt) ([]Extent, error) {
	m, err := readMBR(r)
	if err != nil {
		return nil, err
	}
	var extents []Extent
	for i, e := range m.Entries {
		if e.Type == 0 || e.Sectors == 0 {
			continue
		}
		if e.Type == protectiveGPT {
			return readGPT(r)
		}
		extents = append(extents, Extent{
			Number: i + 1,
			Type:   e.Type,
			Active: e.Status == active,
			Start:  int64(e.LBA) * sectorSize,
			Size:   int64(e.Sectors) * sectorSize,
		})
	}
	return extents, nil
}

type gptHeader struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC      uint32
	Reserved       uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32
	EntriesCRC     uint32
}

type gptEntry struct {
	TypeGUID [16]byte
	GUID     [16]byte
	FirstLBA uint64
	LastLBA  uint64
}

// maxGPTEntries bounds how many entries are inspected.
const maxGPTEntries = 128

func readGPT(r io.ReaderAt) ([]Extent, error) {
	var hdr gptHeader
	if err := binary.Read(io.NewSectionReader(r, sectorSize, sectorSize), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading GPT header: %w", err)
	}
	if string(hdr.Signature[:]) != "EFI PART" {
		return nil, fmt.Errorf("%w: invalid GPT signature %q", ErrNoPartition, hdr.Signature[:])
	}
	if hdr.EntrySize < 128 {
		return nil, fmt.Errorf("invalid GPT entry size %d", hdr.EntrySize)
	}
	n := hdr.NumEntries
	if n > maxGPTEntries {
		n = maxGPTEntries
	}
	var extents []Extent
	buf := make([]byte, hdr.EntrySize)
	for i := uint32(0); i < n; i++ {
		off := int64(hdr.EntriesLBA)*sectorSize + int64(i)*int64(hdr.EntrySize)
		if _, err := r.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("reading GPT entry %d: %w", i+1, err)
		}
		var e gptEntry
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		if e.TypeGUID == ([16]byte{}) {
			continue
		}
		extents = append(extents, Extent{
			Number: int(i) + 1,
			Type:   protectiveGPT,
			GUID:   e.TypeGUID,
			Start:  int64(e.FirstLBA) * sectorSize,
			Size:   int64(e.LastLBA-e.FirstLBA+1) * sectorSize,
		})
	}
	return extents, nil
}

func isFATType(t byte) bool {
	switch t {
	case 0x01, 0x04, 0x06, 0x0b, 0x0c, 0x0e, 0xef:
		return true
	}
	return false
}

// bootPartition picks the partition which receives the boot overlay: an EFI
// system partition or FAT partition if present, the first partition
// otherwise.
func bootPartition(extents []Extent) (Extent, error) {
	if len(extents) == 0 {
		return Extent{}, ErrNoPartition
	}
	for _, e := range extents {
		if e.GUID == espGUID || (e.Type != protectiveGPT && isFATType(e.Type)) {
			return e, nil
		}
	}
	return extents[0], nil
}
