// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mbr builds bit-exact legacy Master Boot Record partition tables
// in memory and serializes them to a file offset 0.
//
// See https://en.wikipedia.org/wiki/Master_boot_record.
package mbr

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/JKDingwall/vmconstructor/partition"
	"github.com/JKDingwall/vmconstructor/sparselist"
)

// SectorSize is the size in bytes used for calculations when generating an
// MBR partition table. Non-default values are not well tested.
const SectorSize = 512

const (
	maxPartitions = 4
	oneMiB        = 1048576

	pteTableOffset  = 446
	pteEntrySize    = 16
	diskSigOffset   = 440
	diskSigLen      = 4
	bootSigOffset   = 510
	firstPartLBA    = 2048
	protectiveLBA   = 1
	protectiveCode  = 0xee
	chsLBASentinel0 = 0xfe
	chsLBASentinel1 = 0xff
	chsLBASentinel2 = 0xff

	// maxProtectivePartitionMiB is the protective MBR partition's clamp
	// ceiling: the largest whole-MiB size whose sector count still fits the
	// 32-bit PTE sector-count field (2097151 MiB, just under 2 TiB).
	maxProtectivePartitionMiB = (uint64(1)<<32 - 1) / (oneMiB / SectorSize)
)

// Flag is a per-partition flag recognized by AddPartition.
type Flag string

// FlagBootable marks a partition's status byte as 0x80 and records it as
// the table's single bootable index. A later AddPartition with FlagBootable
// overwrites the previous bootable index.
const FlagBootable Flag = "bootable"

type entry struct {
	sizeMiB uint64
	fsByte  byte
}

// MBR is an in-memory 512-byte legacy partition table builder.
type MBR struct {
	logger   *zap.Logger
	rand     io.Reader
	table    *sparselist.List[entry]
	bootable int // -1 when no partition is bootable
	buf      [SectorSize]byte
}

// Option configures a new MBR.
type Option func(*MBR)

// WithLogger sets the structured logger used for debug tracing. The
// default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *MBR) { m.logger = logger }
}

// WithRandReader overrides the source of randomness used for the disk
// signature, to make construction deterministic in tests.
func WithRandReader(r io.Reader) Option {
	return func(m *MBR) { m.rand = r }
}

// New allocates an empty MBR: boot signature 0x55 0xAA at 510..511, a
// random 4-byte disk signature at 440..443, and no registered partitions.
func New(opts ...Option) (*MBR, error) {
	m := &MBR{
		logger:   zap.NewNop(),
		rand:     rand.Reader,
		table:    sparselist.New(entry{}),
		bootable: -1,
	}

	for _, opt := range opts {
		opt(m)
	}

	sig := make([]byte, diskSigLen)
	if _, err := io.ReadFull(m.rand, sig); err != nil {
		return nil, fmt.Errorf("mbr: generating disk signature: %w", err)
	}

	copy(m.buf[diskSigOffset:diskSigOffset+diskSigLen], sig)
	m.buf[bootSigOffset] = 0x55
	m.buf[bootSigOffset+1] = 0xaa

	m.logger.Debug("built empty mbr partition table")

	return m, nil
}

// ZeroDiskSignature overwrites the disk signature bytes with zero. Used
// when this MBR serves as a protective MBR for a GPT disk.
func (m *MBR) ZeroDiskSignature() {
	for i := 0; i < diskSigLen; i++ {
		m.buf[diskSigOffset+i] = 0
	}
}

// NewProtective builds a protective MBR for a GPT disk of sizeMiB: a single
// partition of type 0xEE, starting at LBA 1, sized to the smaller of
// sizeMiB-1 MiB and 2097151 MiB, disk signature zeroed, and the CHS
// "head" tickle byte at the first PTE's chs_start+1 set to 0xFF.
func NewProtective(sizeMiB uint64, opts ...Option) (*MBR, error) {
	m, err := New(opts...)
	if err != nil {
		return nil, err
	}

	// -1 MiB to account for the protective entry's own 1-sector (LBA 1)
	// start position; clamp rather than fail when the disk exceeds the
	// protective-MBR's addressable range (32-bit sector count).
	partMiB := sizeMiB - 1
	if partMiB > maxProtectivePartitionMiB {
		partMiB = maxProtectivePartitionMiB
	}

	if err := m.AddPartition(1, partMiB, protectiveCode); err != nil {
		return nil, fmt.Errorf("mbr: building protective entry: %w", err)
	}

	m.ZeroDiskSignature()
	m.buf[pteTableOffset+0x01] = 0xff

	return m, nil
}

// AddPartition registers a partition entry and rebuilds the serialized PTE
// records. The call is transactional: the new table is built on a draft
// copy and committed only if the rebuild succeeds, so on
// ErrPartitionTooLarge the receiver is left byte-identical to before the
// call.
func (m *MBR) AddPartition(index int, sizeMiB uint64, fsByte byte, flags ...Flag) error {
	if index < 1 || index > maxPartitions {
		return &partition.ErrInvalidPartitionNumber{Index: index, Max: maxPartitions}
	}

	draft := m.table.Clone()
	draftBootable := m.bootable

	draft.Set(index-1, entry{sizeMiB: sizeMiB, fsByte: fsByte})
	for _, f := range flags {
		if f == FlagBootable {
			draftBootable = index - 1
		}
	}

	buf, err := rebuild(m.buf, draft, draftBootable)
	if err != nil {
		return err
	}

	m.table = draft
	m.bootable = draftBootable
	m.buf = buf

	m.logger.Debug("registered mbr partition",
		zap.Int("index", index),
		zap.Uint64("size_mib", sizeMiB),
		zap.Uint8("fs_byte", fsByte),
		zap.Bool("bootable", draftBootable == index-1),
	)

	return nil
}

// rebuild produces a fresh 512-byte buffer (preserving the existing boot
// code area, disk signature, and boot signature from prev) with the four
// PTE records recalculated from table/bootable. It never mutates prev.
func rebuild(prev [SectorSize]byte, table *sparselist.List[entry], bootable int) ([SectorSize]byte, error) {
	buf := prev

	registered := 0
	for i := 0; i < maxPartitions; i++ {
		if table.Get(i).sizeMiB > 0 {
			registered++
		}
	}

	nextStart := uint64(firstPartLBA)

	for index := 0; index < maxPartitions; index++ {
		e := table.Get(index)
		offset := pteTableOffset + index*pteEntrySize

		if e.sizeMiB == 0 {
			for i := 0; i < pteEntrySize; i++ {
				buf[offset+i] = 0
			}

			continue
		}

		if e.fsByte == protectiveCode && registered == 1 {
			nextStart = protectiveLBA
		}

		if index == bootable {
			buf[offset] = 0x80
		} else {
			buf[offset] = 0x00
		}

		buf[offset+0x01] = chsLBASentinel0
		buf[offset+0x02] = chsLBASentinel1
		buf[offset+0x03] = chsLBASentinel2

		buf[offset+0x04] = e.fsByte

		buf[offset+0x05] = buf[offset+0x01]
		buf[offset+0x06] = buf[offset+0x02]
		buf[offset+0x07] = buf[offset+0x03]

		if nextStart > uint64(1)<<32-1 {
			return prev, &partition.ErrPartitionTooLarge{Reason: "start LBA exceeds 2^32-1"}
		}

		binary.LittleEndian.PutUint32(buf[offset+0x08:offset+0x0c], uint32(nextStart))

		sectorCount := e.sizeMiB * (oneMiB / SectorSize)
		if sectorCount > uint64(1)<<32-1 {
			return prev, &partition.ErrPartitionTooLarge{Reason: "sector count exceeds 2^32-1"}
		}

		binary.LittleEndian.PutUint32(buf[offset+0x0c:offset+0x10], uint32(sectorCount))

		nextStart += sectorCount
	}

	return buf, nil
}

// DiskSize returns 1 MiB (the reserved prefix before the first partition)
// plus the sum of every registered partition's size.
func (m *MBR) DiskSize() uint64 {
	sizeMiB := uint64(1)
	for _, e := range m.table.Dense() {
		sizeMiB += e.sizeMiB
	}

	return sizeMiB * oneMiB
}

// Bytes returns the serialized 512-byte buffer.
func (m *MBR) Bytes() []byte {
	out := make([]byte, SectorSize)
	copy(out, m.buf[:])

	return out
}

// Write seeks to offset 0 of path and writes the 512-byte buffer. The file
// must already exist.
func (m *MBR) Write(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("mbr: opening %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.WriteAt(m.buf[:], 0); err != nil {
		return fmt.Errorf("mbr: writing %s: %w", path, err)
	}

	m.logger.Debug("wrote mbr partition table", zap.String("path", path))

	return nil
}

// MakeDisk truncates path to DiskSize(), creating a sparse file if it does
// not already exist, then writes the partition table.
func (m *MBR) MakeDisk(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mbr: creating %s: %w", path, err)
	}

	err = f.Truncate(int64(m.DiskSize()))
	closeErr := f.Close()

	if err != nil {
		return fmt.Errorf("mbr: truncating %s: %w", path, err)
	}

	if closeErr != nil {
		return fmt.Errorf("mbr: closing %s: %w", path, closeErr)
	}

	return m.Write(path)
}
