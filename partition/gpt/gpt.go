// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gpt builds bit-exact GUID Partition Tables in memory: a primary
// header and entry array at the start of the disk, a mirrored secondary
// copy at the end, and a protective MBR at LBA 0.
//
// See the UEFI specification, chapter 5 ("GUID Partition Table (GPT) Disk
// Layout").
package gpt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"

	"github.com/JKDingwall/vmconstructor/partition"
	"github.com/JKDingwall/vmconstructor/partition/mbr"
	"github.com/JKDingwall/vmconstructor/parttype"
	"github.com/JKDingwall/vmconstructor/sparselist"
)

// Constants governing GPT geometry. They are exported so callers that need
// to reason about layout (tests, disk-image inspectors) don't have to
// duplicate them.
const (
	SectorSize        = 512
	EntrySize         = 128
	NumEntries        = 128
	PTEMinReservation = 16384
	HeaderSize        = 0x5c
	maxNameCodeUnits  = 36
	maxNameBytes      = maxNameCodeUnits * 2
	firstPartitionLBA = 2048
	oneMiB            = 1048576
	minDiskSizeMiB    = 16
	headerSignature   = "EFI PART"
	headerRevision    = 0x00010000
)

// Flag is a per-partition attribute flag. None are currently mapped into
// the GPT attributes field (it is left zero); Flag exists so callers have
// a stable type to pass even though no bit is wired up yet.
type Flag string

type entry struct {
	sizeMiB    uint64
	typeGUID   uuid.UUID
	uniqueGUID uuid.UUID
	name       string
}

// GPT is an in-memory GUID Partition Table builder: a primary header and
// 128-entry array, a mirrored secondary copy, and a protective MBR.
type GPT struct {
	logger   *zap.Logger
	rand     randSource
	diskGUID uuid.UUID
	table    *sparselist.List[entry]
}

type randSource interface {
	partUUID() uuid.UUID
}

type realRand struct{}

func (realRand) partUUID() uuid.UUID { return uuid.New() }

// Option configures a new GPT.
type Option func(*GPT)

// WithLogger sets the structured logger used for debug tracing. The
// default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *GPT) { g.logger = logger }
}

// WithDiskGUID pins the disk GUID instead of generating a random one, for
// deterministic tests.
func WithDiskGUID(id uuid.UUID) Option {
	return func(g *GPT) { g.diskGUID = id }
}

// New allocates an empty GPT with a fresh random disk GUID (unless
// overridden by WithDiskGUID) and no registered partitions. Each slot's
// unique partition GUID is generated the first time AddPartition targets
// it and then held stable across subsequent calls to the same index.
func New(opts ...Option) (*GPT, error) {
	g := &GPT{
		logger: zap.NewNop(),
		rand:   realRand{},
		table:  sparselist.New(entry{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.diskGUID == uuid.Nil {
		g.diskGUID = uuid.New()
	}

	g.logger.Debug("built empty gpt partition table", zap.String("disk_guid", g.diskGUID.String()))

	return g, nil
}

// pteSectors is the number of LBAs reserved for the partition entry array:
// ceil(max(PTEMinReservation, NumEntries*EntrySize) / SectorSize).
func pteSectors() uint64 {
	reserve := uint64(PTEMinReservation)
	if NumEntries*EntrySize > PTEMinReservation {
		reserve = uint64(NumEntries * EntrySize)
	}

	return (reserve + SectorSize - 1) / SectorSize
}

// AddPartition registers a partition entry. index is 1-based (1..NumEntries).
// partcode is resolved through the parttype catalog to a GPT type GUID; a
// bare UUID literal is also accepted. name must encode to at most 36 UTF-16
// code units.
func (g *GPT) AddPartition(index int, sizeMiB uint64, partcode string, name string, _ ...Flag) error {
	if index < 1 || index > NumEntries {
		return &partition.ErrInvalidPartitionNumber{Index: index, Max: NumEntries}
	}

	typeGUID, err := parttype.ResolveGPTType(partcode)
	if err != nil {
		return err
	}

	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

	nameBytes, err := utf16.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return fmt.Errorf("gpt: encoding partition name %q: %w", name, err)
	}

	if len(nameBytes) > maxNameBytes {
		return fmt.Errorf("gpt: partition name %q exceeds %d UTF-16 code units", name, maxNameCodeUnits)
	}

	// Unique partition GUIDs are generated once per slot and reused across
	// rebuilds, rather than regenerated on every update, so identity is
	// preserved across successive AddPartition calls to the same slot.
	uniqueGUID := g.table.Get(index - 1).uniqueGUID
	if uniqueGUID == uuid.Nil {
		uniqueGUID = g.rand.partUUID()
	}

	g.table.Set(index-1, entry{sizeMiB: sizeMiB, typeGUID: typeGUID, uniqueGUID: uniqueGUID, name: name})

	g.logger.Debug("registered gpt partition",
		zap.Int("index", index),
		zap.Uint64("size_mib", sizeMiB),
		zap.String("type_guid", typeGUID.String()),
		zap.String("name", name),
	)

	return nil
}

// DiskSize returns max(16, 2 + sum of registered partition sizes) MiB.
func (g *GPT) DiskSize() uint64 {
	sizeMiB := uint64(2)
	for _, e := range g.table.Dense() {
		sizeMiB += e.sizeMiB
	}

	if sizeMiB < minDiskSizeMiB {
		sizeMiB = minDiskSizeMiB
	}

	return sizeMiB * oneMiB
}

// buildPTEArray renders the NumEntries*EntrySize byte PTE array, placing
// allocated slots back to back in ascending index order starting at LBA
// 2048 and leaving empty slots zeroed.
func (g *GPT) buildPTEArray() ([]byte, error) {
	buf := make([]byte, NumEntries*EntrySize)
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

	nextStart := uint64(firstPartitionLBA)

	for index := 0; index < NumEntries; index++ {
		e := g.table.Get(index)
		if e.sizeMiB == 0 {
			continue
		}

		off := index * EntrySize

		typeGUID := gptEncodeGUID(e.typeGUID)
		copy(buf[off:off+16], typeGUID[:])

		uniqueGUID := gptEncodeGUID(e.uniqueGUID)
		copy(buf[off+16:off+32], uniqueGUID[:])

		binary.LittleEndian.PutUint64(buf[off+0x20:off+0x28], nextStart)

		sectors := e.sizeMiB * (oneMiB / SectorSize)
		endLBA := nextStart + sectors - 1
		binary.LittleEndian.PutUint64(buf[off+0x28:off+0x30], endLBA)

		// attributes (0x30..0x37) left zero; no flag mapping defined yet.

		nameBytes, err := utf16.NewEncoder().Bytes([]byte(e.name))
		if err != nil {
			return nil, fmt.Errorf("gpt: encoding partition name %q: %w", e.name, err)
		}

		copy(buf[off+0x38:off+0x38+len(nameBytes)], nameBytes)

		nextStart += sectors
	}

	return buf, nil
}

// gptEncodeGUID serializes id the way the GPT spec requires: the first
// three fields (time-low, time-mid, time-hi-and-version) are stored
// little-endian; the remaining 8 bytes (clock-seq and node) are stored in
// the order RFC 4122 already presents them.
func gptEncodeGUID(id uuid.UUID) [16]byte {
	var out [16]byte

	binary.LittleEndian.PutUint32(out[0:4], binary.BigEndian.Uint32(id[0:4]))
	binary.LittleEndian.PutUint16(out[4:6], binary.BigEndian.Uint16(id[4:6]))
	binary.LittleEndian.PutUint16(out[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(out[8:16], id[8:16])

	return out
}

// header holds the 0x5c significant bytes of a GPT header; it is padded to
// SectorSize only when serialized.
type header [HeaderSize]byte

func (g *GPT) buildHeaders(pteArray []byte) (primary header, secondary header, err error) {
	diskSectors := g.DiskSize() / SectorSize
	secondaryLBA := diskSectors - 1
	pteSec := pteSectors()
	primaryPTELBA := uint64(2)
	secondaryPTELBA := diskSectors - 1 - pteSec
	firstUsable := 2 + pteSec
	lastUsable := secondaryPTELBA - 1

	entriesCRC := crc32.ChecksumIEEE(pteArray)

	var h header
	copy(h[0x00:0x08], headerSignature)
	binary.LittleEndian.PutUint32(h[0x08:0x0c], headerRevision)
	binary.LittleEndian.PutUint32(h[0x0c:0x10], HeaderSize)
	// 0x10..0x13 header_crc32 left zero until computed below.
	// 0x14..0x17 reserved, left zero.
	binary.LittleEndian.PutUint64(h[0x18:0x20], 1) // my_lba: primary's own LBA.
	binary.LittleEndian.PutUint64(h[0x20:0x28], secondaryLBA)
	binary.LittleEndian.PutUint64(h[0x28:0x30], firstUsable)
	binary.LittleEndian.PutUint64(h[0x30:0x38], lastUsable)

	diskGUID := gptEncodeGUID(g.diskGUID)
	copy(h[0x38:0x48], diskGUID[:])

	binary.LittleEndian.PutUint64(h[0x48:0x50], primaryPTELBA)
	binary.LittleEndian.PutUint32(h[0x50:0x54], NumEntries)
	binary.LittleEndian.PutUint32(h[0x54:0x58], EntrySize)
	binary.LittleEndian.PutUint32(h[0x58:0x5c], entriesCRC)

	primary = h
	primary[0x10], primary[0x11], primary[0x12], primary[0x13] = 0, 0, 0, 0
	crc := crc32.ChecksumIEEE(primary[:])
	binary.LittleEndian.PutUint32(primary[0x10:0x14], crc)

	secondary = h
	// Swap this_lba/other_lba and point partition_entries_lba at the
	// secondary copy's own location.
	binary.LittleEndian.PutUint64(secondary[0x18:0x20], secondaryLBA)
	binary.LittleEndian.PutUint64(secondary[0x20:0x28], 1)
	binary.LittleEndian.PutUint64(secondary[0x48:0x50], secondaryPTELBA)
	secondary[0x10], secondary[0x11], secondary[0x12], secondary[0x13] = 0, 0, 0, 0
	crc = crc32.ChecksumIEEE(secondary[:])
	binary.LittleEndian.PutUint32(secondary[0x10:0x14], crc)

	return primary, secondary, nil
}

// Write serializes the protective MBR, primary header and entry array, and
// secondary entry array and header into the file at path. The file must
// already exist and be at least DiskSize() bytes long.
func (g *GPT) Write(path string) error {
	sizeMiB := g.DiskSize() / oneMiB

	pmbr, err := mbr.NewProtective(sizeMiB)
	if err != nil {
		return fmt.Errorf("gpt: building protective mbr: %w", err)
	}

	pteArray, err := g.buildPTEArray()
	if err != nil {
		return err
	}

	primary, secondary, err := g.buildHeaders(pteArray)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("gpt: opening %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.WriteAt(pmbr.Bytes(), 0); err != nil {
		return fmt.Errorf("gpt: writing protective mbr: %w", err)
	}

	primarySector := make([]byte, SectorSize)
	copy(primarySector, primary[:])

	if _, err := f.WriteAt(primarySector, SectorSize); err != nil {
		return fmt.Errorf("gpt: writing primary header: %w", err)
	}

	if _, err := f.WriteAt(pteArray, 2*SectorSize); err != nil {
		return fmt.Errorf("gpt: writing primary entries: %w", err)
	}

	diskSize := g.DiskSize()
	pteSec := pteSectors()

	secondarySector := make([]byte, SectorSize)
	copy(secondarySector, secondary[:])

	if _, err := f.WriteAt(secondarySector, int64(diskSize-SectorSize)); err != nil {
		return fmt.Errorf("gpt: writing secondary header: %w", err)
	}

	if _, err := f.WriteAt(pteArray, int64(diskSize-(pteSec+1)*SectorSize)); err != nil {
		return fmt.Errorf("gpt: writing secondary entries: %w", err)
	}

	g.logger.Debug("wrote gpt partition table", zap.String("path", path))

	return nil
}

// MakeDisk truncates path to DiskSize(), creating a sparse file if it does
// not already exist, then writes the full GPT layout.
func (g *GPT) MakeDisk(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("gpt: creating %s: %w", path, err)
	}

	err = f.Truncate(int64(g.DiskSize()))
	closeErr := f.Close()

	if err != nil {
		return fmt.Errorf("gpt: truncating %s: %w", path, err)
	}

	if closeErr != nil {
		return fmt.Errorf("gpt: closing %s: %w", path, closeErr)
	}

	return g.Write(path)
}

var _ partition.Table = (*GPT)(nil)
