// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partition declares the narrow contract shared by the MBR and GPT
// table builders, and the error kinds common to both.
package partition

import "fmt"

// Table is the contract a disk assembler needs from either partition table
// flavor: MBR or GPT, selected at construction time and never switched
// mid-build. Registering partitions is flavor-specific (the two builders
// take different arguments) so it is not part of this interface.
type Table interface {
	// DiskSize reports the total byte size of a disk image that would hold
	// the current partition table plus every registered partition.
	DiskSize() uint64
	// Write serializes the table into the file at path, at whatever
	// offsets the flavor requires. The file must already exist.
	Write(path string) error
	// MakeDisk truncates path to DiskSize(), creating a sparse file, then
	// calls Write.
	MakeDisk(path string) error
}

// ErrInvalidPartitionNumber is returned when a partition index falls
// outside the table's addressable range (1..4 for MBR, 1..128 for GPT).
type ErrInvalidPartitionNumber struct {
	Index int
	Max   int
}

func (e *ErrInvalidPartitionNumber) Error() string {
	return fmt.Sprintf("partition: index %d out of range (1..%d)", e.Index, e.Max)
}

// ErrPartitionTooLarge is returned when a start LBA or sector count would
// not fit in the table's addressable geometry.
type ErrPartitionTooLarge struct {
	Reason string
}

func (e *ErrPartitionTooLarge) Error() string {
	return fmt.Sprintf("partition: too large: %s", e.Reason)
}
