// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt_test

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JKDingwall/vmconstructor/partition"
	"github.com/JKDingwall/vmconstructor/partition/gpt"
)

func TestEmptyDiskSizeFloorsAt16MiB(t *testing.T) {
	g, err := gpt.New()
	require.NoError(t, err)

	assert.Equal(t, uint64(16*1048576), g.DiskSize())
}

func TestSingleLinuxFilesystemPartition(t *testing.T) {
	diskGUID := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	g, err := gpt.New(gpt.WithDiskGUID(diskGUID))
	require.NoError(t, err)

	require.NoError(t, g.AddPartition(1, 512, "linux/filesystem", "a test name"))

	assert.Equal(t, uint64((2+512)*1048576), g.DiskSize())
}

func TestInvalidPartitionNumberRejected(t *testing.T) {
	g, err := gpt.New()
	require.NoError(t, err)

	err = g.AddPartition(0, 10, "linux/filesystem", "")
	require.Error(t, err)

	var inval *partition.ErrInvalidPartitionNumber
	assert.ErrorAs(t, err, &inval)

	err = g.AddPartition(129, 10, "linux/filesystem", "")
	require.Error(t, err)
	assert.ErrorAs(t, err, &inval)
}

func TestUnknownPartitionCodeRejected(t *testing.T) {
	g, err := gpt.New()
	require.NoError(t, err)

	err = g.AddPartition(1, 10, "not-a-real-code", "")
	assert.Error(t, err)
}

func TestNameTooLongRejected(t *testing.T) {
	g, err := gpt.New()
	require.NoError(t, err)

	tooLong := make([]byte, 0, 40)
	for i := 0; i < 40; i++ {
		tooLong = append(tooLong, 'a')
	}

	err = g.AddPartition(1, 10, "linux/filesystem", string(tooLong))
	assert.Error(t, err)
}

func TestWriteProducesConsistentCRCs(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/disk.img"

	diskGUID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	g, err := gpt.New(gpt.WithDiskGUID(diskGUID))
	require.NoError(t, err)
	require.NoError(t, g.AddPartition(1, 100, "esp", "ESP"))
	require.NoError(t, g.MakeDisk(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	primary := make([]byte, gpt.HeaderSize)
	_, err = f.ReadAt(primary, gpt.SectorSize)
	require.NoError(t, err)

	assert.Equal(t, "EFI PART", string(primary[0:8]))

	wantCRC := binary.LittleEndian.Uint32(primary[0x10:0x14])
	scratch := make([]byte, gpt.HeaderSize)
	copy(scratch, primary)
	scratch[0x10], scratch[0x11], scratch[0x12], scratch[0x13] = 0, 0, 0, 0
	gotCRC := crc32.ChecksumIEEE(scratch)

	assert.Equal(t, wantCRC, gotCRC, "primary header_crc32 recomputes correctly")
}
