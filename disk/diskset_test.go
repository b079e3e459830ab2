// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package disk_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JKDingwall/vmconstructor/disk"
)

func TestDiskSetRoot(t *testing.T) {
	dir := t.TempDir()

	ds, err := disk.NewDiskSet(dir, map[string]disk.DiskSpec{}, disk.WithRunner(&fakeRunner{}))
	require.NoError(t, err)

	assert.Equal(t, dir+"/mnt", ds.Root())
}

func TestDiskSetMountsAcrossDisksInPathOrder(t *testing.T) {
	dir := t.TempDir()
	runner := &orderRunner{}

	rootMount := "/"
	varMount := "/var"

	specs := map[string]disk.DiskSpec{
		"system": {
			DiskLabel: disk.LabelGPT,
			Partitions: map[int]disk.PartitionSpec{
				1: {SizeMiB: 100, Filesystem: "linux/filesystem", Mount: &rootMount},
			},
		},
		"data": {
			DiskLabel: disk.LabelGPT,
			Partitions: map[int]disk.PartitionSpec{
				1: {SizeMiB: 100, Filesystem: "linux/filesystem", Mount: &varMount},
			},
		},
	}

	ds, err := disk.NewDiskSet(dir, specs, disk.WithRunner(runner))
	require.NoError(t, err)

	require.NoError(t, ds.Mount(context.Background()))
	assert.Equal(t, []string{"/", "/var"}, runner.mountedPaths())

	require.NoError(t, ds.Umount(context.Background()))
	assert.Equal(t, []string{"/var", "/"}, runner.unmountedPaths())
}

func TestDiskSetFormatFansOutToEveryDisk(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{partitions: 1}

	rootMount := "/"

	specs := map[string]disk.DiskSpec{
		"a": {
			DiskLabel:  disk.LabelMBR,
			Partitions: map[int]disk.PartitionSpec{1: {SizeMiB: 50, Filesystem: "linux/filesystem", Mount: &rootMount}},
		},
		"b": {
			DiskLabel:  disk.LabelMBR,
			Partitions: map[int]disk.PartitionSpec{1: {SizeMiB: 50, Filesystem: "linux/swap"}},
		},
	}

	ds, err := disk.NewDiskSet(dir, specs, disk.WithRunner(runner))
	require.NoError(t, err)

	require.NoError(t, ds.Format(context.Background()))

	mkfsCalls := 0
	for _, c := range runner.calls {
		if c[0] == "mkfs" {
			mkfsCalls++
		}
	}

	assert.Equal(t, 2, mkfsCalls)
}
