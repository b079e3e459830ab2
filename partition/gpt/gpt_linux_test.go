// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package gpt_test

import (
	"errors"
	randv2 "math/rand/v2"
	"os"
	"testing"
	"time"

	"github.com/freddierice/go-losetup/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/JKDingwall/vmconstructor/partition/gpt"
)

// TestImageFileIsSparse verifies that MakeDisk truncates rather than writes
// zero-filled blocks for the bulk of the disk: its allocated block count
// must be far smaller than its logical size.
func TestImageFileIsSparse(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a real filesystem that supports holes")
	}

	dir := t.TempDir()
	path := dir + "/disk.img"

	g, err := gpt.New()
	require.NoError(t, err)
	require.NoError(t, g.AddPartition(1, 100, "linux/filesystem", "root"))
	require.NoError(t, g.MakeDisk(path))

	var st unix.Stat_t
	require.NoError(t, unix.Stat(path, &st))

	allocatedBytes := st.Blocks * 512
	assert.Less(t, allocatedBytes, st.Size/2, "image should be mostly sparse holes, not zero-filled")
}

// TestAttachedLoopDeviceSeesGPTSignature attaches the produced image as a
// loop device and confirms the kernel reads back a GPT-partitioned disk at
// the expected offset, exercising the on-disk layout end to end rather than
// just re-parsing our own buffers.
func TestAttachedLoopDeviceSeesGPTSignature(t *testing.T) {
	if testing.Short() {
		t.Skip("requires root and a real loop device")
	}

	dir := t.TempDir()
	path := dir + "/disk.img"

	g, err := gpt.New()
	require.NoError(t, err)
	require.NoError(t, g.AddPartition(1, 100, "linux/filesystem", "root"))
	require.NoError(t, g.MakeDisk(path))

	loDev := attachHelper(t, path)
	defer loDev.Detach() //nolint:errcheck

	f, err := os.Open(loDev.Path())
	require.NoError(t, err)
	defer f.Close()

	sig := make([]byte, 8)
	_, err = f.ReadAt(sig, gpt.SectorSize)
	require.NoError(t, err)
	assert.Equal(t, "EFI PART", string(sig))
}

func attachHelper(t *testing.T, rawImage string) losetup.Device {
	t.Helper()

	for range 10 {
		loDev, err := losetup.Attach(rawImage, 0, false)
		if err != nil {
			if errors.Is(err, unix.EBUSY) {
				spraySleep := max(randv2.ExpFloat64(), 2.0)
				time.Sleep(time.Duration(spraySleep * float64(time.Second)))

				continue
			}

			require.NoError(t, err)
		}

		return loDev
	}

	t.Fatal("failed to attach loop device") //nolint:revive

	panic("unreachable")
}
