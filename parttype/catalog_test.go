// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package parttype_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JKDingwall/vmconstructor/parttype"
)

func TestByNameKnown(t *testing.T) {
	entry, ok := parttype.ByName("linux/filesystem")
	require.True(t, ok)
	assert.Equal(t, uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4"), entry.TypeGUID)

	b, ok := entry.MBRByte()
	require.True(t, ok)
	assert.Equal(t, byte(0x83), b)
}

func TestMBRByteAbsentForDisambiguatedEntries(t *testing.T) {
	entry, ok := parttype.ByName("biosboot")
	require.True(t, ok)

	_, ok = entry.MBRByte()
	assert.False(t, ok)
}

func TestResolveMBRByteLiteralAndCatalog(t *testing.T) {
	b, err := parttype.ResolveMBRByte("0x83")
	require.NoError(t, err)
	assert.Equal(t, byte(0x83), b)

	b, err = parttype.ResolveMBRByte("ee")
	require.NoError(t, err)
	assert.Equal(t, byte(0xee), b)

	b, err = parttype.ResolveMBRByte("linux/filesystem")
	require.NoError(t, err)
	assert.Equal(t, byte(0x83), b)

	_, err = parttype.ResolveMBRByte("biosboot")
	assert.Error(t, err)
}

func TestResolveGPTType(t *testing.T) {
	id, err := parttype.ResolveGPTType("esp")
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b"), id)

	_, err = parttype.ResolveGPTType("not-a-real-code")
	assert.Error(t, err)
	var unk *parttype.ErrUnknownPartitionCode
	assert.ErrorAs(t, err, &unk)
}

func TestByGPTCodeSharedMBRByte(t *testing.T) {
	linuxSwap, ok := parttype.ByGPTCode(0x8200)
	require.True(t, ok)
	freebsdSwap, ok := parttype.ByGPTCode(0x8201)
	require.True(t, ok)

	lb, _ := linuxSwap.MBRByte()
	assert.Equal(t, byte(0x82), lb)

	_, ok = freebsdSwap.MBRByte()
	assert.False(t, ok)
}
