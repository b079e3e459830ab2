// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sparselist_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JKDingwall/vmconstructor/sparselist"
)

func TestEmptyList(t *testing.T) {
	l := sparselist.New(0)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Get(0))
	assert.Empty(t, l.Dense())
}

func TestOutOfOrderAssignment(t *testing.T) {
	l := sparselist.New(-1)
	l.Set(2, 30)
	l.Set(0, 10)

	require.Equal(t, 3, l.Len())
	assert.Equal(t, []int{10, -1, 30}, l.Dense())
	assert.True(t, l.Has(0))
	assert.False(t, l.Has(1))
}

func TestClearDoesNotShrink(t *testing.T) {
	l := sparselist.New("")
	l.Set(3, "d")
	l.Clear(3)

	assert.Equal(t, 4, l.Len())
	assert.Equal(t, "", l.Get(3))
}

func TestCloneIsIndependent(t *testing.T) {
	l := sparselist.New(0)
	l.Set(1, 42)

	clone := l.Clone()
	clone.Set(1, 99)
	clone.Set(5, 7)

	assert.Equal(t, 42, l.Get(1))
	assert.Equal(t, 2, l.Len())

	assert.Equal(t, 99, clone.Get(1))
	assert.Equal(t, 6, clone.Len())
}

func TestIndicesAscending(t *testing.T) {
	l := sparselist.New(0)
	l.Set(5, 1)
	l.Set(1, 1)
	l.Set(3, 1)

	assert.Equal(t, []int{1, 3, 5}, l.Indices())
}
