/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package explicit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heaplab/dynheap/blocktag"
)

func newHeap(t *testing.T, capacityBytes int) *Heap {
	t.Helper()
	h, err := New(capacityBytes)
	require.NoError(t, err)
	return h
}

func TestNewBootstrapsWithAvailableCapacity(t *testing.T) {
	h := newHeap(t, 1<<16)
	assert.Greater(t, h.Available(), 0)
}

func TestAllocReturnsDistinctNonOverlappingBlocks(t *testing.T) {
	h := newHeap(t, 1<<16)

	a, ok := h.Alloc(32)
	require.True(t, ok)
	b, ok := h.Alloc(64)
	require.True(t, ok)
	c, ok := h.Alloc(16)
	require.True(t, ok)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, b, c)
	assert.NotEqual(t, a, c)
}

func TestFreeNilIsNoOp(t *testing.T) {
	h := newHeap(t, 1<<16)
	before := h.Available()
	h.Free(0)
	assert.Equal(t, before, h.Available())
}

func TestFreeThenAllocReusesSpace(t *testing.T) {
	h := newHeap(t, 1<<16)
	before := h.Available()

	a, ok := h.Alloc(128)
	require.True(t, ok)
	h.Free(a)

	assert.Equal(t, before, h.Available())

	b, ok := h.Alloc(128)
	require.True(t, ok)
	assert.Equal(t, a, b, "first-fit over a LIFO list should reuse the just-freed block")
}

func TestReallocGrowsInPlaceIntoFollowingFreeBlock(t *testing.T) {
	h := newHeap(t, 1<<16)

	a, ok := h.Alloc(32)
	require.True(t, ok)
	b, ok := h.Alloc(32)
	require.True(t, ok)
	h.Free(b)

	base := h.arena.Base()
	payload := blocktag.Bytes(base, a, 32)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	grownA, ok := h.Realloc(a, 48)
	require.True(t, ok)
	assert.Equal(t, a, grownA, "growth should absorb the adjacent free block in place")

	grown := blocktag.Bytes(base, grownA, 32)
	for i := 0; i < 32; i++ {
		assert.Equal(t, byte(i+1), grown[i], "byte %d", i)
	}
}

func TestReallocShrinkSplitsBlock(t *testing.T) {
	h := newHeap(t, 1<<16)
	a, ok := h.Alloc(256)
	require.True(t, ok)
	before := h.Available()

	b, ok := h.Realloc(a, 16)
	require.True(t, ok)
	assert.Equal(t, a, b)
	assert.Greater(t, h.Available(), before, "shrinking should free the split-off remainder")
}

func TestReallocZeroFreesAndReturnsFalse(t *testing.T) {
	h := newHeap(t, 1<<16)
	a, ok := h.Alloc(32)
	require.True(t, ok)

	bp, ok := h.Realloc(a, 0)
	assert.False(t, ok)
	assert.Equal(t, uint32(0), bp)
}

func TestReallocNilActsAsAlloc(t *testing.T) {
	h := newHeap(t, 1<<16)
	bp, ok := h.Realloc(0, 32)
	require.True(t, ok)
	assert.NotZero(t, bp)
}

func TestCoalesceMergesAdjacentFreedBlocks(t *testing.T) {
	h := newHeap(t, 1<<16)

	a, ok := h.Alloc(64)
	require.True(t, ok)
	b, ok := h.Alloc(64)
	require.True(t, ok)
	c, ok := h.Alloc(64)
	require.True(t, ok)

	h.Free(a)
	h.Free(c)
	mid := h.Available()
	h.Free(b)

	assert.Greater(t, h.Available(), mid, "freeing the middle block must coalesce with both neighbors")
}

func TestHeapGrowsWhenNoFitAvailable(t *testing.T) {
	h := newHeap(t, 1<<20)
	var last uint32
	for i := 0; i < 200; i++ {
		bp, ok := h.Alloc(64)
		require.True(t, ok)
		last = bp
	}
	assert.NotZero(t, last)
}

func TestAllocFailsWhenArenaExhausted(t *testing.T) {
	h := newHeap(t, 8192)
	ok := true
	var lastOK bool
	for i := 0; i < 1000 && ok; i++ {
		_, lastOK = h.Alloc(64)
		ok = lastOK
	}
	assert.False(t, ok)
}
