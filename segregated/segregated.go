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

// Package segregated implements the third and most elaborate free-block
// management policy: LISTLIMIT size-class buckets, each holding an
// explicit doubly linked list, searched class-by-class for a first fit
// that isn't reallocation-tagged; a tail-split optimization for large
// requests; and a reallocation-tag protocol that reserves a following
// block across repeated Realloc calls on the same payload.
package segregated

import (
	"fmt"
	"unsafe"

	"github.com/heaplab/dynheap/allocator"
	"github.com/heaplab/dynheap/blocktag"
	"github.com/heaplab/dynheap/memheap"
)

const (
	// InitChunkSize is how much the heap grows during bootstrap.
	InitChunkSize = 1 << 6 // 64 bytes
	// ChunkSize is the default growth amount when no fit is found.
	ChunkSize = 1 << 12 // 4096 bytes
	// ReallocBuffer is the slack every Realloc request pads onto the
	// requested size, anticipating a following Realloc on the same
	// block.
	ReallocBuffer = 1 << 7 // 128 bytes
)

var _ allocator.Allocator = (*Heap)(nil)

// Heap is a segregated-fits allocator.
type Heap struct {
	arena  *memheap.Arena
	prolog uint32
	heads  [ListLimit]uint32
}

// New creates a heap backed by a fresh arena of capacityBytes.
func New(capacityBytes int) (*Heap, error) {
	arena, err := memheap.NewArena(capacityBytes)
	if err != nil {
		return nil, err
	}
	return newFromArena(arena)
}

func newFromArena(arena *memheap.Arena) (*Heap, error) {
	h := &Heap{arena: arena}

	old, ok := arena.Extend(4 * blocktag.WordSize)
	if !ok {
		return nil, fmt.Errorf("segregated: failed to reserve initial sentinel region")
	}
	base := arena.Base()
	blocktag.WriteWord(base, old, 0)
	blocktag.WriteWord(base, old+blocktag.WordSize, blocktag.Header{Size: blocktag.DoubleWordSize, Alloc: true}.Encode())
	blocktag.WriteWord(base, old+2*blocktag.WordSize, blocktag.Header{Size: blocktag.DoubleWordSize, Alloc: true}.Encode())
	blocktag.WriteWord(base, old+3*blocktag.WordSize, blocktag.Header{Size: 0, Alloc: true}.Encode())
	h.prolog = old + 2*blocktag.WordSize

	if _, ok := h.extendHeap(InitChunkSize); !ok {
		return nil, fmt.Errorf("segregated: failed to extend heap during init")
	}
	return h, nil
}

// extendHeap requests size bytes (rounded up to the alignment) from the
// arena and stitches the new region in as one free block, the same
// header-slot-reuse trick the implicit and explicit variants use.
func (h *Heap) extendHeap(size uint32) (bp uint32, ok bool) {
	asize := blocktag.AlignUp(size)
	old, ok := h.arena.Extend(int(asize))
	if !ok {
		return 0, false
	}
	bp = old
	base := h.arena.Base()
	blocktag.WriteNoTag(base, bp, asize, false)
	next := blocktag.NextBlock(base, bp)
	blocktag.WriteWord(base, blocktag.HeaderOffset(next), blocktag.Header{Size: 0, Alloc: true}.Encode())
	h.insertNode(bp, asize)
	return h.coalesce(bp), true
}

// coalesce merges bp with any free immediate neighbor (a reallocation-
// tagged predecessor counts as allocated, so it's never absorbed out
// from under a pending in-place-growth Realloc), splicing any absorbed
// neighbor out of its size class, then reinserts the surviving block.
func (h *Heap) coalesce(bp uint32) uint32 {
	base := h.arena.Base()
	prevBP := blocktag.PrevBlock(base, bp)
	prevAlloc := blocktag.AllocOf(base, prevBP) || blocktag.TagOf(base, prevBP)
	next := blocktag.NextBlock(base, bp)
	nextAlloc := blocktag.AllocOf(base, next)
	size := blocktag.SizeOf(base, bp)

	switch {
	case prevAlloc && nextAlloc:
		return bp
	case prevAlloc && !nextAlloc:
		h.deleteNode(bp)
		h.deleteNode(next)
		size += blocktag.SizeOf(base, next)
		blocktag.Write(base, bp, size, false)
	case !prevAlloc && nextAlloc:
		h.deleteNode(bp)
		h.deleteNode(prevBP)
		size += blocktag.SizeOf(base, prevBP)
		blocktag.Write(base, prevBP, size, false)
		bp = prevBP
	default:
		h.deleteNode(bp)
		h.deleteNode(prevBP)
		h.deleteNode(next)
		size += blocktag.SizeOf(base, prevBP) + blocktag.SizeOf(base, next)
		blocktag.Write(base, prevBP, size, false)
		bp = prevBP
	}
	h.insertNode(bp, size)
	return bp
}

// findFit walks size classes from asize's own class upward, skipping
// any block too small or reallocation-tagged, and returns the first
// that fits.
func (h *Heap) findFit(asize uint32) (uint32, bool) {
	base := h.arena.Base()
	searchSize := asize
	for list := 0; list < ListLimit; list++ {
		if list == ListLimit-1 || (searchSize <= 1 && h.heads[list] != 0) {
			ptr := h.heads[list]
			for ptr != 0 && (asize > blocktag.SizeOf(base, ptr) || blocktag.TagOf(base, ptr)) {
				ptr = blocktag.Pred(base, ptr)
			}
			if ptr != 0 {
				return ptr, true
			}
		}
		searchSize >>= 1
	}
	return 0, false
}

// place installs asize into free block bp (already removed from its
// size class by the caller's coalesce bookkeeping is not assumed: place
// removes it itself), splitting only when the remainder is larger than
// 16 bytes (a remainder of 16 bytes or less stays with the allocation),
// and allocating from the tail of the split for large
// requests (asize >= 100) on the theory that large blocks are more
// likely to be freed soon, improving future coalescing.
func (h *Heap) place(bp uint32, asize uint32) uint32 {
	base := h.arena.Base()
	ptrSize := blocktag.SizeOf(base, bp)
	remainder := ptrSize - asize
	h.deleteNode(bp)

	switch {
	case remainder <= 2*blocktag.DoubleWordSize:
		blocktag.Write(base, bp, ptrSize, true)
		return bp
	case asize >= 100:
		blocktag.Write(base, bp, remainder, false)
		next := blocktag.NextBlock(base, bp)
		blocktag.WriteNoTag(base, next, asize, true)
		h.insertNode(bp, remainder)
		return next
	default:
		blocktag.Write(base, bp, asize, true)
		next := blocktag.NextBlock(base, bp)
		blocktag.WriteNoTag(base, next, remainder, false)
		h.insertNode(next, remainder)
		return bp
	}
}

// Alloc implements allocator.Allocator.
func (h *Heap) Alloc(size int) (uint32, bool) {
	if size <= 0 {
		return 0, false
	}
	asize := blocktag.AdjustedSize(size)

	ptr, found := h.findFit(asize)
	if !found {
		extend := asize
		if ChunkSize > extend {
			extend = ChunkSize
		}
		bp, ok := h.extendHeap(extend)
		if !ok {
			return 0, false
		}
		ptr = bp
	}
	return h.place(ptr, asize), true
}

// Free implements allocator.Allocator.
func (h *Heap) Free(bp uint32) {
	base := h.arena.Base()
	size := blocktag.SizeOf(base, bp)

	next := blocktag.NextBlock(base, bp)
	if blocktag.TagOf(base, next) {
		blocktag.RemoveRATag(base, next)
		if !blocktag.AllocOf(base, next) {
			// Untagged, a free next can now merge with a free block
			// that coalesce left beside it while it was tagged.
			h.coalesce(next)
		}
	}

	blocktag.Write(base, bp, size, false)
	h.insertNode(bp, size)
	h.coalesce(bp)
}

// Realloc implements allocator.Allocator with the segregated variant's
// reallocation-buffer heuristic: every request pads ReallocBuffer bytes
// onto the adjusted size, and whenever the resulting slack is small the
// block immediately following the result gets reallocation-tagged so a
// likely-future Realloc on the same payload can absorb it without a
// search or a copy.
func (h *Heap) Realloc(bp uint32, size int) (uint32, bool) {
	if bp == 0 {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(bp)
		return 0, false
	}

	base := h.arena.Base()
	newSize := int64(blocktag.AdjustedSize(size)) + ReallocBuffer
	curSize := blocktag.SizeOf(base, bp)
	balancer := int64(curSize) - newSize
	newBP := bp

	if balancer < 0 {
		next := blocktag.NextBlock(base, bp)
		nextAlloc := blocktag.AllocOf(base, next)
		nextSize := blocktag.SizeOf(base, next)

		grown := false
		if !nextAlloc || nextSize == 0 {
			remainder := int64(curSize) + int64(nextSize) - newSize
			if remainder < 0 {
				extendSize := -remainder
				if int64(ChunkSize) > extendSize {
					extendSize = int64(ChunkSize)
				}
				if _, ok := h.extendHeap(uint32(extendSize)); !ok {
					return 0, false
				}
				// The new region only joins next when next was the epilogue
				// or the untagged trailing free block: re-read its size.
				nextSize = blocktag.SizeOf(base, next)
				remainder = int64(curSize) + int64(nextSize) - newSize
			}
			if remainder >= 0 {
				h.deleteNode(next)
				blocktag.WriteNoTag(base, bp, uint32(newSize+remainder), true)
				grown = true
			}
		}
		if !grown {
			allocBP, ok := h.Alloc(int(newSize) - blocktag.DoubleWordSize)
			if !ok {
				return 0, false
			}
			copySize := uint32(size)
			if curSize-blocktag.DoubleWordSize < copySize {
				copySize = curSize - blocktag.DoubleWordSize
			}
			dst := blocktag.Bytes(base, allocBP, copySize)
			src := blocktag.Bytes(base, bp, copySize)
			copy(dst, src)
			h.Free(bp)
			newBP = allocBP
		}
		balancer = int64(blocktag.SizeOf(base, newBP)) - newSize
	}

	if balancer < 2*ReallocBuffer {
		next := blocktag.NextBlock(base, newBP)
		blocktag.SetRATag(base, next)
	}

	return newBP, true
}

// Base exposes the arena's backing pointer, for conformance tests and
// benchmarks that need to walk the block sequence directly.
func (h *Heap) Base() unsafe.Pointer { return h.arena.Base() }

// Prologue returns the payload offset of the prologue sentinel, the
// starting point for any full heap walk.
func (h *Heap) Prologue() uint32 { return h.prolog }

// FreeListHeads returns a copy of the ListLimit size-class bucket heads,
// for conformance tests checking free-list completeness and bucket
// correctness against a heap-order scan.
func (h *Heap) FreeListHeads() [ListLimit]uint32 { return h.heads }

// Available reports free bytes reachable by walking the block sequence.
func (h *Heap) Available() int {
	base := h.arena.Base()
	total := 0
	for bp := h.prolog; blocktag.SizeOf(base, bp) > 0; bp = blocktag.NextBlock(base, bp) {
		if !blocktag.AllocOf(base, bp) {
			total += int(blocktag.SizeOf(base, bp)) - blocktag.DoubleWordSize
		}
	}
	return total
}
