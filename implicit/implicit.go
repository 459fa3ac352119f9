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

// Package implicit implements the simplest of the three free-block
// management policies: an implicit free list (no per-block index at all —
// free blocks are found by walking the block sequence) searched with
// next-fit, a rover that resumes scanning where the previous search left
// off instead of always restarting at the heap's start.
package implicit

import (
	"fmt"
	"unsafe"

	"github.com/heaplab/dynheap/allocator"
	"github.com/heaplab/dynheap/blocktag"
	"github.com/heaplab/dynheap/memheap"
)

// ChunkSize is the default number of bytes requested from the arena
// whenever the heap must grow: either to satisfy a request with no fit,
// or to provide the allocator's own bootstrap block in New.
const ChunkSize = 1 << 12 // 4096 bytes

var _ allocator.Allocator = (*Heap)(nil)

// Heap is an implicit-free-list, next-fit allocator.
type Heap struct {
	arena  *memheap.Arena
	prolog uint32 // payload offset of the prologue block
	rover  uint32 // next-fit search continuation point
}

// New creates a heap backed by a fresh arena of capacityBytes and runs the
// bootstrap sequence equivalent to the original allocator's mm_init: lay
// down the prologue/epilogue sentinels, then extend once so the first
// Alloc has somewhere to look.
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
		return nil, fmt.Errorf("implicit: failed to reserve initial sentinel region")
	}
	base := arena.Base()
	blocktag.WriteWord(base, old, 0)                                                  // alignment padding
	blocktag.WriteWord(base, old+blocktag.WordSize, blocktag.Header{Size: blocktag.DoubleWordSize, Alloc: true}.Encode())   // prologue header
	blocktag.WriteWord(base, old+2*blocktag.WordSize, blocktag.Header{Size: blocktag.DoubleWordSize, Alloc: true}.Encode()) // prologue footer
	blocktag.WriteWord(base, old+3*blocktag.WordSize, blocktag.Header{Size: 0, Alloc: true}.Encode())                      // epilogue header

	h.prolog = old + 2*blocktag.WordSize
	h.rover = h.prolog

	if _, ok := h.extendHeap(ChunkSize / blocktag.WordSize); !ok {
		return nil, fmt.Errorf("implicit: failed to extend heap during init")
	}
	return h, nil
}

// extendHeap requests an even number of words from the arena (keeping the
// heap double-word aligned) and stitches the new region in as one free
// block, coalescing with the old trailing block if it was free.
func (h *Heap) extendHeap(words uint32) (bp uint32, ok bool) {
	size := words * blocktag.WordSize
	if words%2 != 0 {
		size = (words + 1) * blocktag.WordSize
	}
	old, ok := h.arena.Extend(int(size))
	if !ok {
		return 0, false
	}
	// bp reuses the word immediately before old as its header: that word
	// was the previous epilogue header, already committed by the last
	// New/extendHeap call (or, on the very first call, by the prologue
	// setup). This is why extending the heap never needs to commit extra
	// bytes for the new block's own header.
	bp = old
	base := h.arena.Base()
	blocktag.WriteNoTag(base, bp, size, false)
	next := blocktag.NextBlock(base, bp)
	blocktag.WriteWord(base, blocktag.HeaderOffset(next), blocktag.Header{Size: 0, Alloc: true}.Encode())
	return h.coalesce(bp), true
}

// coalesce merges bp with any free immediate neighbor, updates the
// next-fit rover to the surviving block, and returns that block's offset.
func (h *Heap) coalesce(bp uint32) uint32 {
	base := h.arena.Base()
	prevAlloc := blocktag.AllocOf(base, blocktag.PrevBlock(base, bp))
	next := blocktag.NextBlock(base, bp)
	nextAlloc := blocktag.AllocOf(base, next)
	size := blocktag.SizeOf(base, bp)

	switch {
	case prevAlloc && nextAlloc:
		// no merge
	case prevAlloc && !nextAlloc:
		size += blocktag.SizeOf(base, next)
		blocktag.WriteNoTag(base, bp, size, false)
	case !prevAlloc && nextAlloc:
		prev := blocktag.PrevBlock(base, bp)
		size += blocktag.SizeOf(base, prev)
		blocktag.WriteNoTag(base, prev, size, false)
		bp = prev
	default:
		prev := blocktag.PrevBlock(base, bp)
		size += blocktag.SizeOf(base, prev) + blocktag.SizeOf(base, next)
		blocktag.WriteNoTag(base, prev, size, false)
		bp = prev
	}
	h.rover = bp
	return bp
}

// findFit walks forward from the rover to the epilogue, wrapping only by
// resetting to the heap start on a miss (it does not retry the skipped
// prefix within the same call) — the exact next-fit shape of the source
// this variant ports.
func (h *Heap) findFit(asize uint32) (uint32, bool) {
	base := h.arena.Base()
	for bp := h.rover; blocktag.SizeOf(base, bp) > 0; bp = blocktag.NextBlock(base, bp) {
		if !blocktag.AllocOf(base, bp) && asize <= blocktag.SizeOf(base, bp) {
			h.rover = bp
			return bp, true
		}
	}
	h.rover = h.prolog
	return 0, false
}

// place installs asize into the free block bp, splitting off a trailing
// free remainder when the leftover is large enough to host one.
func (h *Heap) place(bp uint32, asize uint32) {
	base := h.arena.Base()
	free := blocktag.SizeOf(base, bp)
	if free-asize >= blocktag.MinBlockSize {
		blocktag.WriteNoTag(base, bp, asize, true)
		rest := blocktag.NextBlock(base, bp)
		blocktag.WriteNoTag(base, rest, free-asize, false)
	} else {
		blocktag.WriteNoTag(base, bp, free, true)
	}
}

// Alloc implements allocator.Allocator.
func (h *Heap) Alloc(size int) (uint32, bool) {
	if size <= 0 {
		return 0, false
	}
	asize := blocktag.AdjustedSize(size)

	if bp, ok := h.findFit(asize); ok {
		h.place(bp, asize)
		return bp, true
	}

	extend := asize
	if ChunkSize > extend {
		extend = ChunkSize
	}
	bp, ok := h.extendHeap(extend / blocktag.WordSize)
	if !ok {
		return 0, false
	}
	h.place(bp, asize)
	return bp, true
}

// Free implements allocator.Allocator. Passing bp==0 is undefined
// behavior for this variant, matching the CS:APP implicit skeleton it
// ports (it never guards against a null pointer either).
func (h *Heap) Free(bp uint32) {
	base := h.arena.Base()
	size := blocktag.SizeOf(base, bp)
	blocktag.WriteNoTag(base, bp, size, false)
	h.coalesce(bp)
}

// Realloc implements allocator.Allocator with the minimal allocate-copy-
// release strategy: no in-place growth attempt at all, exactly matching
// mm_1implicit_comments.c's mm_realloc.
func (h *Heap) Realloc(bp uint32, size int) (uint32, bool) {
	if bp == 0 {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(bp)
		return 0, false
	}

	newBP, ok := h.Alloc(size)
	if !ok {
		return 0, false
	}

	base := h.arena.Base()
	oldSize := blocktag.SizeOf(base, bp) - blocktag.DoubleWordSize
	copySize := uint32(size)
	if oldSize < copySize {
		copySize = oldSize
	}
	dst := blocktag.Bytes(base, newBP, copySize)
	src := blocktag.Bytes(base, bp, copySize)
	copy(dst, src)
	h.Free(bp)
	return newBP, true
}

// Base exposes the arena's backing pointer, for conformance tests and
// benchmarks that need to walk the block sequence directly.
func (h *Heap) Base() unsafe.Pointer { return h.arena.Base() }

// Prologue returns the payload offset of the prologue sentinel, the
// starting point for any full heap walk.
func (h *Heap) Prologue() uint32 { return h.prolog }

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
