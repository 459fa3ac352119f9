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

// Package explicit implements the second free-block management policy:
// one doubly linked free list, nodes pushed to the head on every release
// or coalesce (LIFO), searched with first-fit. Unlike implicit, Realloc
// attempts to grow in place into a following free block before falling
// back to allocate-copy-release.
package explicit

import (
	"fmt"
	"unsafe"

	"github.com/heaplab/dynheap/allocator"
	"github.com/heaplab/dynheap/blocktag"
	"github.com/heaplab/dynheap/memheap"
)

// ChunkSize is the default number of bytes requested from the arena
// whenever the heap must grow with no fit found.
const ChunkSize = 1 << 12 // 4096 bytes

var _ allocator.Allocator = (*Heap)(nil)

// Heap is an explicit-free-list, first-fit allocator.
type Heap struct {
	arena    *memheap.Arena
	prolog   uint32 // payload offset of the degenerate prologue sentinel
	freeHead uint32 // offset of the first free block, 0 if the list is empty
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

	// Bootstrap layout (6 words, 24 bytes): a degenerate prologue header
	// (packed size below the 8-byte granularity, so it always decodes to
	// 0), one free block of the minimum size with its link words already
	// wired as the sole member of the free list, and an epilogue header.
	old, ok := arena.Extend(6 * blocktag.WordSize)
	if !ok {
		return nil, fmt.Errorf("explicit: failed to reserve initial sentinel region")
	}
	base := arena.Base()

	blocktag.WriteWord(base, old, blocktag.Header{Size: blocktag.WordSize, Alloc: true}.Encode()) // prologue header
	h.prolog = old + blocktag.WordSize

	bp := old + 2*blocktag.WordSize // first free block's payload
	blocktag.WriteNoTag(base, bp, blocktag.MinBlockSize, false)
	blocktag.SetPred(base, bp, 0)
	blocktag.SetSucc(base, bp, 0)
	h.freeHead = bp

	epilogue := blocktag.NextBlock(base, bp)
	blocktag.WriteWord(base, blocktag.HeaderOffset(epilogue), blocktag.Header{Size: 0, Alloc: true}.Encode())

	if _, ok := h.extendHeap(ChunkSize / blocktag.WordSize); !ok {
		return nil, fmt.Errorf("explicit: failed to extend heap during init")
	}
	return h, nil
}

// listInsert pushes bp onto the front of the free list.
func (h *Heap) listInsert(bp uint32) {
	base := h.arena.Base()
	blocktag.SetSucc(base, bp, h.freeHead)
	blocktag.SetPred(base, bp, 0)
	if h.freeHead != 0 {
		blocktag.SetPred(base, h.freeHead, bp)
	}
	h.freeHead = bp
}

// listRemove splices bp out of the free list.
func (h *Heap) listRemove(bp uint32) {
	base := h.arena.Base()
	pred := blocktag.Pred(base, bp)
	succ := blocktag.Succ(base, bp)
	if pred != 0 {
		blocktag.SetSucc(base, pred, succ)
	} else {
		h.freeHead = succ
	}
	if succ != 0 {
		blocktag.SetPred(base, succ, pred)
	}
}

// extendHeap requests words (rounded to an even count) from the arena,
// installs the new region as one free block reusing the old epilogue's
// header slot, and coalesces it with the heap's trailing block.
func (h *Heap) extendHeap(words uint32) (bp uint32, ok bool) {
	size := words * blocktag.WordSize
	if words%2 != 0 {
		size = (words + 1) * blocktag.WordSize
	}
	if size < blocktag.MinBlockSize {
		size = blocktag.MinBlockSize
	}
	old, ok := h.arena.Extend(int(size))
	if !ok {
		return 0, false
	}
	bp = old
	base := h.arena.Base()
	blocktag.WriteNoTag(base, bp, size, false)
	next := blocktag.NextBlock(base, bp)
	blocktag.WriteWord(base, blocktag.HeaderOffset(next), blocktag.Header{Size: 0, Alloc: true}.Encode())
	return h.coalesce(bp), true
}

// prevAllocOf reports whether the block physically preceding bp is
// allocated, treating the degenerate prologue sentinel (whose PrevBlock
// of the very first free block resolves to bp itself, since the
// prologue's packed size always decodes to 0) as allocated.
func (h *Heap) prevAllocOf(bp uint32) (prevAlloc bool, prevBP uint32) {
	base := h.arena.Base()
	prevBP = blocktag.PrevBlock(base, bp)
	return prevBP == bp || blocktag.AllocOf(base, prevBP), prevBP
}

// coalesce merges bp with any free immediate neighbor, splicing any
// absorbed neighbor out of the free list, then (always) pushes the
// surviving block onto the front of the free list.
func (h *Heap) coalesce(bp uint32) uint32 {
	base := h.arena.Base()
	prevAlloc, prevBP := h.prevAllocOf(bp)
	next := blocktag.NextBlock(base, bp)
	nextAlloc := blocktag.AllocOf(base, next)
	size := blocktag.SizeOf(base, bp)

	switch {
	case prevAlloc && nextAlloc:
		// no merge
	case prevAlloc && !nextAlloc:
		h.listRemove(next)
		size += blocktag.SizeOf(base, next)
		blocktag.WriteNoTag(base, bp, size, false)
	case !prevAlloc && nextAlloc:
		h.listRemove(prevBP)
		size += blocktag.SizeOf(base, prevBP)
		blocktag.WriteNoTag(base, prevBP, size, false)
		bp = prevBP
	default:
		h.listRemove(prevBP)
		h.listRemove(next)
		size += blocktag.SizeOf(base, prevBP) + blocktag.SizeOf(base, next)
		blocktag.WriteNoTag(base, prevBP, size, false)
		bp = prevBP
	}
	h.listInsert(bp)
	return bp
}

// findFit walks the free list from its head for the first block large
// enough to hold asize (first-fit, not best-fit).
func (h *Heap) findFit(asize uint32) (uint32, bool) {
	base := h.arena.Base()
	for bp := h.freeHead; bp != 0; bp = blocktag.Succ(base, bp) {
		if asize <= blocktag.SizeOf(base, bp) {
			return bp, true
		}
	}
	return 0, false
}

// place installs asize into the free block bp, splitting off a trailing
// free remainder (pushed onto the free list through coalesce) when the
// leftover is large enough to host one.
func (h *Heap) place(bp uint32, asize uint32) {
	base := h.arena.Base()
	free := blocktag.SizeOf(base, bp)
	h.listRemove(bp)
	if free-asize >= blocktag.MinBlockSize {
		blocktag.WriteNoTag(base, bp, asize, true)
		rest := blocktag.NextBlock(base, bp)
		blocktag.WriteNoTag(base, rest, free-asize, false)
		h.coalesce(rest)
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

// Free implements allocator.Allocator. Passing bp==0 is a no-op,
// matching mm_2explicit_comments.c's explicit guard against spurious
// free requests (the one behavior this variant's Free adds over the
// implicit variant's unguarded version).
func (h *Heap) Free(bp uint32) {
	if bp == 0 {
		return
	}
	base := h.arena.Base()
	size := blocktag.SizeOf(base, bp)
	blocktag.WriteNoTag(base, bp, size, false)
	h.coalesce(bp)
}

// Realloc implements allocator.Allocator. A request whose adjusted size
// equals the current block returns bp unchanged, a shrink splits the
// surplus off in place when both parts stay above the minimum block
// size, and a growth first tries to absorb a following free block in
// place; anything else falls back to allocate-copy-release. The implicit
// variant's Realloc does none of this in place (see its doc comment),
// and the guard
// on the growth path is deliberately size > curBlockSize: the CS:APP
// skeleton this grounds on (see DESIGN.md) guards that branch with
// curBlockSize > size, which fires on shrink requests instead of growth
// ones.
func (h *Heap) Realloc(bp uint32, size int) (uint32, bool) {
	if bp == 0 {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(bp)
		return 0, false
	}

	base := h.arena.Base()
	asize := blocktag.AdjustedSize(size)
	curSize := blocktag.SizeOf(base, bp)

	if asize == curSize {
		return bp, true
	}

	if asize < curSize {
		if asize > blocktag.MinBlockSize && curSize-asize > blocktag.MinBlockSize {
			blocktag.WriteNoTag(base, bp, asize, true)
			rest := blocktag.NextBlock(base, bp)
			blocktag.WriteNoTag(base, rest, curSize-asize, false)
			h.coalesce(rest)
			return bp, true
		}
		// The shrunk size is the minimum block, or the tail would be no
		// larger than one: reallocate tight instead of splitting.
		newBP, ok := h.Alloc(size)
		if !ok {
			return 0, false
		}
		dst := blocktag.Bytes(base, newBP, asize-blocktag.DoubleWordSize)
		src := blocktag.Bytes(base, bp, asize-blocktag.DoubleWordSize)
		copy(dst, src)
		h.Free(bp)
		return newBP, true
	}

	// asize > curSize: try to absorb a following free block in place.
	next := blocktag.NextBlock(base, bp)
	if !blocktag.AllocOf(base, next) {
		combined := curSize + blocktag.SizeOf(base, next)
		if combined >= asize {
			h.listRemove(next)
			if combined-asize >= blocktag.MinBlockSize {
				blocktag.WriteNoTag(base, bp, asize, true)
				rest := blocktag.NextBlock(base, bp)
				blocktag.WriteNoTag(base, rest, combined-asize, false)
				h.coalesce(rest)
			} else {
				blocktag.WriteNoTag(base, bp, combined, true)
			}
			return bp, true
		}
	}

	newBP, ok := h.Alloc(size)
	if !ok {
		return 0, false
	}
	copySize := curSize - blocktag.DoubleWordSize
	if uint32(size) < copySize {
		copySize = uint32(size)
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

// Prologue returns the payload offset of the degenerate prologue
// sentinel, the starting point for any full heap walk.
func (h *Heap) Prologue() uint32 { return h.prolog }

// FreeListHead returns the offset of the first free block, or 0 if the
// free list is empty, for conformance tests checking free-list
// completeness against a heap-order scan.
func (h *Heap) FreeListHead() uint32 { return h.freeHead }

// Available reports free bytes reachable by summing the free list.
func (h *Heap) Available() int {
	base := h.arena.Base()
	total := 0
	for bp := h.freeHead; bp != 0; bp = blocktag.Succ(base, bp) {
		total += int(blocktag.SizeOf(base, bp)) - blocktag.DoubleWordSize
	}
	return total
}
