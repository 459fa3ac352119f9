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

// Package conformance runs the universal invariants and end-to-end
// scenarios shared by every free-block management policy against all
// three allocator.Allocator implementations, so a property holding for
// one variant but not another shows up as a single failing subtest
// instead of three near-identical hand-written test files.
package conformance

import (
	"unsafe"

	"github.com/heaplab/dynheap/allocator"
	"github.com/heaplab/dynheap/blocktag"
)

// HeapUnderTest is the introspection surface every variant's Heap adds
// on top of allocator.Allocator purely for this package's benefit: a
// way to walk the live block sequence from the outside.
type HeapUnderTest interface {
	allocator.Allocator
	Base() unsafe.Pointer
	Prologue() uint32
}

// blockEntry is one physical block observed during a heap walk.
type blockEntry struct {
	bp     uint32
	size   uint32
	alloc  bool
	tagged bool
}

// walkHeap returns every block from the prologue sentinel up to (not
// including) the zero-sized epilogue, in heap address order.
func walkHeap(h HeapUnderTest) []blockEntry {
	base := h.Base()
	var blocks []blockEntry
	bp := h.Prologue()
	if blocktag.SizeOf(base, bp) == 0 {
		// The explicit variant's degenerate one-word prologue packs a size
		// below the 8-byte granularity, which decodes to 0: record it as a
		// one-word allocated block and step past it.
		blocks = append(blocks, blockEntry{bp: bp, size: blocktag.WordSize, alloc: true})
		bp += blocktag.WordSize
	}
	for ; ; bp = blocktag.NextBlock(base, bp) {
		size := blocktag.SizeOf(base, bp)
		if size == 0 {
			return blocks
		}
		blocks = append(blocks, blockEntry{bp: bp, size: size, alloc: blocktag.AllocOf(base, bp), tagged: blocktag.TagOf(base, bp)})
	}
}

// checkAlignment reports any block whose payload offset isn't 8-byte
// aligned (property 1). Property 1 is about pointers handed back by
// Alloc; the heap's own prologue sentinel (blocks[0]) is never handed
// to a caller, and the explicit variant's degenerate one-word prologue
// is deliberately not 8-byte aligned (see explicit's newFromArena), so
// it's excluded rather than misreported as a violation.
func checkAlignment(blocks []blockEntry) []uint32 {
	var bad []uint32
	for i, b := range blocks {
		if i == 0 {
			continue
		}
		if b.bp%blocktag.DoubleWordSize != 0 {
			bad = append(bad, b.bp)
		}
	}
	return bad
}

// checkHeaderFooterAgreement reports any block whose header and footer
// disagree on (size, alloc) (property 2). Degenerate sentinels smaller
// than DoubleWordSize carry no footer and are skipped.
func checkHeaderFooterAgreement(base unsafe.Pointer, blocks []blockEntry) []uint32 {
	var bad []uint32
	for _, b := range blocks {
		if b.size < blocktag.DoubleWordSize {
			continue
		}
		hdr := blocktag.DecodeHeader(blocktag.ReadWord(base, blocktag.HeaderOffset(b.bp)))
		ftr := blocktag.DecodeHeader(blocktag.ReadWord(base, b.bp+b.size-blocktag.DoubleWordSize))
		if hdr.Size != ftr.Size || hdr.Alloc != ftr.Alloc {
			bad = append(bad, b.bp)
		}
	}
	return bad
}

// checkNoAdjacentFrees reports the offset of the second block in any
// pair of consecutive free blocks (property 3): a real allocator must
// have coalesced them. A reallocation-tagged free block counts as
// allocated here, the way the segregated variant's coalesce treats a
// tagged predecessor.
func checkNoAdjacentFrees(blocks []blockEntry) []uint32 {
	var bad []uint32
	for i := 1; i < len(blocks); i++ {
		if !blocks[i-1].alloc && !blocks[i-1].tagged && !blocks[i].alloc {
			bad = append(bad, blocks[i].bp)
		}
	}
	return bad
}

// checkContiguous reports whether the block sequence tiles the heap
// without gaps or overlaps (a structural stand-in for property 7, no
// aliasing: the boundary-tag walk itself would desynchronize the
// instant two blocks overlapped).
func checkContiguous(blocks []blockEntry) bool {
	for i := 1; i < len(blocks); i++ {
		if blocks[i-1].bp+blocks[i-1].size != blocks[i].bp {
			return false
		}
	}
	return true
}

// freeOffsets returns the bp of every free block in a walk, in heap
// order, for comparison against a free-list traversal (property 4).
func freeOffsets(blocks []blockEntry) []uint32 {
	var out []uint32
	for _, b := range blocks {
		if !b.alloc {
			out = append(out, b.bp)
		}
	}
	return out
}

// sortedCopy returns a sorted copy of offs, for multiset comparison
// independent of traversal order.
func sortedCopy(offs []uint32) []uint32 {
	out := append([]uint32(nil), offs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
