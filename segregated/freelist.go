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

package segregated

import "github.com/heaplab/dynheap/blocktag"

// ListLimit is the number of size-class buckets. The n-th bucket holds
// blocks whose byte size falls in [2^n, 2^(n+1)), with the last bucket
// a catch-all for everything too large to have its own class.
const ListLimit = 20

// listIndex returns the size-class bucket for size, by repeatedly
// halving until it collapses to <= 1 or the last bucket is reached.
func listIndex(size uint32) int {
	list := 0
	s := size
	for list < ListLimit-1 && s > 1 {
		s >>= 1
		list++
	}
	return list
}

// insertNode adds bp (of the given size) to its size class, keeping the
// class's list walk order by size: insertion scans from the class head
// toward larger blocks via Pred, stopping at the first entry at least
// as large as bp, and splices bp in immediately before it.
func (h *Heap) insertNode(bp uint32, size uint32) {
	base := h.arena.Base()
	list := listIndex(size)

	var insertPtr uint32
	searchPtr := h.heads[list]
	for searchPtr != 0 && size > blocktag.SizeOf(base, searchPtr) {
		insertPtr = searchPtr
		searchPtr = blocktag.Pred(base, searchPtr)
	}

	switch {
	case searchPtr != 0 && insertPtr != 0:
		blocktag.SetSucc(base, searchPtr, bp)
		blocktag.SetPred(base, bp, searchPtr)
		blocktag.SetSucc(base, bp, insertPtr)
		blocktag.SetPred(base, insertPtr, bp)
	case searchPtr != 0:
		blocktag.SetPred(base, bp, searchPtr)
		blocktag.SetSucc(base, searchPtr, bp)
		blocktag.SetSucc(base, bp, 0)
		h.heads[list] = bp
	case insertPtr != 0:
		blocktag.SetPred(base, bp, 0)
		blocktag.SetSucc(base, bp, insertPtr)
		blocktag.SetPred(base, insertPtr, bp)
	default:
		blocktag.SetPred(base, bp, 0)
		blocktag.SetSucc(base, bp, 0)
		h.heads[list] = bp
	}
}

// deleteNode splices bp out of its size class.
func (h *Heap) deleteNode(bp uint32) {
	base := h.arena.Base()
	list := listIndex(blocktag.SizeOf(base, bp))
	pred := blocktag.Pred(base, bp)
	succ := blocktag.Succ(base, bp)

	switch {
	case pred != 0 && succ != 0:
		blocktag.SetSucc(base, pred, succ)
		blocktag.SetPred(base, succ, pred)
	case pred != 0:
		blocktag.SetSucc(base, pred, 0)
		h.heads[list] = pred
	case succ != 0:
		blocktag.SetPred(base, succ, 0)
	default:
		h.heads[list] = 0
	}
}
