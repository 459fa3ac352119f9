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

package implicit

import (
	"testing"

	"github.com/bytedance/gopkg/lang/fastrand"
	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/heaplab/dynheap/memheap"
)

const benchArenaSize = 1 << 20

// BenchmarkAllocFree measures a tight alloc/free cycle with no
// fragmentation pressure, isolating per-call overhead.
func BenchmarkAllocFree(b *testing.B) {
	buf := mcache.Malloc(benchArenaSize)
	defer mcache.Free(buf)

	arena, err := memheap.NewArenaFromBuffer(buf)
	if err != nil {
		b.Fatal(err)
	}
	h, err := newFromArena(arena)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bp, ok := h.Alloc(64)
		if !ok {
			b.Fatal("alloc failed")
		}
		h.Free(bp)
	}
}

// BenchmarkInterleavedStress replays the S6-shaped mix of allocations
// and releases, reusing one pooled arena buffer per run so the
// benchmark measures allocator overhead, not arena setup.
func BenchmarkInterleavedStress(b *testing.B) {
	buf := mcache.Malloc(benchArenaSize)
	defer mcache.Free(buf)

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		arena, err := memheap.NewArenaFromBuffer(buf)
		if err != nil {
			b.Fatal(err)
		}
		h, err := newFromArena(arena)
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		live := make([]uint32, 0, 256)
		for j := 0; j < 2000; j++ {
			size := 8 + int(fastrand.Uint32n(4089))
			bp, ok := h.Alloc(size)
			if !ok {
				break
			}
			live = append(live, bp)
			if fastrand.Uint32n(2) == 0 && len(live) > 1 {
				k := int(fastrand.Uint32n(uint32(len(live))))
				h.Free(live[k])
				live[k] = live[len(live)-1]
				live = live[:len(live)-1]
			}
		}
		for _, bp := range live {
			h.Free(bp)
		}
	}
}
