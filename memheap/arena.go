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

// Package memheap is the allocator's only external dependency: a
// simulated sbrk. It pre-reserves one fixed-capacity backing buffer and
// only moves a break index within it, so offsets handed out before a call
// to Extend stay valid after it — Go's ordinary slice growth (which may
// relocate the backing array) would silently corrupt every outstanding
// allocation, the same way a real allocator would break if the OS ever
// moved pages it had already returned.
package memheap

import (
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// MaxArenaBytes bounds an Arena's capacity comfortably under 2^32, the
// addressing limit imposed by the 4-byte offsets the boundary-tag format
// and free-list links use throughout this module.
const MaxArenaBytes = 1 << 30 // 1GiB

// Arena is a growable, never-relocating byte region.
type Arena struct {
	buf []byte
	brk uint32
}

// NewArena reserves a backing buffer of capacityBytes, uninitialized.
// Real sbrk-returned pages carry whatever garbage was already in physical
// memory; dirtmake.Bytes gives the same property instead of paying for
// zeroing a region nothing will read before it's written.
func NewArena(capacityBytes int) (*Arena, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("memheap: capacity must be positive, got %d", capacityBytes)
	}
	if capacityBytes > MaxArenaBytes {
		return nil, fmt.Errorf("memheap: capacity %d exceeds MaxArenaBytes (%d)", capacityBytes, MaxArenaBytes)
	}
	return NewArenaFromBuffer(dirtmake.Bytes(capacityBytes, capacityBytes))
}

// NewArenaFromBuffer adopts an existing buffer as the backing store,
// starting with an empty (zero-length) logical heap. Callers that pool
// large buffers across many short-lived Arenas (benchmarks, stress tests)
// use this instead of NewArena to avoid a fresh allocation each time.
func NewArenaFromBuffer(buf []byte) (*Arena, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("memheap: buffer must be non-empty")
	}
	if len(buf) > MaxArenaBytes {
		return nil, fmt.Errorf("memheap: buffer length %d exceeds MaxArenaBytes (%d)", len(buf), MaxArenaBytes)
	}
	return &Arena{buf: buf}, nil
}

// Extend grows the logical heap by n bytes and returns the offset of the
// old break (the start of the newly available region), or ok=false if the
// arena's reserved capacity is exhausted — the only out-of-memory
// condition this allocator ever observes.
func (a *Arena) Extend(n int) (oldBreak uint32, ok bool) {
	if n < 0 {
		return 0, false
	}
	next := uint64(a.brk) + uint64(n)
	if next > uint64(len(a.buf)) {
		return 0, false
	}
	old := a.brk
	a.brk = uint32(next)
	return old, true
}

// Bounds returns the current logical heap range [0, brk).
func (a *Arena) Bounds() (lo, hi uint32) { return 0, a.brk }

// Cap returns the arena's reserved (non-growable) capacity.
func (a *Arena) Cap() int { return len(a.buf) }

// Base returns a pointer to the first byte of the backing buffer, for use
// by blocktag's offset arithmetic.
func (a *Arena) Base() unsafe.Pointer { return unsafe.Pointer(&a.buf[0]) }

// Bytes returns the committed portion of the heap, for diagnostics and
// tests only — allocators must never reslice it.
func (a *Arena) Bytes() []byte { return a.buf[:a.brk] }

// Buffer returns the full backing buffer, so a caller that obtained it
// from a pool (see NewArenaFromBuffer) can return it.
func (a *Arena) Buffer() []byte { return a.buf }
