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

// Package allocator defines the shape every free-block management policy
// (implicit, explicit, segregated) in this module implements, so
// conformance tests and benchmarks can run identically against all three.
package allocator

// Allocator is the four-entry-point surface a heap policy exposes.
// Implementations address blocks by the uint32 payload offset returned
// from Alloc, never by an unsafe.Pointer.
type Allocator interface {
	// Alloc returns the offset of a payload of at least size bytes, or
	// ok=false if size is zero or the heap cannot be grown further.
	Alloc(size int) (bp uint32, ok bool)

	// Free releases a previously allocated offset. Passing an offset not
	// returned by Alloc, or one already freed, is undefined behavior:
	// implementations may panic but are not required to detect it.
	Free(bp uint32)

	// Realloc resizes the block at bp to size bytes, preserving the
	// prefix of its payload, and returns the offset to use from now on
	// (which may or may not equal bp). A nil-equivalent bp of 0 behaves
	// as Alloc; size == 0 behaves as Free and returns ok=false.
	Realloc(bp uint32, size int) (newbp uint32, ok bool)

	// Available returns an estimate of free payload bytes currently
	// reachable without growing the heap. Used by conformance tests and
	// the utilization benchmarks, not part of the original four-entry
	// API surface.
	Available() int
}
