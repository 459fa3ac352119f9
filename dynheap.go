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

// Package dynheap is a general-purpose dynamic storage allocator over a
// single contiguous, monotonically growing byte arena. It offers three
// interchangeable free-block management policies behind one interface;
// see the allocator, implicit, explicit, and segregated packages for
// the policies themselves.
package dynheap

import (
	"fmt"

	"github.com/heaplab/dynheap/allocator"
	"github.com/heaplab/dynheap/explicit"
	"github.com/heaplab/dynheap/implicit"
	"github.com/heaplab/dynheap/segregated"
)

// Policy selects a free-block management strategy.
type Policy int

const (
	// Implicit walks an unindexed block sequence with a next-fit rover.
	Implicit Policy = iota
	// Explicit maintains one LIFO doubly linked free list, first-fit.
	Explicit
	// Segregated buckets free blocks into size classes, size-ordered
	// lists within a class, with a reallocation-tag optimization.
	Segregated
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case Implicit:
		return "implicit"
	case Explicit:
		return "explicit"
	case Segregated:
		return "segregated"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// New builds a heap of capacityBytes governed by the given policy.
func New(policy Policy, capacityBytes int) (allocator.Allocator, error) {
	switch policy {
	case Implicit:
		return implicit.New(capacityBytes)
	case Explicit:
		return explicit.New(capacityBytes)
	case Segregated:
		return segregated.New(capacityBytes)
	default:
		return nil, fmt.Errorf("dynheap: unknown policy %v", policy)
	}
}
