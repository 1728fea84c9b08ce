// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mm

import (
	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/log"
)

// HeapSize returns the size of the heap mapping.
func (mm *Manager) HeapSize() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return uint64(mm.heapEnd - mm.layout.Heap.Start)
}

// SetHeapSize resizes the heap mapping at the start of the heap region to
// size bytes and returns the heap base. The heap is backed by a single fresh
// block; the contents of the old heap are preserved up to the smaller of the
// two sizes. A size of 0 unmaps the heap.
//
// Preconditions: size is page-aligned.
func (mm *Manager) SetHeapSize(size uint64) (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	base := mm.layout.Heap.Start
	if size > mm.layout.Heap.Length() {
		return 0, kernelerr.ErrOutOfMemory
	}
	cur := uint64(mm.heapEnd - base)
	if size == cur {
		return base, nil
	}
	if size > cur {
		// Growth must not collide with other mappings in the heap region.
		v := mm.findLocked(mm.heapEnd)
		if v == nil || v.Type != VMAFree || v.End() < base+hostarch.Addr(size) {
			return 0, kernelerr.ErrInvalidAddressState
		}
	}

	if size == 0 {
		if err := mm.unmapRangeLocked(base, cur); err != nil {
			return 0, err
		}
		mm.heapEnd = base
		return base, nil
	}

	block, err := mm.arena.Allocate(size)
	if err != nil {
		return 0, err
	}
	defer mm.arena.DecRef(block)
	if keep := min(cur, size); keep != 0 {
		if err := mm.readLocked(base, mm.arena.Bytes(block)[:keep]); err != nil {
			return 0, kernelerr.ErrInvalidAddressState
		}
	}

	if cur != 0 {
		if err := mm.unmapRangeLocked(base, cur); err != nil {
			return 0, err
		}
		mm.heapEnd = base
	}
	if _, err := mm.mapMemoryBlockLocked(base, block, 0, size, svc.StateHeap, svc.PermReadWrite); err != nil {
		log.Warningf("Failed to map heap of %#x bytes at %#x: %v", size, base, err)
		return 0, err
	}
	mm.heapEnd = base + hostarch.Addr(size)
	return base, nil
}
