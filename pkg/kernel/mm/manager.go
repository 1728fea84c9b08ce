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

// Package mm implements the guest virtual memory manager.
//
// A Manager partitions the guest address space into VMAs kept in an ordered
// tree. Every mutation carves the affected range out of existing VMAs,
// rewrites it, and coalesces it with its neighbours, so that at all times:
//
//   - the VMAs tile [0, address space end) with no gaps or overlaps, and
//   - no two adjacent VMAs satisfy CanBeMergedWith.
//
// Lock order: Manager.mu precedes pgalloc.Arena.mu.
package mm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/kernel/pgalloc"
	"gvisor.dev/hle/pkg/log"
)

// btreeDegree is the branching factor of the VMA tree.
const btreeDegree = 16

// mergeLog reports merges abandoned under memory pressure, which can recur on
// every mapping call.
var mergeLog = log.BasicRateLimitedLogger(time.Minute)

func vmaLess(a, b *VMA) bool {
	return a.Base < b.Base
}

// Manager is the virtual memory manager of one guest process.
type Manager struct {
	arena *pgalloc.Arena

	// mu protects the fields below.
	mu sync.Mutex

	// vmas is keyed by VMA.Base. The Base of a VMA never changes while it
	// is in the tree.
	vmas *btree.BTreeG[*VMA]

	layout Layout

	// heapEnd is the end of the heap mapping. It equals layout.Heap.Start
	// while no heap is mapped.
	heapEnd hostarch.Addr
}

// NewManager returns a Manager with a 39-bit address space whose blocks are
// allocated from arena.
func NewManager(arena *pgalloc.Arena) *Manager {
	mm := &Manager{
		arena: arena,
		vmas:  btree.NewG(btreeDegree, vmaLess),
	}
	mm.Reset(svc.Is39Bit)
	return mm
}

// Reset discards every mapping, recomputes the layout for t and installs a
// single Free VMA over the whole address space.
//
// Preconditions: t is a valid address space type.
func (mm *Manager) Reset(t svc.ProgramAddressSpaceType) {
	layout := mustLayoutFor(t)

	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.resetLocked(layout)
	log.Debugf("Reset %v address space: [%#x, %#x)", t, layout.AddressSpace.Start, layout.AddressSpace.End)
}

// Release drops every mapping, releasing the arena blocks they reference.
// The layout is kept.
func (mm *Manager) Release() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.resetLocked(mm.layout)
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) resetLocked(layout Layout) {
	mm.vmas.Ascend(func(v *VMA) bool {
		if v.Type == VMAAllocatedBlock {
			mm.arena.DecRef(v.Block)
		}
		return true
	})
	mm.vmas.Clear(false)
	mm.layout = layout
	mm.heapEnd = layout.Heap.Start
	mm.vmas.ReplaceOrInsert(&VMA{Base: layout.AddressSpace.Start, Size: layout.AddressSpace.Length()})
}

// Layout returns the region layout of the address space.
func (mm *Manager) Layout() Layout {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.layout
}

// FindVMA returns the VMA containing addr. ok is false if addr is outside
// the address space.
func (mm *Manager) FindVMA(addr hostarch.Addr) (v VMA, ok bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if vma := mm.findLocked(addr); vma != nil {
		return *vma, true
	}
	return VMA{}, false
}

// findLocked returns the VMA containing addr, or nil.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) findLocked(addr hostarch.Addr) *VMA {
	if addr >= mm.layout.AddressSpace.End {
		return nil
	}
	var found *VMA
	mm.vmas.DescendLessOrEqual(&VMA{Base: addr}, func(v *VMA) bool {
		found = v
		return false
	})
	return found
}

// nextLocked returns the VMA following v, or nil if v is the last.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) nextLocked(v *VMA) *VMA {
	next, ok := mm.vmas.Get(&VMA{Base: v.End()})
	if !ok {
		return nil
	}
	return next
}

// prevLocked returns the VMA preceding v, or nil if v is the first.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) prevLocked(v *VMA) *VMA {
	if v.Base == mm.layout.AddressSpace.Start {
		return nil
	}
	return mm.findLocked(v.Base - 1)
}

func checkAligned(op string, addr hostarch.Addr, size uint64) {
	if !addr.IsPageAligned() || size&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("%s: non-page aligned range base=%#x size=%#x", op, addr, size))
	}
	if size == 0 {
		panic(fmt.Sprintf("%s: empty range at %#x", op, addr))
	}
}

// carveLocked splits the Free VMA containing [base, base+size) so that the
// range is covered by exactly one VMA, and returns it. Nothing is modified
// on failure.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) carveLocked(base hostarch.Addr, size uint64) (*VMA, error) {
	checkAligned("carve", base, size)

	v := mm.findLocked(base)
	if v == nil {
		return nil, kernelerr.ErrInvalidAddress
	}
	if v.Type != VMAFree {
		return nil, kernelerr.ErrInvalidAddressState
	}
	start := uint64(base - v.Base)
	end := start + size
	if end < start || end > v.Size {
		return nil, kernelerr.ErrInvalidAddressState
	}

	if end != v.Size {
		mm.splitLocked(v, end)
	}
	if start != 0 {
		v = mm.splitLocked(v, start)
	}
	return v, nil
}

// carveRangeLocked splits VMAs so that [target, target+size) starts and ends
// on VMA boundaries, and returns the first VMA of the range. It fails without
// modifying anything if the range leaves the address space or covers any
// Free VMA.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) carveRangeLocked(target hostarch.Addr, size uint64) (*VMA, error) {
	checkAligned("carve range", target, size)

	end, ok := target.AddLength(size)
	if !ok || end > mm.layout.AddressSpace.End {
		return nil, kernelerr.ErrInvalidAddress
	}
	first := mm.findLocked(target)
	if first == nil {
		return nil, kernelerr.ErrInvalidAddress
	}

	hasFree := false
	mm.vmas.AscendRange(&VMA{Base: first.Base}, &VMA{Base: end}, func(v *VMA) bool {
		hasFree = v.Type == VMAFree
		return !hasFree
	})
	if hasFree {
		return nil, kernelerr.ErrInvalidAddressState
	}

	if target != first.Base {
		first = mm.splitLocked(first, uint64(target-first.Base))
	}
	if last := mm.findLocked(end); last != nil && last.Base != end {
		mm.splitLocked(last, uint64(end-last.Base))
	}
	return first, nil
}

// splitLocked splits v at offset, leaving v as the left half, and returns
// the right half.
//
// Preconditions: mm.mu must be locked. 0 < offset < v.Size.
func (mm *Manager) splitLocked(v *VMA, offset uint64) *VMA {
	if offset == 0 || offset >= v.Size {
		panic(fmt.Sprintf("split of %v at offset %#x", v, offset))
	}
	right := *v
	v.Size = offset
	right.Base += hostarch.Addr(offset)
	right.Size -= offset

	switch right.Type {
	case VMAAllocatedBlock:
		right.Offset += offset
		mm.arena.IncRef(right.Block)
	case VMABackingMemory:
		right.Backing = v.Backing[offset:]
		v.Backing = v.Backing[:offset]
	case VMAMMIO:
		right.PAddr += offset
	}

	if !v.CanBeMergedWith(&right) || (v.Type == VMAAllocatedBlock && !v.contiguousWith(&right)) {
		panic(fmt.Sprintf("split halves %v and %v are not mergeable", v, &right))
	}
	mm.vmas.ReplaceOrInsert(&right)
	return &right
}

// mergeAdjacentLocked coalesces v with its successors and then its
// predecessors until neither neighbour is mergeable, and returns the VMA now
// containing v's range.
//
// A range operation may leave v next to a VMA that was itself just merged
// forward, so a single merge in each direction is not enough.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) mergeAdjacentLocked(v *VMA) *VMA {
	for {
		next := mm.nextLocked(v)
		if next == nil || !v.CanBeMergedWith(next) || !mm.mergeLocked(v, next) {
			break
		}
	}
	for {
		prev := mm.prevLocked(v)
		if prev == nil || !prev.CanBeMergedWith(v) || !mm.mergeLocked(prev, v) {
			break
		}
		v = prev
	}
	return v
}

// mergeLocked extends left over right and removes right. It returns false if
// the backing for the combined VMA could not be allocated, in which case
// nothing changes.
//
// Preconditions: mm.mu must be locked. left.CanBeMergedWith(right).
func (mm *Manager) mergeLocked(left, right *VMA) bool {
	switch left.Type {
	case VMAAllocatedBlock:
		if left.contiguousWith(right) {
			mm.arena.DecRef(right.Block)
			break
		}
		id, err := mm.arena.Allocate(left.Size + right.Size)
		if err != nil {
			mergeLog.Warningf("Leaving %v and %v unmerged: %v", left, right, err)
			return false
		}
		dst := mm.arena.Bytes(id)
		copy(dst, mm.arena.Bytes(left.Block)[left.Offset:left.Offset+left.Size])
		copy(dst[left.Size:], mm.arena.Bytes(right.Block)[right.Offset:right.Offset+right.Size])
		mm.arena.DecRef(left.Block)
		mm.arena.DecRef(right.Block)
		left.Block = id
		left.Offset = 0
	case VMABackingMemory:
		left.Backing = joinBacking(left.Backing, right.Backing)
	}
	left.Size += right.Size
	mm.vmas.Delete(right)
	return true
}

// MapMemoryBlock maps size bytes of block, starting at offset, at target.
// The mapping takes its own reference on block.
//
// Preconditions: target and size are page-aligned and size != 0.
// offset+size <= the size of block.
func (mm *Manager) MapMemoryBlock(target hostarch.Addr, block pgalloc.BlockID, offset, size uint64, state svc.MemoryState, perms svc.MemoryPermission) (VMA, error) {
	if offset+size < offset || offset+size > mm.arena.Size(block) {
		panic(fmt.Sprintf("mapping [%#x, %#x) of %v exceeds the block", offset, offset+size, block))
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mapMemoryBlockLocked(target, block, offset, size, state, perms)
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) mapMemoryBlockLocked(target hostarch.Addr, block pgalloc.BlockID, offset, size uint64, state svc.MemoryState, perms svc.MemoryPermission) (VMA, error) {
	v, err := mm.carveLocked(target, size)
	if err != nil {
		return VMA{}, err
	}
	mm.arena.IncRef(block)
	v.Type = VMAAllocatedBlock
	v.Perms = perms
	v.State = state
	v.Block = block
	v.Offset = offset
	return *mm.mergeAdjacentLocked(v), nil
}

// MapBackingMemory maps the first size bytes of mem at target, read-write.
// mem is owned by the caller and must outlive the mapping.
//
// Preconditions: target and size are page-aligned and size != 0.
// len(mem) >= size. mem starts on a host 32-bit word boundary.
func (mm *Manager) MapBackingMemory(target hostarch.Addr, mem []byte, size uint64, state svc.MemoryState) (VMA, error) {
	if uint64(len(mem)) < size {
		panic(fmt.Sprintf("backing memory of %#x bytes cannot back %#x bytes", len(mem), size))
	}
	if !wordAligned(mem) {
		panic(fmt.Sprintf("backing memory at %p is not word aligned", &mem[0]))
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	v, err := mm.carveLocked(target, size)
	if err != nil {
		return VMA{}, err
	}
	v.Type = VMABackingMemory
	v.Perms = svc.PermReadWrite
	v.State = state
	v.Backing = mem[:size:size]
	return *mm.mergeAdjacentLocked(v), nil
}

// MapMMIO maps the device range [paddr, paddr+size) at target, read-write.
//
// Preconditions: target and size are page-aligned and size != 0.
func (mm *Manager) MapMMIO(target hostarch.Addr, paddr, size uint64, state svc.MemoryState, handler MMIOHandler) (VMA, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	v, err := mm.carveLocked(target, size)
	if err != nil {
		return VMA{}, err
	}
	v.Type = VMAMMIO
	v.Perms = svc.PermReadWrite
	v.State = state
	v.PAddr = paddr
	v.Handler = handler
	return *mm.mergeAdjacentLocked(v), nil
}

// unmapLocked turns v into a Free VMA and returns the VMA now containing its
// range.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) unmapLocked(v *VMA) *VMA {
	if v.Type == VMAAllocatedBlock {
		mm.arena.DecRef(v.Block)
	}
	v.reset()
	return mm.mergeAdjacentLocked(v)
}

// UnmapRange unmaps [target, target+size), which must be fully mapped.
//
// Preconditions: target and size are page-aligned and size != 0.
func (mm *Manager) UnmapRange(target hostarch.Addr, size uint64) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.unmapRangeLocked(target, size)
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) unmapRangeLocked(target hostarch.Addr, size uint64) error {
	v, err := mm.carveRangeLocked(target, size)
	if err != nil {
		return err
	}
	end := target + hostarch.Addr(size)
	// Compare addresses rather than VMAs: unmapping merges.
	for v != nil && v.Base < end {
		v = mm.nextLocked(mm.unmapLocked(v))
	}
	return nil
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) reprotectLocked(v *VMA, perms svc.MemoryPermission) *VMA {
	v.Perms = perms
	return mm.mergeAdjacentLocked(v)
}

// Reprotect changes the permissions of the whole VMA v, which must still
// describe a current VMA exactly.
func (mm *Manager) Reprotect(v VMA, perms svc.MemoryPermission) (VMA, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cur := mm.findLocked(v.Base)
	if cur == nil || cur.Base != v.Base || cur.Size != v.Size {
		return VMA{}, kernelerr.ErrInvalidAddressState
	}
	return *mm.reprotectLocked(cur, perms), nil
}

// ReprotectRange changes the permissions of [target, target+size), which
// must be fully mapped.
//
// Preconditions: target and size are page-aligned and size != 0.
func (mm *Manager) ReprotectRange(target hostarch.Addr, size uint64, perms svc.MemoryPermission) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.reprotectRangeLocked(target, size, perms)
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) reprotectRangeLocked(target hostarch.Addr, size uint64, perms svc.MemoryPermission) error {
	v, err := mm.carveRangeLocked(target, size)
	if err != nil {
		return err
	}
	end := target + hostarch.Addr(size)
	for v != nil && v.Base < end {
		v = mm.nextLocked(mm.reprotectLocked(v, perms))
	}
	return nil
}
