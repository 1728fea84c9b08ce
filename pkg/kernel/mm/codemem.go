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
	"fmt"

	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/hostarch"
)

// codeIgnoreAttributes are attribute bits that do not affect code memory
// range checks.
const codeIgnoreAttributes = svc.AttrLockedForIPC | svc.AttrDeviceMapped

// MirrorMemory maps the memory backing [src, src+size) again at dst with
// state, moves the source permissions to the mirror and makes the source
// inaccessible.
//
// Preconditions: src lies in a single AllocatedBlock VMA.
func (mm *Manager) MirrorMemory(dst, src hostarch.Addr, size uint64, state svc.MemoryState) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.mirrorLocked(dst, src, size, state)
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) mirrorLocked(dst, src hostarch.Addr, size uint64, state svc.MemoryState) error {
	v := mm.findLocked(src)
	if v == nil || v.Type != VMAAllocatedBlock {
		panic(fmt.Sprintf("mirror source %#x is not backed by a block", src))
	}
	off := uint64(src - v.Base)
	if off+size > v.Size {
		panic(fmt.Sprintf("mirror [%#x, %#x) exceeds source VMA %v", src, src+hostarch.Addr(size), v))
	}
	perms := v.Perms

	if _, err := mm.mapMemoryBlockLocked(dst, v.Block, v.Offset+off, size, state, perms); err != nil {
		return err
	}
	return mm.reprotectRangeLocked(src, size, svc.PermNone)
}

// MapCodeMemory mirrors the heap range [src, src+size) at dst as module
// code. The source is locked and made read-only, the mirror is made
// read-only.
func (mm *Manager) MapCodeMemory(dst, src hostarch.Addr, size uint64) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, err := mm.checkRangeStateLocked(src, size, svc.StateAll, svc.StateHeap, svc.PermDontCare, svc.PermReadWrite, svc.AttrMask, svc.AttrNone, codeIgnoreAttributes); err != nil {
		return err
	}
	if err := mm.mirrorLocked(dst, src, size, svc.StateModuleCode); err != nil {
		return err
	}

	v, err := mm.carveRangeLocked(src, size)
	if err != nil {
		return err
	}
	v.Attribute = svc.AttrLocked
	mm.reprotectLocked(v, svc.PermRead)

	return mm.reprotectRangeLocked(dst, size, svc.PermRead)
}

// UnmapCodeMemory undoes MapCodeMemory: the mirror at dst is unmapped and
// the source range at src becomes ordinary read-write heap again.
func (mm *Manager) UnmapCodeMemory(dst, src hostarch.Addr, size uint64) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, err := mm.checkRangeStateLocked(src, size, svc.StateAll, svc.StateHeap, svc.PermNone, svc.PermNone, svc.AttrMask, svc.AttrLocked, codeIgnoreAttributes); err != nil {
		return err
	}
	// Only the first page decides which module state the mirror has.
	first, err := mm.checkRangeStateLocked(dst, hostarch.PageSize, svc.StateFlagModule, svc.StateFlagModule, svc.PermNone, svc.PermNone, svc.AttrMask, svc.AttrNone, codeIgnoreAttributes)
	if err != nil {
		return err
	}
	if _, err := mm.checkRangeStateLocked(dst, size, svc.StateAll, first.State, svc.PermNone, svc.PermNone, svc.AttrMask, svc.AttrNone, codeIgnoreAttributes); err != nil {
		return err
	}

	if err := mm.unmapRangeLocked(dst, size); err != nil {
		return err
	}

	v, err := mm.carveRangeLocked(src, size)
	if err != nil {
		return err
	}
	v.State = svc.StateHeap
	v.Attribute = svc.AttrNone
	mm.reprotectLocked(v, svc.PermReadWrite)
	return nil
}
