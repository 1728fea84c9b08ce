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
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/log"
)

// QueryMemory describes the VMA containing addr. Addresses past the end of
// the address space are reported as one Inaccessible range running to the
// top of the 64-bit space.
func (mm *Manager) QueryMemory(addr hostarch.Addr) svc.MemoryInfo {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	v := mm.findLocked(addr)
	if v == nil {
		end := uint64(mm.layout.AddressSpace.End)
		return svc.MemoryInfo{
			BaseAddress: end,
			Size:        0 - end,
			State:       svc.StateInaccessible.Svc(),
			Permission:  uint32(svc.PermNone),
		}
	}
	return svc.MemoryInfo{
		BaseAddress: uint64(v.Base),
		Size:        v.Size,
		State:       v.State.Svc(),
		Attributes:  uint32(v.Attribute & svc.AttrMask),
		Permission:  uint32(v.Perms),
	}
}

// RangeState is the uniform state of a range accepted by CheckRangeState.
type RangeState struct {
	State     svc.MemoryState
	Perms     svc.MemoryPermission
	Attribute svc.MemoryAttribute
}

// CheckRangeState verifies that every VMA overlapping [addr, addr+size) has
// the same state, permissions and attributes (attribute bits in ignoreMask
// excepted), and that they match state, perms and attr under the respective
// masks. It returns the common state with ignored attribute bits cleared.
func (mm *Manager) CheckRangeState(addr hostarch.Addr, size uint64, stateMask, state svc.MemoryState, permMask, perms svc.MemoryPermission, attrMask, attr, ignoreMask svc.MemoryAttribute) (RangeState, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.checkRangeStateLocked(addr, size, stateMask, state, permMask, perms, attrMask, attr, ignoreMask)
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) checkRangeStateLocked(addr hostarch.Addr, size uint64, stateMask, state svc.MemoryState, permMask, perms svc.MemoryPermission, attrMask, attr, ignoreMask svc.MemoryAttribute) (RangeState, error) {
	if !mm.layout.IsWithinAddressSpace(addr, size) {
		return RangeState{}, kernelerr.ErrInvalidAddressState
	}
	last := addr + hostarch.Addr(size) - 1

	first := mm.findLocked(addr)
	initial := RangeState{State: first.State, Perms: first.Perms, Attribute: first.Attribute}
	for v := first; v != nil; v = mm.nextLocked(v) {
		switch {
		case v.State != initial.State,
			v.State&stateMask != state,
			v.Perms != initial.Perms,
			v.Perms&permMask != perms,
			v.Attribute|ignoreMask != initial.Attribute|ignoreMask,
			v.Attribute&attrMask != attr:
			return RangeState{}, kernelerr.ErrInvalidAddressState
		}
		if last <= v.End()-1 {
			break
		}
	}
	initial.Attribute &^= ignoreMask
	return initial, nil
}

// SetMemoryAttribute replaces the bits of mask in the attribute of
// [addr, addr+size) with those of attr.
//
// Preconditions: addr and size are page-aligned and size != 0.
func (mm *Manager) SetMemoryAttribute(addr hostarch.Addr, size uint64, mask, attr svc.MemoryAttribute) error {
	const ignoreMask = svc.AttrUncached | svc.AttrDeviceMapped | svc.AttrLocked

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, err := mm.checkRangeStateLocked(addr, size, svc.StateFlagUncached, svc.StateFlagUncached, svc.PermNone, svc.PermNone, ^ignoreMask, svc.AttrNone, ignoreMask); err != nil {
		return err
	}
	v, err := mm.carveRangeLocked(addr, size)
	if err != nil {
		return err
	}
	end := addr + hostarch.Addr(size)
	for v != nil && v.Base < end {
		v.Attribute = (v.Attribute &^ mask) | (mask & attr)
		v = mm.nextLocked(mm.mergeAdjacentLocked(v))
	}
	return nil
}

// FindFreeRegion returns the lowest address in [begin, end) at which size
// bytes of Free address space are available.
//
// Preconditions: begin < end. size <= end-begin.
func (mm *Manager) FindFreeRegion(begin, end hostarch.Addr, size uint64) (hostarch.Addr, error) {
	if begin >= end || size > uint64(end-begin) {
		panic(fmt.Sprintf("invalid free region search [%#x, %#x) for %#x bytes", begin, end, size))
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	var (
		found hostarch.Addr
		ok    bool
	)
	mm.vmas.Ascend(func(v *VMA) bool {
		if v.Type != VMAFree {
			return true
		}
		base := max(begin, v.Base)
		used := base + hostarch.Addr(size)
		if base < used && used < end && used <= v.End() {
			found, ok = base, true
			return false
		}
		return true
	})
	if !ok {
		return 0, kernelerr.ErrOutOfMemory
	}
	return found, nil
}

// FindFreeRegionASLR is FindFreeRegion over the ASLR region.
func (mm *Manager) FindFreeRegionASLR(size uint64) (hostarch.Addr, error) {
	aslr := mm.Layout().ASLR
	return mm.FindFreeRegion(aslr.Start, aslr.End, size)
}

// VMAs returns a snapshot of all VMAs in address order.
func (mm *Manager) VMAs() []VMA {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	vmas := make([]VMA, 0, mm.vmas.Len())
	mm.vmas.Ascend(func(v *VMA) bool {
		vmas = append(vmas, *v)
		return true
	})
	return vmas
}

// LogLayout logs every VMA at debug level.
func (mm *Manager) LogLayout() {
	if !log.IsLogging(log.Debug) {
		return
	}
	for _, v := range mm.VMAs() {
		log.Debugf("%016X - %016X size: %016X %s %s", uint64(v.Base), uint64(v.End()), v.Size, v.Perms, v.State)
	}
}

// CheckInvariants verifies that the VMAs tile the address space and that no
// two neighbours are mergeable.
func (mm *Manager) CheckInvariants() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var (
		err  error
		prev *VMA
		next = mm.layout.AddressSpace.Start
	)
	mm.vmas.Ascend(func(v *VMA) bool {
		switch {
		case v.Base != next:
			err = fmt.Errorf("VMA %v starts at %#x, want %#x", v, v.Base, next)
		case v.Size == 0 || v.Size&hostarch.PageMask != 0:
			err = fmt.Errorf("VMA %v has invalid size", v)
		case prev != nil && prev.CanBeMergedWith(v):
			err = fmt.Errorf("adjacent VMAs %v and %v are mergeable", prev, v)
		case v.Type == VMAAllocatedBlock && v.Offset+v.Size > mm.arena.Size(v.Block):
			err = fmt.Errorf("VMA %v exceeds its block", v)
		case v.Type == VMABackingMemory && uint64(len(v.Backing)) != v.Size:
			err = fmt.Errorf("VMA %v has %#x bytes of backing memory", v, len(v.Backing))
		}
		prev = v
		next = v.End()
		return err == nil
	})
	if err == nil && next != mm.layout.AddressSpace.End {
		err = fmt.Errorf("VMAs end at %#x, want %#x", next, mm.layout.AddressSpace.End)
	}
	return err
}
