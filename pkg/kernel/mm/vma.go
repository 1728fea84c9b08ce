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
	"gvisor.dev/hle/pkg/kernel/pgalloc"
)

// VMAType is the kind of backing a VMA has.
type VMAType uint8

const (
	// VMAFree is an unmapped range.
	VMAFree VMAType = iota

	// VMAAllocatedBlock is backed by a reference-counted arena block.
	VMAAllocatedBlock

	// VMABackingMemory is backed by host memory owned elsewhere.
	VMABackingMemory

	// VMAMMIO is device memory serviced by an MMIOHandler.
	VMAMMIO
)

// String implements fmt.Stringer.String.
func (t VMAType) String() string {
	switch t {
	case VMAFree:
		return "Free"
	case VMAAllocatedBlock:
		return "AllocatedBlock"
	case VMABackingMemory:
		return "BackingMemory"
	case VMAMMIO:
		return "MMIO"
	default:
		return fmt.Sprintf("VMAType(%d)", t)
	}
}

// MMIOHandler services accesses to an MMIO mapping. Handlers are compared
// with == when deciding whether two mappings may be merged, so
// implementations must be comparable (typically pointers).
type MMIOHandler interface {
	// ReadMMIO fills dst with the device contents at paddr.
	ReadMMIO(paddr uint64, dst []byte)

	// WriteMMIO stores src to the device at paddr.
	WriteMMIO(paddr uint64, src []byte)
}

// VMA is a virtual memory area: a page-aligned range of the guest address
// space with uniform type, permissions, state and attribute.
type VMA struct {
	Base      hostarch.Addr
	Size      uint64
	Type      VMAType
	Perms     svc.MemoryPermission
	State     svc.MemoryState
	Attribute svc.MemoryAttribute

	// Block and Offset are set for VMAAllocatedBlock. The VMA holds a
	// reference on Block.
	Block  pgalloc.BlockID
	Offset uint64

	// Backing is set for VMABackingMemory. Backing[0] is the host byte
	// backing Base.
	Backing []byte

	// PAddr and Handler are set for VMAMMIO.
	PAddr   uint64
	Handler MMIOHandler
}

// End returns the first address past the VMA.
func (v *VMA) End() hostarch.Addr {
	return v.Base + hostarch.Addr(v.Size)
}

// Range returns the address range covered by the VMA.
func (v *VMA) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.Base, End: v.End()}
}

// String implements fmt.Stringer.String.
func (v *VMA) String() string {
	return fmt.Sprintf("[%#x, %#x) %s %s %s attr=%#x", v.Base, v.End(), v.Type, v.Perms, v.State, uint32(v.Attribute))
}

// CanBeMergedWith returns true if next, which must start where v ends, may
// be coalesced with v.
//
// Allocated blocks always merge; merging two pieces that are not contiguous
// in one block copies them into a new block.
func (v *VMA) CanBeMergedWith(next *VMA) bool {
	if v.End() != next.Base {
		panic(fmt.Sprintf("VMA %v is not adjacent to %v", v, next))
	}
	if v.Perms != next.Perms || v.State != next.State || v.Attribute != next.Attribute || v.Type != next.Type {
		return false
	}
	if v.Attribute&svc.AttrDeviceMapped != 0 {
		return false
	}
	switch v.Type {
	case VMABackingMemory:
		return backingAdjoins(v.Backing, next.Backing)
	case VMAMMIO:
		return v.PAddr+v.Size == next.PAddr && v.Handler == next.Handler
	}
	return true
}

// contiguousWith returns true if next continues v's arena block without a
// copy.
func (v *VMA) contiguousWith(next *VMA) bool {
	return v.Block == next.Block && v.Offset+v.Size == next.Offset
}

// reset turns v into a Free VMA, keeping its range.
func (v *VMA) reset() {
	*v = VMA{Base: v.Base, Size: v.Size}
}
