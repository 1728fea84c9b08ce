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
)

// Layout is the region layout of a guest address space. It is fixed by the
// address space type and never changes until the next Reset.
type Layout struct {
	// Type is the address space type the layout was computed for.
	Type svc.ProgramAddressSpaceType

	// Width is the number of significant address bits.
	Width uint

	AddressSpace hostarch.AddrRange
	Code         hostarch.AddrRange
	ASLR         hostarch.AddrRange
	Map          hostarch.AddrRange
	Heap         hostarch.AddrRange

	// Stack is the region new stack mappings are placed in.
	Stack hostarch.AddrRange

	// TLSIO holds thread-local storage pages and, for 32 and 36-bit address
	// spaces, the main thread stack. In those spaces it overlaps the code
	// region.
	TLSIO hostarch.AddrRange
}

// LayoutFor computes the layout for address space type t.
func LayoutFor(t svc.ProgramAddressSpaceType) (Layout, error) {
	var (
		l                    = Layout{Type: t}
		mapSize, heapSize    uint64
		stackSize, tlsIOSize uint64
		stackAndTLSIOEnd     hostarch.Addr
		codeBase, codeSize   hostarch.Addr
		aslrBase, aslrSize   hostarch.Addr
	)
	switch t {
	case svc.Is32Bit, svc.Is32BitNoMap:
		l.Width = 32
		codeBase, codeSize = 0x200000, 0x3FE00000
		aslrBase, aslrSize = 0x200000, 0xFFE00000
		if t == svc.Is32Bit {
			mapSize = 0x40000000
			heapSize = 0x40000000
		} else {
			heapSize = 0x80000000
		}
		stackAndTLSIOEnd = 0x40000000
	case svc.Is36Bit:
		l.Width = 36
		codeBase, codeSize = 0x8000000, 0x78000000
		aslrBase, aslrSize = 0x8000000, 0xFF8000000
		mapSize = 0x180000000
		heapSize = 0x180000000
		stackAndTLSIOEnd = 0x80000000
	case svc.Is39Bit:
		l.Width = 39
		codeBase, codeSize = 0x8000000, 0x80000000
		aslrBase, aslrSize = 0x8000000, 0x7FF8000000
		mapSize = 0x1000000000
		heapSize = 0x180000000
		stackSize = 0x80000000
		tlsIOSize = 0x1000000000
	default:
		return Layout{}, kernelerr.ErrInvalidEnumValue
	}

	l.AddressSpace = hostarch.AddrRange{Start: 0, End: hostarch.Addr(1) << l.Width}
	l.Code = hostarch.AddrRange{Start: codeBase, End: codeBase + codeSize}
	l.ASLR = hostarch.AddrRange{Start: aslrBase, End: aslrBase + aslrSize}
	l.Map = hostarch.AddrRange{Start: l.Code.End, End: l.Code.End + hostarch.Addr(mapSize)}
	l.Heap = hostarch.AddrRange{Start: l.Map.End, End: l.Map.End + hostarch.Addr(heapSize)}
	l.Stack = hostarch.AddrRange{Start: l.Heap.End, End: l.Heap.End + hostarch.Addr(stackSize)}
	l.TLSIO = hostarch.AddrRange{Start: l.Stack.End, End: l.Stack.End + hostarch.Addr(tlsIOSize)}
	if stackSize == 0 {
		l.Stack = hostarch.AddrRange{Start: aslrBase, End: stackAndTLSIOEnd}
	}
	if tlsIOSize == 0 {
		l.TLSIO = hostarch.AddrRange{Start: aslrBase, End: stackAndTLSIOEnd}
	}
	return l, nil
}

// mustLayoutFor is LayoutFor for callers that have already validated t.
func mustLayoutFor(t svc.ProgramAddressSpaceType) Layout {
	l, err := LayoutFor(t)
	if err != nil {
		panic(fmt.Sprintf("invalid address space type %d", t))
	}
	return l
}

// insideRange returns true if [addr, addr+size) lies within r. size must be
// non-zero; the range may not wrap.
func insideRange(addr hostarch.Addr, size uint64, r hostarch.AddrRange) bool {
	if size == 0 {
		return false
	}
	last := addr + hostarch.Addr(size) - 1
	return last >= addr && r.Start <= addr && last <= r.End-1
}

// IsWithinAddressSpace returns true if [addr, addr+size) is inside the
// address space.
func (l *Layout) IsWithinAddressSpace(addr hostarch.Addr, size uint64) bool {
	return insideRange(addr, size, l.AddressSpace)
}

// IsWithinCodeRegion returns true if [addr, addr+size) is inside the code
// region.
func (l *Layout) IsWithinCodeRegion(addr hostarch.Addr, size uint64) bool {
	return insideRange(addr, size, l.Code)
}

// IsWithinMapRegion returns true if [addr, addr+size) is inside the map
// region.
func (l *Layout) IsWithinMapRegion(addr hostarch.Addr, size uint64) bool {
	return insideRange(addr, size, l.Map)
}

// IsWithinHeapRegion returns true if [addr, addr+size) is inside the heap
// region.
func (l *Layout) IsWithinHeapRegion(addr hostarch.Addr, size uint64) bool {
	return insideRange(addr, size, l.Heap)
}

// IsWithinStackRegion returns true if [addr, addr+size) is inside the stack
// region.
func (l *Layout) IsWithinStackRegion(addr hostarch.Addr, size uint64) bool {
	return insideRange(addr, size, l.Stack)
}

// IsWithinTLSIORegion returns true if [addr, addr+size) is inside the TLS-IO
// region.
func (l *Layout) IsWithinTLSIORegion(addr hostarch.Addr, size uint64) bool {
	return insideRange(addr, size, l.TLSIO)
}

// IsWithinASLRRegion returns true if [addr, addr+size) is inside the ASLR
// region and overlaps neither the heap nor the map region.
func (l *Layout) IsWithinASLRRegion(addr hostarch.Addr, size uint64) bool {
	end := addr + hostarch.Addr(size)
	if l.ASLR.Start > addr || addr > end || end-1 > l.ASLR.End-1 {
		return false
	}
	if end > l.Heap.Start && l.Heap.End > addr {
		return false
	}
	if end > l.Map.Start && l.Map.End > addr {
		return false
	}
	return true
}
