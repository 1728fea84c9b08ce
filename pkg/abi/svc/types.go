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

package svc

// ArbitrationType selects the condition WaitForAddress blocks on.
type ArbitrationType uint32

// Arbitration types.
const (
	WaitIfLessThan             ArbitrationType = 0
	DecrementAndWaitIfLessThan ArbitrationType = 1
	WaitIfEqual                ArbitrationType = 2
)

// SignalType selects the update SignalToAddress performs before waking.
type SignalType uint32

// Signal types.
const (
	Signal                               SignalType = 0
	IncrementAndSignalIfEqual            SignalType = 1
	ModifyByWaitingCountAndSignalIfEqual SignalType = 2
)

// ProgramAddressSpaceType is the address-space width class of a program.
type ProgramAddressSpaceType uint8

// Address space types.
const (
	// Is32Bit is a 32-bit address space with a map region.
	Is32Bit ProgramAddressSpaceType = 0
	// Is36Bit is a 36-bit address space.
	Is36Bit ProgramAddressSpaceType = 1
	// Is32BitNoMap is a 32-bit address space without a map region.
	Is32BitNoMap ProgramAddressSpaceType = 2
	// Is39Bit is a 39-bit address space.
	Is39Bit ProgramAddressSpaceType = 3
)

// String implements fmt.Stringer.String.
func (t ProgramAddressSpaceType) String() string {
	switch t {
	case Is32Bit:
		return "32-bit"
	case Is36Bit:
		return "36-bit"
	case Is32BitNoMap:
		return "32-bit (no map)"
	case Is39Bit:
		return "39-bit"
	default:
		return "invalid"
	}
}

// Thread priorities. Lower values are scheduled first.
const (
	PriorityHighest     = 0
	PriorityUserlandMax = 24
	PriorityDefault     = 44
	PriorityLowest      = 63
)

// Thread-local storage layout: each thread owns one TLSEntrySize slot.
const TLSEntrySize = 0x200

// Pseudo-handles resolved without a handle table lookup.
const (
	CurrentThread  = 0xFFFF8000
	CurrentProcess = 0xFFFF8001
)
