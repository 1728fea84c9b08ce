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

package kernel

import (
	"fmt"

	"gvisor.dev/hle/pkg/abi/svc"
)

// ProgramType is the kind of program a process runs, as declared by its
// capabilities.
type ProgramType uint8

// Program types.
const (
	ProgramSysModule ProgramType = iota
	ProgramApplication
	ProgramApplet
)

// String implements fmt.Stringer.String.
func (t ProgramType) String() string {
	switch t {
	case ProgramSysModule:
		return "SysModule"
	case ProgramApplication:
		return "Application"
	case ProgramApplet:
		return "Applet"
	default:
		return fmt.Sprintf("ProgramType(%d)", uint8(t))
	}
}

// ProgramMetadata is the subset of a program's metadata the kernel consumes
// when loading a process.
type ProgramMetadata struct {
	// Name is the process name.
	Name string

	// ProgramID is the title ID of the program.
	ProgramID uint64

	// AddressSpaceType selects the address space layout.
	AddressSpaceType svc.ProgramAddressSpaceType

	// Is64Bit is true for AArch64 programs.
	Is64Bit bool

	// MainThreadPriority, MainThreadCore and MainThreadStackSize describe the
	// main thread created by Process.Run.
	MainThreadPriority  uint32
	MainThreadCore      uint32
	MainThreadStackSize uint64

	// Capabilities are the raw kernel capability descriptors.
	Capabilities []uint32
}

// Segment is one loadable segment of a CodeSet.
type Segment struct {
	// Addr is the segment's address relative to the load base.
	Addr uint64

	// Offset is the offset of the segment's contents in CodeSet.Memory.
	Offset uint64

	// Size is the size of the segment in bytes. Data segments may extend
	// beyond the end of Memory; the excess is zero-filled.
	Size uint64
}

// CodeSet is a loaded executable image: its contents and the code, rodata
// and data segments within it.
type CodeSet struct {
	Memory []byte

	Code   Segment
	ROData Segment
	Data   Segment
}
