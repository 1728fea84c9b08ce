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

import (
	"encoding/binary"
	"strings"
)

// MemoryPermission is the set of access permissions of a mapping.
type MemoryPermission uint8

// Memory permissions.
const (
	PermNone             MemoryPermission = 0
	PermRead             MemoryPermission = 1
	PermWrite            MemoryPermission = 2
	PermExecute          MemoryPermission = 4
	PermReadWrite                         = PermRead | PermWrite
	PermReadExecute                       = PermRead | PermExecute
	PermWriteExecute                      = PermWrite | PermExecute
	PermReadWriteExecute                  = PermRead | PermWrite | PermExecute

	// PermDontCare is used as a wildcard mask when checking permissions
	// across memory ranges.
	PermDontCare MemoryPermission = 0xFF
)

// String implements fmt.Stringer.String in the familiar "rwx" form.
func (p MemoryPermission) String() string {
	if p == PermDontCare {
		return "***"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit MemoryPermission
		c   byte
	}{{PermRead, 'R'}, {PermWrite, 'W'}, {PermExecute, 'X'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// MemoryAttribute holds attribute flags of a mapping.
type MemoryAttribute uint32

// Memory attributes.
const (
	AttrNone         MemoryAttribute = 0
	AttrLocked       MemoryAttribute = 1
	AttrLockedForIPC MemoryAttribute = 2
	AttrDeviceMapped MemoryAttribute = 4
	AttrUncached     MemoryAttribute = 8

	// AttrMask covers the bits reported to the guest.
	AttrMask MemoryAttribute = 0xFF

	AttrIPCAndDeviceMapped = AttrLockedForIPC | AttrDeviceMapped
)

// MemoryState describes what a mapping is used for. The low 8 bits are the
// value reported to the guest; the remaining bits are capability flags.
type MemoryState uint32

// Memory state flags.
const (
	StateMask                            MemoryState = 0xFF
	StateFlagProtect                     MemoryState = 1 << 8
	StateFlagDebug                       MemoryState = 1 << 9
	StateFlagIPC0                        MemoryState = 1 << 10
	StateFlagIPC3                        MemoryState = 1 << 11
	StateFlagIPC1                        MemoryState = 1 << 12
	StateFlagMapped                      MemoryState = 1 << 13
	StateFlagCode                        MemoryState = 1 << 14
	StateFlagAlias                       MemoryState = 1 << 15
	StateFlagModule                      MemoryState = 1 << 16
	StateFlagTransfer                    MemoryState = 1 << 17
	StateFlagQueryPhysicalAddressAllowed MemoryState = 1 << 18
	StateFlagSharedDevice                MemoryState = 1 << 19
	StateFlagSharedDeviceAligned         MemoryState = 1 << 20
	StateFlagIPCBuffer                   MemoryState = 1 << 21
	StateFlagMemoryPoolAllocated         MemoryState = 1 << 22
	StateFlagMapProcess                  MemoryState = 1 << 23
	StateFlagUncached                    MemoryState = 1 << 24
	StateFlagCodeMemory                  MemoryState = 1 << 25

	// StateAll is the wildcard mask.
	StateAll MemoryState = 0xFFFFFFFF

	stateIPCFlags = StateFlagIPC0 | StateFlagIPC3 | StateFlagIPC1

	stateCodeFlags = StateFlagDebug | stateIPCFlags | StateFlagMapped | StateFlagCode |
		StateFlagQueryPhysicalAddressAllowed | StateFlagSharedDevice |
		StateFlagSharedDeviceAligned | StateFlagMemoryPoolAllocated

	stateDataFlags = StateFlagProtect | stateIPCFlags | StateFlagMapped | StateFlagAlias |
		StateFlagTransfer | StateFlagQueryPhysicalAddressAllowed | StateFlagSharedDevice |
		StateFlagSharedDeviceAligned | StateFlagMemoryPoolAllocated | StateFlagIPCBuffer |
		StateFlagUncached
)

// Memory states.
const (
	StateUnmapped               MemoryState = 0x00
	StateIo                                 = 0x01 | StateFlagMapped
	StateNormal                             = 0x02 | StateFlagMapped | StateFlagQueryPhysicalAddressAllowed
	StateCode                               = 0x03 | stateCodeFlags | StateFlagMapProcess
	StateCodeData                           = 0x04 | stateDataFlags | StateFlagMapProcess | StateFlagCodeMemory
	StateHeap                               = 0x05 | stateDataFlags | StateFlagCodeMemory
	StateShared                             = 0x06 | StateFlagMapped | StateFlagMemoryPoolAllocated
	StateModuleCode                         = 0x08 | stateCodeFlags | StateFlagModule | StateFlagMapProcess
	StateModuleCodeData                     = 0x09 | stateDataFlags | StateFlagModule | StateFlagMapProcess | StateFlagCodeMemory
	StateIpcBuffer0                         = 0x0A | StateFlagMapped | StateFlagQueryPhysicalAddressAllowed | StateFlagMemoryPoolAllocated | stateIPCFlags | StateFlagSharedDevice | StateFlagSharedDeviceAligned
	StateStack                              = 0x0B | StateFlagMapped | stateIPCFlags | StateFlagQueryPhysicalAddressAllowed | StateFlagSharedDevice | StateFlagSharedDeviceAligned | StateFlagMemoryPoolAllocated
	StateThreadLocal                        = 0x0C | StateFlagMapped | StateFlagMemoryPoolAllocated
	StateTransferMemoryIsolated             = 0x0D | stateIPCFlags | StateFlagMapped | StateFlagQueryPhysicalAddressAllowed | StateFlagSharedDevice | StateFlagSharedDeviceAligned | StateFlagMemoryPoolAllocated | StateFlagUncached
	StateTransferMemory                     = 0x0E | StateFlagIPC3 | StateFlagIPC1 | StateFlagMapped | StateFlagQueryPhysicalAddressAllowed | StateFlagSharedDevice | StateFlagSharedDeviceAligned | StateFlagMemoryPoolAllocated
	StateProcessMemory                      = 0x0F | StateFlagIPC3 | StateFlagIPC1 | StateFlagMapped | StateFlagMemoryPoolAllocated
	StateInaccessible           MemoryState = 0x10
	StateIpcBuffer1                         = 0x11 | StateFlagIPC3 | StateFlagIPC1 | StateFlagMapped | StateFlagQueryPhysicalAddressAllowed | StateFlagSharedDevice | StateFlagSharedDeviceAligned | StateFlagMemoryPoolAllocated
	StateIpcBuffer3                         = 0x12 | StateFlagIPC3 | StateFlagMapped | StateFlagQueryPhysicalAddressAllowed | StateFlagSharedDeviceAligned | StateFlagMemoryPoolAllocated
	StateKernelStack                        = 0x13 | StateFlagMapped
)

var memoryStateNames = [...]string{
	"Unmapped",
	"Io",
	"Normal",
	"Code",
	"CodeData",
	"Heap",
	"Shared",
	"Unknown1",
	"ModuleCode",
	"ModuleCodeData",
	"IpcBuffer0",
	"Stack",
	"ThreadLocal",
	"TransferMemoryIsolated",
	"TransferMemory",
	"ProcessMemory",
	"Inaccessible",
	"IpcBuffer1",
	"IpcBuffer3",
	"KernelStack",
}

// Svc returns the value of s as reported to the guest.
func (s MemoryState) Svc() uint32 {
	return uint32(s & StateMask)
}

// String implements fmt.Stringer.String.
func (s MemoryState) String() string {
	if i := s.Svc(); int(i) < len(memoryStateNames) {
		return memoryStateNames[i]
	}
	return "Unknown"
}

// MemoryInfoSize is the size of MemoryInfo as laid out in guest memory.
const MemoryInfoSize = 0x28

// MemoryInfo describes the mapping containing a queried address.
type MemoryInfo struct {
	BaseAddress    uint64
	Size           uint64
	State          uint32
	Attributes     uint32
	Permission     uint32
	IPCRefCount    uint32
	DeviceRefCount uint32
}

// MarshalBytes serializes m into dst in guest (little-endian) layout.
//
// Preconditions: len(dst) >= MemoryInfoSize.
func (m *MemoryInfo) MarshalBytes(dst []byte) []byte {
	binary.LittleEndian.PutUint64(dst[0:], m.BaseAddress)
	binary.LittleEndian.PutUint64(dst[8:], m.Size)
	binary.LittleEndian.PutUint32(dst[16:], m.State)
	binary.LittleEndian.PutUint32(dst[20:], m.Attributes)
	binary.LittleEndian.PutUint32(dst[24:], m.Permission)
	binary.LittleEndian.PutUint32(dst[28:], m.IPCRefCount)
	binary.LittleEndian.PutUint32(dst[32:], m.DeviceRefCount)
	binary.LittleEndian.PutUint32(dst[36:], 0)
	return dst[MemoryInfoSize:]
}

// UnmarshalBytes deserializes m from src.
//
// Preconditions: len(src) >= MemoryInfoSize.
func (m *MemoryInfo) UnmarshalBytes(src []byte) []byte {
	m.BaseAddress = binary.LittleEndian.Uint64(src[0:])
	m.Size = binary.LittleEndian.Uint64(src[8:])
	m.State = binary.LittleEndian.Uint32(src[16:])
	m.Attributes = binary.LittleEndian.Uint32(src[20:])
	m.Permission = binary.LittleEndian.Uint32(src[24:])
	m.IPCRefCount = binary.LittleEndian.Uint32(src[28:])
	m.DeviceRefCount = binary.LittleEndian.Uint32(src[32:])
	return src[MemoryInfoSize:]
}
