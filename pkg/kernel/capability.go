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
	"math/bits"

	"gvisor.dev/hle/pkg/bitmap"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/log"
)

// A capability descriptor's type is encoded as the number of trailing one
// bits; capabilityType returns the mask of those bits.
type capabilityType uint32

const (
	capUnset              capabilityType = 0
	capPriorityAndCoreNum capabilityType = 0b111
	capSyscall            capabilityType = 0b1111
	capMapPhysical        capabilityType = 0b111111
	capMapIO              capabilityType = 0b1111111
	capInterrupt          capabilityType = 0b11111111111
	capProgramType        capabilityType = 0b1111111111111
	capKernelVersion      capabilityType = 0b11111111111111
	capHandleTableSize    capabilityType = 0b111111111111111
	capDebug              capabilityType = 0b1111111111111111
	capIgnorable          capabilityType = 0xFFFFFFFF
)

func descriptorType(desc uint32) capabilityType {
	return capabilityType((^desc & (desc + 1)) - 1)
}

// flagBit returns the bit recording that a capability of type t was seen.
func (t capabilityType) flagBit() uint64 {
	return 1 << uint(32-bits.LeadingZeros32(uint32(t)))
}

// initializeOnceMask holds the capability types that may appear at most once.
var initializeOnceMask = capPriorityAndCoreNum.flagBit() |
	capProgramType.flagBit() |
	capKernelVersion.flagBit() |
	capHandleTableSize.flagBit() |
	capDebug.flagBit()

// Capability limits.
const (
	// NumSVCs is the number of supervisor calls a capability can grant.
	NumSVCs = 0xC0

	// NumInterrupts is the number of interrupts a capability can grant.
	NumInterrupts = 0x400

	// NumCores is the number of CPU cores.
	NumCores = 4

	// DefaultKernelVersion is the kernel version advertised to processes
	// created without metadata.
	DefaultKernelVersion = 0x520000

	interruptIgnored = 0x3FF
)

// Capabilities is the parsed form of a process's capability descriptors.
type Capabilities struct {
	// CoreMask is the set of cores threads may run on.
	CoreMask uint64

	// PriorityMask is the set of priorities threads may use.
	PriorityMask uint64

	// SVCs is the set of permitted supervisor calls.
	SVCs bitmap.Bitmap

	// Interrupts is the set of interrupts the process may bind.
	Interrupts bitmap.Bitmap

	// HandleTableSize is the requested handle table size, or zero for the
	// maximum.
	HandleTableSize int32

	KernelVersion uint32
	ProgramType   ProgramType
	Debuggable    bool
	CanForceDebug bool
}

func newCapabilities() Capabilities {
	return Capabilities{
		SVCs:       bitmap.New(NumSVCs),
		Interrupts: bitmap.New(NumInterrupts),
	}
}

// MetadatalessCapabilities returns the capabilities granted to a process
// created without metadata: every core, priority, SVC and interrupt.
func MetadatalessCapabilities() Capabilities {
	c := newCapabilities()
	c.CoreMask = 1<<NumCores - 1
	c.PriorityMask = ^uint64(0)
	for i := uint32(0); i < NumSVCs; i++ {
		c.SVCs.Add(i)
	}
	for i := uint32(0); i < NumInterrupts; i++ {
		c.Interrupts.Add(i)
	}
	c.HandleTableSize = MaxHandles
	c.KernelVersion = DefaultKernelVersion
	c.ProgramType = ProgramSysModule
	c.Debuggable = true
	return c
}

// ParseCapabilities parses the capability descriptors of a user process.
// Errors are guest-facing kernel results.
func ParseCapabilities(descs []uint32) (Capabilities, error) {
	c := newCapabilities()
	var setFlags, setSVCBits uint64
	for i := 0; i < len(descs); i++ {
		desc := descs[i]
		if descriptorType(desc) == capMapPhysical {
			// Physical mappings are described by a pair of descriptors.
			i++
			if i >= len(descs) || descriptorType(descs[i]) != capMapPhysical {
				return Capabilities{}, kernelerr.ErrInvalidCombination
			}
			log.Debugf("Ignoring physical mapping capability %#x/%#x", desc, descs[i])
			continue
		}
		if err := c.parseFlag(&setFlags, &setSVCBits, desc); err != nil {
			return Capabilities{}, err
		}
	}
	return c, nil
}

func (c *Capabilities) parseFlag(setFlags, setSVCBits *uint64, desc uint32) error {
	typ := descriptorType(desc)
	switch typ {
	case capUnset:
		return kernelerr.ErrInvalidCapabilityDescriptor
	case capIgnorable:
		return nil
	}

	bit := typ.flagBit()
	if bit&*setFlags&initializeOnceMask != 0 {
		return kernelerr.ErrInvalidCombination
	}
	*setFlags |= bit

	switch typ {
	case capPriorityAndCoreNum:
		return c.parsePriorityAndCoreNum(desc)
	case capSyscall:
		return c.parseSyscall(setSVCBits, desc)
	case capMapIO:
		log.Debugf("Ignoring IO mapping capability %#x", desc)
		return nil
	case capInterrupt:
		return c.parseInterrupts(desc)
	case capProgramType:
		if desc>>17 != 0 {
			return kernelerr.ErrReservedValue
		}
		c.ProgramType = ProgramType((desc >> 14) & 0b111)
		return nil
	case capKernelVersion:
		if c.KernelVersion>>19 != 0 || desc < 0x80000 {
			return kernelerr.ErrInvalidCapabilityDescriptor
		}
		c.KernelVersion = desc
		return nil
	case capHandleTableSize:
		if desc>>26 != 0 {
			return kernelerr.ErrReservedValue
		}
		c.HandleTableSize = int32((desc >> 16) & 0x3FF)
		return nil
	case capDebug:
		if desc>>19 != 0 {
			return kernelerr.ErrReservedValue
		}
		c.Debuggable = desc&0x20000 != 0
		c.CanForceDebug = desc&0x40000 != 0
		return nil
	default:
		log.Warningf("Unknown capability descriptor %#x", desc)
		return kernelerr.ErrInvalidCapabilityDescriptor
	}
}

func (c *Capabilities) parsePriorityAndCoreNum(desc uint32) error {
	if c.PriorityMask != 0 || c.CoreMask != 0 {
		return kernelerr.ErrInvalidCapabilityDescriptor
	}

	coreMin := (desc >> 16) & 0xFF
	coreMax := (desc >> 24) & 0xFF
	if coreMin > coreMax {
		return kernelerr.ErrInvalidCombination
	}
	prioMax := (desc >> 4) & 0x3F
	prioMin := (desc >> 10) & 0x3F
	if prioMin > prioMax {
		return kernelerr.ErrInvalidCombination
	}
	if coreMax >= NumCores {
		return kernelerr.ErrInvalidProcessorID
	}

	c.CoreMask = rangeMask(coreMin, coreMax)
	c.PriorityMask = rangeMask(prioMin, prioMax)
	return nil
}

// rangeMask returns a mask with bits [lo, hi] set.
//
// Preconditions: lo <= hi < 64.
func rangeMask(lo, hi uint32) uint64 {
	n := hi - lo + 1
	if n == 64 {
		return ^uint64(0)
	}
	return (1<<n - 1) << lo
}

func (c *Capabilities) parseSyscall(setSVCBits *uint64, desc uint32) error {
	index := desc >> 29
	bit := uint64(1) << index
	if *setSVCBits&bit != 0 {
		return kernelerr.ErrInvalidCombination
	}
	*setSVCBits |= bit

	mask := (desc >> 5) & 0xFFFFFF
	for i := uint32(0); i < 24; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		n := index*24 + i
		if n >= NumSVCs {
			return kernelerr.ErrOutOfRange
		}
		c.SVCs.Add(n)
	}
	return nil
}

func (c *Capabilities) parseInterrupts(desc uint32) error {
	for _, irq := range [2]uint32{(desc >> 12) & 0x3FF, (desc >> 22) & 0x3FF} {
		if irq == interruptIgnored {
			continue
		}
		c.Interrupts.Add(irq)
	}
	return nil
}

// AllowsCore returns true if threads may be placed on core.
func (c *Capabilities) AllowsCore(core int32) bool {
	return core >= 0 && core < 64 && c.CoreMask&(1<<uint(core)) != 0
}

// AllowsPriority returns true if threads may run at priority.
func (c *Capabilities) AllowsPriority(priority uint32) bool {
	return priority < 64 && c.PriorityMask&(1<<priority) != 0
}

// AllowsSVC returns true if the process may issue supervisor call n.
func (c *Capabilities) AllowsSVC(n uint32) bool {
	return n < NumSVCs && c.SVCs.IsSet(n)
}
