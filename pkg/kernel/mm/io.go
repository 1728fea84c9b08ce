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
	"encoding/binary"
	"sync/atomic"

	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
)

// forEachLocked calls fn for each VMA overlapping [addr, addr+n) with the
// offset of the piece in the VMA, the offset of the piece in the access and
// its length. It fails with ErrInvalidAddress if any part of the range is
// outside the address space or unmapped; earlier pieces have already been
// processed in that case.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) forEachLocked(addr hostarch.Addr, n uint64, fn func(v *VMA, vmaOff, accessOff, length uint64)) error {
	if n == 0 {
		return nil
	}
	if !mm.layout.IsWithinAddressSpace(addr, n) {
		return kernelerr.ErrInvalidAddress
	}
	done := uint64(0)
	for v := mm.findLocked(addr); done < n; v = mm.nextLocked(v) {
		if v == nil || v.Type == VMAFree {
			return kernelerr.ErrInvalidAddress
		}
		cur := addr + hostarch.Addr(done)
		vmaOff := uint64(cur - v.Base)
		length := min(v.Size-vmaOff, n-done)
		fn(v, vmaOff, done, length)
		done += length
	}
	return nil
}

// hostBytesLocked returns the host memory backing [off, off+length) of v,
// or nil for MMIO.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) hostBytesLocked(v *VMA, off, length uint64) []byte {
	switch v.Type {
	case VMAAllocatedBlock:
		start := v.Offset + off
		return mm.arena.Bytes(v.Block)[start : start+length]
	case VMABackingMemory:
		return v.Backing[off : off+length]
	}
	return nil
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) readLocked(addr hostarch.Addr, dst []byte) error {
	return mm.forEachLocked(addr, uint64(len(dst)), func(v *VMA, off, doff, length uint64) {
		if v.Type == VMAMMIO {
			v.Handler.ReadMMIO(v.PAddr+off, dst[doff:doff+length])
			return
		}
		copy(dst[doff:doff+length], mm.hostBytesLocked(v, off, length))
	})
}

// Preconditions: mm.mu must be locked.
func (mm *Manager) writeLocked(addr hostarch.Addr, src []byte) error {
	return mm.forEachLocked(addr, uint64(len(src)), func(v *VMA, off, soff, length uint64) {
		if v.Type == VMAMMIO {
			v.Handler.WriteMMIO(v.PAddr+off, src[soff:soff+length])
			return
		}
		copy(mm.hostBytesLocked(v, off, length), src[soff:soff+length])
	})
}

// ReadBlock copies guest memory at addr into dst.
func (mm *Manager) ReadBlock(addr hostarch.Addr, dst []byte) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.readLocked(addr, dst)
}

// WriteBlock copies src into guest memory at addr.
func (mm *Manager) WriteBlock(addr hostarch.Addr, src []byte) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.writeLocked(addr, src)
}

// ReadUint32 reads the little-endian word at addr.
func (mm *Manager) ReadUint32(addr hostarch.Addr) (uint32, error) {
	var buf [4]byte
	if err := mm.ReadBlock(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes val as a little-endian word at addr.
func (mm *Manager) WriteUint32(addr hostarch.Addr, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return mm.WriteBlock(addr, buf[:])
}

// wordLocked returns the host word backing the aligned guest word at addr,
// or nil for MMIO.
//
// Preconditions: mm.mu must be locked.
func (mm *Manager) wordLocked(addr hostarch.Addr) (*uint32, *VMA, error) {
	if !hostarch.IsAligned(addr, 4) {
		return nil, nil, kernelerr.ErrInvalidAddress
	}
	var (
		word *uint32
		vma  *VMA
	)
	err := mm.forEachLocked(addr, 4, func(v *VMA, off, _, _ uint64) {
		vma = v
		if b := mm.hostBytesLocked(v, off, 4); b != nil {
			word = wordAt(b)
		}
	})
	return word, vma, err
}

// LoadUint32 atomically loads the word at addr, which must be 4-byte
// aligned.
func (mm *Manager) LoadUint32(addr hostarch.Addr) (uint32, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	word, v, err := mm.wordLocked(addr)
	if err != nil {
		return 0, err
	}
	if word == nil {
		var buf [4]byte
		v.Handler.ReadMMIO(v.PAddr+uint64(addr-v.Base), buf[:])
		return binary.LittleEndian.Uint32(buf[:]), nil
	}
	return atomic.LoadUint32(word), nil
}

// CompareAndSwapUint32 atomically replaces the word at addr with new if it
// equals old. It returns the value the word held before.
func (mm *Manager) CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	word, v, err := mm.wordLocked(addr)
	if err != nil {
		return 0, err
	}
	if word == nil {
		var buf [4]byte
		paddr := v.PAddr + uint64(addr-v.Base)
		v.Handler.ReadMMIO(paddr, buf[:])
		prev := binary.LittleEndian.Uint32(buf[:])
		if prev == old {
			binary.LittleEndian.PutUint32(buf[:], new)
			v.Handler.WriteMMIO(paddr, buf[:])
		}
		return prev, nil
	}
	for {
		prev := atomic.LoadUint32(word)
		if prev != old {
			return prev, nil
		}
		if atomic.CompareAndSwapUint32(word, old, new) {
			return prev, nil
		}
	}
}
