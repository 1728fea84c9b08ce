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
	"gvisor.dev/hle/pkg/bitmap"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
)

// tlsSlotsPerPage is the number of thread TLS slots in one page.
const tlsSlotsPerPage = hostarch.PageSize / svc.TLSEntrySize

// tlsPage is a page of the TLS/IO region carved into thread TLS slots.
type tlsPage struct {
	base  hostarch.Addr
	slots bitmap.Bitmap
}

// CreateTLSRegion allocates a zeroed TLS slot and returns its address.
// Slots are taken from existing pages first; a new page is mapped at the
// lowest free page of the TLS/IO region when all are full. Pages are never
// unmapped.
func (p *Process) CreateTLSRegion() (hostarch.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.tlsPages {
		pg := &p.tlsPages[i]
		if pg.slots.IsFull() {
			continue
		}
		slot, err := pg.slots.FirstZero(0)
		if err != nil {
			panic(fmt.Sprintf("TLS page %#x is not full but has no free slot: %v", pg.base, err))
		}
		return p.claimTLSSlotLocked(pg, slot)
	}

	layout := p.mm.Layout()
	base, err := p.mm.FindFreeRegion(layout.TLSIO.Start, layout.TLSIO.End, hostarch.PageSize)
	if err != nil {
		return 0, err
	}
	arena := p.k.arena
	block, err := arena.Allocate(hostarch.PageSize)
	if err != nil {
		return 0, kernelerr.ErrOutOfMemory
	}
	defer arena.DecRef(block)
	if _, err := p.mm.MapMemoryBlock(base, block, 0, hostarch.PageSize, svc.StateThreadLocal, svc.PermReadWrite); err != nil {
		return 0, err
	}
	p.log.Debugf("Mapped TLS page %#x", base)

	p.tlsPages = append(p.tlsPages, tlsPage{base: base, slots: bitmap.New(tlsSlotsPerPage)})
	return p.claimTLSSlotLocked(&p.tlsPages[len(p.tlsPages)-1], 0)
}

// Preconditions: p.mu must be locked.
func (p *Process) claimTLSSlotLocked(pg *tlsPage, slot uint32) (hostarch.Addr, error) {
	addr := pg.base + hostarch.Addr(slot)*svc.TLSEntrySize
	if err := p.mm.WriteBlock(addr, make([]byte, svc.TLSEntrySize)); err != nil {
		return 0, err
	}
	pg.slots.Add(slot)
	return addr, nil
}

// FreeTLSRegion returns the TLS slot at addr. Freeing after the process has
// exited is a no-op.
func (p *Process) FreeTLSRegion(addr hostarch.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tlsPages == nil {
		return
	}
	for i := range p.tlsPages {
		pg := &p.tlsPages[i]
		if addr < pg.base || addr >= pg.base+hostarch.PageSize {
			continue
		}
		slot := uint32(addr-pg.base) / svc.TLSEntrySize
		if uint64(addr-pg.base)%svc.TLSEntrySize != 0 || !pg.slots.IsSet(slot) {
			panic(fmt.Sprintf("freeing unallocated TLS slot %#x", addr))
		}
		pg.slots.Remove(slot)
		return
	}
	panic(fmt.Sprintf("freeing TLS slot %#x outside any TLS page", addr))
}

// NumTLSPages returns the number of mapped TLS pages.
func (p *Process) NumTLSPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tlsPages)
}
