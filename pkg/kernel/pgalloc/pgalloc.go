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

// Package pgalloc provides the arena of host memory blocks that back guest
// mappings.
//
// Blocks are identified by a BlockID rather than by pointer so that VMAs in
// any number of address spaces can name the same block. Each block carries a
// reference count; every VMA that maps part of a block holds one reference,
// and the block's host memory is released when the last reference is
// dropped.
package pgalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/log"
)

// BlockID names a block in an Arena. The zero BlockID never names a block.
type BlockID struct {
	index uint32
	gen   uint32
}

// IsZero returns true if id is the zero BlockID.
func (id BlockID) IsZero() bool {
	return id.gen == 0
}

// String implements fmt.Stringer.String.
func (id BlockID) String() string {
	if id.IsZero() {
		return "block(none)"
	}
	return fmt.Sprintf("block(%d.%d)", id.index, id.gen)
}

type block struct {
	// gen is the generation of the block most recently allocated in this
	// slot. A slot whose refs is zero is free.
	gen  uint32
	refs int64
	data []byte
}

// Arena owns host memory blocks.
type Arena struct {
	// mu protects the fields below.
	mu sync.Mutex

	blocks []block
	free   []uint32

	// usage is the total size of live blocks, in bytes.
	usage uint64
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{}
}

// Allocate returns a new zeroed block of at least size bytes with a single
// reference held by the caller. size is rounded up to the guest page size.
//
// Preconditions: size != 0.
func (a *Arena) Allocate(size uint64) (BlockID, error) {
	if size == 0 {
		panic("pgalloc.Arena.Allocate: zero size")
	}
	rsize, ok := hostarch.PageRoundUp(size)
	if !ok || rsize > uint64(^uint(0)>>1) {
		return BlockID{}, kernelerr.ErrOutOfMemory
	}
	data, err := unix.Mmap(-1, 0, int(rsize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		log.Warningf("Failed to map %d bytes of backing memory: %v", rsize, err)
		return BlockID{}, kernelerr.ErrOutOfMemory
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var idx uint32
	if n := len(a.free); n != 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.blocks))
		a.blocks = append(a.blocks, block{})
	}
	b := &a.blocks[idx]
	b.gen++
	b.refs = 1
	b.data = data
	a.usage += rsize
	return BlockID{index: idx, gen: b.gen}, nil
}

// lookupLocked returns the live block named by id.
//
// Preconditions: a.mu must be locked.
func (a *Arena) lookupLocked(id BlockID) *block {
	if id.IsZero() || int(id.index) >= len(a.blocks) {
		panic(fmt.Sprintf("pgalloc: invalid %v", id))
	}
	b := &a.blocks[id.index]
	if b.gen != id.gen || b.refs <= 0 {
		panic(fmt.Sprintf("pgalloc: stale %v (slot generation %d, refs %d)", id, b.gen, b.refs))
	}
	return b
}

// IncRef takes an additional reference on the block named by id.
func (a *Arena) IncRef(id BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookupLocked(id).refs++
}

// DecRef drops a reference on the block named by id, releasing its host
// memory when no references remain.
func (a *Arena) DecRef(id BlockID) {
	if data := a.decRef(id); data != nil {
		if err := unix.Munmap(data); err != nil {
			panic(fmt.Sprintf("failed to unmap %v: %v", id, err))
		}
	}
}

// decRef drops a reference on id and returns the block's host memory if that
// was the last reference.
func (a *Arena) decRef(id BlockID) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.lookupLocked(id)
	b.refs--
	if b.refs != 0 {
		return nil
	}
	data := b.data
	b.data = nil
	a.free = append(a.free, id.index)
	a.usage -= uint64(len(data))
	return data
}

// Bytes returns the host memory of the block named by id. The returned slice
// remains valid while the caller holds a reference on the block.
func (a *Arena) Bytes(id BlockID) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lookupLocked(id).data
}

// Size returns the size of the block named by id.
func (a *Arena) Size(id BlockID) uint64 {
	return uint64(len(a.Bytes(id)))
}

// Refs returns the number of references held on the block named by id, or 0
// if id no longer names a live block.
func (a *Arena) Refs(id BlockID) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id.IsZero() || int(id.index) >= len(a.blocks) {
		return 0
	}
	b := &a.blocks[id.index]
	if b.gen != id.gen {
		return 0
	}
	return b.refs
}

// Usage returns the total size of live blocks.
func (a *Arena) Usage() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}
