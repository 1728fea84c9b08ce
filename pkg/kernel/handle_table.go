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
	"gvisor.dev/hle/pkg/errors/kernelerr"
)

// Handle is a guest reference to a kernel object. Bits 31:15 hold the slot
// index and bits 14:0 hold a nonzero generation.
type Handle uint32

// Reserved handle values.
const (
	InvalidHandle Handle = 0

	// CurrentThreadHandle and CurrentProcessHandle are pseudo-handles that
	// refer to the calling thread and its process without a table entry.
	CurrentThreadHandle  Handle = svc.CurrentThread
	CurrentProcessHandle Handle = svc.CurrentProcess
)

const (
	// MaxHandles is the largest handle table a process can have.
	MaxHandles = 1024

	handleIndexShift = 15
	handleGenMask    = 1<<handleIndexShift - 1
)

func makeHandle(index, gen uint16) Handle {
	return Handle(uint32(index)<<handleIndexShift | uint32(gen))
}

func (h Handle) index() uint32 { return uint32(h) >> handleIndexShift }
func (h Handle) gen() uint16   { return uint16(uint32(h) & handleGenMask) }

// String implements fmt.Stringer.String.
func (h Handle) String() string {
	switch h {
	case CurrentThreadHandle:
		return "CurrentThread"
	case CurrentProcessHandle:
		return "CurrentProcess"
	}
	return fmt.Sprintf("%#08x", uint32(h))
}

// handleCounted is implemented by objects that live only as long as their
// handles. Both methods are called with Kernel.mu locked.
type handleCounted interface {
	incHandlesLocked()
	decHandlesLocked()
}

type handleEntry struct {
	obj Synchronizer
	// gen is zero iff the slot is free.
	gen uint16
}

// HandleTable maps handles to kernel objects. It does not resolve
// pseudo-handles; see Process.GetObject.
//
// HandleTable is not synchronized; the owning process serializes access.
type HandleTable struct {
	entries []handleEntry

	// free is a stack of free slot indices below size, lowest on top.
	free []uint16

	// size is the number of usable slots.
	size int

	nextGen uint16
}

// NewHandleTable returns an empty table with MaxHandles slots.
func NewHandleTable() *HandleTable {
	ht := &HandleTable{entries: make([]handleEntry, MaxHandles), nextGen: 1}
	ht.resize(MaxHandles)
	return ht
}

func (ht *HandleTable) resize(n int) {
	ht.size = n
	ht.free = ht.free[:0]
	for i := n - 1; i >= 0; i-- {
		if ht.entries[i].gen == 0 {
			ht.free = append(ht.free, uint16(i))
		}
	}
}

// SetSize limits the table to n slots. Zero selects MaxHandles. SetSize
// fails with ErrOutOfMemory if n is out of range and ErrInvalidState if
// handles are open.
func (ht *HandleTable) SetSize(n int32) error {
	if n < 0 || n > MaxHandles {
		return kernelerr.ErrOutOfMemory
	}
	if ht.Count() != 0 {
		return kernelerr.ErrInvalidState
	}
	if n == 0 {
		n = MaxHandles
	}
	ht.resize(int(n))
	return nil
}

// Size returns the number of usable slots.
func (ht *HandleTable) Size() int {
	return ht.size
}

// Count returns the number of open handles.
func (ht *HandleTable) Count() int {
	return ht.size - len(ht.free)
}

// Create returns a new handle to obj. It fails with ErrOutOfHandles when the
// table is full.
func (ht *HandleTable) Create(obj Synchronizer) (Handle, error) {
	if obj == nil {
		panic("HandleTable.Create with nil object")
	}
	if len(ht.free) == 0 {
		return InvalidHandle, kernelerr.ErrOutOfHandles
	}
	index := ht.free[len(ht.free)-1]
	ht.free = ht.free[:len(ht.free)-1]

	gen := ht.nextGen
	ht.nextGen++
	if ht.nextGen > handleGenMask {
		ht.nextGen = 1
	}
	ht.entries[index] = handleEntry{obj: obj, gen: gen}
	return makeHandle(index, gen), nil
}

func (ht *HandleTable) lookup(h Handle) *handleEntry {
	i := h.index()
	if i >= uint32(ht.size) {
		return nil
	}
	e := &ht.entries[i]
	if e.gen == 0 || e.gen != h.gen() {
		return nil
	}
	return e
}

// Get returns the object h refers to, or nil if h is not open.
func (ht *HandleTable) Get(h Handle) Synchronizer {
	if e := ht.lookup(h); e != nil {
		return e.obj
	}
	return nil
}

// Close closes h and returns the object it referred to. It fails with
// ErrInvalidHandle if h is not open.
func (ht *HandleTable) Close(h Handle) (Synchronizer, error) {
	e := ht.lookup(h)
	if e == nil {
		return nil, kernelerr.ErrInvalidHandle
	}
	obj := e.obj
	*e = handleEntry{}
	ht.free = append(ht.free, uint16(h.index()))
	return obj, nil
}

// Clear closes every handle and returns the objects they referred to, one
// entry per handle.
func (ht *HandleTable) Clear() []Synchronizer {
	var objs []Synchronizer
	for i := range ht.entries {
		if ht.entries[i].gen != 0 {
			objs = append(objs, ht.entries[i].obj)
		}
		ht.entries[i] = handleEntry{}
	}
	ht.resize(ht.size)
	return objs
}
