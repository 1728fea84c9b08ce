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

import "fmt"

// ThreadID is a stable reference to a thread in the kernel's thread table.
// It stops resolving once the thread is removed, even if the slot is reused.
type ThreadID struct {
	index uint32
	gen   uint32
}

// String implements fmt.Stringer.String.
func (id ThreadID) String() string {
	return fmt.Sprintf("%d.%d", id.index, id.gen)
}

type threadSlot struct {
	t   *Thread
	gen uint32
}

// ThreadTable holds the live threads of a kernel.
//
// ThreadTable is not synchronized; Kernel.mu serializes access.
type ThreadTable struct {
	slots []threadSlot
	free  []uint32
	count int
}

// Add inserts t and returns its ID.
func (tt *ThreadTable) Add(t *Thread) ThreadID {
	var index uint32
	if n := len(tt.free); n > 0 {
		index = tt.free[n-1]
		tt.free = tt.free[:n-1]
	} else {
		index = uint32(len(tt.slots))
		tt.slots = append(tt.slots, threadSlot{})
	}
	s := &tt.slots[index]
	s.gen++
	s.t = t
	tt.count++
	return ThreadID{index: index, gen: s.gen}
}

// Get returns the thread with the given ID, or nil if it has been removed.
func (tt *ThreadTable) Get(id ThreadID) *Thread {
	if id.index >= uint32(len(tt.slots)) {
		return nil
	}
	s := &tt.slots[id.index]
	if s.t == nil || s.gen != id.gen {
		return nil
	}
	return s.t
}

// Remove removes the thread with the given ID. Removing a stale ID is a
// no-op.
func (tt *ThreadTable) Remove(id ThreadID) {
	if tt.Get(id) == nil {
		return
	}
	tt.slots[id.index].t = nil
	tt.free = append(tt.free, id.index)
	tt.count--
}

// Len returns the number of threads in the table.
func (tt *ThreadTable) Len() int {
	return tt.count
}

// ForEach calls fn for every thread in the table, in slot order.
func (tt *ThreadTable) ForEach(fn func(t *Thread)) {
	for i := range tt.slots {
		if t := tt.slots[i].t; t != nil {
			fn(t)
		}
	}
}
