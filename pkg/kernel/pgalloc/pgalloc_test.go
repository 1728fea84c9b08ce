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

package pgalloc

import (
	"testing"
)

func TestAllocateZeroed(t *testing.T) {
	a := NewArena()
	id, err := a.Allocate(0x1800)
	if err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	defer a.DecRef(id)
	if got, want := a.Size(id), uint64(0x2000); got != want {
		t.Errorf("Size() = %#x, want %#x", got, want)
	}
	for i, b := range a.Bytes(id) {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
	if got, want := a.Usage(), uint64(0x2000); got != want {
		t.Errorf("Usage() = %#x, want %#x", got, want)
	}
}

func TestRefcount(t *testing.T) {
	a := NewArena()
	id, err := a.Allocate(0x1000)
	if err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	a.Bytes(id)[0] = 0xAB
	a.IncRef(id)
	if got := a.Refs(id); got != 2 {
		t.Errorf("Refs() = %d, want 2", got)
	}
	a.DecRef(id)
	if got := a.Bytes(id)[0]; got != 0xAB {
		t.Errorf("data lost after dropping one of two references: %#x", got)
	}
	a.DecRef(id)
	if got := a.Refs(id); got != 0 {
		t.Errorf("Refs() after final DecRef = %d, want 0", got)
	}
	if got := a.Usage(); got != 0 {
		t.Errorf("Usage() after final DecRef = %#x, want 0", got)
	}
}

func TestStaleIDAfterReuse(t *testing.T) {
	a := NewArena()
	old, err := a.Allocate(0x1000)
	if err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	a.DecRef(old)
	fresh, err := a.Allocate(0x1000)
	if err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	defer a.DecRef(fresh)
	if old == fresh {
		t.Fatalf("reused slot returned identical BlockID %v", fresh)
	}
	if a.Refs(old) != 0 {
		t.Errorf("stale id %v still reports references", old)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("DecRef of stale id did not panic")
		}
		// The arena stays usable after the panic.
		if got := a.Refs(fresh); got != 1 {
			t.Errorf("Refs(%v) after stale DecRef = %d, want 1", fresh, got)
		}
	}()
	a.DecRef(old)
}
