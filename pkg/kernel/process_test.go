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
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/kernel/limits"
)

// vmaShape is what QueryMemory reports about a mapping. State holds the
// guest-visible state value.
type vmaShape struct {
	Base  hostarch.Addr
	Size  uint64
	State uint32
	Perms svc.MemoryPermission
}

func shapeAt(p *Process, addr hostarch.Addr) vmaShape {
	mi := p.MM().QueryMemory(addr)
	return vmaShape{hostarch.Addr(mi.BaseAddress), mi.Size, mi.State, svc.MemoryPermission(mi.Permission)}
}

func TestLoadModuleMapsSegments(t *testing.T) {
	k, _ := newTestKernel(t)
	p := newLoadedProcess(t, k, "p")
	base := p.MM().Layout().Code.Start

	var got []vmaShape
	for _, addr := range []hostarch.Addr{base, base + 0x1000, base + 0x2000} {
		got = append(got, shapeAt(p, addr))
	}
	want := []vmaShape{
		{base, 0x1000, svc.StateCode.Svc(), svc.PermReadExecute},
		{base + 0x1000, 0x1000, svc.StateCodeData.Svc(), svc.PermRead},
		{base + 0x2000, 0x2000, svc.StateCodeData.Svc(), svc.PermReadWrite},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("module mappings mismatch (-want +got):\n%s", diff)
	}

	for _, c := range []struct {
		addr hostarch.Addr
		want string
	}{
		{base, "code"},
		{base + 0x1000, "rodata"},
		{base + 0x2000, "data"},
		{base + 0x3000, "\x00\x00\x00\x00"},
	} {
		buf := make([]byte, len(c.want))
		if err := p.MM().ReadBlock(c.addr, buf); err != nil {
			t.Fatalf("ReadBlock(%#x) got err %v, wanted nil", c.addr, err)
		}
		if !bytes.Equal(buf, []byte(c.want)) {
			t.Errorf("ReadBlock(%#x) = %q, want %q", c.addr, buf, c.want)
		}
	}

	if got := k.Limits().CurrentValue(limits.PhysicalMemory); got != 0x4000 {
		t.Errorf("PhysicalMemory charged for image = %#x, want 0x4000", got)
	}
	if diff := cmp.Diff([]Module{{Base: base, Size: 0x4000}}, p.Modules()); diff != "" {
		t.Errorf("Modules() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadModuleSkipsEmptySegments(t *testing.T) {
	k, _ := newTestKernel(t)
	p := k.CreateProcess("p")
	t.Cleanup(func() { terminate(t, p) })
	cs := &CodeSet{
		Memory: make([]byte, 0x1000),
		Code:   Segment{Size: 0x1000},
	}
	base := p.MM().Layout().Code.Start
	if err := p.LoadModule(cs, base); err != nil {
		t.Fatalf("LoadModule got err %v, wanted nil", err)
	}
	if mi := p.MM().QueryMemory(base + 0x1000); mi.State != svc.StateUnmapped.Svc() {
		t.Errorf("state after code segment = %#x, want %#x", mi.State, svc.StateUnmapped.Svc())
	}
}

func TestLoadModuleErrors(t *testing.T) {
	k, _ := newTestKernel(t)
	p := newLoadedProcess(t, k, "p")
	base := p.MM().Layout().Code.Start

	for _, tc := range []struct {
		name string
		cs   *CodeSet
		base hostarch.Addr
		want error
	}{
		{"misaligned base", testCodeSet(), base + 1, kernelerr.ErrInvalidAddress},
		{"misaligned segment", &CodeSet{Memory: make([]byte, 0x2000), Code: Segment{Addr: 0x10, Size: 0x1000}}, base, kernelerr.ErrInvalidAddress},
		{"empty", &CodeSet{}, base, kernelerr.ErrInvalidSize},
		{"outside code region", testCodeSet(), p.MM().Layout().Code.End, kernelerr.ErrInvalidMemoryRange},
		{"overlapping", testCodeSet(), base, kernelerr.ErrInvalidAddressState},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := k.Limits().CurrentValue(limits.PhysicalMemory)
			if err := p.LoadModule(tc.cs, tc.base); err != tc.want {
				t.Errorf("LoadModule got err %v, wanted %v", err, tc.want)
			}
			if got := k.Limits().CurrentValue(limits.PhysicalMemory); got != before {
				t.Errorf("PhysicalMemory after failed load = %#x, want %#x", got, before)
			}
		})
	}
}

func TestLoadFromMetadata(t *testing.T) {
	k, _ := newTestKernel(t)
	p := k.CreateProcess("p")
	t.Cleanup(func() { terminate(t, p) })

	md := testMetadata("p")
	md.AddressSpaceType = svc.Is36Bit
	md.Capabilities = append(md.Capabilities, uint32(capHandleTableSize)|2<<16)
	if err := p.LoadFromMetadata(md); err != nil {
		t.Fatalf("LoadFromMetadata got err %v, wanted nil", err)
	}
	if got := p.MM().Layout().Type; got != svc.Is36Bit {
		t.Errorf("layout type = %v, want %v", got, svc.Is36Bit)
	}
	if p.ProgramID() != testProgramID || !p.Is64Bit() || p.AddressSpaceType() != svc.Is36Bit {
		t.Errorf("metadata not applied: program %#x, 64-bit %t, type %v", p.ProgramID(), p.Is64Bit(), p.AddressSpaceType())
	}

	// The handle table holds two handles.
	for i := 0; i < 2; i++ {
		if _, err := p.CreateHandle(p); err != nil {
			t.Fatalf("CreateHandle got err %v, wanted nil", err)
		}
	}
	if _, err := p.CreateHandle(p); err != kernelerr.ErrOutOfHandles {
		t.Errorf("third CreateHandle got err %v, wanted %v", err, kernelerr.ErrOutOfHandles)
	}
}

func TestLoadFromMetadataErrors(t *testing.T) {
	k, _ := newTestKernel(t)
	for _, tc := range []struct {
		name   string
		modify func(md *ProgramMetadata)
		want   error
	}{
		{"address space", func(md *ProgramMetadata) { md.AddressSpaceType = 7 }, kernelerr.ErrInvalidEnumValue},
		{"capabilities", func(md *ProgramMetadata) { md.Capabilities = []uint32{0} }, kernelerr.ErrInvalidCapabilityDescriptor},
		{"core", func(md *ProgramMetadata) { md.MainThreadCore = 4 }, kernelerr.ErrInvalidProcessorID},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := k.CreateProcess("p")
			t.Cleanup(func() { terminate(t, p) })
			md := testMetadata("p")
			tc.modify(md)
			if err := p.LoadFromMetadata(md); err != tc.want {
				t.Errorf("LoadFromMetadata got err %v, wanted %v", err, tc.want)
			}
		})
	}

	p, _ := newRunningProcess(t, k, "running")
	if err := p.LoadFromMetadata(testMetadata("running")); err != kernelerr.ErrInvalidState {
		t.Errorf("LoadFromMetadata of running process got err %v, wanted %v", err, kernelerr.ErrInvalidState)
	}
}

func TestRun(t *testing.T) {
	k, q := newTestKernel(t)
	p := newLoadedProcess(t, k, "p")
	layout := p.MM().Layout()

	main, err := p.Run(layout.Code.Start, svc.PriorityDefault, 0x3800)
	if err != nil {
		t.Fatalf("Run got err %v, wanted nil", err)
	}
	if got := p.Status(); got != ProcessRunning {
		t.Errorf("Status() = %v, want %v", got, ProcessRunning)
	}
	if got := q.Next(); got != main {
		t.Errorf("ready thread = %v, want main thread %v", got, main)
	}
	if main.StackTop() != layout.TLSIO.End {
		t.Errorf("StackTop() = %#x, want %#x", main.StackTop(), layout.TLSIO.End)
	}

	wantStack := vmaShape{layout.TLSIO.End - 0x4000, 0x4000, svc.StateStack.Svc(), svc.PermReadWrite}
	gotStack := shapeAt(p, layout.TLSIO.End-1)
	if gotStack != wantStack {
		t.Errorf("stack mapping = %+v, want %+v", gotStack, wantStack)
	}

	obj, err := p.GetObject(main, p.MainThreadHandle())
	if err != nil || obj != Synchronizer(main) {
		t.Errorf("GetObject(main thread handle) = (%v, %v), want (%v, nil)", obj, err, main)
	}
	if _, err := p.Run(layout.Code.Start, svc.PriorityDefault, 0x4000); err != kernelerr.ErrInvalidState {
		t.Errorf("second Run got err %v, wanted %v", err, kernelerr.ErrInvalidState)
	}

	// image + stack
	if got := k.Limits().CurrentValue(limits.PhysicalMemory); got != 0x8000 {
		t.Errorf("PhysicalMemory = %#x, want 0x8000", got)
	}
	if got := k.Limits().CurrentValue(limits.Threads); got != 1 {
		t.Errorf("Threads = %d, want 1", got)
	}
}

func TestRunStackQuota(t *testing.T) {
	k, _ := newTestKernel(t)
	p := newLoadedProcess(t, k, "p")
	rl := k.Limits()
	if err := rl.SetLimit(limits.PhysicalMemory, rl.CurrentValue(limits.PhysicalMemory)+0x1000); err != nil {
		t.Fatalf("SetLimit got err %v, wanted nil", err)
	}
	if _, err := p.Run(0, svc.PriorityDefault, 0x2000); err != kernelerr.ErrResourceLimitExceeded {
		t.Errorf("Run beyond quota got err %v, wanted %v", err, kernelerr.ErrResourceLimitExceeded)
	}
	if got := p.Status(); got != ProcessCreated {
		t.Errorf("Status() after failed Run = %v, want %v", got, ProcessCreated)
	}
}

func TestProcess32BitLayout(t *testing.T) {
	k, _ := newTestKernel(t)
	p := k.CreateProcess("p")
	t.Cleanup(func() { terminate(t, p) })
	md := testMetadata("p")
	md.AddressSpaceType = svc.Is32Bit
	md.Is64Bit = false
	if err := p.LoadFromMetadata(md); err != nil {
		t.Fatalf("LoadFromMetadata got err %v, wanted nil", err)
	}
	layout := p.MM().Layout()
	if err := p.LoadModule(testCodeSet(), layout.Code.Start); err != nil {
		t.Fatalf("LoadModule got err %v, wanted nil", err)
	}
	main, err := p.Run(layout.Code.Start, svc.PriorityDefault, testStackSize)
	if err != nil {
		t.Fatalf("Run got err %v, wanted nil", err)
	}

	// The TLS/IO region overlaps code, so the first TLS page lands after
	// the module.
	tls := main.TLSAddress()
	if !layout.TLSIO.Contains(tls) || tls < layout.Code.Start+0x4000 {
		t.Errorf("TLS address %#x not in TLS/IO region past the module", tls)
	}
	if got, want := shapeAt(p, tls).State, svc.StateThreadLocal.Svc(); got != want {
		t.Errorf("TLS state = %#x, want %#x", got, want)
	}
}

func TestTLSSlots(t *testing.T) {
	k, _ := newTestKernel(t)
	p, main := newRunningProcess(t, k, "p")
	tlsBase := p.MM().Layout().TLSIO.Start
	if main.TLSAddress() != tlsBase {
		t.Errorf("main TLS = %#x, want %#x", main.TLSAddress(), tlsBase)
	}

	seen := map[hostarch.Addr]bool{main.TLSAddress(): true}
	var threads []*Thread
	for i := 0; i < tlsSlotsPerPage; i++ {
		th, err := k.CreateThread(p, "t", 0, 44, 0, 0, 0)
		if err != nil {
			t.Fatalf("CreateThread got err %v, wanted nil", err)
		}
		addr := th.TLSAddress()
		if seen[addr] || uint64(addr)%svc.TLSEntrySize != 0 {
			t.Errorf("TLS address %#x reused or misaligned", addr)
		}
		seen[addr] = true
		threads = append(threads, th)
	}
	if got := p.NumTLSPages(); got != 2 {
		t.Errorf("NumTLSPages() = %d, want 2", got)
	}
	if got := threads[len(threads)-1].TLSAddress(); got != tlsBase+hostarch.PageSize {
		t.Errorf("ninth TLS slot = %#x, want %#x", got, tlsBase+hostarch.PageSize)
	}

	// A freed slot is reused before the second page's free slots.
	freed := threads[2].TLSAddress()
	threads[2].Stop()
	th, err := k.CreateThread(p, "t", 0, 44, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateThread got err %v, wanted nil", err)
	}
	if th.TLSAddress() != freed {
		t.Errorf("TLS address after free = %#x, want %#x", th.TLSAddress(), freed)
	}
}

func TestTLSSlotZeroed(t *testing.T) {
	k, _ := newTestKernel(t)
	p, _ := newRunningProcess(t, k, "p")
	th, err := k.CreateThread(p, "t", 0, 44, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateThread got err %v, wanted nil", err)
	}
	addr := th.TLSAddress()
	if err := p.MM().WriteUint32(addr, 0xdeadbeef); err != nil {
		t.Fatalf("WriteUint32 got err %v, wanted nil", err)
	}
	th.Stop()
	th, err = k.CreateThread(p, "t", 0, 44, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateThread got err %v, wanted nil", err)
	}
	if th.TLSAddress() != addr {
		t.Fatalf("TLS slot not reused: %#x, want %#x", th.TLSAddress(), addr)
	}
	if v, err := p.MM().ReadUint32(addr); err != nil || v != 0 {
		t.Errorf("reused TLS slot = (%#x, %v), want (0, nil)", v, err)
	}
}

func TestSetHeapSizeQuota(t *testing.T) {
	k, _ := newTestKernel(t)
	p, _ := newRunningProcess(t, k, "p")
	rl := k.Limits()
	base := rl.CurrentValue(limits.PhysicalMemory)

	if _, err := p.SetHeapSize(0x1001); err != kernelerr.ErrInvalidSize {
		t.Errorf("SetHeapSize(misaligned) got err %v, wanted %v", err, kernelerr.ErrInvalidSize)
	}
	addr, err := p.SetHeapSize(0x10000)
	if err != nil {
		t.Fatalf("SetHeapSize got err %v, wanted nil", err)
	}
	if addr != p.MM().Layout().Heap.Start {
		t.Errorf("heap base = %#x, want %#x", addr, p.MM().Layout().Heap.Start)
	}
	if got := rl.CurrentValue(limits.PhysicalMemory); got != base+0x10000 {
		t.Errorf("PhysicalMemory after grow = %#x, want %#x", got, base+0x10000)
	}

	if err := rl.SetLimit(limits.PhysicalMemory, base+0x18000); err != nil {
		t.Fatalf("SetLimit got err %v, wanted nil", err)
	}
	if _, err := p.SetHeapSize(0x20000); err != kernelerr.ErrResourceLimitExceeded {
		t.Errorf("SetHeapSize beyond quota got err %v, wanted %v", err, kernelerr.ErrResourceLimitExceeded)
	}
	if got := p.MM().HeapSize(); got != 0x10000 {
		t.Errorf("HeapSize after failed grow = %#x, want 0x10000", got)
	}

	if _, err := p.SetHeapSize(0x4000); err != nil {
		t.Fatalf("SetHeapSize(shrink) got err %v, wanted nil", err)
	}
	if got := rl.CurrentValue(limits.PhysicalMemory); got != base+0x4000 {
		t.Errorf("PhysicalMemory after shrink = %#x, want %#x", got, base+0x4000)
	}
}

func TestArbiterThroughProcess(t *testing.T) {
	k, _ := newTestKernel(t)
	p, main := newRunningProcess(t, k, "p")
	heap, err := p.SetHeapSize(0x1000)
	if err != nil {
		t.Fatalf("SetHeapSize got err %v, wanted nil", err)
	}

	if err := p.WaitForAddress(main, heap, svc.WaitIfEqual, 1, -1); err != kernelerr.ErrInvalidState {
		t.Errorf("WaitForAddress with mismatched value got err %v, wanted %v", err, kernelerr.ErrInvalidState)
	}
	if err := p.WaitForAddress(main, heap, svc.WaitIfEqual, 0, time.Millisecond); err != kernelerr.ErrTimedOut {
		t.Errorf("WaitForAddress got err %v, wanted %v", err, kernelerr.ErrTimedOut)
	}

	th := spawnThread(t, k, p, "waiter", 44)
	errC := runThread(th, func() error {
		return p.WaitForAddress(th, heap, svc.WaitIfLessThan, 1, -1)
	})
	waitForStatus(t, th, StatusWaitArb)
	if got := p.NumAddressWaiters(heap); got != 1 {
		t.Errorf("NumAddressWaiters = %d, want 1", got)
	}

	if err := p.SignalToAddress(heap, svc.IncrementAndSignalIfEqual, 0, 1); err != nil {
		t.Fatalf("SignalToAddress got err %v, wanted nil", err)
	}
	if err := recvErr(t, errC); err != nil {
		t.Errorf("WaitForAddress got err %v, wanted nil", err)
	}
	if v, err := p.MM().ReadUint32(heap); err != nil || v != 1 {
		t.Errorf("word after IncrementAndSignalIfEqual = (%d, %v), want (1, nil)", v, err)
	}
	if got := th.Status(); got != StatusRunning {
		t.Errorf("status after wake = %v, want %v", got, StatusRunning)
	}
}

func TestPrepareForTermination(t *testing.T) {
	k, _ := newTestKernel(t)
	p, main := newRunningProcess(t, k, "p")
	_, observer := newRunningProcess(t, k, "observer")
	ev, err := k.CreateEvent(p, "ev", ResetOneShot)
	if err != nil {
		t.Fatalf("CreateEvent got err %v, wanted nil", err)
	}
	defer ev.Close()
	heap, err := p.SetHeapSize(0x1000)
	if err != nil {
		t.Fatalf("SetHeapSize got err %v, wanted nil", err)
	}

	blocked := spawnThread(t, k, p, "blocked", 44)
	blockedC := runThread(blocked, func() error {
		_, err := k.WaitSynchronization(blocked, []Synchronizer{ev}, false, -1)
		return err
	})
	arb := spawnThread(t, k, p, "arb", 44)
	arbC := runThread(arb, func() error {
		return p.WaitForAddress(arb, heap, svc.WaitIfEqual, 0, -1)
	})
	waitForStatus(t, blocked, StatusWaitSynchAny)
	waitForStatus(t, arb, StatusWaitArb)
	dormant, err := k.CreateThread(p, "dormant", 0, 44, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateThread got err %v, wanted nil", err)
	}

	exitedC := runThread(observer, func() error {
		_, err := k.WaitSynchronization(observer, []Synchronizer{p}, false, -1)
		return err
	})

	if err := p.PrepareForTermination(main); err != nil {
		t.Fatalf("PrepareForTermination got err %v, wanted nil", err)
	}
	if err := p.PrepareForTermination(main); err != kernelerr.ErrInvalidState {
		t.Errorf("second PrepareForTermination got err %v, wanted %v", err, kernelerr.ErrInvalidState)
	}

	// Blocked and dormant threads stop at once.
	for _, c := range []<-chan error{blockedC, arbC} {
		if err := recvErr(t, c); err != kernelerr.ErrTerminationRequested {
			t.Errorf("blocked thread got err %v, wanted %v", err, kernelerr.ErrTerminationRequested)
		}
	}
	if got := dormant.Status(); got != StatusDead {
		t.Errorf("dormant thread status = %v, want %v", got, StatusDead)
	}
	if got := p.NumAddressWaiters(heap); got != 0 {
		t.Errorf("NumAddressWaiters after termination = %d, want 0", got)
	}

	// The running caller is asked to exit.
	if got := p.Status(); got != ProcessExiting {
		t.Errorf("Status() with main still running = %v, want %v", got, ProcessExiting)
	}
	if !main.TerminationRequested() {
		t.Errorf("main thread has no termination request")
	}
	if err := main.Sleep(time.Millisecond); err != kernelerr.ErrTerminationRequested {
		t.Errorf("Sleep after termination request got err %v, wanted %v", err, kernelerr.ErrTerminationRequested)
	}
	main.Exit()

	if got := p.Status(); got != ProcessExited {
		t.Errorf("Status() after last thread exit = %v, want %v", got, ProcessExited)
	}
	if err := recvErr(t, exitedC); err != nil {
		t.Errorf("wait on process got err %v, wanted nil", err)
	}
	if _, err := p.GetObject(nil, p.MainThreadHandle()); err != kernelerr.ErrInvalidHandle {
		t.Errorf("GetObject after exit got err %v, wanted %v", err, kernelerr.ErrInvalidHandle)
	}
}

func TestEventReleasedWithLastHandle(t *testing.T) {
	k, _ := newTestKernel(t)
	p, main := newRunningProcess(t, k, "p")
	rl := k.Limits()

	ev, err := k.CreateEvent(p, "ev", ResetSticky)
	if err != nil {
		t.Fatalf("CreateEvent got err %v, wanted nil", err)
	}
	h1, err := p.CreateHandle(ev)
	if err != nil {
		t.Fatalf("CreateHandle got err %v, wanted nil", err)
	}
	h2, err := p.CreateHandle(ev)
	if err != nil {
		t.Fatalf("CreateHandle got err %v, wanted nil", err)
	}
	if err := p.CloseHandle(h1); err != nil {
		t.Fatalf("CloseHandle got err %v, wanted nil", err)
	}
	if got := rl.CurrentValue(limits.Events); got != 1 {
		t.Errorf("Events with one handle open = %d, want 1", got)
	}
	if err := p.CloseHandle(h2); err != nil {
		t.Fatalf("CloseHandle got err %v, wanted nil", err)
	}
	if got := rl.CurrentValue(limits.Events); got != 0 {
		t.Errorf("Events after closing the last handle = %d, want 0", got)
	}
	if err := p.CloseHandle(h2); err != kernelerr.ErrInvalidHandle {
		t.Errorf("second CloseHandle got err %v, wanted %v", err, kernelerr.ErrInvalidHandle)
	}
	// Close after the handles released the event does not release again.
	ev.Close()
	if got := rl.CurrentValue(limits.Events); got != 0 {
		t.Errorf("Events after Close = %d, want 0", got)
	}

	// Handles still open at exit release their events.
	open, err := k.CreateEvent(p, "open", ResetOneShot)
	if err != nil {
		t.Fatalf("CreateEvent got err %v, wanted nil", err)
	}
	if _, err := p.CreateHandle(open); err != nil {
		t.Fatalf("CreateHandle got err %v, wanted nil", err)
	}
	if err := p.PrepareForTermination(main); err != nil {
		t.Fatalf("PrepareForTermination got err %v, wanted nil", err)
	}
	main.Exit()
	if got := p.Status(); got != ProcessExited {
		t.Fatalf("Status() = %v, want %v", got, ProcessExited)
	}
	if got := rl.CurrentValue(limits.Events); got != 0 {
		t.Errorf("Events after exit = %d, want 0", got)
	}
}

func TestProcessStatusRegressionPanics(t *testing.T) {
	k, _ := newTestKernel(t)
	p, _ := newRunningProcess(t, k, "p")
	defer func() {
		if recover() == nil {
			t.Errorf("status regression did not panic")
		}
	}()
	k.mu.Lock()
	defer k.mu.Unlock()
	p.changeStatusLocked(ProcessCreated)
}

func TestGetObjectPseudoHandles(t *testing.T) {
	k, _ := newTestKernel(t)
	p, main := newRunningProcess(t, k, "p")
	if obj, err := p.GetObject(main, CurrentThreadHandle); err != nil || obj != Synchronizer(main) {
		t.Errorf("GetObject(CurrentThread) = (%v, %v), want (%v, nil)", obj, err, main)
	}
	if obj, err := p.GetObject(main, CurrentProcessHandle); err != nil || obj != Synchronizer(p) {
		t.Errorf("GetObject(CurrentProcess) = (%v, %v), want (%v, nil)", obj, err, p)
	}
	if _, err := p.GetObject(main, 0x1234); err != kernelerr.ErrInvalidHandle {
		t.Errorf("GetObject(bogus) got err %v, wanted %v", err, kernelerr.ErrInvalidHandle)
	}
}
