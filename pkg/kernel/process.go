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
	"slices"
	"sync"
	"time"

	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/kernel/arbiter"
	"gvisor.dev/hle/pkg/kernel/limits"
	"gvisor.dev/hle/pkg/kernel/mm"
	"gvisor.dev/hle/pkg/log"
)

// ProcessStatus is the lifecycle state of a process. It only moves forward.
type ProcessStatus int

// Process statuses.
const (
	ProcessCreated ProcessStatus = iota
	ProcessRunning
	ProcessExiting
	ProcessExited
)

// String implements fmt.Stringer.String.
func (s ProcessStatus) String() string {
	switch s {
	case ProcessCreated:
		return "Created"
	case ProcessRunning:
		return "Running"
	case ProcessExiting:
		return "Exiting"
	case ProcessExited:
		return "Exited"
	default:
		return fmt.Sprintf("ProcessStatus(%d)", int(s))
	}
}

// Module is a code image mapped into a process.
type Module struct {
	Base hostarch.Addr
	Size uint64
}

// Process is a guest process: an address space, its threads and the kernel
// objects they use.
//
// Process is a Synchronizer, signalled once the process has exited.
type Process struct {
	WaitObject

	k       *Kernel
	name    string
	pid     uint64
	mm      *mm.Manager
	arbiter *arbiter.Manager
	limits  *limits.ResourceLimit
	log     log.Logger

	// loadMu serializes LoadFromMetadata, LoadModule, Run and SetHeapSize.
	// It is ordered before Kernel.mu.
	loadMu sync.Mutex

	// mu protects the fields below.
	mu sync.Mutex

	programID  uint64
	idealCore  int32
	is64Bit    bool
	addrSpace  svc.ProgramAddressSpaceType
	caps       Capabilities
	handles    *HandleTable
	tlsPages   []tlsPage
	modules    []Module
	mainThread Handle

	// Bytes of PhysicalMemory charged for the image, the main stack and
	// the heap.
	imageSize uint64
	stackSize uint64
	heapSize  uint64

	// The fields below are protected by k.mu.
	status  ProcessStatus
	threads []*Thread
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("%s(%d)", p.name, p.pid)
}

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// PID returns the process ID.
func (p *Process) PID() uint64 { return p.pid }

// MM returns the process's memory manager.
func (p *Process) MM() *mm.Manager { return p.mm }

// Limits returns the resource limit the process is charged against.
func (p *Process) Limits() *limits.ResourceLimit { return p.limits }

// Status returns the process status.
func (p *Process) Status() ProcessStatus {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.status
}

// Threads returns a snapshot of the process's live threads.
func (p *Process) Threads() []*Thread {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return slices.Clone(p.threads)
}

// Capabilities returns the process's capabilities.
func (p *Process) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// IdealCore returns the core new threads default to.
func (p *Process) IdealCore() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idealCore
}

// ProgramID returns the program ID loaded from metadata.
func (p *Process) ProgramID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.programID
}

// Is64Bit returns true for AArch64 processes.
func (p *Process) Is64Bit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.is64Bit
}

// AddressSpaceType returns the address space type loaded from metadata.
func (p *Process) AddressSpaceType() svc.ProgramAddressSpaceType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addrSpace
}

// Modules returns the images mapped by LoadModule.
func (p *Process) Modules() []Module {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.modules)
}

// MainThreadHandle returns the handle of the thread created by Run.
func (p *Process) MainThreadHandle() Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainThread
}

// ShouldWait implements Synchronizer.ShouldWait.
func (p *Process) ShouldWait(*Thread) bool {
	return p.status != ProcessExited
}

// Acquire implements Synchronizer.Acquire.
func (p *Process) Acquire(t *Thread) {
	if p.ShouldWait(t) {
		panic(fmt.Sprintf("acquiring running process %v", p))
	}
}

// changeStatusLocked moves p to status s and wakes waiters once p has
// exited.
//
// Preconditions: p.k.mu must be locked.
func (p *Process) changeStatusLocked(s ProcessStatus) {
	if s <= p.status {
		panic(fmt.Sprintf("process %v status change %v -> %v", p, p.status, s))
	}
	p.log.Debugf("Status %v -> %v", p.status, s)
	p.status = s
	if s == ProcessExited {
		p.k.wakeupAllWaitingThreadsLocked(p)
	}
}

// LoadFromMetadata configures a created process from md: its address space,
// capabilities and handle table size. Capability errors are guest-facing.
func (p *Process) LoadFromMetadata(md *ProgramMetadata) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	p.k.mu.Lock()
	ok := p.status == ProcessCreated && len(p.threads) == 0
	p.k.mu.Unlock()
	if !ok {
		return kernelerr.ErrInvalidState
	}

	if _, err := mm.LayoutFor(md.AddressSpaceType); err != nil {
		return err
	}
	caps, err := ParseCapabilities(md.Capabilities)
	if err != nil {
		p.log.Warningf("Rejecting capabilities: %v", err)
		return err
	}
	if md.MainThreadCore >= NumCores {
		return kernelerr.ErrInvalidProcessorID
	}

	p.mu.Lock()
	if err := p.handles.SetSize(caps.HandleTableSize); err != nil {
		p.mu.Unlock()
		return err
	}
	p.programID = md.ProgramID
	p.idealCore = int32(md.MainThreadCore)
	p.is64Bit = md.Is64Bit
	p.addrSpace = md.AddressSpaceType
	p.caps = caps
	p.tlsPages = nil
	p.modules = nil
	p.mu.Unlock()

	p.mm.Reset(md.AddressSpaceType)
	p.log.Infof("Loaded metadata: program %#016x, %v address space, %v, kernel version %#x",
		md.ProgramID, md.AddressSpaceType, caps.ProgramType, caps.KernelVersion)
	return nil
}

type codeSegment struct {
	seg   *Segment
	state svc.MemoryState
	perms svc.MemoryPermission
}

// LoadModule maps cs at base: its code as Code R-X, its rodata as CodeData
// R-- and its data as CodeData RW-. Empty segments are skipped. The image is
// charged to the PhysicalMemory quota.
func (p *Process) LoadModule(cs *CodeSet, base hostarch.Addr) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.Status() != ProcessCreated {
		return kernelerr.ErrInvalidState
	}

	segs := []codeSegment{
		{&cs.Code, svc.StateCode, svc.PermReadExecute},
		{&cs.ROData, svc.StateCodeData, svc.PermRead},
		{&cs.Data, svc.StateCodeData, svc.PermReadWrite},
	}
	if !base.IsPageAligned() {
		return kernelerr.ErrInvalidAddress
	}
	imageSize, ok := hostarch.PageRoundUp(uint64(len(cs.Memory)))
	if !ok {
		return kernelerr.ErrInvalidSize
	}
	var span uint64
	for _, s := range segs {
		if s.seg.Size == 0 {
			continue
		}
		size, ok := hostarch.PageRoundUp(s.seg.Size)
		if !ok || !hostarch.IsAligned(s.seg.Addr, hostarch.PageSize) || !hostarch.IsAligned(s.seg.Offset, hostarch.PageSize) {
			return kernelerr.ErrInvalidAddress
		}
		imageSize = max(imageSize, s.seg.Offset+size)
		span = max(span, s.seg.Addr+size)
	}
	if span == 0 {
		return kernelerr.ErrInvalidSize
	}
	layout := p.mm.Layout()
	if !layout.IsWithinCodeRegion(base, span) {
		return kernelerr.ErrInvalidMemoryRange
	}

	r := limits.NewScopedReservation(p.limits, limits.PhysicalMemory, int64(imageSize))
	if !r.Succeeded() {
		return kernelerr.ErrResourceLimitExceeded
	}
	defer r.Release()

	arena := p.k.arena
	block, err := arena.Allocate(imageSize)
	if err != nil {
		return kernelerr.ErrOutOfMemory
	}
	defer arena.DecRef(block)
	copy(arena.Bytes(block), cs.Memory)

	var mapped []hostarch.AddrRange
	for _, s := range segs {
		if s.seg.Size == 0 {
			continue
		}
		addr := base + hostarch.Addr(s.seg.Addr)
		size, _ := hostarch.PageRoundUp(s.seg.Size)
		if _, err := p.mm.MapMemoryBlock(addr, block, s.seg.Offset, size, s.state, s.perms); err != nil {
			for _, ar := range mapped {
				if uerr := p.mm.UnmapRange(ar.Start, ar.Length()); uerr != nil {
					panic(fmt.Sprintf("unmapping partially loaded segment %#x-%#x: %v", ar.Start, ar.End, uerr))
				}
			}
			return err
		}
		mapped = append(mapped, hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)})
	}
	r.Commit()

	p.mu.Lock()
	p.imageSize += imageSize
	p.modules = append(p.modules, Module{Base: base, Size: span})
	p.mu.Unlock()
	p.log.Infof("Loaded module at %#x, %#x bytes", base, span)
	return nil
}

// Run maps a stack of stackSize bytes at the top of the TLS/IO region,
// creates the main thread at entry with the given priority, and starts it.
func (p *Process) Run(entry hostarch.Addr, priority uint32, stackSize uint64) (*Thread, error) {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.Status() != ProcessCreated {
		return nil, kernelerr.ErrInvalidState
	}

	stackSize, ok := hostarch.PageRoundUp(stackSize)
	if !ok || stackSize == 0 {
		return nil, kernelerr.ErrInvalidSize
	}
	layout := p.mm.Layout()
	if stackSize > layout.TLSIO.Length() {
		return nil, kernelerr.ErrOutOfMemory
	}

	r := limits.NewScopedReservation(p.limits, limits.PhysicalMemory, int64(stackSize))
	if !r.Succeeded() {
		return nil, kernelerr.ErrResourceLimitExceeded
	}
	defer r.Release()

	arena := p.k.arena
	block, err := arena.Allocate(stackSize)
	if err != nil {
		return nil, kernelerr.ErrOutOfMemory
	}
	defer arena.DecRef(block)

	stackTop := layout.TLSIO.End
	stackBase := stackTop - hostarch.Addr(stackSize)
	if _, err := p.mm.MapMemoryBlock(stackBase, block, 0, stackSize, svc.StateStack, svc.PermReadWrite); err != nil {
		return nil, err
	}
	unmapStack := func() {
		if err := p.mm.UnmapRange(stackBase, stackSize); err != nil {
			panic(fmt.Sprintf("unmapping main stack: %v", err))
		}
	}

	t, err := p.k.CreateThread(p, "main", entry, priority, 0, IdealCoreUseProcessValue, stackTop)
	if err != nil {
		unmapStack()
		return nil, err
	}
	h, err := p.CreateHandle(t)
	if err != nil {
		t.Stop()
		unmapStack()
		return nil, err
	}

	p.k.mu.Lock()
	p.changeStatusLocked(ProcessRunning)
	p.k.mu.Unlock()

	r.Commit()
	p.mu.Lock()
	p.stackSize = stackSize
	p.mainThread = h
	p.mu.Unlock()

	if err := p.k.StartThread(t); err != nil {
		return nil, err
	}
	p.log.Infof("Running: main thread %v, stack [%#x, %#x)", t, stackBase, stackTop)
	return t, nil
}

// SetHeapSize resizes the heap to size bytes, charging growth to the
// PhysicalMemory quota, and returns the heap base.
func (p *Process) SetHeapSize(size uint64) (hostarch.Addr, error) {
	if !hostarch.IsAligned(size, hostarch.PageSize) {
		return 0, kernelerr.ErrInvalidSize
	}
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.Status() == ProcessExited {
		return 0, kernelerr.ErrInvalidState
	}

	p.mu.Lock()
	cur := p.heapSize
	p.mu.Unlock()

	if size > cur && !p.limits.Reserve(limits.PhysicalMemory, int64(size-cur)) {
		return 0, kernelerr.ErrResourceLimitExceeded
	}
	addr, err := p.mm.SetHeapSize(size)
	if err != nil {
		if size > cur {
			p.limits.Release(limits.PhysicalMemory, int64(size-cur))
		}
		return 0, err
	}
	if size < cur {
		p.limits.Release(limits.PhysicalMemory, int64(cur-size))
	}

	p.mu.Lock()
	p.heapSize = size
	p.mu.Unlock()
	return addr, nil
}

// PrepareForTermination starts tearing p down on behalf of current, which
// may be nil or one of p's threads. Blocked and dormant threads are stopped
// at once; ready and running threads, current included, are asked to exit
// and stop when they next block or call Exit. p becomes Exited, releasing
// its memory, once its last thread is gone.
func (p *Process) PrepareForTermination(current *Thread) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	if p.status >= ProcessExiting {
		return kernelerr.ErrInvalidState
	}
	p.changeStatusLocked(ProcessExiting)

	for _, t := range slices.Clone(p.threads) {
		if t == current {
			continue
		}
		if t.status == StatusDormant || t.status.IsWaiting() {
			t.stopLocked()
		} else {
			t.terminationRequested = true
		}
	}
	if current != nil && current.owner == p {
		current.terminationRequested = true
	}
	if p.status == ProcessExiting && len(p.threads) == 0 {
		p.finishTerminationLocked()
	}
	return nil
}

// threadStoppedLocked detaches a dead thread from p.
//
// Preconditions: p.k.mu must be locked.
func (p *Process) threadStoppedLocked(t *Thread) {
	i := slices.Index(p.threads, t)
	if i < 0 {
		panic(fmt.Sprintf("stopped thread %v not in process %v", t, p))
	}
	p.threads = slices.Delete(p.threads, i, i+1)
	p.FreeTLSRegion(t.tlsAddr)
	p.limits.Release(limits.Threads, 1)
	p.log.Debugf("Thread %v stopped, %d left", t, len(p.threads))

	if p.status == ProcessExiting && len(p.threads) == 0 {
		p.finishTerminationLocked()
	}
}

// finishTerminationLocked releases p's memory and quota and marks it
// exited.
//
// Preconditions: p.k.mu must be locked.
func (p *Process) finishTerminationLocked() {
	p.mu.Lock()
	charged := p.imageSize + p.stackSize + p.heapSize
	p.imageSize, p.stackSize, p.heapSize = 0, 0, 0
	closed := p.handles.Clear()
	p.tlsPages = nil
	p.mu.Unlock()

	for _, obj := range closed {
		if c, ok := obj.(handleCounted); ok {
			c.decHandlesLocked()
		}
	}

	p.mm.Release()
	if charged != 0 {
		p.limits.Release(limits.PhysicalMemory, int64(charged))
	}
	p.changeStatusLocked(ProcessExited)
	p.log.Infof("Exited, released %#x bytes", charged)
}

// CreateHandle returns a new handle to obj in p's handle table.
func (p *Process) CreateHandle(obj Synchronizer) (Handle, error) {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	p.mu.Lock()
	h, err := p.handles.Create(obj)
	p.mu.Unlock()
	if err != nil {
		return InvalidHandle, err
	}
	if c, ok := obj.(handleCounted); ok {
		c.incHandlesLocked()
	}
	return h, nil
}

// CloseHandle closes h. Closing the last handle to an Event releases it.
func (p *Process) CloseHandle(h Handle) error {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	p.mu.Lock()
	obj, err := p.handles.Close(h)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if c, ok := obj.(handleCounted); ok {
		c.decHandlesLocked()
	}
	return nil
}

// GetObject resolves h, including the pseudo-handles for the calling thread
// t and its process.
func (p *Process) GetObject(t *Thread, h Handle) (Synchronizer, error) {
	switch h {
	case CurrentThreadHandle:
		if t == nil {
			return nil, kernelerr.ErrInvalidHandle
		}
		return t, nil
	case CurrentProcessHandle:
		return p, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if obj := p.handles.Get(h); obj != nil {
		return obj, nil
	}
	return nil, kernelerr.ErrInvalidHandle
}

// WaitForAddress blocks t, one of p's threads, on the word at addr. See
// arbiter.Manager.WaitForAddress.
func (p *Process) WaitForAddress(t *Thread, addr hostarch.Addr, typ svc.ArbitrationType, value int32, timeout time.Duration) error {
	if t.owner != p {
		panic(fmt.Sprintf("thread %v waiting on an address of process %v", t, p))
	}
	return p.arbiter.WaitForAddress(t, p.mm, t.arbWaiter, addr, typ, value, timeout)
}

// SignalToAddress wakes threads of p waiting on addr. See
// arbiter.Manager.SignalToAddress.
func (p *Process) SignalToAddress(addr hostarch.Addr, typ svc.SignalType, value, count int32) error {
	return p.arbiter.SignalToAddress(p.mm, addr, typ, value, count)
}

// NumAddressWaiters returns the number of threads waiting on addr.
func (p *Process) NumAddressWaiters(addr hostarch.Addr) int {
	return p.arbiter.NumWaiters(addr)
}
