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

// Package kernel implements the guest kernel's process, thread and
// synchronization objects.
//
// Lock order:
//
//	Kernel.mu
//	  Process.mu
//	    mm.Manager.mu
//	      pgalloc.Arena.mu
//
// Kernel.mu is never held while blocking in the address arbiter or in
// limits.ResourceLimit.ReserveWithTimeout.
package kernel

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/kernel/arbiter"
	"gvisor.dev/hle/pkg/kernel/limits"
	"gvisor.dev/hle/pkg/kernel/mm"
	"gvisor.dev/hle/pkg/kernel/pgalloc"
	"gvisor.dev/hle/pkg/log"
)

// InitialProcessID is the ID of the first user process.
const InitialProcessID = 81

// Kernel owns the guest threads and processes.
type Kernel struct {
	arena     *pgalloc.Arena
	limits    *limits.ResourceLimit
	scheduler Scheduler

	nextPID atomic.Uint64
	nextTID atomic.Uint64

	// mu is the scheduler lock. It protects thread status and wait state,
	// wait object lists, process status and thread membership, and the
	// fields below.
	mu        sync.Mutex
	threads   ThreadTable
	processes []*Process
}

// New returns a kernel allocating guest memory from arena and charging
// processes against rl. A nil sched selects a ReadyQueue.
func New(arena *pgalloc.Arena, rl *limits.ResourceLimit, sched Scheduler) *Kernel {
	if sched == nil {
		sched = NewReadyQueue()
	}
	k := &Kernel{
		arena:     arena,
		limits:    rl,
		scheduler: sched,
	}
	k.nextPID.Store(InitialProcessID)
	k.nextTID.Store(1)
	return k
}

// Arena returns the kernel's backing memory arena.
func (k *Kernel) Arena() *pgalloc.Arena { return k.arena }

// Limits returns the system resource limit.
func (k *Kernel) Limits() *limits.ResourceLimit { return k.limits }

// Scheduler returns the kernel's scheduler.
func (k *Kernel) Scheduler() Scheduler { return k.scheduler }

// CreateProcess returns a new process in the Created state. Until
// LoadFromMetadata it has a 39-bit address space and the capabilities of a
// process without metadata.
func (k *Kernel) CreateProcess(name string) *Process {
	p := &Process{
		k:         k,
		name:      name,
		pid:       k.nextPID.Add(1) - 1,
		mm:        mm.NewManager(k.arena),
		arbiter:   arbiter.NewManager(),
		limits:    k.limits,
		caps:      MetadatalessCapabilities(),
		handles:   NewHandleTable(),
		addrSpace: svc.Is39Bit,
		is64Bit:   true,
	}
	p.log = log.PrefixedLogger(log.Log(), fmt.Sprintf("[%s:%d] ", name, p.pid))

	k.mu.Lock()
	defer k.mu.Unlock()
	k.processes = append(k.processes, p)
	return p
}

// Processes returns a snapshot of the kernel's processes.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.processes)
}

// RemoveProcess drops an exited process from the kernel's list.
func (k *Kernel) RemoveProcess(p *Process) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if p.status != ProcessExited {
		return kernelerr.ErrInvalidState
	}
	if i := slices.Index(k.processes, p); i >= 0 {
		k.processes = slices.Delete(k.processes, i, i+1)
	}
	return nil
}

// NumThreads returns the number of live threads.
func (k *Kernel) NumThreads() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.threads.Len()
}

// LookupThread returns the live thread with the given ID, or nil.
func (k *Kernel) LookupThread(id ThreadID) *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.threads.Get(id)
}

// CreateThread creates a dormant thread in owner. Pass
// IdealCoreUseProcessValue as core to use the process's ideal core.
//
// Errors are guest-facing: ErrInvalidPriority, ErrInvalidProcessorID,
// ErrResourceLimitExceeded when the Threads quota is exhausted, and
// ErrTerminationRequested if owner is exiting.
func (k *Kernel) CreateThread(owner *Process, name string, entry hostarch.Addr, priority uint32, arg uint64, core int32, stackTop hostarch.Addr) (*Thread, error) {
	caps := owner.Capabilities()
	if priority > svc.PriorityLowest || !caps.AllowsPriority(priority) {
		return nil, kernelerr.ErrInvalidPriority
	}
	if core == IdealCoreUseProcessValue {
		core = owner.IdealCore()
	}
	if core < 0 || core >= NumCores || !caps.AllowsCore(core) {
		return nil, kernelerr.ErrInvalidProcessorID
	}

	r := limits.NewScopedReservation(owner.limits, limits.Threads, 1)
	if !r.Succeeded() {
		return nil, kernelerr.ErrResourceLimitExceeded
	}
	defer r.Release()

	tls, err := owner.CreateTLSRegion()
	if err != nil {
		return nil, err
	}

	t := &Thread{
		k:          k,
		owner:      owner,
		tid:        k.nextTID.Add(1) - 1,
		name:       name,
		priority:   priority,
		idealCore:  core,
		entry:      entry,
		stackTop:   stackTop,
		arg:        arg,
		tlsAddr:    tls,
		resumeC:    make(chan struct{}, 1),
		interruptC: make(chan struct{}),
		arbWaiter:  arbiter.NewWaiter(),
		status:     StatusDormant,
		waitIndex:  -1,
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if owner.status >= ProcessExiting {
		owner.FreeTLSRegion(tls)
		return nil, kernelerr.ErrTerminationRequested
	}
	t.id = k.threads.Add(t)
	owner.threads = append(owner.threads, t)
	r.Commit()
	owner.log.Debugf("Created thread %v entry=%#x priority=%d core=%d tls=%#x", t, entry, priority, core, tls)
	return t, nil
}

// StartThread makes a dormant thread ready.
func (k *Kernel) StartThread(t *Thread) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.status != StatusDormant {
		return kernelerr.ErrInvalidState
	}
	if t.terminationRequested {
		return kernelerr.ErrTerminationRequested
	}
	t.status = StatusReady
	k.scheduler.Schedule(t)
	return nil
}
