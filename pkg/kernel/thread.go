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
	"time"

	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/kernel/arbiter"
)

// ThreadStatus is the scheduling state of a thread.
type ThreadStatus int

// Thread statuses.
const (
	// StatusDormant threads have been created but not started.
	StatusDormant ThreadStatus = iota
	StatusReady
	StatusRunning
	StatusWaitSleep
	StatusWaitIPC
	StatusWaitSynchAny
	StatusWaitSynchAll
	StatusWaitHLEEvent
	StatusWaitArb
	StatusDead
)

var threadStatusNames = [...]string{
	StatusDormant:      "Dormant",
	StatusReady:        "Ready",
	StatusRunning:      "Running",
	StatusWaitSleep:    "WaitSleep",
	StatusWaitIPC:      "WaitIPC",
	StatusWaitSynchAny: "WaitSynchAny",
	StatusWaitSynchAll: "WaitSynchAll",
	StatusWaitHLEEvent: "WaitHLEEvent",
	StatusWaitArb:      "WaitArb",
	StatusDead:         "Dead",
}

// String implements fmt.Stringer.String.
func (s ThreadStatus) String() string {
	if s >= 0 && int(s) < len(threadStatusNames) {
		return threadStatusNames[s]
	}
	return fmt.Sprintf("ThreadStatus(%d)", int(s))
}

// IsWaiting returns true for the statuses of a blocked thread.
func (s ThreadStatus) IsWaiting() bool {
	return s >= StatusWaitSleep && s <= StatusWaitArb
}

// WakeupReason tells a WakeupCallback why the thread is being woken.
type WakeupReason int

// Wakeup reasons.
const (
	WakeupSignal WakeupReason = iota
	WakeupTimeout
)

// WakeupCallback is invoked when a waiting thread is woken. obj is the object
// that was signalled, and index is its position in the thread's wait list;
// on timeout obj is nil and index is -1. The callback returns false to keep
// the thread blocked; it must then arrange for a later ResumeFromWait.
//
// Callbacks run with Kernel.mu locked and must not block.
type WakeupCallback func(reason WakeupReason, t *Thread, obj Synchronizer, index int) bool

// IdealCoreUseProcessValue places a new thread on its process's ideal core.
const IdealCoreUseProcessValue = -2

// Thread is a guest thread. Each thread is driven by one host goroutine,
// which passes the thread to every blocking kernel operation.
//
// Thread is itself a Synchronizer, signalled once the thread is dead.
type Thread struct {
	WaitObject

	k     *Kernel
	owner *Process

	// The fields below are immutable after creation.
	id        ThreadID
	tid       uint64
	name      string
	priority  uint32
	idealCore int32
	entry     hostarch.Addr
	stackTop  hostarch.Addr
	arg       uint64
	tlsAddr   hostarch.Addr

	// resumeC receives one token each time the thread is resumed.
	resumeC chan struct{}

	// interruptC is closed when the thread dies.
	interruptC chan struct{}

	// arbWaiter is the thread's address arbiter wait queue entry.
	arbWaiter *arbiter.Waiter

	// The fields below are protected by k.mu.
	status               ThreadStatus
	waitObjects          []Synchronizer
	wakeupCallback       WakeupCallback
	timer                *time.Timer
	waitSeq              uint64
	waitResult           error
	waitIndex            int
	terminationRequested bool
}

// String implements fmt.Stringer.String.
func (t *Thread) String() string {
	return fmt.Sprintf("%s(%d)", t.name, t.tid)
}

// ID returns the thread's kernel table ID.
func (t *Thread) ID() ThreadID { return t.id }

// TID returns the guest-visible thread ID.
func (t *Thread) TID() uint64 { return t.tid }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// Owner returns the process the thread belongs to.
func (t *Thread) Owner() *Process { return t.owner }

// Priority returns the thread's priority. Lower values run first.
func (t *Thread) Priority() uint32 { return t.priority }

// IdealCore returns the core the thread prefers.
func (t *Thread) IdealCore() int32 { return t.idealCore }

// TLSAddress returns the guest address of the thread's TLS slot.
func (t *Thread) TLSAddress() hostarch.Addr { return t.tlsAddr }

// Entry returns the thread's entry point.
func (t *Thread) Entry() hostarch.Addr { return t.entry }

// StackTop returns the thread's initial stack pointer.
func (t *Thread) StackTop() hostarch.Addr { return t.stackTop }

// Arg returns the argument passed to the entry point.
func (t *Thread) Arg() uint64 { return t.arg }

// Status returns the thread's current status.
func (t *Thread) Status() ThreadStatus {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.status
}

// TerminationRequested returns true once the thread has been asked to exit.
func (t *Thread) TerminationRequested() bool {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.terminationRequested
}

// ShouldWait implements Synchronizer.ShouldWait.
func (t *Thread) ShouldWait(*Thread) bool {
	return t.status != StatusDead
}

// Acquire implements Synchronizer.Acquire.
func (t *Thread) Acquire(waiter *Thread) {
	if t.ShouldWait(waiter) {
		panic(fmt.Sprintf("acquiring live thread %v", t))
	}
}

// AllWaitObjectsReady returns true if none of the objects t waits on would
// make it wait.
func (t *Thread) AllWaitObjectsReady() bool {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.allWaitObjectsReadyLocked()
}

// Preconditions: t.k.mu must be locked.
func (t *Thread) allWaitObjectsReadyLocked() bool {
	for _, o := range t.waitObjects {
		if o.ShouldWait(t) {
			return false
		}
	}
	return true
}

// waitObjectIndexLocked returns the position of obj in t's wait list, or -1.
//
// Preconditions: t.k.mu must be locked.
func (t *Thread) waitObjectIndexLocked(obj Synchronizer) int {
	w := obj.waitObject()
	for i, o := range t.waitObjects {
		if o.waitObject() == w {
			return i
		}
	}
	return -1
}

// detachWaitObjectsLocked removes t from every object it waits on.
//
// Preconditions: t.k.mu must be locked.
func (t *Thread) detachWaitObjectsLocked() {
	for _, o := range t.waitObjects {
		o.waitObject().RemoveWaitingThread(t)
	}
	t.waitObjects = nil
}

// checkRunnableLocked fails if t may not start a new wait.
//
// Preconditions: t.k.mu must be locked.
func (t *Thread) checkRunnableLocked() error {
	if t.terminationRequested || t.status == StatusDead {
		return kernelerr.ErrTerminationRequested
	}
	return nil
}

// WakeAfterDelay arms t's timeout. A negative timeout never fires. Arming
// replaces any earlier timeout.
func (t *Thread) WakeAfterDelay(timeout time.Duration) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	t.wakeAfterDelayLocked(timeout)
}

// Preconditions: t.k.mu must be locked.
func (t *Thread) wakeAfterDelayLocked(timeout time.Duration) {
	t.cancelWakeupTimerLocked()
	if timeout < 0 {
		return
	}
	seq := t.waitSeq
	t.timer = time.AfterFunc(timeout, func() { t.onWakeupTimer(seq) })
}

// CancelWakeupTimer disarms t's timeout.
func (t *Thread) CancelWakeupTimer() {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	t.cancelWakeupTimerLocked()
}

// cancelWakeupTimerLocked disarms the timer. A callback that already fired
// sees a stale sequence number and does nothing.
//
// Preconditions: t.k.mu must be locked.
func (t *Thread) cancelWakeupTimerLocked() {
	t.waitSeq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Thread) onWakeupTimer(seq uint64) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	if seq != t.waitSeq {
		return
	}
	t.timer = nil

	resume := true
	switch t.status {
	case StatusWaitSynchAny, StatusWaitSynchAll, StatusWaitHLEEvent:
		t.detachWaitObjectsLocked()
		t.waitResult = kernelerr.ErrTimedOut
		t.waitIndex = -1
		if cb := t.wakeupCallback; cb != nil {
			resume = cb(WakeupTimeout, t, nil, -1)
		}
	case StatusWaitSleep:
		t.waitResult = nil
	default:
		return
	}
	if resume {
		t.resumeFromWaitLocked()
	}
}

// ResumeFromWait makes a waiting thread ready again. Resuming a thread that
// is already ready, or dead, is a no-op.
func (t *Thread) ResumeFromWait() {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	t.resumeFromWaitLocked()
}

// Preconditions: t.k.mu must be locked.
func (t *Thread) resumeFromWaitLocked() {
	switch {
	case t.status.IsWaiting():
	case t.status == StatusReady, t.status == StatusDead:
		return
	default:
		panic(fmt.Sprintf("resuming thread %v in status %v", t, t.status))
	}
	if len(t.waitObjects) != 0 {
		panic(fmt.Sprintf("resuming thread %v still waiting on %d objects", t, len(t.waitObjects)))
	}
	t.cancelWakeupTimerLocked()
	t.wakeupCallback = nil
	t.status = StatusReady
	t.k.scheduler.Schedule(t)
	select {
	case t.resumeC <- struct{}{}:
	default:
	}
}

// Enter marks a ready thread as running on the calling goroutine. It fails
// with ErrTerminationRequested if the thread has been asked to exit or is
// dead.
func (t *Thread) Enter() error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	if err := t.checkRunnableLocked(); err != nil {
		return err
	}
	switch t.status {
	case StatusReady:
		t.enterLocked()
	case StatusRunning:
	default:
		return kernelerr.ErrInvalidState
	}
	return nil
}

// Preconditions: t.k.mu must be locked.
func (t *Thread) enterLocked() {
	if t.status == StatusReady {
		t.k.scheduler.Unschedule(t)
		t.status = StatusRunning
	}
}

// parkLocked blocks the calling goroutine until t is resumed or dies, and
// returns the result of the wait.
//
// Preconditions:
//   - t.k.mu must be locked. It is released while blocked.
//   - t's status is a waiting status.
func (t *Thread) parkLocked() error {
	t.k.mu.Unlock()
	select {
	case <-t.resumeC:
	case <-t.interruptC:
	}
	t.k.mu.Lock()
	if t.status == StatusDead {
		return kernelerr.ErrTerminationRequested
	}
	t.enterLocked()
	return t.waitResult
}

// Sleep blocks t for timeout. A zero timeout returns at once; a negative
// timeout sleeps until the thread is stopped.
func (t *Thread) Sleep(timeout time.Duration) error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	if err := t.checkRunnableLocked(); err != nil {
		return err
	}
	if timeout == 0 {
		return nil
	}
	t.status = StatusWaitSleep
	t.waitResult = nil
	t.wakeAfterDelayLocked(timeout)
	return t.parkLocked()
}

// Interrupted implements arbiter.Blocker.Interrupted.
func (t *Thread) Interrupted() bool {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.checkRunnableLocked() != nil
}

// BlockWithTimeout implements arbiter.Blocker.BlockWithTimeout.
func (t *Thread) BlockWithTimeout(C <-chan struct{}, timeout time.Duration) error {
	t.k.mu.Lock()
	if err := t.checkRunnableLocked(); err != nil {
		t.k.mu.Unlock()
		return err
	}
	t.status = StatusWaitArb
	t.k.mu.Unlock()

	var timerC <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var err error
	select {
	case <-C:
	case <-timerC:
		err = kernelerr.ErrTimedOut
	case <-t.interruptC:
		err = kernelerr.ErrTerminationRequested
	}

	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	if t.status == StatusDead {
		return kernelerr.ErrTerminationRequested
	}
	t.resumeFromWaitLocked()
	// Drop the token: this goroutine is already awake.
	select {
	case <-t.resumeC:
	default:
	}
	t.enterLocked()
	return err
}

// Stop kills t: its waiters are woken and its resources returned to the
// owning process. Stopping a dead thread is a no-op.
func (t *Thread) Stop() {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	t.stopLocked()
}

// Exit stops the calling thread. It is Stop called from the goroutine
// driving t.
func (t *Thread) Exit() {
	t.Stop()
}

// Preconditions: t.k.mu must be locked.
func (t *Thread) stopLocked() {
	if t.status == StatusDead {
		return
	}
	k := t.k
	t.cancelWakeupTimerLocked()
	if t.status == StatusReady {
		k.scheduler.Unschedule(t)
	}
	t.status = StatusDead
	close(t.interruptC)
	t.detachWaitObjectsLocked()
	t.wakeupCallback = nil
	t.waitResult = kernelerr.ErrTerminationRequested

	k.wakeupAllWaitingThreadsLocked(t)
	k.threads.Remove(t.id)
	t.owner.threadStoppedLocked(t)
}
