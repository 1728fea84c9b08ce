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
)

// Synchronizer is a kernel object threads can wait on.
type Synchronizer interface {
	// ShouldWait returns true if t must wait to acquire the object.
	//
	// Preconditions: Kernel.mu must be locked.
	ShouldWait(t *Thread) bool

	// Acquire consumes the object on behalf of t.
	//
	// Preconditions:
	//   - Kernel.mu must be locked.
	//   - ShouldWait(t) is false.
	Acquire(t *Thread)

	waitObject() *WaitObject
}

// WaitObject is the list of threads waiting on a Synchronizer. It is
// embedded by every Synchronizer.
//
// All methods require Kernel.mu to be locked.
type WaitObject struct {
	// waiting is in insertion order.
	waiting []ThreadID
}

func (w *WaitObject) waitObject() *WaitObject {
	return w
}

// AddWaitingThread adds t to the list. Adding a thread twice is a no-op.
func (w *WaitObject) AddWaitingThread(t *Thread) {
	if !slices.Contains(w.waiting, t.id) {
		w.waiting = append(w.waiting, t.id)
	}
}

// RemoveWaitingThread removes t from the list, if present.
func (w *WaitObject) RemoveWaitingThread(t *Thread) {
	if i := slices.Index(w.waiting, t.id); i >= 0 {
		w.waiting = slices.Delete(w.waiting, i, i+1)
	}
}

// HasWaiters returns true if any thread is listed.
func (w *WaitObject) HasWaiters() bool {
	return len(w.waiting) != 0
}

// waitingThreadsLocked resolves the list, dropping threads that no longer
// exist.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) waitingThreadsLocked(w *WaitObject) []*Thread {
	ts := make([]*Thread, 0, len(w.waiting))
	live := w.waiting[:0]
	for _, id := range w.waiting {
		if t := k.threads.Get(id); t != nil {
			ts = append(ts, t)
			live = append(live, id)
		}
	}
	clear(w.waiting[len(live):])
	w.waiting = live
	return ts
}

// WaitingThreads returns a snapshot of the threads waiting on obj.
func (k *Kernel) WaitingThreads(obj Synchronizer) []*Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.waitingThreadsLocked(obj.waitObject())
}

// GetHighestPriorityReadyThread returns the waiter on obj that would be woken
// next, or nil.
func (k *Kernel) GetHighestPriorityReadyThread(obj Synchronizer) *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.highestPriorityReadyThreadLocked(obj)
}

// highestPriorityReadyThreadLocked returns the eligible waiter with the
// lowest priority value, preferring the earliest waiter among equals.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) highestPriorityReadyThreadLocked(obj Synchronizer) *Thread {
	var best *Thread
	for _, t := range k.waitingThreadsLocked(obj.waitObject()) {
		switch t.status {
		case StatusWaitSynchAny, StatusWaitSynchAll, StatusWaitHLEEvent:
		default:
			panic(fmt.Sprintf("thread %v waiting on an object in status %v", t, t.status))
		}
		if obj.ShouldWait(t) {
			continue
		}
		if t.status == StatusWaitSynchAll && !t.allWaitObjectsReadyLocked() {
			continue
		}
		if best == nil || t.priority < best.priority {
			best = t
		}
	}
	return best
}

// WakeupWaitingThread wakes t, which is waiting on obj.
func (k *Kernel) WakeupWaitingThread(obj Synchronizer, t *Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.wakeupWaitingThreadLocked(obj, t)
}

// wakeupWaitingThreadLocked acquires obj (every awaited object, for
// WaitSynchAll) on behalf of t, detaches t from all wait lists, and resumes
// it unless its wakeup callback declines.
//
// Preconditions:
//   - k.mu must be locked.
//   - obj.ShouldWait(t) is false.
func (k *Kernel) wakeupWaitingThreadLocked(obj Synchronizer, t *Thread) {
	if obj.ShouldWait(t) {
		panic(fmt.Sprintf("waking thread %v on an object it must wait for", t))
	}

	if t.status == StatusWaitSynchAll {
		for _, o := range t.waitObjects {
			o.Acquire(t)
		}
	} else {
		obj.Acquire(t)
	}

	index := t.waitObjectIndexLocked(obj)
	t.detachWaitObjectsLocked()
	t.cancelWakeupTimerLocked()

	resume := true
	if cb := t.wakeupCallback; cb != nil {
		resume = cb(WakeupSignal, t, obj, index)
	} else {
		t.waitResult = nil
		t.waitIndex = index
	}
	if resume {
		t.resumeFromWaitLocked()
	}
}

// WakeupAllWaitingThreads wakes waiters on obj, highest priority first, until
// none is eligible.
func (k *Kernel) WakeupAllWaitingThreads(obj Synchronizer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.wakeupAllWaitingThreadsLocked(obj)
}

// Preconditions: k.mu must be locked.
func (k *Kernel) wakeupAllWaitingThreadsLocked(obj Synchronizer) {
	for {
		t := k.highestPriorityReadyThreadLocked(obj)
		if t == nil {
			return
		}
		k.wakeupWaitingThreadLocked(obj, t)
	}
}
