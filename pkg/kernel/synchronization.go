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
	"slices"
	"time"

	"gvisor.dev/hle/pkg/errors/kernelerr"
)

// WaitSynchronization blocks t until one of objs (all of them, if waitAll)
// can be acquired, and returns the index of the object that woke it. Objects
// that are already available are acquired without blocking. A zero timeout
// fails with ErrTimedOut instead of blocking; a negative timeout waits
// indefinitely.
func (k *Kernel) WaitSynchronization(t *Thread, objs []Synchronizer, waitAll bool, timeout time.Duration) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := t.checkRunnableLocked(); err != nil {
		return -1, err
	}

	if waitAll {
		ready := true
		for _, o := range objs {
			if o.ShouldWait(t) {
				ready = false
				break
			}
		}
		if ready && len(objs) != 0 {
			for _, o := range objs {
				o.Acquire(t)
			}
			return 0, nil
		}
	} else {
		for i, o := range objs {
			if !o.ShouldWait(t) {
				o.Acquire(t)
				return i, nil
			}
		}
	}

	if timeout == 0 {
		return -1, kernelerr.ErrTimedOut
	}

	if waitAll {
		t.status = StatusWaitSynchAll
	} else {
		t.status = StatusWaitSynchAny
	}
	t.waitObjects = slices.Clone(objs)
	for _, o := range objs {
		o.waitObject().AddWaitingThread(t)
	}
	t.wakeupCallback = nil
	t.waitIndex = -1
	t.waitResult = kernelerr.ErrTimedOut
	t.wakeAfterDelayLocked(timeout)

	if err := t.parkLocked(); err != nil {
		return -1, err
	}
	return t.waitIndex, nil
}

// WaitHLEEvent blocks t on obj on behalf of a host-side service. cb decides
// what happens when obj is signalled or the timeout expires; WaitHLEEvent
// returns the wait result cb leaves in place, nil by default for a signal
// and ErrTimedOut for a timeout.
func (k *Kernel) WaitHLEEvent(t *Thread, obj Synchronizer, timeout time.Duration, cb WakeupCallback) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := t.checkRunnableLocked(); err != nil {
		return err
	}
	t.status = StatusWaitHLEEvent
	t.waitObjects = []Synchronizer{obj}
	obj.waitObject().AddWaitingThread(t)
	t.waitIndex = -1
	t.waitResult = nil
	t.wakeupCallback = func(reason WakeupReason, t *Thread, obj Synchronizer, index int) bool {
		if reason == WakeupSignal {
			t.waitResult = nil
			t.waitIndex = index
		}
		if cb == nil {
			return true
		}
		return cb(reason, t, obj, index)
	}
	t.wakeAfterDelayLocked(timeout)

	// The object may already be available.
	if !obj.ShouldWait(t) {
		k.wakeupWaitingThreadLocked(obj, t)
	}
	return t.parkLocked()
}

// SetWaitResult overrides the result a blocked thread observes when it
// resumes. It is meant for WakeupCallbacks.
//
// Preconditions: Kernel.mu must be locked.
func (t *Thread) SetWaitResult(err error) {
	t.waitResult = err
}
