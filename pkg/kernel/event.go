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

	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/kernel/limits"
)

// ResetType selects what happens to a signalled Event when a waiter
// acquires it.
type ResetType int

// Reset types.
const (
	// ResetOneShot events are cleared by the first acquirer.
	ResetOneShot ResetType = iota

	// ResetSticky events stay signalled until cleared.
	ResetSticky
)

// String implements fmt.Stringer.String.
func (r ResetType) String() string {
	switch r {
	case ResetOneShot:
		return "OneShot"
	case ResetSticky:
		return "Sticky"
	default:
		return fmt.Sprintf("ResetType(%d)", int(r))
	}
}

// Event is a Synchronizer signalled explicitly.
type Event struct {
	WaitObject

	k         *Kernel
	owner     *Process
	name      string
	resetType ResetType

	// signaled, handles and closed are protected by k.mu.
	signaled bool
	handles  int
	closed   bool
}

// CreateEvent returns an unsignalled event charged to owner's Events quota.
// owner may be nil for events owned by host services. The quota is returned
// when the last handle to the event is closed, or by Close.
func (k *Kernel) CreateEvent(owner *Process, name string, rt ResetType) (*Event, error) {
	if owner != nil && !owner.limits.Reserve(limits.Events, 1) {
		return nil, kernelerr.ErrResourceLimitExceeded
	}
	return &Event{k: k, owner: owner, name: name, resetType: rt}, nil
}

// String implements fmt.Stringer.String.
func (e *Event) String() string {
	return fmt.Sprintf("event %q", e.name)
}

// ShouldWait implements Synchronizer.ShouldWait.
func (e *Event) ShouldWait(*Thread) bool {
	return !e.signaled
}

// Acquire implements Synchronizer.Acquire.
func (e *Event) Acquire(t *Thread) {
	if e.ShouldWait(t) {
		panic(fmt.Sprintf("acquiring unsignalled %v", e))
	}
	if e.resetType == ResetOneShot {
		e.signaled = false
	}
}

// Signal signals e and wakes its waiters. A one-shot event wakes only its
// highest priority waiter.
func (e *Event) Signal() {
	e.k.mu.Lock()
	defer e.k.mu.Unlock()
	e.signaled = true
	e.k.wakeupAllWaitingThreadsLocked(e)
}

// Clear resets e.
func (e *Event) Clear() {
	e.k.mu.Lock()
	defer e.k.mu.Unlock()
	e.signaled = false
}

// Signaled returns true if e is signalled.
func (e *Event) Signaled() bool {
	e.k.mu.Lock()
	defer e.k.mu.Unlock()
	return e.signaled
}

// Close returns e's quota to its owner. Closing twice is a no-op.
func (e *Event) Close() {
	e.k.mu.Lock()
	defer e.k.mu.Unlock()
	e.closeLocked()
}

// Preconditions: e.k.mu must be locked.
func (e *Event) closeLocked() {
	if e.closed {
		return
	}
	e.closed = true
	if e.owner != nil {
		e.owner.limits.Release(limits.Events, 1)
	}
}

// incHandlesLocked implements handleCounted.incHandlesLocked.
func (e *Event) incHandlesLocked() {
	e.handles++
}

// decHandlesLocked implements handleCounted.decHandlesLocked.
func (e *Event) decHandlesLocked() {
	if e.handles <= 0 {
		panic(fmt.Sprintf("%v has no open handles", e))
	}
	e.handles--
	if e.handles == 0 {
		e.closeLocked()
	}
}
