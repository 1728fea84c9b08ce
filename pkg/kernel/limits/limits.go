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

// Package limits provides resource limits: per-kind quotas shared by the
// processes of a kernel.
package limits

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gvisor.dev/hle/pkg/errors/kernelerr"
)

// LimitType defines a type of resource limit.
type LimitType int

// Set of known resource limit types.
const (
	PhysicalMemory LimitType = iota
	Threads
	Events
	TransferMemory
	Sessions

	// NumLimitTypes is the number of known limit types.
	NumLimitTypes
)

var limitTypeNames = [NumLimitTypes]string{
	PhysicalMemory: "PhysicalMemory",
	Threads:        "Threads",
	Events:         "Events",
	TransferMemory: "TransferMemory",
	Sessions:       "Sessions",
}

// String implements fmt.Stringer.String.
func (lt LimitType) String() string {
	if lt >= 0 && lt < NumLimitTypes {
		return limitTypeNames[lt]
	}
	return fmt.Sprintf("LimitType(%d)", int(lt))
}

// ParseLimitType returns the LimitType with the given case-insensitive name.
func ParseLimitType(name string) (LimitType, error) {
	for lt, n := range limitTypeNames {
		if strings.EqualFold(n, name) {
			return LimitType(lt), nil
		}
	}
	return 0, fmt.Errorf("unknown resource limit %q", name)
}

// Default limits installed by NewDefault.
const (
	DefaultThreads        = 608
	DefaultEvents         = 700
	DefaultTransferMemory = 128
	DefaultSessions       = 894
)

// Limit is a snapshot of the accounting for one LimitType.
type Limit struct {
	// Limit is the maximum value of Current.
	Limit int64

	// Current is the amount currently reserved.
	Current int64

	// Hint is the amount reserved and not yet announced as about to be
	// released. Hint <= Current.
	Hint int64

	// Peak is the highest value Current has reached.
	Peak int64
}

// ResourceLimit tracks reservations against a set of limits. It is safe for
// concurrent use; a ResourceLimit is shared by every process created with it.
type ResourceLimit struct {
	// mu protects the fields below.
	mu sync.Mutex

	data [NumLimitTypes]Limit

	// changed is closed and replaced whenever a release may allow a blocked
	// reservation to proceed. It is only allocated while waiters != 0.
	changed chan struct{}
	waiters int
}

// NewResourceLimit returns a ResourceLimit with all limits set to zero.
func NewResourceLimit() *ResourceLimit {
	return &ResourceLimit{}
}

// NewDefault returns a ResourceLimit with the system defaults, allowing
// physicalMemory bytes of memory.
func NewDefault(physicalMemory int64) *ResourceLimit {
	rl := NewResourceLimit()
	for lt, v := range map[LimitType]int64{
		PhysicalMemory: physicalMemory,
		Threads:        DefaultThreads,
		Events:         DefaultEvents,
		TransferMemory: DefaultTransferMemory,
		Sessions:       DefaultSessions,
	} {
		if err := rl.SetLimit(lt, v); err != nil {
			panic(fmt.Sprintf("SetLimit(%v, %d) on a fresh ResourceLimit failed: %v", lt, v, err))
		}
	}
	return rl
}

func checkType(lt LimitType) {
	if lt < 0 || lt >= NumLimitTypes {
		panic(fmt.Sprintf("invalid resource limit type %d", int(lt)))
	}
}

// Get returns a snapshot of the accounting for lt.
func (rl *ResourceLimit) Get(lt LimitType) Limit {
	checkType(lt)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.data[lt]
}

// LimitValue returns the limit of lt.
func (rl *ResourceLimit) LimitValue(lt LimitType) int64 {
	return rl.Get(lt).Limit
}

// CurrentValue returns the amount of lt currently reserved.
func (rl *ResourceLimit) CurrentValue(lt LimitType) int64 {
	return rl.Get(lt).Current
}

// PeakValue returns the highest amount of lt ever reserved at once.
func (rl *ResourceLimit) PeakValue(lt LimitType) int64 {
	return rl.Get(lt).Peak
}

// FreeValue returns the amount of lt that can still be reserved.
func (rl *ResourceLimit) FreeValue(lt LimitType) int64 {
	l := rl.Get(lt)
	return l.Limit - l.Current
}

// SetLimit sets the limit of lt. It fails with ErrInvalidState if more than
// value is currently reserved.
func (rl *ResourceLimit) SetLimit(lt LimitType, value int64) error {
	checkType(lt)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l := &rl.data[lt]
	if l.Current > value {
		return kernelerr.ErrInvalidState
	}
	l.Limit = value
	l.Peak = l.Current
	rl.broadcastLocked()
	return nil
}

// Reserve reserves value units of lt without blocking. It returns true iff
// the reservation fits within the limit.
func (rl *ResourceLimit) Reserve(lt LimitType, value int64) bool {
	return rl.ReserveWithTimeout(lt, value, 0)
}

// ReserveWithTimeout reserves value units of lt. If the reservation does not
// fit but would fit once reservations announced as about to be released (see
// ReleaseHint) are released, ReserveWithTimeout waits for up to timeout for
// them. A negative timeout waits indefinitely.
func (rl *ResourceLimit) ReserveWithTimeout(lt LimitType, value int64, timeout time.Duration) bool {
	checkType(lt)
	if value < 0 {
		panic(fmt.Sprintf("negative reservation %d of %v", value, lt))
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	l := &rl.data[lt]
	for {
		newValue := l.Current + value
		if newValue < l.Current {
			// Overflow.
			return false
		}
		if newValue <= l.Limit {
			l.Current = newValue
			l.Hint += value
			if l.Current > l.Peak {
				l.Peak = l.Current
			}
			return true
		}
		if l.Hint+value > l.Limit || timeout == 0 {
			return false
		}

		if rl.changed == nil {
			rl.changed = make(chan struct{})
		}
		changed := rl.changed
		rl.waiters++
		rl.mu.Unlock()
		timedOut := false
		select {
		case <-changed:
		case <-deadline:
			timedOut = true
		}
		rl.mu.Lock()
		rl.waiters--
		if timedOut {
			return false
		}
	}
}

// Release releases value units of lt previously reserved.
func (rl *ResourceLimit) Release(lt LimitType, value int64) {
	rl.ReleaseHint(lt, value, value)
}

// ReleaseHint releases value units of lt and retires hint units of its hint.
// Passing value == 0 with hint > 0 announces that hint units will be released
// soon, which lets ReserveWithTimeout wait for them instead of failing.
//
// Preconditions: value and hint do not exceed what is currently reserved.
func (rl *ResourceLimit) ReleaseHint(lt LimitType, value, hint int64) {
	checkType(lt)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l := &rl.data[lt]
	if value < 0 || value > l.Current {
		panic(fmt.Sprintf("releasing %d of %v with only %d reserved", value, lt, l.Current))
	}
	if hint < 0 || hint > l.Hint {
		panic(fmt.Sprintf("releasing hint %d of %v with only %d hinted", hint, lt, l.Hint))
	}
	l.Current -= value
	l.Hint -= hint
	rl.broadcastLocked()
}

// broadcastLocked wakes every blocked ReserveWithTimeout.
//
// Preconditions: rl.mu must be locked.
func (rl *ResourceLimit) broadcastLocked() {
	if rl.waiters == 0 || rl.changed == nil {
		return
	}
	close(rl.changed)
	rl.changed = nil
}

// ScopedReservation is a reservation that is released unless committed. It
// lets multi-step setup paths reserve first and bail out on any error:
//
//	r := limits.NewScopedReservation(rl, limits.PhysicalMemory, size)
//	if !r.Succeeded() {
//		return kernelerr.ErrResourceLimitExceeded
//	}
//	defer r.Release()
//	...
//	r.Commit()
type ScopedReservation struct {
	rl        *ResourceLimit
	lt        LimitType
	value     int64
	succeeded bool
	committed bool
}

// NewScopedReservation attempts to reserve value units of lt from rl without
// blocking. A nil rl always succeeds and reserves nothing.
func NewScopedReservation(rl *ResourceLimit, lt LimitType, value int64) *ScopedReservation {
	r := &ScopedReservation{rl: rl, lt: lt, value: value}
	r.succeeded = rl == nil || rl.Reserve(lt, value)
	return r
}

// Succeeded returns true if the reservation was made.
func (r *ScopedReservation) Succeeded() bool {
	return r.succeeded
}

// Commit keeps the reservation; a later Release is a no-op.
func (r *ScopedReservation) Commit() {
	r.committed = true
}

// Release returns the reservation to the limit unless it was committed or
// never succeeded. Release is idempotent.
func (r *ScopedReservation) Release() {
	if !r.succeeded || r.committed || r.rl == nil {
		return
	}
	r.rl.Release(r.lt, r.value)
	r.succeeded = false
}
