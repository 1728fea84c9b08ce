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

// Package arbiter implements the guest's address arbiter: threads wait on a
// 32-bit word in guest memory until another thread signals that address. It
// allows one to easily transform waits into waits on a channel, like the
// futex manager of a Go-based kernel.
//
// Waiters on the same address are woken in the order in which they started
// waiting.
package arbiter

import (
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/ilist"
)

// Target abstracts guest memory accesses. The "addresses" used in this
// package are guest virtual addresses resolved by the Target.
type Target interface {
	// LoadUint32 atomically loads the word at addr.
	LoadUint32(addr hostarch.Addr) (uint32, error)

	// CompareAndSwapUint32 atomically stores new at addr if the word there
	// equals old, and returns the word that was there before.
	CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error)
}

// Blocker is the thread that blocks in WaitForAddress.
type Blocker interface {
	// Interrupted returns true if the thread has been asked to stop and must
	// not start a new wait.
	Interrupted() bool

	// BlockWithTimeout blocks until C is readable, timeout elapses or the
	// thread is interrupted. It returns nil, kernelerr.ErrTimedOut or
	// kernelerr.ErrTerminationRequested respectively. A negative timeout
	// never elapses.
	BlockWithTimeout(C <-chan struct{}, timeout time.Duration) error
}

// Waiter is the struct which gets enqueued into buckets for wake up routines
// to scan and notify. Once a Waiter has been enqueued by waitPrepare(),
// callers may listen on C for wake up events.
type Waiter struct {
	// Synchronization:
	//
	// - A Waiter that is not enqueued in a bucket is exclusively owned (no
	// synchronization applies).
	//
	// - A Waiter is enqueued in a bucket by calling waitPrepare(). After this,
	// Entry, bucket, and addr are protected by the bucket.mu ("bucket lock")
	// of the containing bucket. Since bucket is mutated using atomic memory
	// operations, bucket.Load() may be called without holding the bucket
	// lock, although it may change racily. See waitComplete().
	//
	// - A Waiter is only guaranteed to be no longer queued after calling
	// waitComplete().

	// Entry links Waiter into bucket.waiters.
	ilist.Entry[Waiter]

	// bucket is the bucket this waiter is queued in. If bucket is nil, the
	// waiter is not waiting and is not in any bucket.
	bucket atomic.Pointer[bucket]

	// C is sent to when the Waiter is woken.
	C chan struct{}

	// addr is what this waiter is waiting on.
	addr hostarch.Addr
}

// NewWaiter returns a new unqueued Waiter.
func NewWaiter() *Waiter {
	return &Waiter{
		C: make(chan struct{}, 1),
	}
}

// woken returns true if w has been woken since the last call to waitPrepare.
func (w *Waiter) woken() bool {
	return len(w.C) != 0
}

// bucket holds a list of waiters for a given address hash.
type bucket struct {
	// mu protects waiters and contained Waiter state. See comment in Waiter.
	mu sync.Mutex

	waiters ilist.List[Waiter, *Waiter]
}

// wakeLocked wakes up to n waiters on addr, in queue order, and returns the
// number of waiters woken. n <= 0 wakes every waiter on addr.
//
// Preconditions: b.mu must be locked.
func (b *bucket) wakeLocked(addr hostarch.Addr, n int32) int {
	done := 0
	for w := b.waiters.Front(); (n <= 0 || done < int(n)) && w != nil; {
		if w.addr != addr {
			// Not matching.
			w = w.Next()
			continue
		}

		// Remove from the bucket and wake the waiter.
		woke := w
		w = w.Next() // Next iteration.
		b.waiters.Remove(woke)
		woke.C <- struct{}{}

		// NOTE: The above channel write establishes a write barrier according
		// to the memory model, so nothing may be ordered around it. Since
		// we've dequeued woke and will never touch it again, we can safely
		// store nil to woke.bucket here and allow the waitComplete() to
		// short-circuit grabbing the bucket lock. If they somehow miss the
		// store, we are still holding the lock, so we can know that they won't
		// dequeue woke, assume it's free and have the below operation
		// afterwards.
		woke.bucket.Store(nil)
		done++
	}
	return done
}

// countLocked returns the number of waiters on addr, counting no further than
// max. max <= 0 counts every waiter.
//
// Preconditions: b.mu must be locked.
func (b *bucket) countLocked(addr hostarch.Addr, max int) int {
	n := 0
	for w := b.waiters.Front(); w != nil && (max <= 0 || n < max); w = w.Next() {
		if w.addr == addr {
			n++
		}
	}
	return n
}

const (
	// bucketCount is the number of buckets per Manager. By having many of
	// these we reduce contention when concurrent yet unrelated calls are made.
	bucketCount     = 1 << bucketCountBits
	bucketCountBits = 10
)

// bucketIndexForAddr returns the index into Manager.buckets for addr.
func bucketIndexForAddr(addr hostarch.Addr) uintptr {
	// The bottom 2 bits of addr are always 0 and guest addresses are at most
	// 39 bits wide. The hash maps adjacent words to adjacent buckets, so
	// nearby synchronization words rarely share a bucket.
	a := uintptr(addr)
	h1 := (a >> 2) + (a >> 12) + (a >> 22)
	h2 := a >> 32
	return (h1 + h2) % bucketCount
}

// Manager holds arbiter state for a single guest address space.
type Manager struct {
	buckets [bucketCount]bucket
}

// NewManager returns an initialized arbiter manager.
func NewManager() *Manager {
	return &Manager{}
}

// lockBucket returns a locked bucket for the given addr.
func (m *Manager) lockBucket(addr hostarch.Addr) *bucket {
	b := &m.buckets[bucketIndexForAddr(addr)]
	b.mu.Lock()
	return b
}

func checkAddr(addr hostarch.Addr) error {
	if !hostarch.IsAligned(addr, 4) {
		return kernelerr.ErrInvalidAddress
	}
	return nil
}

// memoryError converts a Target failure into the result seen by the guest.
func memoryError(err error) error {
	if err != nil {
		return kernelerr.ErrInvalidAddressState
	}
	return nil
}

// waitPrepare atomically runs check, then enqueues w to be woken by a send to
// w.C. If waitPrepare returns nil, the Waiter must be subsequently removed by
// calling waitComplete, whether or not a wakeup is received on w.C.
func (m *Manager) waitPrepare(w *Waiter, addr hostarch.Addr, check func() error) error {
	// Prepare the Waiter before taking the bucket lock.
	select {
	case <-w.C:
	default:
	}
	w.addr = addr

	b := m.lockBucket(addr)
	// This function is very hot; avoid defer.

	// Perform our atomic check.
	if err := check(); err != nil {
		b.mu.Unlock()
		return err
	}

	// Add the waiter to the bucket.
	b.waiters.PushBack(w)
	w.bucket.Store(b)

	b.mu.Unlock()
	return nil
}

// waitComplete must be called when a Waiter previously added by waitPrepare
// is no longer eligible to be woken. It returns true if w was still queued,
// that is, if no wakeup claimed it. Exactly one of waitComplete and a wakeup
// dequeues w, which decides whether a racing timeout or signal wins.
func (m *Manager) waitComplete(w *Waiter) bool {
	// Remove w from the bucket it's in.
	for {
		b := w.bucket.Load()

		// If b is nil, the waiter isn't in any bucket anymore. This can't be
		// racy because the waiter can't be concurrently re-queued in another
		// bucket.
		if b == nil {
			return false
		}

		// Take the bucket lock. Note that without holding the bucket lock, the
		// waiter is not guaranteed to stay in that bucket, so after we take
		// the bucket lock, we must ensure that the bucket hasn't changed: if
		// it happens to have changed, we release the old bucket lock and try
		// again with the new bucket; if it hasn't changed, we know it won't
		// change now because we hold the lock.
		b.mu.Lock()
		if b != w.bucket.Load() {
			b.mu.Unlock()
			continue
		}

		// Remove w from b.
		b.waiters.Remove(w)
		w.bucket.Store(nil)
		b.mu.Unlock()
		return true
	}
}

// WaitForAddress blocks the thread b until the word at addr is signalled,
// provided the word satisfies the condition selected by typ:
//
//   - svc.WaitIfLessThan: the word, as a signed value, is less than value.
//   - svc.DecrementAndWaitIfLessThan: as WaitIfLessThan, and the word is
//     decremented if it is less than value.
//   - svc.WaitIfEqual: the word equals value.
//
// If the condition does not hold, WaitForAddress fails immediately with
// kernelerr.ErrInvalidState. A zero timeout fails with kernelerr.ErrTimedOut
// instead of waiting; a negative timeout waits indefinitely.
func (m *Manager) WaitForAddress(b Blocker, t Target, w *Waiter, addr hostarch.Addr, typ svc.ArbitrationType, value int32, timeout time.Duration) error {
	if err := checkAddr(addr); err != nil {
		return err
	}

	var check func() error
	switch typ {
	case svc.WaitIfLessThan, svc.DecrementAndWaitIfLessThan:
		decrement := typ == svc.DecrementAndWaitIfLessThan
		check = func() error {
			user, err := loadAndMaybeDecrement(t, addr, value, decrement)
			if err != nil {
				return err
			}
			if user >= value {
				return kernelerr.ErrInvalidState
			}
			return checkTimeout(timeout)
		}
	case svc.WaitIfEqual:
		check = func() error {
			user, err := t.LoadUint32(addr)
			if err != nil {
				return memoryError(err)
			}
			if int32(user) != value {
				return kernelerr.ErrInvalidState
			}
			return checkTimeout(timeout)
		}
	default:
		return kernelerr.ErrInvalidEnumValue
	}

	if b.Interrupted() {
		return kernelerr.ErrTerminationRequested
	}
	if err := m.waitPrepare(w, addr, check); err != nil {
		return err
	}
	err := b.BlockWithTimeout(w.C, timeout)
	if m.waitComplete(w) {
		// Nothing woke w: the timeout or interruption stands.
		if err == nil {
			panic("arbiter: waiter unblocked while still queued")
		}
		return err
	}
	return nil
}

func checkTimeout(timeout time.Duration) error {
	if timeout == 0 {
		return kernelerr.ErrTimedOut
	}
	return nil
}

// loadAndMaybeDecrement loads the word at addr and, if decrement is set and
// the word is less than value, atomically decrements it. It returns the value
// observed before any decrement.
func loadAndMaybeDecrement(t Target, addr hostarch.Addr, value int32, decrement bool) (int32, error) {
	for {
		cur, err := t.LoadUint32(addr)
		if err != nil {
			return 0, memoryError(err)
		}
		if !decrement || int32(cur) >= value {
			return int32(cur), nil
		}
		prev, err := t.CompareAndSwapUint32(addr, cur, cur-1)
		if err != nil {
			return 0, memoryError(err)
		}
		if prev == cur {
			return int32(cur), nil
		}
	}
}

// updateIfEqual atomically replaces the word at addr with newValue if it
// equals value.
func updateIfEqual(t Target, addr hostarch.Addr, value, newValue int32) error {
	for {
		cur, err := t.LoadUint32(addr)
		if err != nil {
			return memoryError(err)
		}
		if int32(cur) != value {
			return kernelerr.ErrInvalidState
		}
		if value == newValue {
			return nil
		}
		prev, err := t.CompareAndSwapUint32(addr, cur, uint32(newValue))
		if err != nil {
			return memoryError(err)
		}
		if prev == cur {
			return nil
		}
	}
}

// SignalToAddress wakes up to count threads waiting on addr, or all of them
// if count <= 0, after performing the update selected by typ:
//
//   - svc.Signal: no update.
//   - svc.IncrementAndSignalIfEqual: the word is incremented iff it equals
//     value.
//   - svc.ModifyByWaitingCountAndSignalIfEqual: the word is replaced iff it
//     equals value, with a value derived from the number of waiters.
//
// If the word does not equal value, nothing is woken and SignalToAddress
// fails with kernelerr.ErrInvalidState.
func (m *Manager) SignalToAddress(t Target, addr hostarch.Addr, typ svc.SignalType, value int32, count int32) error {
	if err := checkAddr(addr); err != nil {
		return err
	}

	switch typ {
	case svc.Signal:
		m.wake(addr, count)
		return nil

	case svc.IncrementAndSignalIfEqual:
		b := m.lockBucket(addr)
		defer b.mu.Unlock()
		if err := updateIfEqual(t, addr, value, value+1); err != nil {
			return err
		}
		b.wakeLocked(addr, count)
		return nil

	case svc.ModifyByWaitingCountAndSignalIfEqual:
		b := m.lockBucket(addr)
		defer b.mu.Unlock()
		newValue := modifiedValue(b, addr, value, count)
		if err := updateIfEqual(t, addr, value, newValue); err != nil {
			return err
		}
		b.wakeLocked(addr, count)
		return nil

	default:
		return kernelerr.ErrInvalidEnumValue
	}
}

// modifiedValue returns the value ModifyByWaitingCountAndSignalIfEqual stores
// when waking count waiters on addr:
//
//   - no waiters: value+1.
//   - count <= 0 (wake all): value-2.
//   - every waiter is woken: value-1.
//   - some waiters remain: value.
//
// Preconditions: b.mu must be locked.
func modifiedValue(b *bucket, addr hostarch.Addr, value, count int32) int32 {
	if count <= 0 {
		if b.countLocked(addr, 1) != 0 {
			return value - 2
		}
		return value + 1
	}
	n := b.countLocked(addr, int(count)+1)
	switch {
	case n == 0:
		return value + 1
	case n <= int(count):
		return value - 1
	default:
		return value
	}
}

// wake wakes up to n waiters on addr and returns the number woken.
func (m *Manager) wake(addr hostarch.Addr, n int32) int {
	b := m.lockBucket(addr)
	r := b.wakeLocked(addr, n)
	b.mu.Unlock()
	return r
}

// NumWaiters returns the number of threads waiting on addr.
func (m *Manager) NumWaiters(addr hostarch.Addr) int {
	b := m.lockBucket(addr)
	defer b.mu.Unlock()
	return b.countLocked(addr, 0)
}
