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

package arbiter

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
)

// testData implements the Target interface, and allows us to treat the
// address passed for wait/signal as an index in a word slice.
type testData []uint32

// newTestData creates a new testData of the given number of words.
func newTestData(words int) testData {
	return make(testData, words)
}

func (t testData) word(addr hostarch.Addr) (*uint32, error) {
	i := int(addr / 4)
	if i >= len(t) {
		return nil, kernelerr.ErrInvalidAddress
	}
	return &t[i], nil
}

func (t testData) LoadUint32(addr hostarch.Addr) (uint32, error) {
	p, err := t.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

func (t testData) CompareAndSwapUint32(addr hostarch.Addr, old, new uint32) (uint32, error) {
	p, err := t.word(addr)
	if err != nil {
		return 0, err
	}
	for {
		if atomic.CompareAndSwapUint32(p, old, new) {
			return old, nil
		}
		if cur := atomic.LoadUint32(p); cur != old {
			return cur, nil
		}
	}
}

func (t testData) set(addr hostarch.Addr, v int32) {
	atomic.StoreUint32(&t[addr/4], uint32(v))
}

func (t testData) get(addr hostarch.Addr) int32 {
	return int32(atomic.LoadUint32(&t[addr/4]))
}

// testBlocker implements Blocker.
type testBlocker struct {
	interrupted atomic.Bool
	interruptC  chan struct{}
}

func newTestBlocker() *testBlocker {
	return &testBlocker{interruptC: make(chan struct{})}
}

func (b *testBlocker) Interrupted() bool {
	return b.interrupted.Load()
}

func (b *testBlocker) interrupt() {
	b.interrupted.Store(true)
	close(b.interruptC)
}

func (b *testBlocker) BlockWithTimeout(C <-chan struct{}, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-C:
		return nil
	case <-deadline:
		return kernelerr.ErrTimedOut
	case <-b.interruptC:
		return kernelerr.ErrTerminationRequested
	}
}

// newPreparedTestWaiter returns a Waiter queued on addr without blocking.
func newPreparedTestWaiter(t *testing.T, m *Manager, addr hostarch.Addr) *Waiter {
	w := NewWaiter()
	if err := m.waitPrepare(w, addr, func() error { return nil }); err != nil {
		t.Fatalf("waitPrepare got err %v, wanted nil", err)
	}
	return w
}

// waitForWaiters spins until n threads wait on addr.
func waitForWaiters(t *testing.T, m *Manager, addr hostarch.Addr, n int) {
	deadline := time.Now().Add(10 * time.Second)
	for m.NumWaiters(addr) != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters on %#x, have %d", n, addr, m.NumWaiters(addr))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWaitIfEqualMismatch(t *testing.T) {
	m := NewManager()
	d := newTestData(4)
	d.set(0, 5)
	err := m.WaitForAddress(newTestBlocker(), d, NewWaiter(), 0, svc.WaitIfEqual, 6, -1)
	if err != kernelerr.ErrInvalidState {
		t.Fatalf("WaitIfEqual on mismatching word got err %v, wanted %v", err, kernelerr.ErrInvalidState)
	}
	if n := m.NumWaiters(0); n != 0 {
		t.Errorf("%d waiters queued after failed wait", n)
	}
}

func TestWaitZeroTimeout(t *testing.T) {
	m := NewManager()
	d := newTestData(4)
	d.set(4, 5)
	if err := m.WaitForAddress(newTestBlocker(), d, NewWaiter(), 4, svc.WaitIfEqual, 5, 0); err != kernelerr.ErrTimedOut {
		t.Fatalf("WaitIfEqual with zero timeout got err %v, wanted %v", err, kernelerr.ErrTimedOut)
	}
	if n := m.NumWaiters(4); n != 0 {
		t.Errorf("%d waiters queued after zero-timeout wait", n)
	}
}

func TestWaitIfLessThan(t *testing.T) {
	for _, tc := range []struct {
		name      string
		typ       svc.ArbitrationType
		word      int32
		value     int32
		wantErr   error
		wantAfter int32
	}{
		{"less", svc.WaitIfLessThan, 5, 10, kernelerr.ErrTimedOut, 5},
		{"equal", svc.WaitIfLessThan, 10, 10, kernelerr.ErrInvalidState, 10},
		{"negative", svc.WaitIfLessThan, -1, 0, kernelerr.ErrTimedOut, -1},
		{"decrement", svc.DecrementAndWaitIfLessThan, 5, 10, kernelerr.ErrTimedOut, 4},
		{"no decrement when not less", svc.DecrementAndWaitIfLessThan, 11, 10, kernelerr.ErrInvalidState, 11},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager()
			d := newTestData(4)
			d.set(8, tc.word)
			err := m.WaitForAddress(newTestBlocker(), d, NewWaiter(), 8, tc.typ, tc.value, 0)
			if err != tc.wantErr {
				t.Errorf("WaitForAddress got err %v, wanted %v", err, tc.wantErr)
			}
			if got := d.get(8); got != tc.wantAfter {
				t.Errorf("word after wait = %d, want %d", got, tc.wantAfter)
			}
		})
	}
}

func TestWaitArgumentErrors(t *testing.T) {
	m := NewManager()
	d := newTestData(4)
	if err := m.WaitForAddress(newTestBlocker(), d, NewWaiter(), 2, svc.WaitIfEqual, 0, 0); err != kernelerr.ErrInvalidAddress {
		t.Errorf("misaligned wait got err %v, wanted %v", err, kernelerr.ErrInvalidAddress)
	}
	if err := m.WaitForAddress(newTestBlocker(), d, NewWaiter(), 0, svc.ArbitrationType(7), 0, 0); err != kernelerr.ErrInvalidEnumValue {
		t.Errorf("bad arbitration type got err %v, wanted %v", err, kernelerr.ErrInvalidEnumValue)
	}
	if err := m.WaitForAddress(newTestBlocker(), d, NewWaiter(), 0x100, svc.WaitIfEqual, 0, 0); err != kernelerr.ErrInvalidAddressState {
		t.Errorf("wait on unmapped word got err %v, wanted %v", err, kernelerr.ErrInvalidAddressState)
	}
	if err := m.SignalToAddress(d, 6, svc.Signal, 0, 1); err != kernelerr.ErrInvalidAddress {
		t.Errorf("misaligned signal got err %v, wanted %v", err, kernelerr.ErrInvalidAddress)
	}
	if err := m.SignalToAddress(d, 0, svc.SignalType(9), 0, 1); err != kernelerr.ErrInvalidEnumValue {
		t.Errorf("bad signal type got err %v, wanted %v", err, kernelerr.ErrInvalidEnumValue)
	}
}

func TestWaitInterrupted(t *testing.T) {
	m := NewManager()
	d := newTestData(4)

	b := newTestBlocker()
	b.interrupt()
	if err := m.WaitForAddress(b, d, NewWaiter(), 0, svc.WaitIfEqual, 0, -1); err != kernelerr.ErrTerminationRequested {
		t.Fatalf("wait by interrupted thread got err %v, wanted %v", err, kernelerr.ErrTerminationRequested)
	}

	b = newTestBlocker()
	errC := make(chan error, 1)
	go func() {
		errC <- m.WaitForAddress(b, d, NewWaiter(), 0, svc.WaitIfEqual, 0, -1)
	}()
	waitForWaiters(t, m, 0, 1)
	b.interrupt()
	if err := <-errC; err != kernelerr.ErrTerminationRequested {
		t.Fatalf("interrupted wait got err %v, wanted %v", err, kernelerr.ErrTerminationRequested)
	}
	if n := m.NumWaiters(0); n != 0 {
		t.Errorf("%d waiters queued after interrupted wait", n)
	}
}

func TestSignalFIFO(t *testing.T) {
	m := NewManager()
	d := newTestData(4)
	const n = 4

	order := make(chan int, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			err := m.WaitForAddress(newTestBlocker(), d, NewWaiter(), 0, svc.WaitIfEqual, 0, -1)
			order <- i
			return err
		})
		// Enqueue strictly in order.
		waitForWaiters(t, m, 0, i+1)
	}

	for i := 0; i < n; i++ {
		if err := m.SignalToAddress(d, 0, svc.Signal, 0, 1); err != nil {
			t.Fatalf("Signal got err %v, wanted nil", err)
		}
		if got := <-order; got != i {
			t.Fatalf("signal %d woke waiter %d, want %d", i, got, i)
		}
	}
	if err := g.Wait(); err != nil {
		t.Errorf("waiter got err %v, wanted nil", err)
	}
}

func TestSignalAll(t *testing.T) {
	m := NewManager()
	d := newTestData(4)
	ws := []*Waiter{
		newPreparedTestWaiter(t, m, 0),
		newPreparedTestWaiter(t, m, 4),
		newPreparedTestWaiter(t, m, 0),
		newPreparedTestWaiter(t, m, 0),
	}
	if err := m.SignalToAddress(d, 0, svc.Signal, 0, -1); err != nil {
		t.Fatalf("Signal got err %v, wanted nil", err)
	}
	for i, want := range []bool{true, false, true, true} {
		if got := ws[i].woken(); got != want {
			t.Errorf("waiter %d woken = %t, want %t", i, got, want)
		}
	}
	if n := m.NumWaiters(4); n != 1 {
		t.Errorf("NumWaiters(4) = %d, want 1", n)
	}
}

func TestIncrementAndSignalIfEqual(t *testing.T) {
	m := NewManager()
	d := newTestData(4)
	d.set(0, 3)
	w1 := newPreparedTestWaiter(t, m, 0)
	w2 := newPreparedTestWaiter(t, m, 0)

	if err := m.SignalToAddress(d, 0, svc.IncrementAndSignalIfEqual, 4, 1); err != kernelerr.ErrInvalidState {
		t.Fatalf("IncrementAndSignalIfEqual on mismatch got err %v, wanted %v", err, kernelerr.ErrInvalidState)
	}
	if d.get(0) != 3 || w1.woken() || w2.woken() {
		t.Fatalf("mismatched signal modified state: word %d, woken %t %t", d.get(0), w1.woken(), w2.woken())
	}

	if err := m.SignalToAddress(d, 0, svc.IncrementAndSignalIfEqual, 3, 1); err != nil {
		t.Fatalf("IncrementAndSignalIfEqual got err %v, wanted nil", err)
	}
	if got := d.get(0); got != 4 {
		t.Errorf("word = %d, want 4", got)
	}
	if !w1.woken() || w2.woken() {
		t.Errorf("woken = %t %t, want true false", w1.woken(), w2.woken())
	}
}

func TestModifyByWaitingCountAndSignalIfEqual(t *testing.T) {
	for _, tc := range []struct {
		name      string
		waiters   int
		count     int32
		wantWord  int32
		wantWoken int
	}{
		{"no waiters", 0, 1, 11, 0},
		{"no waiters wake all", 0, -1, 11, 0},
		{"wake all", 3, -1, 8, 3},
		{"wake exactly all", 3, 3, 9, 3},
		{"wake more than waiting", 2, 5, 9, 2},
		{"some remain", 3, 2, 10, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager()
			d := newTestData(4)
			d.set(0, 10)
			var ws []*Waiter
			for i := 0; i < tc.waiters; i++ {
				ws = append(ws, newPreparedTestWaiter(t, m, 0))
			}
			if err := m.SignalToAddress(d, 0, svc.ModifyByWaitingCountAndSignalIfEqual, 10, tc.count); err != nil {
				t.Fatalf("SignalToAddress got err %v, wanted nil", err)
			}
			if got := d.get(0); got != tc.wantWord {
				t.Errorf("word = %d, want %d", got, tc.wantWord)
			}
			woken := 0
			for i, w := range ws {
				if w.woken() {
					woken++
					if i >= tc.wantWoken {
						t.Errorf("waiter %d woken out of order", i)
					}
				}
			}
			if woken != tc.wantWoken {
				t.Errorf("woke %d waiters, want %d", woken, tc.wantWoken)
			}
		})
	}
}

func TestModifyByWaitingCountMismatch(t *testing.T) {
	m := NewManager()
	d := newTestData(4)
	d.set(0, 10)
	w := newPreparedTestWaiter(t, m, 0)
	if err := m.SignalToAddress(d, 0, svc.ModifyByWaitingCountAndSignalIfEqual, 9, 1); err != kernelerr.ErrInvalidState {
		t.Fatalf("mismatched signal got err %v, wanted %v", err, kernelerr.ErrInvalidState)
	}
	if d.get(0) != 10 || w.woken() {
		t.Errorf("mismatched signal modified state: word %d, woken %t", d.get(0), w.woken())
	}
}

// TestTimeoutSignalRace checks that a wait racing a timeout against a signal
// resolves exactly once: the waiter reports success iff the signal woke it.
func TestTimeoutSignalRace(t *testing.T) {
	m := NewManager()
	d := newTestData(4)
	for i := 0; i < 200; i++ {
		errC := make(chan error, 1)
		go func() {
			errC <- m.WaitForAddress(newTestBlocker(), d, NewWaiter(), 0, svc.WaitIfEqual, 0, 50*time.Microsecond)
		}()
		time.Sleep(time.Duration(i%5) * 20 * time.Microsecond)
		woke := m.wake(0, 1)
		err := <-errC
		switch {
		case err == nil && woke != 1:
			t.Fatalf("iteration %d: wait succeeded but signal woke %d", i, woke)
		case err == kernelerr.ErrTimedOut && woke != 0:
			t.Fatalf("iteration %d: wait timed out but signal woke %d", i, woke)
		case err != nil && err != kernelerr.ErrTimedOut:
			t.Fatalf("iteration %d: wait got err %v", i, err)
		}
		if n := m.NumWaiters(0); n != 0 {
			t.Fatalf("iteration %d: %d waiters left queued", i, n)
		}
	}
}
