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

package limits

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/hle/pkg/errors/kernelerr"
)

func TestReserveWithinLimit(t *testing.T) {
	rl := NewResourceLimit()
	if err := rl.SetLimit(Events, 3); err != nil {
		t.Fatalf("SetLimit got err %v want nil", err)
	}
	if !rl.Reserve(Events, 2) {
		t.Fatalf("Reserve(2) of 3 failed")
	}
	if rl.Reserve(Events, 2) {
		t.Fatalf("Reserve(2) with 1 free succeeded")
	}
	if !rl.Reserve(Events, 1) {
		t.Fatalf("Reserve(1) with 1 free failed")
	}
	want := Limit{Limit: 3, Current: 3, Hint: 3, Peak: 3}
	if diff := cmp.Diff(want, rl.Get(Events)); diff != "" {
		t.Errorf("Get(Events) mismatch (-want +got):\n%s", diff)
	}
	rl.Release(Events, 3)
	if got := rl.CurrentValue(Events); got != 0 {
		t.Errorf("CurrentValue after release = %d, want 0", got)
	}
	if got := rl.PeakValue(Events); got != 3 {
		t.Errorf("PeakValue after release = %d, want 3", got)
	}
	if got := rl.FreeValue(Events); got != 3 {
		t.Errorf("FreeValue after release = %d, want 3", got)
	}
}

func TestReserveOverflow(t *testing.T) {
	rl := NewResourceLimit()
	if err := rl.SetLimit(PhysicalMemory, 1<<62); err != nil {
		t.Fatalf("SetLimit got err %v want nil", err)
	}
	if !rl.Reserve(PhysicalMemory, 1<<61) {
		t.Fatalf("Reserve(1<<61) failed")
	}
	if rl.Reserve(PhysicalMemory, 1<<63-1) {
		t.Errorf("overflowing Reserve succeeded")
	}
}

func TestSetLimitBelowCurrent(t *testing.T) {
	rl := NewDefault(0x1000)
	if !rl.Reserve(Threads, 10) {
		t.Fatalf("Reserve(Threads, 10) failed")
	}
	if err := rl.SetLimit(Threads, 9); err != kernelerr.ErrInvalidState {
		t.Errorf("SetLimit below current got err %v want %v", err, kernelerr.ErrInvalidState)
	}
	if err := rl.SetLimit(Threads, 10); err != nil {
		t.Errorf("SetLimit to current got err %v want nil", err)
	}
	if got := rl.LimitValue(Sessions); got != DefaultSessions {
		t.Errorf("default Sessions limit = %d, want %d", got, DefaultSessions)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	rl := NewDefault(0)
	if !rl.Reserve(Threads, 1) {
		t.Fatalf("Reserve(Threads, 1) failed")
	}
	rl.Release(Threads, 1)
	defer func() {
		if recover() == nil {
			t.Errorf("second Release did not panic")
		}
	}()
	rl.Release(Threads, 1)
}

func TestReserveFitsDespiteHint(t *testing.T) {
	rl := NewResourceLimit()
	if !rl.Reserve(Sessions, 0) {
		t.Errorf("Reserve(0) against a zero limit failed")
	}
	if err := rl.SetLimit(Events, 2); err != nil {
		t.Fatalf("SetLimit got err %v want nil", err)
	}
	if !rl.Reserve(Events, 2) {
		t.Fatalf("Reserve(2) of 2 failed")
	}
	// Releasing without retiring the hint leaves the hint at the limit.
	rl.ReleaseHint(Events, 1, 0)
	if !rl.Reserve(Events, 1) {
		t.Fatalf("Reserve(1) with 1 free failed")
	}
	if got := rl.CurrentValue(Events); got != 2 {
		t.Errorf("CurrentValue = %d, want 2", got)
	}
	if rl.Reserve(Events, 1) {
		t.Errorf("Reserve(1) with nothing free succeeded")
	}
}

func TestReserveWaitsForHintedRelease(t *testing.T) {
	rl := NewResourceLimit()
	if err := rl.SetLimit(Threads, 2); err != nil {
		t.Fatalf("SetLimit got err %v want nil", err)
	}
	if !rl.Reserve(Threads, 2) {
		t.Fatalf("Reserve(2) failed")
	}

	// Nothing announced as releasing: fails at once even with a timeout.
	if rl.ReserveWithTimeout(Threads, 1, time.Hour) {
		t.Fatalf("ReserveWithTimeout succeeded without any pending release")
	}

	// Announce one unit as about to be released, then release it later.
	rl.ReleaseHint(Threads, 0, 1)
	done := make(chan bool)
	go func() {
		done <- rl.ReserveWithTimeout(Threads, 1, -1)
	}()
	select {
	case ok := <-done:
		t.Fatalf("ReserveWithTimeout returned %t before the release", ok)
	case <-time.After(50 * time.Millisecond):
	}
	rl.ReleaseHint(Threads, 1, 0)
	if ok := <-done; !ok {
		t.Fatalf("ReserveWithTimeout failed after the release")
	}
	if got := rl.CurrentValue(Threads); got != 2 {
		t.Errorf("CurrentValue = %d, want 2", got)
	}
}

func TestReserveTimesOut(t *testing.T) {
	rl := NewResourceLimit()
	if err := rl.SetLimit(Sessions, 1); err != nil {
		t.Fatalf("SetLimit got err %v want nil", err)
	}
	if !rl.Reserve(Sessions, 1) {
		t.Fatalf("Reserve(1) failed")
	}
	rl.ReleaseHint(Sessions, 0, 1)
	start := time.Now()
	if rl.ReserveWithTimeout(Sessions, 1, 20*time.Millisecond) {
		t.Fatalf("ReserveWithTimeout succeeded with nothing released")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("ReserveWithTimeout returned after %v, before its timeout", elapsed)
	}
}

// TestConcurrentReserveRelease checks that Current never exceeds Limit and is
// restored once every reservation is released.
func TestConcurrentReserveRelease(t *testing.T) {
	const limit = 16
	rl := NewResourceLimit()
	if err := rl.SetLimit(Events, limit); err != nil {
		t.Fatalf("SetLimit got err %v want nil", err)
	}
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				if rl.Reserve(Events, 1) {
					if cur := rl.CurrentValue(Events); cur > limit {
						t.Errorf("CurrentValue = %d exceeds limit %d", cur, limit)
					}
					rl.Release(Events, 1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup got err %v want nil", err)
	}
	if got := rl.CurrentValue(Events); got != 0 {
		t.Errorf("CurrentValue after all releases = %d, want 0", got)
	}
	if peak := rl.PeakValue(Events); peak > limit {
		t.Errorf("PeakValue = %d exceeds limit %d", peak, limit)
	}
}

func TestParseLimitType(t *testing.T) {
	lt, err := ParseLimitType("threads")
	if err != nil || lt != Threads {
		t.Errorf("ParseLimitType(threads) = (%v, %v), want (Threads, nil)", lt, err)
	}
	if _, err := ParseLimitType("cpu"); err == nil {
		t.Errorf("ParseLimitType(cpu) got nil err")
	}
}

func TestScopedReservation(t *testing.T) {
	rl := NewResourceLimit()
	if err := rl.SetLimit(PhysicalMemory, 0x3000); err != nil {
		t.Fatalf("SetLimit got err %v want nil", err)
	}

	// Released on the failure path.
	func() {
		r := NewScopedReservation(rl, PhysicalMemory, 0x2000)
		if !r.Succeeded() {
			t.Fatalf("NewScopedReservation(0x2000) of 0x3000 failed")
		}
		defer r.Release()
		if got := rl.CurrentValue(PhysicalMemory); got != 0x2000 {
			t.Errorf("CurrentValue while held = %#x, want 0x2000", got)
		}
	}()
	if got := rl.CurrentValue(PhysicalMemory); got != 0 {
		t.Errorf("CurrentValue after uncommitted release = %#x, want 0", got)
	}

	// Kept once committed.
	r := NewScopedReservation(rl, PhysicalMemory, 0x3000)
	r.Commit()
	r.Release()
	if got := rl.CurrentValue(PhysicalMemory); got != 0x3000 {
		t.Errorf("CurrentValue after commit = %#x, want 0x3000", got)
	}

	// A failed reservation releases nothing.
	f := NewScopedReservation(rl, PhysicalMemory, 1)
	if f.Succeeded() {
		t.Fatalf("NewScopedReservation beyond the limit succeeded")
	}
	f.Release()
	if got := rl.CurrentValue(PhysicalMemory); got != 0x3000 {
		t.Errorf("CurrentValue after failed release = %#x, want 0x3000", got)
	}
}
