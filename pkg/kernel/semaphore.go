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
)

// Semaphore is a counting Synchronizer. Each acquire takes one unit.
type Semaphore struct {
	WaitObject

	k    *Kernel
	name string
	max  int32

	// count is protected by k.mu.
	count int32
}

// CreateSemaphore returns a semaphore holding initial of at most max units.
func (k *Kernel) CreateSemaphore(name string, initial, max int32) (*Semaphore, error) {
	if initial < 0 || max <= 0 || initial > max {
		return nil, kernelerr.ErrInvalidCombination
	}
	return &Semaphore{k: k, name: name, max: max, count: initial}, nil
}

// String implements fmt.Stringer.String.
func (s *Semaphore) String() string {
	return fmt.Sprintf("semaphore %q", s.name)
}

// ShouldWait implements Synchronizer.ShouldWait.
func (s *Semaphore) ShouldWait(*Thread) bool {
	return s.count <= 0
}

// Acquire implements Synchronizer.Acquire.
func (s *Semaphore) Acquire(t *Thread) {
	if s.ShouldWait(t) {
		panic(fmt.Sprintf("acquiring empty %v", s))
	}
	s.count--
}

// Release adds n units and wakes as many waiters as can now acquire one. It
// returns the previous count, or ErrOutOfRange if the count would exceed
// the maximum.
func (s *Semaphore) Release(n int32) (int32, error) {
	if n <= 0 {
		return 0, kernelerr.ErrOutOfRange
	}
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	if s.max-s.count < n {
		return 0, kernelerr.ErrOutOfRange
	}
	prev := s.count
	s.count += n
	s.k.wakeupAllWaitingThreadsLocked(s)
	return prev, nil
}

// Count returns the number of available units.
func (s *Semaphore) Count() int32 {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.count
}
