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
	"sync"
)

// Scheduler is told when threads enter and leave the ready state. Time
// slicing and core assignment are left to the implementation.
//
// Both methods are called with Kernel.mu locked and must not block or call
// back into the kernel.
type Scheduler interface {
	// Schedule is called when t becomes ready to run.
	Schedule(t *Thread)

	// Unschedule is called when t stops being ready: it started running,
	// or it died.
	Unschedule(t *Thread)
}

// ReadyQueue is a Scheduler that keeps ready threads in per-priority FIFO
// queues. It is safe to inspect concurrently with the kernel.
type ReadyQueue struct {
	mu sync.Mutex

	// queues is indexed by priority.
	queues [64][]*Thread

	// scheduled counts calls to Schedule.
	scheduled uint64
}

// NewReadyQueue returns an empty ReadyQueue.
func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{}
}

// Schedule implements Scheduler.Schedule.
func (q *ReadyQueue) Schedule(t *Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := t.priority
	if !slices.Contains(q.queues[p], t) {
		q.queues[p] = append(q.queues[p], t)
	}
	q.scheduled++
}

// Unschedule implements Scheduler.Unschedule.
func (q *ReadyQueue) Unschedule(t *Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := t.priority
	if i := slices.Index(q.queues[p], t); i >= 0 {
		q.queues[p] = slices.Delete(q.queues[p], i, i+1)
	}
}

// Ready returns the ready threads, highest priority first.
func (q *ReadyQueue) Ready() []*Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ts []*Thread
	for _, queue := range q.queues {
		ts = append(ts, queue...)
	}
	return ts
}

// Next returns the thread that would run next, or nil.
func (q *ReadyQueue) Next() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queue := range q.queues {
		if len(queue) != 0 {
			return queue[0]
		}
	}
	return nil
}

// Scheduled returns the number of times a thread was made ready.
func (q *ReadyQueue) Scheduled() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scheduled
}
