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

// Package ilist provides the implementation of intrusive linked lists.
package ilist

// Entry is the linkage embedded in list elements. An element of type T
// becomes linkable by embedding Entry[T].
//
// The zero value for Entry is an unlinked Entry.
type Entry[T any] struct {
	next *T
	prev *T
}

// Next returns the entry that follows e in the list.
func (e *Entry[T]) Next() *T {
	return e.next
}

// ListEntry returns e. It is promoted to types embedding Entry[T] so that
// they satisfy Linker.
func (e *Entry[T]) ListEntry() *Entry[T] {
	return e
}

// Linker is satisfied by *T for every T that embeds Entry[T].
type Linker[T any] interface {
	*T
	ListEntry() *Entry[T]
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type List[T any, P Linker[T]] struct {
	head *T
	tail *T
}

// Front returns the first element of list l or nil.
func (l *List[T, P]) Front() *T {
	return l.head
}

// PushBack inserts the element e at the back of list l.
//
// Preconditions: e is not in any list.
func (l *List[T, P]) PushBack(e *T) {
	le := P(e).ListEntry()
	le.next = nil
	le.prev = l.tail
	if l.tail != nil {
		P(l.tail).ListEntry().next = e
	} else {
		l.head = e
	}
	l.tail = e
}

// Remove removes e from l.
//
// Preconditions: e must be in l.
func (l *List[T, P]) Remove(e *T) {
	le := P(e).ListEntry()
	prev := le.prev
	next := le.next

	if prev != nil {
		P(prev).ListEntry().next = next
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		P(next).ListEntry().prev = prev
	} else if l.tail == e {
		l.tail = prev
	}

	le.next = nil
	le.prev = nil
}
