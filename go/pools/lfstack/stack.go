// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lfstack provides a lock-free LIFO stack safe for concurrent use by
// any number of pushers and poppers.
//
// Popped nodes are recycled through a per-stack node cache so that steady
// push/pop traffic does not allocate. Recycling a node while another popper
// still holds a reference to it would let that node reappear at the top of
// the stack under the popper's feet (the ABA problem), so nodes are only
// recycled once the stack can prove that no popper can still see them.
//
// The proof is a popper counter. Every pop attempt increments the counter
// before it reads the top of the stack and decrements it on the way out.
// Nodes unlinked while other poppers are active go onto a deferred list. A
// popper that observes itself as the only active one may claim the deferred
// list, and recycles the claimed nodes only if its own decrement takes the
// counter to zero. Otherwise the claimed nodes are chained back onto the
// deferred list for a later popper to deal with.
package lfstack

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Stack is a lock-free LIFO stack of values of type T.
//
// The zero value is an empty stack ready to use. A Stack must not be copied
// after first use.
type Stack[T any] struct {
	// head is the top of the stack.
	head atomic.Pointer[node[T]]

	// deferred chains nodes that were popped while other poppers were
	// active and which cannot be recycled yet.
	deferred atomic.Pointer[node[T]]

	// poppers counts goroutines currently inside a pop attempt.
	poppers atomic.Int64

	// cache holds recycled nodes for reuse by Push.
	cache sync.Pool

	poisonCheck bool
	stats       counters
}

// New returns an empty stack configured with the given options.
func New[T any](opts ...Option) *Stack[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Stack[T]{
		poisonCheck: o.poisonCheck,
	}
}

// Push adds v to the top of the stack.
// This operation is lock-free and never blocks.
func (s *Stack[T]) Push(v T) {
	n := s.alloc()
	n.holder = &v

	top := s.head.Load()
	for {
		n.next.Store(top)
		if s.head.CompareAndSwap(top, n) {
			s.stats.pushes.Add(1)
			return
		}

		// CAS failed due to contention, yield and retry
		runtime.Gosched()
		top = s.head.Load()
	}
}

// TryPop removes the value at the top of the stack and returns a pointer to
// it. The returned pointer is owned by the caller; the stack keeps no
// reference to it. Returns nil and false if the stack was observed empty.
func (s *Stack[T]) TryPop() (*T, bool) {
	n := s.pop()

	var v *T
	if n != nil {
		s.checkPoison(n)
		v = n.holder
		n.holder = nil
	}
	s.tryReclaim(n)

	if v == nil {
		s.stats.emptyPops.Add(1)
		return nil, false
	}
	s.stats.pops.Add(1)
	return v, true
}

// TryPopInto removes the value at the top of the stack and moves it into
// out. Returns false, leaving out untouched, if the stack was observed
// empty.
func (s *Stack[T]) TryPopInto(out *T) bool {
	n := s.pop()

	ok := n != nil
	if ok {
		s.checkPoison(n)
		*out = *n.holder
		n.holder = nil
	}
	s.tryReclaim(n)

	if !ok {
		s.stats.emptyPops.Add(1)
		return false
	}
	s.stats.pops.Add(1)
	return true
}

// pop enters a pop attempt and unlinks the top node.
// It returns nil if the stack was empty. The caller must pass the result to
// tryReclaim, which ends the attempt.
func (s *Stack[T]) pop() *node[T] {
	// The counter must be raised before head is read; a reclaimer that sees
	// a count of one relies on every popper holding a node being counted.
	s.poppers.Add(1)

	top := s.head.Load()
	for top != nil {
		s.checkPoison(top)
		if s.head.CompareAndSwap(top, top.next.Load()) {
			break
		}
		runtime.Gosched()
		top = s.head.Load()
	}
	return top
}

// Close discards every value left on the stack and recycles all nodes,
// including those still waiting on the deferred list. It returns the number
// of values discarded.
//
// Close must only be called once no other goroutine can use the stack. The
// stack remains usable afterwards.
func (s *Stack[T]) Close() int {
	discarded := 0
	var v T
	for s.TryPopInto(&v) {
		discarded++
	}

	leftover := s.deferred.Swap(nil)
	s.stats.deferred.Add(-int64(s.recycleChain(leftover)))
	return discarded
}

// IsEmpty reports whether the stack was empty at the instant of the check.
// The result may be immediately invalidated by concurrent operations.
func (s *Stack[T]) IsEmpty() bool {
	return s.head.Load() == nil
}

// Len returns the number of values pushed minus the number popped. Under
// concurrent use it is only an approximation.
func (s *Stack[T]) Len() int64 {
	return s.stats.pushes.Load() - s.stats.pops.Load()
}
