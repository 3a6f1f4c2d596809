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

package lfstack

import "sync/atomic"

// node is a link in either the stack or the deferred list, never both.
type node[T any] struct {
	// holder is the value cell. It is nil once the value has been taken by
	// the popper that unlinked the node.
	holder *T

	// next is read by poppers racing on a stale snapshot, and rewritten
	// when the node moves onto the deferred list, so it must be atomic.
	next atomic.Pointer[node[T]]

	// poisoned is set while the node sits in the cache. Only maintained
	// when the stack was built WithPoisonCheck.
	poisoned atomic.Bool
}

// alloc returns a cleared node, reusing a recycled one when possible.
func (s *Stack[T]) alloc() *node[T] {
	n, _ := s.cache.Get().(*node[T])
	if n == nil {
		n = &node[T]{}
	}
	if s.poisonCheck {
		n.poisoned.Store(false)
	}
	s.stats.live.Add(1)
	return n
}

// recycle clears n and returns it to the cache. n must not be reachable by
// any popper.
func (s *Stack[T]) recycle(n *node[T]) {
	n.holder = nil
	n.next.Store(nil)
	if s.poisonCheck {
		n.poisoned.Store(true)
	}
	s.stats.live.Add(-1)
	s.stats.recycled.Add(1)
	s.cache.Put(n)
}

// recycleChain recycles every node of the chain starting at n and returns
// how many there were.
func (s *Stack[T]) recycleChain(n *node[T]) int {
	count := 0
	for n != nil {
		next := n.next.Load()
		s.recycle(n)
		n = next
		count++
	}
	return count
}

// checkPoison records a dereference of a node that has already been
// recycled.
func (s *Stack[T]) checkPoison(n *node[T]) {
	if s.poisonCheck && n.poisoned.Load() {
		s.stats.poisonHits.Add(1)
	}
}

// lastNode returns the tail of the chain starting at n.
func lastNode[T any](n *node[T]) *node[T] {
	for {
		next := n.next.Load()
		if next == nil {
			return n
		}
		n = next
	}
}
