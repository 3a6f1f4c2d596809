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

// tryReclaim ends the pop attempt started by pop. popped is the node the
// caller unlinked, or nil if the stack was empty.
//
// Nodes are recycled only when this goroutine can show it was the sole
// popper: the counter read one before the deferred list was claimed, and
// the decrement brought it to zero. Any popper that entered in between may
// be walking the claimed nodes, so they go back on the deferred list.
func (s *Stack[T]) tryReclaim(popped *node[T]) {
	if s.poppers.Load() != 1 {
		if popped != nil {
			s.chainDeferred(popped, popped)
			s.stats.deferred.Add(1)
		}
		s.poppers.Add(-1)
		return
	}

	claimed := s.deferred.Swap(nil)
	if s.poppers.Add(-1) == 0 {
		s.stats.deferred.Add(-int64(s.recycleChain(claimed)))
	} else if claimed != nil {
		s.chainDeferred(claimed, lastNode(claimed))
		s.stats.rechains.Add(1)
	}

	// popped was unlinked before the counter read one, so every popper
	// that could have seen it had already left, and poppers arriving
	// later cannot reach it from head.
	if popped != nil {
		s.recycle(popped)
	}
}

// chainDeferred pushes the chain first..last onto the deferred list.
func (s *Stack[T]) chainDeferred(first, last *node[T]) {
	for {
		old := s.deferred.Load()
		last.next.Store(old)
		if s.deferred.CompareAndSwap(old, first) {
			return
		}
	}
}
