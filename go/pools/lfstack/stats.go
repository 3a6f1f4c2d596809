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

// counters are observation only. None of them take part in deciding when a
// node may be recycled.
type counters struct {
	pushes     atomic.Int64
	pops       atomic.Int64
	emptyPops  atomic.Int64
	live       atomic.Int64
	deferred   atomic.Int64
	recycled   atomic.Int64
	rechains   atomic.Int64
	poisonHits atomic.Int64
}

// Stats is a point-in-time snapshot of stack counters. Fields are read one
// at a time, so under concurrent use they need not be mutually consistent.
type Stats struct {
	// Pushes is the number of completed Push calls.
	Pushes int64 `json:"pushes" yaml:"pushes"`
	// Pops is the number of pops that returned a value.
	Pops int64 `json:"pops" yaml:"pops"`
	// EmptyPops is the number of pops that observed an empty stack.
	EmptyPops int64 `json:"empty_pops" yaml:"empty_pops"`
	// Live is the number of nodes handed out by the cache and not yet
	// recycled: nodes on the stack, on the deferred list, or in flight.
	Live int64 `json:"live" yaml:"live"`
	// Deferred is the number of nodes waiting on the deferred list.
	Deferred int64 `json:"deferred" yaml:"deferred"`
	// Recycled is the number of nodes returned to the cache.
	Recycled int64 `json:"recycled" yaml:"recycled"`
	// Rechains counts claimed deferred lists that had to be given back
	// because another popper arrived.
	Rechains int64 `json:"rechains" yaml:"rechains"`
	// PoisonHits counts dereferences of recycled nodes. Always zero unless
	// the stack was built WithPoisonCheck, and zero for a correct stack.
	PoisonHits int64 `json:"poison_hits" yaml:"poison_hits"`
}

// Stats returns a snapshot of the stack counters.
func (s *Stack[T]) Stats() Stats {
	return Stats{
		Pushes:     s.stats.pushes.Load(),
		Pops:       s.stats.pops.Load(),
		EmptyPops:  s.stats.emptyPops.Load(),
		Live:       s.stats.live.Load(),
		Deferred:   s.stats.deferred.Load(),
		Recycled:   s.stats.recycled.Load(),
		Rechains:   s.stats.rechains.Load(),
		PoisonHits: s.stats.poisonHits.Load(),
	}
}
